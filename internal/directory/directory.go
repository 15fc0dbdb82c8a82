// Package directory is the narrow lookup contract to the organization's
// identity directory, plus the bounded-time and retrying wrappers the task
// core expects around it.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ent0n29/humantasks/internal/definition"
)

// ErrUnavailable reports that the directory could not answer a lookup.
var ErrUnavailable = errors.New("directory unavailable")

// Resolver resolves a people-assignment expression to principal identifiers.
// Implementations may return zero, one or many principals.
type Resolver interface {
	ResolveExpression(ctx context.Context, expr definition.Expression) ([]string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, expr definition.Expression) ([]string, error)

func (f ResolverFunc) ResolveExpression(ctx context.Context, expr definition.Expression) ([]string, error) {
	return f(ctx, expr)
}

// WithTimeout bounds every lookup by d. A lookup that runs out of time fails
// with ErrUnavailable.
func WithTimeout(r Resolver, d time.Duration) Resolver {
	if d <= 0 {
		return r
	}
	return ResolverFunc(func(ctx context.Context, expr definition.Expression) ([]string, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		out, err := r.ResolveExpression(ctx, expr)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: lookup %s timed out after %s", ErrUnavailable, expr, d)
			}
			return nil, err
		}
		return out, nil
	})
}

// WithRetry retries lookups failing with ErrUnavailable using exponential
// backoff for at most maxElapsed. Other errors are returned immediately.
func WithRetry(r Resolver, maxElapsed time.Duration) Resolver {
	if maxElapsed <= 0 {
		return r
	}
	return ResolverFunc(func(ctx context.Context, expr definition.Expression) ([]string, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxElapsedTime = maxElapsed

		var out []string
		err := backoff.Retry(func() error {
			res, err := r.ResolveExpression(ctx, expr)
			if err == nil {
				out = res
				return nil
			}
			if errors.Is(err, ErrUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrUnavailable) {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctxErr)
			}
			return nil, err
		}
		return out, nil
	})
}

// Observed reports each lookup's duration and outcome to observe.
func Observed(r Resolver, observe func(d time.Duration, err error)) Resolver {
	if observe == nil {
		return r
	}
	return ResolverFunc(func(ctx context.Context, expr definition.Expression) ([]string, error) {
		start := time.Now()
		out, err := r.ResolveExpression(ctx, expr)
		observe(time.Since(start), err)
		return out, err
	})
}
