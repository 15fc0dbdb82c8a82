// Package assignment evaluates a definition's people-assignment clauses into
// concrete principal sets for one task instance.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/directory"
)

// ErrDirectoryUnavailable is returned when resolution cannot complete because
// the directory did not answer.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

// Context is the per-instance data expressions may reference.
type Context struct {
	Initiator string
	Input     map[string]any
}

type Resolver struct {
	directory   directory.Resolver
	concurrency int
}

func NewResolver(dir directory.Resolver) *Resolver {
	return &Resolver{directory: dir, concurrency: 8}
}

// Resolve evaluates all four roles. Identical directory state and context
// always yield identical sets.
func (r *Resolver) Resolve(ctx context.Context, people definition.PeopleAssignments, rc Context) (Sets, error) {
	roles := [4][]definition.Expression{
		people.PotentialOwners,
		people.ExcludedOwners,
		people.BusinessAdministrators,
		people.Stakeholders,
	}
	var resolved [4][]string
	for i, exprs := range roles {
		out, err := r.ResolveTargets(ctx, exprs, rc)
		if err != nil {
			return Sets{}, err
		}
		resolved[i] = out
	}
	return Sets{
		PotentialOwners:        resolved[0],
		ExcludedOwners:         resolved[1],
		BusinessAdministrators: resolved[2],
		Stakeholders:           resolved[3],
	}, nil
}

// ResolveTargets evaluates exprs concurrently and returns the sorted,
// deduplicated union of their principals.
func (r *Resolver) ResolveTargets(ctx context.Context, exprs []definition.Expression, rc Context) ([]string, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	results := make([][]string, len(exprs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, expr := range exprs {
		g.Go(func() error {
			out, err := r.evaluate(gctx, expr, rc)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Union(results...), nil
}

func (r *Resolver) evaluate(ctx context.Context, expr definition.Expression, rc Context) ([]string, error) {
	bound, ok := bind(expr, rc)
	if !ok {
		// A reference to absent context data names nobody.
		return nil, nil
	}
	if lit, isLiteral := bound.(definition.Literal); isLiteral {
		return []string{lit.Principal}, nil
	}
	if r.directory == nil {
		return nil, fmt.Errorf("%w: no directory configured for %s", ErrDirectoryUnavailable, bound)
	}
	out, err := r.directory.ResolveExpression(ctx, bound)
	if err != nil {
		if errors.Is(err, directory.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}
		return nil, fmt.Errorf("resolve %s: %w", bound, err)
	}
	return out, nil
}

// bind substitutes $initiator and $input.<field> references.
func bind(expr definition.Expression, rc Context) (definition.Expression, bool) {
	switch e := expr.(type) {
	case definition.Literal:
		if !strings.HasPrefix(e.Principal, "$") {
			return e, true
		}
		v, ok := definition.LookupInput(e.Principal, rc.Input, rc.Initiator)
		return definition.Literal{Principal: v}, ok
	case definition.GroupRef:
		if !strings.HasPrefix(e.Group, "$") {
			return e, true
		}
		v, ok := definition.LookupInput(e.Group, rc.Input, rc.Initiator)
		return definition.GroupRef{Group: v}, ok
	case definition.RoleExpr:
		if !strings.HasPrefix(e.Of, "$") {
			return e, true
		}
		v, ok := definition.LookupInput(e.Of, rc.Input, rc.Initiator)
		return definition.RoleExpr{Role: e.Role, Of: v}, ok
	default:
		return expr, true
	}
}
