package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/reliability"
)

// connectRetryWindow bounds how long startup waits for a database that is
// still coming up.
const connectRetryWindow = 15 * time.Second

// PostgresRepository persists instances in PostgreSQL. Optimistic concurrency
// is enforced by the version column in the UPDATE predicate.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	err = retryTransient(ctx, connectRetryWindow, func() error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		return initTaskSchema(ctx, pool)
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

// retryTransient runs op until it succeeds, fails permanently or maxElapsed
// passes. Only errors reliability classifies as transient are retried.
func retryTransient(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !reliability.IsTransientDBError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_instances (
			id TEXT PRIMARY KEY,
			def_namespace TEXT NOT NULL,
			def_name TEXT NOT NULL,
			def_version INTEGER NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			prior_state TEXT NOT NULL DEFAULT '',
			initiator TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			assignments JSONB NOT NULL,
			granted JSONB NOT NULL,
			input JSONB NOT NULL,
			output JSONB NULL,
			fault JSONB NULL,
			deadlines JSONB NOT NULL,
			escalations JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL,
			version BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_instances_state ON task_instances (state);`,
		`CREATE INDEX IF NOT EXISTS idx_task_instances_definition ON task_instances (def_namespace, def_name, def_version);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const selectInstanceColumns = `id, def_namespace, def_name, def_version, kind, name, description, state, prior_state,
	initiator, owner, assignments, granted, input, output, fault, deadlines, escalations,
	created_at, updated_at, claimed_at, started_at, completed_at, version`

type instanceDocs struct {
	assignments []byte
	granted     []byte
	input       []byte
	output      []byte
	fault       []byte
	deadlines   []byte
	escalations []byte
}

func encodeDocs(inst Instance) (instanceDocs, error) {
	var (
		docs instanceDocs
		err  error
	)
	enc := func(v any, nullable bool) []byte {
		if err != nil {
			return nil
		}
		if nullable && isNil(v) {
			return nil
		}
		var b []byte
		b, err = json.Marshal(v)
		return b
	}
	input := inst.Input
	if input == nil {
		input = map[string]any{}
	}
	deadlines := inst.Deadlines
	if deadlines == nil {
		deadlines = []definition.ScheduledDeadline{}
	}
	escalations := inst.Escalations
	if escalations == nil {
		escalations = []EscalationRecord{}
	}
	docs.assignments = enc(inst.Assignments, false)
	docs.granted = enc(inst.Granted, false)
	docs.input = enc(input, false)
	docs.output = enc(inst.Output, true)
	docs.fault = enc(inst.Fault, true)
	docs.deadlines = enc(deadlines, false)
	docs.escalations = enc(escalations, false)
	if err != nil {
		return instanceDocs{}, fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	return docs, nil
}

func isNil(v any) bool {
	switch x := v.(type) {
	case map[string]any:
		return x == nil
	case *Fault:
		return x == nil
	default:
		return v == nil
	}
}

func (s *PostgresRepository) Save(ctx context.Context, inst Instance, expectedVersion int64) error {
	docs, err := encodeDocs(inst)
	if err != nil {
		return err
	}
	args := []any{
		inst.ID,
		inst.Definition.Namespace,
		inst.Definition.Name,
		inst.Definition.Version,
		string(inst.Kind),
		inst.Name,
		inst.Description,
		string(inst.State),
		string(inst.PriorState),
		inst.Initiator,
		inst.Owner,
		docs.assignments,
		docs.granted,
		docs.input,
		docs.output,
		docs.fault,
		docs.deadlines,
		docs.escalations,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.ClaimedAt,
		inst.StartedAt,
		inst.CompletedAt,
		inst.Version,
	}

	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO task_instances (`+selectInstanceColumns+`) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
			) ON CONFLICT (id) DO NOTHING`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("insert task instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s already exists", ErrVersionConflict, inst.ID)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE task_instances SET
			def_namespace=$2, def_name=$3, def_version=$4, kind=$5, name=$6, description=$7,
			state=$8, prior_state=$9, initiator=$10, owner=$11, assignments=$12, granted=$13,
			input=$14, output=$15, fault=$16, deadlines=$17, escalations=$18,
			created_at=$19, updated_at=$20, claimed_at=$21, started_at=$22, completed_at=$23,
			version=$24
		WHERE id=$1 AND version=$25`,
		append(args, expectedVersion)...,
	)
	if err != nil {
		return fmt.Errorf("update task instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, loadErr := s.Load(ctx, inst.ID); errors.Is(loadErr, ErrTaskNotFound) {
			return loadErr
		}
		return fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, inst.ID, expectedVersion)
	}
	return nil
}

func (s *PostgresRepository) Load(ctx context.Context, id string) (Instance, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectInstanceColumns+` FROM task_instances WHERE id=$1`,
		id,
	)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return Instance{}, fmt.Errorf("get task instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresRepository) ListActive(ctx context.Context) ([]Instance, error) {
	var out []Instance
	err := retryTransient(ctx, 5*time.Second, func() error {
		out = out[:0]
		rows, err := s.pool.Query(ctx,
			`SELECT `+selectInstanceColumns+` FROM task_instances
			  WHERE state NOT IN ('Completed','Failed','Exited','Obsolete')
			  ORDER BY created_at ASC`,
		)
		if err != nil {
			return fmt.Errorf("list active task instances: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				return fmt.Errorf("scan task instance row: %w", err)
			}
			out = append(out, inst)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate task instance rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanInstance(row pgx.Row) (Instance, error) {
	var (
		inst        Instance
		kind        string
		state       string
		prior       string
		docs        instanceDocs
		claimedAt   *time.Time
		startedAt   *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(
		&inst.ID,
		&inst.Definition.Namespace,
		&inst.Definition.Name,
		&inst.Definition.Version,
		&kind,
		&inst.Name,
		&inst.Description,
		&state,
		&prior,
		&inst.Initiator,
		&inst.Owner,
		&docs.assignments,
		&docs.granted,
		&docs.input,
		&docs.output,
		&docs.fault,
		&docs.deadlines,
		&docs.escalations,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&claimedAt,
		&startedAt,
		&completedAt,
		&inst.Version,
	); err != nil {
		return Instance{}, err
	}
	inst.Kind = definition.Kind(kind)
	inst.State = State(state)
	inst.PriorState = State(prior)
	inst.ClaimedAt = claimedAt
	inst.StartedAt = startedAt
	inst.CompletedAt = completedAt

	decode := []struct {
		raw []byte
		out any
	}{
		{docs.assignments, &inst.Assignments},
		{docs.granted, &inst.Granted},
		{docs.input, &inst.Input},
		{docs.output, &inst.Output},
		{docs.fault, &inst.Fault},
		{docs.deadlines, &inst.Deadlines},
		{docs.escalations, &inst.Escalations},
	}
	for _, d := range decode {
		if len(d.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(d.raw, d.out); err != nil {
			return Instance{}, fmt.Errorf("decode task instance %s: %w", inst.ID, err)
		}
	}
	return inst, nil
}

func (s *PostgresRepository) Close() error {
	s.pool.Close()
	return nil
}
