// Package taskruntime assembles the task manager, the escalation scheduler
// and the event broker into the service the HTTP layer and CLI talk to.
package taskruntime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/humantasks/internal/assignment"
	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/directory"
	"github.com/ent0n29/humantasks/internal/escalation"
	"github.com/ent0n29/humantasks/internal/events"
	"github.com/ent0n29/humantasks/internal/observability"
	"github.com/ent0n29/humantasks/internal/policy"
	"github.com/ent0n29/humantasks/internal/tasks"
)

type Config struct {
	SweepInterval     time.Duration
	EventHistoryLimit int
	SubscriberBuffer  int
	// StoreMode is reported by Stats; NewRepository decides it.
	StoreMode string
}

type Deps struct {
	Catalog    *definition.Catalog
	Directory  directory.Resolver
	Repository tasks.Repository
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
	Clock      func() time.Time
}

// InstantiateRequest names a definition and carries the instance input.
// Version 0 selects the latest registered version.
type InstantiateRequest struct {
	Namespace string         `json:"namespace"`
	Name      string         `json:"name"`
	Version   int            `json:"version,omitempty"`
	Input     map[string]any `json:"input"`
	Initiator string         `json:"initiator,omitempty"`
}

type Stats struct {
	StoreMode        string                          `json:"store_mode"`
	Definitions      int                             `json:"definitions"`
	PendingDeadlines int                             `json:"pending_deadlines"`
	NextDeadline     *time.Time                      `json:"next_deadline,omitempty"`
	Subscribers      int                             `json:"subscribers"`
	EventsDropped    uint64                          `json:"events_dropped"`
	Lifecycle        observability.LifecycleSnapshot `json:"lifecycle"`
}

type Service struct {
	cfg       Config
	catalog   *definition.Catalog
	repo      tasks.Repository
	manager   *tasks.Manager
	scheduler *escalation.Scheduler
	broker    *events.Broker
	metrics   *observability.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	reportedDrops uint64
}

func New(cfg Config, deps Deps) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.StoreMode == "" {
		cfg.StoreMode = "in-memory"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("humantasks/taskruntime")
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = definition.NewCatalog(logger)
	}
	repo := deps.Repository
	if repo == nil {
		repo = tasks.NewMemoryRepository()
	}
	dir := deps.Directory
	if dir == nil {
		dir = directory.NewStatic()
	}

	broker := events.NewBroker(cfg.SubscriberBuffer)
	s := &Service{
		cfg:     cfg,
		catalog: catalog,
		repo:    repo,
		broker:  broker,
		metrics: deps.Metrics,
		tracer:  tracer,
		logger:  logger,
	}
	s.manager = tasks.NewManager(tasks.Options{
		Repository:        repo,
		Definitions:       catalog,
		Resolver:          assignment.NewResolver(dir),
		Sink:              events.Multi{broker, events.NewLogSink(logger, slog.LevelDebug)},
		Logger:            logger,
		Clock:             deps.Clock,
		EventHistoryLimit: cfg.EventHistoryLimit,
	})
	s.scheduler = escalation.NewScheduler(escalation.Options{
		Tasks:       s,
		Definitions: catalog,
		Logger:      logger.With("component", "escalation"),
		Clock:       deps.Clock,
		Tracer:      tracer,
		Observe: func(action definition.EscalationAction, outcome string) {
			s.metrics.ObserveEscalation(string(action), outcome)
		},
	})
	s.manager.SetTracker(s.scheduler)
	return s
}

func (s *Service) StoreMode() string {
	return s.cfg.StoreMode
}

// Scheduler exposes the deadline scheduler, mainly so tests can drive Tick.
func (s *Service) Scheduler() *escalation.Scheduler {
	return s.scheduler
}

func (s *Service) Definitions() []definition.Definition {
	return s.catalog.List()
}

// Instantiate looks the definition up in the catalog and creates an instance.
func (s *Service) Instantiate(ctx context.Context, req InstantiateRequest) (tasks.Instance, error) {
	ctx, span := s.tracer.Start(ctx, "tasks.instantiate", trace.WithAttributes(
		attribute.String("definition.namespace", req.Namespace),
		attribute.String("definition.name", req.Name),
		attribute.Int("definition.version", req.Version),
	))
	defer span.End()

	def, err := s.catalog.Lookup(req.Namespace, req.Name, req.Version)
	if err != nil {
		return tasks.Instance{}, s.reject(span, "instantiate", err)
	}
	s.logger.Debug("instantiating task",
		"definition", def.Ref.String(),
		"initiator", req.Initiator,
		"input", policy.RedactPayload(req.Input),
	)
	inst, err := s.manager.Instantiate(ctx, def, req.Input, assignment.Context{
		Initiator: strings.TrimSpace(req.Initiator),
		Input:     req.Input,
	})
	if err != nil {
		return tasks.Instance{}, s.reject(span, "instantiate", err)
	}
	span.SetAttributes(attribute.String("task.id", inst.ID), attribute.String("task.state", string(inst.State)))
	s.metrics.ObserveInstanceCreated(def.Ref.Namespace+"/"+def.Ref.Name, string(def.Kind))
	s.metrics.ObserveTransition("Instantiate", string(inst.State))
	return inst, nil
}

// Submit applies one lifecycle action. The escalation scheduler submits
// through here as well, so its actions are measured like any other.
func (s *Service) Submit(ctx context.Context, id string, action tasks.Action) (tasks.Instance, error) {
	ctx, span := s.tracer.Start(ctx, "tasks.submit", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.action", string(action.Kind)),
		attribute.String("task.actor", action.Actor),
	))
	defer span.End()

	inst, err := s.manager.Submit(ctx, id, action)
	if err != nil {
		return tasks.Instance{}, s.reject(span, "submit", err)
	}
	span.SetAttributes(attribute.String("task.state", string(inst.State)), attribute.Int64("task.version", inst.Version))
	s.metrics.ObserveTransition(string(action.Kind), string(inst.State))
	s.observeLifecycle(action.Kind, inst)
	return inst, nil
}

func (s *Service) Get(ctx context.Context, id string) (tasks.Instance, error) {
	return s.manager.Get(ctx, id)
}

// ListEvents returns up to limit recent events of an existing instance,
// oldest first.
func (s *Service) ListEvents(ctx context.Context, id string, limit int) ([]tasks.Event, error) {
	if _, err := s.manager.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.manager.ListEvents(id, limit), nil
}

// Subscribe streams events for one instance, or for all instances when
// instanceID is empty, until cancel is called.
func (s *Service) Subscribe(instanceID string) (<-chan tasks.Event, func()) {
	ch, cancel := s.broker.Subscribe(instanceID)
	s.syncSubscriberGauge()
	return ch, func() {
		cancel()
		s.syncSubscriberGauge()
	}
}

func (s *Service) Stats() Stats {
	st := Stats{
		StoreMode:        s.cfg.StoreMode,
		Definitions:      len(s.catalog.List()),
		PendingDeadlines: s.scheduler.Pending(),
		Subscribers:      s.broker.Subscribers(),
		EventsDropped:    s.broker.Dropped(),
	}
	if next, ok := s.scheduler.Next(); ok {
		st.NextDeadline = &next
	}
	if s.metrics != nil {
		st.Lifecycle = s.metrics.Lifecycle.Snapshot()
	}
	return st
}

// Start re-tracks the deadlines of active instances and then runs the
// escalation sweep until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	restored, err := s.scheduler.Restore(ctx, s.repo)
	if err != nil {
		return fmt.Errorf("restore deadlines: %w", err)
	}
	s.logger.Info("escalation scheduler restored", "instances", restored, "pending_deadlines", s.scheduler.Pending())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.scheduler.Run(ctx, s.cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.refreshGauges()
			}
		}
	})
	return g.Wait()
}

func (s *Service) Close() error {
	s.broker.Close()
	s.syncSubscriberGauge()
	return s.repo.Close()
}

func (s *Service) reject(span trace.Span, operation string, err error) error {
	reason := tasks.ReasonOf(err)
	span.SetStatus(codes.Error, reason)
	span.RecordError(err)
	s.metrics.ObserveRejection(operation, reason)
	if reason == tasks.ReasonInternal || reason == tasks.ReasonDirectoryUnavailable {
		s.logger.Warn("task operation failed", "operation", operation, "reason", reason, "error", err)
	}
	return err
}

func (s *Service) observeLifecycle(kind tasks.ActionKind, inst tasks.Instance) {
	if s.metrics == nil {
		return
	}
	window := s.metrics.Lifecycle
	switch kind {
	case tasks.ActionClaim:
		if inst.ClaimedAt != nil {
			window.Observe(observability.StageCreatedToClaimed, inst.ClaimedAt.Sub(inst.CreatedAt))
		}
	case tasks.ActionStart:
		if inst.StartedAt != nil && inst.ClaimedAt != nil {
			window.Observe(observability.StageClaimedToStarted, inst.StartedAt.Sub(*inst.ClaimedAt))
		}
	case tasks.ActionComplete:
		if inst.CompletedAt != nil && inst.StartedAt != nil {
			window.Observe(observability.StageStartedToCompleted, inst.CompletedAt.Sub(*inst.StartedAt))
		}
	}
	if inst.Terminal() {
		window.Observe(observability.StageCreatedToFinished, inst.UpdatedAt.Sub(inst.CreatedAt))
		window.ObserveOutcome(string(inst.State))
	}
}

func (s *Service) refreshGauges() {
	s.metrics.SetPendingDeadlines(s.scheduler.Pending())
	s.syncSubscriberGauge()
	if s.metrics == nil {
		return
	}
	dropped := s.broker.Dropped()
	if dropped > s.reportedDrops {
		s.metrics.EventsDropped.Add(float64(dropped - s.reportedDrops))
		s.reportedDrops = dropped
	}
}

func (s *Service) syncSubscriberGauge() {
	if s.metrics == nil {
		return
	}
	s.metrics.EventSubscribers.Set(float64(s.broker.Subscribers()))
}

// IsClientError reports whether err is a rejection the caller caused, as
// opposed to a directory outage or an internal failure.
func IsClientError(err error) bool {
	switch tasks.ReasonOf(err) {
	case tasks.ReasonInternal, tasks.ReasonDirectoryUnavailable, "":
		return false
	default:
		return true
	}
}
