// Package escalation watches task deadlines and turns expired ones into
// Escalate actions submitted through the task manager.
package escalation

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/tasks"
)

// Escalation outcomes reported to the observer.
const (
	OutcomeFired     = "fired"
	OutcomeRejected  = "rejected"
	OutcomeDiscarded = "discarded"
)

// Tasks is the part of the task manager the scheduler drives.
type Tasks interface {
	Get(ctx context.Context, id string) (tasks.Instance, error)
	Submit(ctx context.Context, id string, action tasks.Action) (tasks.Instance, error)
}

// ActiveLister lists instances whose deadlines may still matter.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]tasks.Instance, error)
}

type Options struct {
	Tasks       Tasks
	Definitions tasks.DefinitionSource
	Logger      *slog.Logger
	Clock       func() time.Time
	Tracer      trace.Tracer
	// Observe is called once per escalation clause or discarded deadline.
	Observe func(action definition.EscalationAction, outcome string)
}

// Scheduler holds one queue entry per pending (instance, deadline) pair. It
// never mutates instances itself; every effect goes through Tasks.Submit.
type Scheduler struct {
	tasks   Tasks
	defs    tasks.DefinitionSource
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	observe func(definition.EscalationAction, string)

	mu      sync.Mutex
	queue   deadlineQueue
	entries map[string]map[string]*entry
}

func NewScheduler(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("humantasks/escalation")
	}
	observe := opts.Observe
	if observe == nil {
		observe = func(definition.EscalationAction, string) {}
	}
	return &Scheduler{
		tasks:   opts.Tasks,
		defs:    opts.Definitions,
		logger:  logger,
		now:     func() time.Time { return clock().UTC() },
		tracer:  tracer,
		observe: observe,
		entries: make(map[string]map[string]*entry),
	}
}

// Track schedules every deadline of inst that has not fired yet. A repeating
// deadline that already fired is scheduled for its next repetition. Tracking
// an instance again replaces its earlier entries.
func (s *Scheduler) Track(inst tasks.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(inst.ID)
	if inst.Terminal() {
		return
	}
	for _, dl := range inst.Deadlines {
		due := dl.Due
		if last, fired := inst.LastFired(dl.ID); fired {
			if dl.Repeat <= 0 {
				continue
			}
			due = nextRepetition(dl.Due, dl.Repeat, last)
		}
		s.pushLocked(&entry{
			instanceID: inst.ID,
			deadlineID: dl.ID,
			kind:       dl.Kind,
			due:        due,
			repeat:     dl.Repeat,
		})
	}
}

// Untrack drops every pending entry of the instance.
func (s *Scheduler) Untrack(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(instanceID)
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Next reports the earliest pending due time.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// Restore re-tracks every active instance, typically after a restart.
func (s *Scheduler) Restore(ctx context.Context, lister ActiveLister) (int, error) {
	active, err := lister.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, inst := range active {
		s.Track(inst)
	}
	return len(active), nil
}

// Run sweeps the queue every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick fires every entry due at or before now and returns how many deadlines
// were processed. Failures are logged and never returned.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due := s.popDue(now)
	if len(due) == 0 {
		return 0
	}
	ctx, span := s.tracer.Start(ctx, "escalation.tick")
	span.SetAttributes(attribute.Int("deadlines.due", len(due)))
	defer span.End()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
	return len(due)
}

func (s *Scheduler) popDue(now time.Time) []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for s.queue.Len() > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		s.forgetLocked(e)
		due = append(due, e)
	}
	return due
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	logger := s.logger.With("instance_id", e.instanceID, "deadline_id", e.deadlineID)

	inst, err := s.tasks.Get(ctx, e.instanceID)
	if err != nil {
		if !errors.Is(err, tasks.ErrTaskNotFound) {
			logger.Warn("escalation lookup failed; deadline discarded", "error", err)
		}
		s.observe("", OutcomeDiscarded)
		return
	}
	if !tasks.DeadlineApplies(inst, e.kind) {
		logger.Debug("deadline no longer applies; discarded", "state", inst.State)
		s.observe("", OutcomeDiscarded)
		return
	}
	def, err := s.defs.Lookup(inst.Definition.Namespace, inst.Definition.Name, inst.Definition.Version)
	if err != nil {
		logger.Warn("escalation definition lookup failed; deadline discarded", "error", err)
		s.observe("", OutcomeDiscarded)
		return
	}

	for _, clause := range def.EscalationsFor(e.deadlineID) {
		next, err := s.tasks.Submit(ctx, e.instanceID, tasks.EscalateAction(e.deadlineID, clause.ID))
		if err != nil {
			logger.Warn("escalation rejected",
				"escalation_id", clause.ID,
				"action", clause.Action,
				"reason", tasks.ReasonOf(err),
				"error", err,
			)
			s.observe(clause.Action, OutcomeRejected)
			continue
		}
		logger.Info("escalation fired", "escalation_id", clause.ID, "action", clause.Action, "state", next.State)
		s.observe(clause.Action, OutcomeFired)
	}

	if e.repeat == 0 {
		return
	}
	// Rejected submits leave inst stale. The read happens under the lock so a
	// concurrent terminal transition either shows here or untracks afterwards.
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, err := s.tasks.Get(ctx, e.instanceID)
	if err != nil || latest.Terminal() || !tasks.DeadlineApplies(latest, e.kind) {
		return
	}
	s.pushLocked(&entry{
		instanceID: e.instanceID,
		deadlineID: e.deadlineID,
		kind:       e.kind,
		due:        nextRepetition(e.due, e.repeat, now),
		repeat:     e.repeat,
	})
}

func (s *Scheduler) pushLocked(e *entry) {
	byDeadline := s.entries[e.instanceID]
	if byDeadline == nil {
		byDeadline = make(map[string]*entry)
		s.entries[e.instanceID] = byDeadline
	}
	if old, ok := byDeadline[e.deadlineID]; ok {
		heap.Remove(&s.queue, old.index)
	}
	byDeadline[e.deadlineID] = e
	heap.Push(&s.queue, e)
}

func (s *Scheduler) removeLocked(instanceID string) {
	for _, e := range s.entries[instanceID] {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.entries, instanceID)
}

func (s *Scheduler) forgetLocked(e *entry) {
	byDeadline := s.entries[e.instanceID]
	if byDeadline[e.deadlineID] == e {
		delete(byDeadline, e.deadlineID)
	}
	if len(byDeadline) == 0 {
		delete(s.entries, e.instanceID)
	}
}

// nextRepetition returns the first repetition of a deadline first due at
// first that falls strictly after after.
func nextRepetition(first time.Time, every time.Duration, after time.Time) time.Time {
	if after.Before(first) {
		return first
	}
	n := after.Sub(first)/every + 1
	return first.Add(n * every)
}
