package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/humantasks/internal/assignment"
	"github.com/ent0n29/humantasks/internal/definition"
)

const defaultEventHistoryLimit = 512

// DefinitionSource looks up the definition an instance was created from.
// Version 0 selects the latest registered version.
type DefinitionSource interface {
	Lookup(namespace, name string, version int) (definition.Definition, error)
}

// AssignmentResolver turns people-assignment expressions into principals.
type AssignmentResolver interface {
	Resolve(ctx context.Context, people definition.PeopleAssignments, rc assignment.Context) (assignment.Sets, error)
	ResolveTargets(ctx context.Context, exprs []definition.Expression, rc assignment.Context) ([]string, error)
}

// EventSink receives every accepted transition. Publish must not block.
type EventSink interface {
	Publish(Event)
}

// DeadlineTracker is told about instances whose deadlines need watching.
type DeadlineTracker interface {
	Track(inst Instance)
	Untrack(instanceID string)
}

type Options struct {
	Repository        Repository
	Definitions       DefinitionSource
	Resolver          AssignmentResolver
	Sink              EventSink
	Tracker           DeadlineTracker
	Logger            *slog.Logger
	Clock             func() time.Time
	EventHistoryLimit int
}

// Manager instantiates task instances and applies lifecycle actions to them.
// Submit is the only way an instance changes after creation.
type Manager struct {
	repo     Repository
	defs     DefinitionSource
	resolver AssignmentResolver
	sink     EventSink
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	locks    *instanceLocks

	mu              sync.RWMutex
	tracker         DeadlineTracker
	eventsByTask    map[string][]Event
	eventHistoryMax int
}

func NewManager(opts Options) *Manager {
	repo := opts.Repository
	if repo == nil {
		repo = NewMemoryRepository()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := opts.EventHistoryLimit
	if limit <= 0 {
		limit = defaultEventHistoryLimit
	}
	return &Manager{
		repo:            repo,
		defs:            opts.Definitions,
		resolver:        opts.Resolver,
		sink:            opts.Sink,
		tracker:         opts.Tracker,
		logger:          logger,
		now:             func() time.Time { return clock().UTC() },
		newID:           uuid.NewString,
		locks:           newInstanceLocks(),
		eventsByTask:    make(map[string][]Event),
		eventHistoryMax: limit,
	}
}

// SetTracker attaches the deadline tracker after construction; the scheduler
// and the manager reference each other.
func (m *Manager) SetTracker(tracker DeadlineTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker = tracker
}

func (m *Manager) Repository() Repository {
	return m.repo
}

// Instantiate creates a task instance from def. Nothing is stored and no event
// is published unless every step succeeds.
func (m *Manager) Instantiate(ctx context.Context, def definition.Definition, input map[string]any, rc assignment.Context) (Instance, error) {
	if err := definition.Validate(def); err != nil {
		return Instance{}, err
	}
	input = maps.Clone(input)
	if input == nil {
		input = map[string]any{}
	}
	if err := def.Input.Check(input); err != nil {
		return Instance{}, err
	}
	if m.resolver == nil {
		return Instance{}, fmt.Errorf("%w: no assignment resolver configured", ErrDirectoryUnavailable)
	}
	rc.Initiator = strings.TrimSpace(rc.Initiator)
	rc.Input = input
	sets, err := m.resolver.Resolve(ctx, def.People, rc)
	if err != nil {
		return Instance{}, err
	}
	name, description, err := def.Render(input)
	if err != nil {
		return Instance{}, fmt.Errorf("render presentation: %w", err)
	}

	now := m.now()
	inst := Instance{
		ID:          m.newID(),
		Definition:  def.Ref,
		Kind:        def.Kind,
		Name:        name,
		Description: description,
		State:       StateCreated,
		Initiator:   rc.Initiator,
		Assignments: sets,
		Input:       input,
		Deadlines:   def.AbsoluteDeadlines(now),
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if len(sets.PotentialOwners) > 0 {
		inst.State = StateReady
	}

	if err := m.repo.Save(ctx, inst, 0); err != nil {
		return Instance{}, fmt.Errorf("save new instance: %w", err)
	}

	actor := rc.Initiator
	if actor == "" {
		actor = SystemActor
	}
	m.publish(Event{
		Type:       EventTaskCreated,
		InstanceID: inst.ID,
		Definition: inst.Definition,
		State:      inst.State,
		Actor:      actor,
		At:         now,
		Sequence:   inst.Version,
	})
	if tracker := m.currentTracker(); tracker != nil && len(inst.Deadlines) > 0 {
		tracker.Track(inst.Clone())
	}
	m.logger.Debug("task instantiated",
		"instance_id", inst.ID,
		"definition", inst.Definition.String(),
		"state", inst.State,
	)
	return inst.Clone(), nil
}

// Submit applies action to the instance identified by id. Checks run in a
// fixed order: expected version, source state, authorization, payload. A
// rejected action leaves the instance untouched and publishes nothing.
func (m *Manager) Submit(ctx context.Context, id string, action Action) (Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Instance{}, fmt.Errorf("%w: instance id is required", ErrInvalidInput)
	}
	action.Actor = strings.TrimSpace(action.Actor)
	if action.System() {
		action.Actor = SystemActor
	}

	unlock := m.locks.lock(id)
	defer unlock()

	current, err := m.repo.Load(ctx, id)
	if err != nil {
		return Instance{}, err
	}
	if action.ExpectedVersion != 0 && action.ExpectedVersion != current.Version {
		return Instance{}, fmt.Errorf("%w: %s is at version %d, expected %d",
			ErrVersionConflict, id, current.Version, action.ExpectedVersion)
	}

	now := m.now()
	next := current.Clone()
	ev, err := m.transition(ctx, &next, action, now)
	if err != nil {
		return Instance{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	if err := m.repo.Save(ctx, next, current.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrTaskNotFound) {
			return Instance{}, err
		}
		return Instance{}, fmt.Errorf("save instance %s: %w", id, err)
	}

	if next.Terminal() {
		if tracker := m.currentTracker(); tracker != nil {
			tracker.Untrack(next.ID)
		}
	}

	ev.InstanceID = next.ID
	ev.Definition = next.Definition
	ev.State = next.State
	ev.Actor = action.Actor
	ev.Owner = next.Owner
	ev.At = now
	ev.Sequence = next.Version
	m.publish(ev)

	return next.Clone(), nil
}

func (m *Manager) Get(ctx context.Context, id string) (Instance, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Instance{}, fmt.Errorf("%w: instance id is required", ErrInvalidInput)
	}
	return m.repo.Load(ctx, id)
}

// ListEvents returns the most recent events of one instance, oldest first.
// limit <= 0 returns the whole retained history.
func (m *Manager) ListEvents(id string, limit int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.eventsByTask[strings.TrimSpace(id)]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = cloneEvent(ev)
	}
	return out
}

func (m *Manager) currentTracker() DeadlineTracker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	history := append(m.eventsByTask[ev.InstanceID], cloneEvent(ev))
	if overflow := len(history) - m.eventHistoryMax; overflow > 0 {
		history = append([]Event(nil), history[overflow:]...)
	}
	m.eventsByTask[ev.InstanceID] = history
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Publish(cloneEvent(ev))
	}
}

func (m *Manager) definitionFor(inst Instance) (definition.Definition, error) {
	if m.defs == nil {
		return definition.Definition{}, fmt.Errorf("no definition source configured for %s", inst.Definition)
	}
	def, err := m.defs.Lookup(inst.Definition.Namespace, inst.Definition.Name, inst.Definition.Version)
	if err != nil {
		return definition.Definition{}, fmt.Errorf("definition for instance %s: %w", inst.ID, err)
	}
	return def, nil
}

func cloneEvent(ev Event) Event {
	if ev.Targets != nil {
		ev.Targets = append([]string(nil), ev.Targets...)
	}
	return ev
}
