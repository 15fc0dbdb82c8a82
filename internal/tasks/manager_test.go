package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/humantasks/internal/assignment"
	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/directory"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recordingTracker struct {
	mu        sync.Mutex
	tracked   []string
	untracked []string
}

func (r *recordingTracker) Track(inst Instance) {
	r.mu.Lock()
	r.tracked = append(r.tracked, inst.ID)
	r.mu.Unlock()
}

func (r *recordingTracker) Untrack(id string) {
	r.mu.Lock()
	r.untracked = append(r.untracked, id)
	r.mu.Unlock()
}

type fixture struct {
	manager *Manager
	repo    *MemoryRepository
	sink    *recordingSink
	tracker *recordingTracker
	clock   *manualClock
	catalog *definition.Catalog
	dir     *directory.Static
}

func newFixture(t *testing.T, defs ...definition.Definition) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := definition.NewCatalog(logger)
	for _, def := range defs {
		if err := catalog.Register(def); err != nil {
			t.Fatalf("Register(%s) error = %v", def.Ref, err)
		}
	}
	dir := directory.NewStatic()
	dir.SetGroup("finance-admins", "erin")
	dir.SetGroup("reviewers", "carol", "mallory")
	dir.SetGroup("escalation-team", "zoe")
	dir.SetGroup("staff", "dave")

	f := &fixture{
		repo:    NewMemoryRepository(),
		sink:    &recordingSink{},
		tracker: &recordingTracker{},
		clock:   &manualClock{now: testStart},
		catalog: catalog,
		dir:     dir,
	}
	f.manager = NewManager(Options{
		Repository:  f.repo,
		Definitions: catalog,
		Resolver:    assignment.NewResolver(dir),
		Sink:        f.sink,
		Tracker:     f.tracker,
		Logger:      logger,
		Clock:       f.clock.Now,
	})
	return f
}

// approvalDefinition has PotentialOwners = {alice} and a one hour completion
// deadline that auto-fails the task.
func approvalDefinition() definition.Definition {
	return definition.Definition{
		Kind: definition.KindGenericTask,
		Ref:  definition.Ref{Namespace: "finance", Name: "approve-expense", Version: 1},
		Input: definition.Schema{Fields: []definition.Field{
			{Name: "amount", Type: definition.FieldNumber, Required: true},
		}},
		Output: definition.Schema{Fields: []definition.Field{
			{Name: "approved", Type: definition.FieldBoolean, Required: true},
		}},
		People: definition.PeopleAssignments{
			PotentialOwners:        []definition.Expression{definition.Literal{Principal: "alice"}},
			BusinessAdministrators: []definition.Expression{definition.GroupRef{Group: "finance-admins"}},
		},
		Deadlines: []definition.Deadline{
			{ID: "complete", Kind: definition.DeadlineCompletion, After: time.Hour},
		},
		Escalations: []definition.Escalation{
			{ID: "expire", Deadline: "complete", Action: definition.EscalationFail},
		},
		Presentation: definition.Presentation{Name: "Approve {{.Input.amount}}"},
	}
}

func reviewDefinition() definition.Definition {
	return definition.Definition{
		Kind: definition.KindGenericTask,
		Ref:  definition.Ref{Namespace: "legal", Name: "review", Version: 1},
		People: definition.PeopleAssignments{
			PotentialOwners:        []definition.Expression{definition.Literal{Principal: "alice"}, definition.GroupRef{Group: "reviewers"}},
			ExcludedOwners:         []definition.Expression{definition.Literal{Principal: "mallory"}},
			BusinessAdministrators: []definition.Expression{definition.GroupRef{Group: "finance-admins"}},
		},
		Deadlines: []definition.Deadline{
			{ID: "start", Kind: definition.DeadlineStart, After: 30 * time.Minute},
		},
		Escalations: []definition.Escalation{
			{ID: "widen", Deadline: "start", Action: definition.EscalationReassign,
				Targets: []definition.Expression{definition.GroupRef{Group: "escalation-team"}}},
			{ID: "tell-admins", Deadline: "start", Action: definition.EscalationNotify,
				Targets: []definition.Expression{definition.GroupRef{Group: "finance-admins"}}},
		},
	}
}

func notificationDefinition() definition.Definition {
	return definition.Definition{
		Kind: definition.KindNotification,
		Ref:  definition.Ref{Namespace: "hr", Name: "policy-update", Version: 1},
		People: definition.PeopleAssignments{
			PotentialOwners: []definition.Expression{definition.GroupRef{Group: "staff"}},
			Stakeholders:    []definition.Expression{definition.Literal{Principal: "ops"}},
		},
		DefaultOutput: map[string]string{"policy": "$input.policy", "seen": "yes"},
	}
}

func unassignedDefinition() definition.Definition {
	return definition.Definition{
		Kind: definition.KindGenericTask,
		Ref:  definition.Ref{Namespace: "ops", Name: "triage", Version: 1},
		People: definition.PeopleAssignments{
			PotentialOwners:        []definition.Expression{definition.GroupRef{Group: "nobody-yet"}},
			BusinessAdministrators: []definition.Expression{definition.GroupRef{Group: "finance-admins"}},
		},
	}
}

func (f *fixture) instantiate(t *testing.T, def definition.Definition, input map[string]any) Instance {
	t.Helper()
	inst, err := f.manager.Instantiate(context.Background(), def, input, assignment.Context{Initiator: "ivan"})
	if err != nil {
		t.Fatalf("Instantiate(%s) error = %v", def.Ref, err)
	}
	return inst
}

func (f *fixture) submit(t *testing.T, id string, action Action) Instance {
	t.Helper()
	inst, err := f.manager.Submit(context.Background(), id, action)
	if err != nil {
		t.Fatalf("Submit(%s by %q) error = %v", action.Kind, action.Actor, err)
	}
	return inst
}

func TestInstantiateRejectsEmptyPotentialOwners(t *testing.T) {
	def := approvalDefinition()
	def.People.PotentialOwners = nil
	f := newFixture(t)

	_, err := f.manager.Instantiate(context.Background(), def, map[string]any{"amount": 10}, assignment.Context{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Instantiate() error = %v, want ErrValidation", err)
	}
	if ReasonOf(err) != ReasonValidation {
		t.Fatalf("ReasonOf() = %q, want %q", ReasonOf(err), ReasonValidation)
	}
	if f.sink.count() != 0 {
		t.Fatalf("events = %v, want none", f.sink.types())
	}
}

func TestInstantiateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, approvalDefinition())

	_, err := f.manager.Instantiate(context.Background(), approvalDefinition(), map[string]any{"amount": "lots"}, assignment.Context{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Instantiate() error = %v, want ErrInvalidInput", err)
	}
	if f.sink.count() != 0 {
		t.Fatalf("events = %v, want none", f.sink.types())
	}
	active, _ := f.repo.ListActive(context.Background())
	if len(active) != 0 {
		t.Fatalf("stored instances = %d, want 0", len(active))
	}
}

func TestInstantiateSurfacesDirectoryOutage(t *testing.T) {
	down := directory.ResolverFunc(func(context.Context, definition.Expression) ([]string, error) {
		return nil, directory.ErrUnavailable
	})
	sink := &recordingSink{}
	m := NewManager(Options{
		Resolver: assignment.NewResolver(down),
		Sink:     sink,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := m.Instantiate(context.Background(), approvalDefinition(), map[string]any{"amount": 10}, assignment.Context{})
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("Instantiate() error = %v, want ErrDirectoryUnavailable", err)
	}
	if sink.count() != 0 {
		t.Fatalf("events = %v, want none", sink.types())
	}
}

func TestInstantiateComputesDeadlinesAndPresentation(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 120})

	if inst.State != StateReady {
		t.Fatalf("state = %s, want Ready", inst.State)
	}
	if inst.Version != 1 {
		t.Fatalf("version = %d, want 1", inst.Version)
	}
	if inst.Name != "Approve 120" {
		t.Fatalf("name = %q, want %q", inst.Name, "Approve 120")
	}
	if len(inst.Deadlines) != 1 || !inst.Deadlines[0].Due.Equal(testStart.Add(time.Hour)) {
		t.Fatalf("deadlines = %+v, want one due at %s", inst.Deadlines, testStart.Add(time.Hour))
	}
	if !slices.Equal(inst.Assignments.BusinessAdministrators, []string{"erin"}) {
		t.Fatalf("business administrators = %v, want [erin]", inst.Assignments.BusinessAdministrators)
	}
	if !slices.Equal(f.tracker.tracked, []string{inst.ID}) {
		t.Fatalf("tracked = %v, want [%s]", f.tracker.tracked, inst.ID)
	}
}

func TestInstantiateWithoutCandidatesStaysCreated(t *testing.T) {
	f := newFixture(t, unassignedDefinition())
	inst := f.instantiate(t, unassignedDefinition(), nil)
	if inst.State != StateCreated {
		t.Fatalf("state = %s, want Created", inst.State)
	}

	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionNominate, Actor: "alice", Targets: []string{"bob"}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Nominate by non-admin error = %v, want ErrUnauthorized", err)
	}
	nominated := f.submit(t, inst.ID, Action{Kind: ActionNominate, Actor: "erin", Targets: []string{"bob"}})
	if nominated.State != StateReady {
		t.Fatalf("state = %s, want Ready", nominated.State)
	}
	claimed := f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "bob"})
	if claimed.Owner != "bob" {
		t.Fatalf("owner = %q, want bob", claimed.Owner)
	}
}

func TestApprovalHappyPathEmitsFourEvents(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})
	if inst.State != StateReady {
		t.Fatalf("state = %s, want Ready", inst.State)
	}

	claimed := f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "alice"})
	if claimed.State != StateReserved || claimed.Owner != "alice" {
		t.Fatalf("after claim state=%s owner=%q, want Reserved/alice", claimed.State, claimed.Owner)
	}
	started := f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "alice"})
	if started.State != StateInProgress {
		t.Fatalf("after start state = %s, want InProgress", started.State)
	}
	done := f.submit(t, inst.ID, Action{Kind: ActionComplete, Actor: "alice", Output: map[string]any{"approved": true}})
	if done.State != StateCompleted {
		t.Fatalf("after complete state = %s, want Completed", done.State)
	}
	if done.Output["approved"] != true {
		t.Fatalf("output = %v, want approved=true", done.Output)
	}

	want := []EventType{EventTaskCreated, EventTaskClaimed, EventTaskStarted, EventTaskCompleted}
	if got := f.sink.types(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i, ev := range f.sink.events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d sequence = %d, want %d", i, ev.Sequence, i+1)
		}
		if ev.InstanceID != inst.ID || ev.Definition != approvalDefinition().Ref {
			t.Fatalf("event %d identifies %s/%s", i, ev.InstanceID, ev.Definition)
		}
	}
	if got := f.sink.events[3].Actor; got != "alice" {
		t.Fatalf("completed actor = %q, want alice", got)
	}
	if !slices.Equal(f.tracker.untracked, []string{inst.ID}) {
		t.Fatalf("untracked = %v, want [%s]", f.tracker.untracked, inst.ID)
	}
	if history := f.manager.ListEvents(inst.ID, 2); len(history) != 2 || history[1].Type != EventTaskCompleted {
		t.Fatalf("ListEvents(limit 2) = %+v", history)
	}
}

func TestClaimByNonCandidateIsUnauthorized(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})

	_, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionClaim, Actor: "bob"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Claim by bob error = %v, want ErrUnauthorized", err)
	}
	got, err := f.manager.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateReady || got.Version != inst.Version {
		t.Fatalf("after rejected claim state=%s version=%d, want Ready/%d", got.State, got.Version, inst.Version)
	}
	if f.sink.count() != 1 {
		t.Fatalf("events = %v, want only TaskCreated", f.sink.types())
	}
}

func TestClaimRules(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, id string)
		actor   string
		wantErr error
	}{
		{name: "literal candidate", actor: "alice"},
		{name: "group candidate", actor: "carol"},
		{name: "excluded candidate", actor: "mallory", wantErr: ErrUnauthorized},
		{name: "stranger", actor: "bob", wantErr: ErrUnauthorized},
		{name: "anonymous", actor: "", wantErr: ErrUnauthorized},
		{
			name:  "already reserved",
			actor: "carol",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.submit(t, id, Action{Kind: ActionClaim, Actor: "alice"})
			},
			wantErr: ErrIllegalTransition,
		},
		{
			name:  "suspended",
			actor: "alice",
			prepare: func(t *testing.T, f *fixture, id string) {
				f.submit(t, id, Action{Kind: ActionSuspend, Actor: "erin"})
			},
			wantErr: ErrIllegalTransition,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, reviewDefinition())
			inst := f.instantiate(t, reviewDefinition(), nil)
			if tc.prepare != nil {
				tc.prepare(t, f, inst.ID)
			}
			before, _ := f.manager.Get(context.Background(), inst.ID)
			events := f.sink.count()

			got, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionClaim, Actor: tc.actor})
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Claim() error = %v", err)
				}
				if got.State != StateReserved || got.Owner != tc.actor || got.Version != before.Version+1 {
					t.Fatalf("Claim() = state %s owner %q version %d", got.State, got.Owner, got.Version)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Claim() error = %v, want %v", err, tc.wantErr)
			}
			after, _ := f.manager.Get(context.Background(), inst.ID)
			if after.Version != before.Version || after.State != before.State || after.Owner != before.Owner {
				t.Fatalf("instance changed on rejection: before %s/%d after %s/%d", before.State, before.Version, after.State, after.Version)
			}
			if f.sink.count() != events {
				t.Fatalf("rejected claim published an event")
			}
		})
	}
}

func TestSubmitSameExpectedVersionTwice(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})

	action := Action{Kind: ActionSuspend, Actor: "erin", ExpectedVersion: inst.Version}
	if _, err := f.manager.Submit(context.Background(), inst.ID, action); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	_, err := f.manager.Submit(context.Background(), inst.ID, action)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("second Submit() error = %v, want ErrVersionConflict", err)
	}
	if ReasonOf(err) != ReasonVersionConflict {
		t.Fatalf("ReasonOf() = %q", ReasonOf(err))
	}
}

func TestVersionCheckPrecedesStateCheck(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})

	_, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionComplete, Actor: "alice", ExpectedVersion: 7})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Submit() error = %v, want ErrVersionConflict", err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	f := newFixture(t, reviewDefinition())
	inst := f.instantiate(t, reviewDefinition(), nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, actor := range []string{"alice", "carol", "alice", "carol", "alice", "carol"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionClaim, Actor: actor}); err == nil {
				mu.Lock()
				winners = append(winners, actor)
				mu.Unlock()
			} else if !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("Claim(%s) error = %v, want ErrIllegalTransition", actor, err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, _ := f.manager.Get(context.Background(), inst.ID)
	if got.Owner != winners[0] || got.Version != 2 {
		t.Fatalf("owner=%q version=%d, want %q/2", got.Owner, got.Version, winners[0])
	}
	if f.manager.locks.size() != 0 {
		t.Fatalf("instance locks leaked: %d", f.manager.locks.size())
	}
}

func TestNotificationCompletesOnAcknowledge(t *testing.T) {
	f := newFixture(t, notificationDefinition())
	inst := f.instantiate(t, notificationDefinition(), map[string]any{"policy": "travel-2026"})
	if inst.State != StateReady {
		t.Fatalf("state = %s, want Ready", inst.State)
	}
	read, err := f.manager.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if read.State != StateReady || read.Version != inst.Version || len(f.sink.events) != 1 {
		t.Fatalf("after read state=%s version=%d events=%d, want unchanged", read.State, read.Version, len(f.sink.events))
	}

	for _, kind := range []ActionKind{ActionClaim, ActionStart, ActionComplete} {
		if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: kind, Actor: "dave"}); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("%s on notification error = %v, want ErrIllegalTransition", kind, err)
		}
	}
	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionAcknowledge, Actor: "bob"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Acknowledge by stranger error = %v, want ErrUnauthorized", err)
	}

	done := f.submit(t, inst.ID, Action{Kind: ActionAcknowledge, Actor: "dave"})
	if done.State != StateCompleted || done.Owner != "dave" {
		t.Fatalf("after acknowledge state=%s owner=%q", done.State, done.Owner)
	}
	if done.Output["policy"] != "travel-2026" || done.Output["seen"] != "yes" {
		t.Fatalf("derived output = %v", done.Output)
	}
	want := []EventType{EventTaskCreated, EventTaskCompleted}
	if got := f.sink.types(); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for _, ev := range f.sink.events {
		if ev.State == StateReserved || ev.State == StateInProgress {
			t.Fatalf("notification passed through %s", ev.State)
		}
	}

	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionAcknowledge, Actor: "ops"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second acknowledge error = %v, want ErrIllegalTransition", err)
	}
}

func TestAcknowledgeChecksDerivedOutput(t *testing.T) {
	def := notificationDefinition()
	def.Output = definition.Schema{Fields: []definition.Field{
		{Name: "policy", Type: definition.FieldString, Required: true},
	}}
	def.DefaultOutput = map[string]string{"policy": "$input.policy"}
	f := newFixture(t, def)
	inst := f.instantiate(t, def, map[string]any{})

	_, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionAcknowledge, Actor: "dave"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Acknowledge() error = %v, want ErrInvalidInput", err)
	}
	got, err := f.manager.Get(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateReady || got.Version != inst.Version {
		t.Fatalf("after rejected acknowledge state=%s version=%d, want Ready %d", got.State, got.Version, inst.Version)
	}

	done := f.instantiate(t, def, map[string]any{"policy": "travel-2026"})
	if acked := f.submit(t, done.ID, Action{Kind: ActionAcknowledge, Actor: "dave"}); acked.State != StateCompleted {
		t.Fatalf("state = %s, want Completed", acked.State)
	}
}

func TestAcknowledgeOnlyAppliesToNotifications(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 1})
	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionAcknowledge, Actor: "alice"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Acknowledge on generic task error = %v, want ErrIllegalTransition", err)
	}
}

func TestCompleteValidatesOutput(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})
	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "alice"})
	started := f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "alice"})

	_, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionComplete, Actor: "alice", Output: map[string]any{"approved": "maybe"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Complete() error = %v, want ErrInvalidInput", err)
	}
	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionComplete, Actor: "erin", Output: map[string]any{"approved": true}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Complete by admin error = %v, want ErrUnauthorized", err)
	}
	got, _ := f.manager.Get(context.Background(), inst.ID)
	if got.State != StateInProgress || got.Version != started.Version {
		t.Fatalf("state=%s version=%d, want InProgress/%d", got.State, got.Version, started.Version)
	}
}

func TestFailRecordsFault(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})
	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "alice"})
	f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "alice"})

	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionFail, Actor: "erin"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Fail without fault error = %v, want ErrInvalidInput", err)
	}
	failed := f.submit(t, inst.ID, Action{Kind: ActionFail, Actor: "erin", Fault: &Fault{Reason: "ReceiptMissing"}})
	if failed.State != StateFailed || failed.Fault == nil || failed.Fault.Reason != "ReceiptMissing" {
		t.Fatalf("after fail state=%s fault=%+v", failed.State, failed.Fault)
	}
}

func TestForward(t *testing.T) {
	f := newFixture(t, reviewDefinition())

	ready := f.instantiate(t, reviewDefinition(), nil)
	if _, err := f.manager.Submit(context.Background(), ready.ID, Action{Kind: ActionForward, Actor: "alice", Target: "bob"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Forward by unowned candidate error = %v, want ErrUnauthorized", err)
	}
	forwarded := f.submit(t, ready.ID, Action{Kind: ActionForward, Actor: "erin", Target: "bob"})
	if forwarded.State != StateReady || forwarded.Owner != "" {
		t.Fatalf("forward from Ready: state=%s owner=%q", forwarded.State, forwarded.Owner)
	}
	if !assignment.Contains(forwarded.Assignments.PotentialOwners, "bob") {
		t.Fatalf("bob not added to potential owners: %v", forwarded.Assignments.PotentialOwners)
	}

	reserved := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, reserved.ID, Action{Kind: ActionClaim, Actor: "alice"})
	if _, err := f.manager.Submit(context.Background(), reserved.ID, Action{Kind: ActionForward, Actor: "alice", Target: "mallory"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Forward to excluded owner error = %v, want ErrUnauthorized", err)
	}
	if _, err := f.manager.Submit(context.Background(), reserved.ID, Action{Kind: ActionForward, Actor: "alice"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Forward without target error = %v, want ErrInvalidInput", err)
	}
	moved := f.submit(t, reserved.ID, Action{Kind: ActionForward, Actor: "alice", Target: "bob"})
	if moved.State != StateReserved || moved.Owner != "bob" {
		t.Fatalf("forward from Reserved: state=%s owner=%q, want Reserved/bob", moved.State, moved.Owner)
	}
}

func TestDelegateKeepsOriginalOwnerAsStakeholder(t *testing.T) {
	f := newFixture(t, reviewDefinition())
	inst := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "alice"})
	f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "alice"})

	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionDelegate, Actor: "erin", Target: "bob"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Delegate by admin error = %v, want ErrUnauthorized", err)
	}
	delegated := f.submit(t, inst.ID, Action{Kind: ActionDelegate, Actor: "alice", Target: "bob"})
	if delegated.State != StateInProgress || delegated.Owner != "bob" {
		t.Fatalf("state=%s owner=%q, want InProgress/bob", delegated.State, delegated.Owner)
	}
	if !assignment.Contains(delegated.Assignments.Stakeholders, "alice") {
		t.Fatalf("stakeholders = %v, want alice included", delegated.Assignments.Stakeholders)
	}
	f.submit(t, inst.ID, Action{Kind: ActionComplete, Actor: "bob"})
}

func TestSuspendAndResumeRestorePriorState(t *testing.T) {
	f := newFixture(t, reviewDefinition())
	inst := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "carol"})

	suspended := f.submit(t, inst.ID, Action{Kind: ActionSuspend, Actor: "carol"})
	if suspended.State != StateSuspended || suspended.PriorState != StateReserved {
		t.Fatalf("state=%s prior=%s, want Suspended/Reserved", suspended.State, suspended.PriorState)
	}
	resumed := f.submit(t, inst.ID, Action{Kind: ActionResume, Actor: "erin"})
	if resumed.State != StateReserved || resumed.PriorState != "" {
		t.Fatalf("state=%s prior=%s, want Reserved", resumed.State, resumed.PriorState)
	}

	f.submit(t, inst.ID, Action{Kind: ActionSuspend, Actor: "carol"})
	started := f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "carol"})
	if started.State != StateInProgress {
		t.Fatalf("start from suspended = %s, want InProgress", started.State)
	}

	f.submit(t, inst.ID, Action{Kind: ActionSuspend, Actor: "carol"})
	if _, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionStart, Actor: "carol"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("start while suspended from InProgress error = %v, want ErrIllegalTransition", err)
	}
}

func TestReleaseSkipAndStop(t *testing.T) {
	f := newFixture(t, reviewDefinition())

	released := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, released.ID, Action{Kind: ActionClaim, Actor: "alice"})
	back := f.submit(t, released.ID, Action{Kind: ActionRelease, Actor: "alice"})
	if back.State != StateReady || back.Owner != "" || back.ClaimedAt != nil {
		t.Fatalf("after release state=%s owner=%q claimed=%v", back.State, back.Owner, back.ClaimedAt)
	}

	skipped := f.instantiate(t, reviewDefinition(), nil)
	if _, err := f.manager.Submit(context.Background(), skipped.ID, Action{Kind: ActionSkip, Actor: "alice"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Skip by candidate error = %v, want ErrUnauthorized", err)
	}
	if got := f.submit(t, skipped.ID, Action{Kind: ActionSkip, Actor: "erin"}); got.State != StateExited {
		t.Fatalf("after skip state = %s, want Exited", got.State)
	}

	stopped := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, stopped.ID, Action{Kind: ActionClaim, Actor: "alice"})
	f.submit(t, stopped.ID, Action{Kind: ActionStart, Actor: "alice"})
	if _, err := f.manager.Submit(context.Background(), stopped.ID, Action{Kind: ActionSkip, Actor: "erin"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Skip from InProgress error = %v, want ErrIllegalTransition", err)
	}
	if got := f.submit(t, stopped.ID, Action{Kind: ActionStop, Actor: "erin"}); got.State != StateExited {
		t.Fatalf("after stop state = %s, want Exited", got.State)
	}
	if _, err := f.manager.Submit(context.Background(), stopped.ID, Action{Kind: ActionStop, Actor: "erin"}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("Stop on terminal error = %v, want ErrIllegalTransition", err)
	}
}

func TestEscalationAutoFailsOverdueTask(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})
	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "alice"})
	f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "alice"})
	f.clock.Advance(time.Hour)

	failed := f.submit(t, inst.ID, EscalateAction("complete", "expire"))
	if failed.State != StateFailed {
		t.Fatalf("state = %s, want Failed", failed.State)
	}
	if failed.Fault == nil || failed.Fault.Reason != FaultDeadlineExpired {
		t.Fatalf("fault = %+v, want reason %s", failed.Fault, FaultDeadlineExpired)
	}
	if len(failed.Escalations) != 1 || failed.Escalations[0].EscalationID != "expire" {
		t.Fatalf("escalations = %+v", failed.Escalations)
	}
	last := f.sink.events[len(f.sink.events)-1]
	if last.Type != EventTaskFailed || last.Actor != SystemActor {
		t.Fatalf("last event = %s by %q, want TaskFailed by system", last.Type, last.Actor)
	}

	events := f.sink.count()
	if _, err := f.manager.Submit(context.Background(), inst.ID, EscalateAction("complete", "expire")); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second escalation error = %v, want ErrIllegalTransition", err)
	}
	if f.sink.count() != events {
		t.Fatalf("second escalation published an event")
	}
}

func TestEscalateIsSystemOnly(t *testing.T) {
	f := newFixture(t, approvalDefinition())
	inst := f.instantiate(t, approvalDefinition(), map[string]any{"amount": 42})

	_, err := f.manager.Submit(context.Background(), inst.ID, Action{Kind: ActionEscalate, Actor: "erin", DeadlineID: "complete", EscalationID: "expire"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Escalate by principal error = %v, want ErrUnauthorized", err)
	}
}

func TestEscalationReassignAndNotify(t *testing.T) {
	f := newFixture(t, reviewDefinition())
	inst := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "alice"})

	widened := f.submit(t, inst.ID, EscalateAction("start", "widen"))
	if widened.State != StateReady || widened.Owner != "" {
		t.Fatalf("after reassign state=%s owner=%q, want Ready with no owner", widened.State, widened.Owner)
	}
	if !assignment.Contains(widened.Assignments.PotentialOwners, "zoe") {
		t.Fatalf("potential owners = %v, want zoe added", widened.Assignments.PotentialOwners)
	}

	notified := f.submit(t, inst.ID, EscalateAction("start", "tell-admins"))
	if notified.State != StateReady {
		t.Fatalf("notify changed state to %s", notified.State)
	}
	if len(notified.Escalations) != 2 || !slices.Equal(notified.Escalations[1].Targets, []string{"erin"}) {
		t.Fatalf("escalation history = %+v", notified.Escalations)
	}

	f.submit(t, inst.ID, Action{Kind: ActionClaim, Actor: "zoe"})
	f.submit(t, inst.ID, Action{Kind: ActionStart, Actor: "zoe"})
	if _, err := f.manager.Submit(context.Background(), inst.ID, EscalateAction("start", "widen")); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("start escalation after start error = %v, want ErrIllegalTransition", err)
	}
}

func TestRefreshKeepsGrantedAssignments(t *testing.T) {
	f := newFixture(t, reviewDefinition())
	inst := f.instantiate(t, reviewDefinition(), nil)
	f.submit(t, inst.ID, Action{Kind: ActionForward, Actor: "erin", Target: "bob"})

	f.dir.SetGroup("reviewers", "carol", "nina")
	refreshed := f.submit(t, inst.ID, Action{Kind: ActionRefresh, Actor: "erin"})

	want := []string{"alice", "bob", "carol", "nina"}
	if !slices.Equal(refreshed.Assignments.PotentialOwners, want) {
		t.Fatalf("potential owners = %v, want %v", refreshed.Assignments.PotentialOwners, want)
	}
}

func TestSubmitUnknownInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Submit(context.Background(), "missing", Action{Kind: ActionClaim, Actor: "alice"})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Submit() error = %v, want ErrTaskNotFound", err)
	}
	if ReasonOf(err) != ReasonNotFound {
		t.Fatalf("ReasonOf() = %q", ReasonOf(err))
	}
}

func TestEventHistoryIsBounded(t *testing.T) {
	f := newFixture(t, reviewDefinition())
	f.manager.eventHistoryMax = 3
	inst := f.instantiate(t, reviewDefinition(), nil)
	for range 3 {
		f.submit(t, inst.ID, Action{Kind: ActionSuspend, Actor: "erin"})
		f.submit(t, inst.ID, Action{Kind: ActionResume, Actor: "erin"})
	}
	history := f.manager.ListEvents(inst.ID, 0)
	if len(history) != 3 {
		t.Fatalf("history len = %d, want 3", len(history))
	}
	if history[2].Sequence != 7 {
		t.Fatalf("newest sequence = %d, want 7", history[2].Sequence)
	}
}
