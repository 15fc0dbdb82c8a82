package tasks

import (
	"maps"
	"slices"
	"time"

	"github.com/ent0n29/humantasks/internal/assignment"
	"github.com/ent0n29/humantasks/internal/definition"
)

// SystemActor is the acting principal recorded for scheduler-originated actions.
const SystemActor = "system"

// FaultDeadlineExpired is the fault reason recorded by an auto-fail escalation.
const FaultDeadlineExpired = "DeadlineExpired"

type State string

const (
	StateCreated    State = "Created"
	StateReady      State = "Ready"
	StateReserved   State = "Reserved"
	StateInProgress State = "InProgress"
	StateSuspended  State = "Suspended"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateExited     State = "Exited"
	StateObsolete   State = "Obsolete"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExited, StateObsolete:
		return true
	default:
		return false
	}
}

type ActionKind string

const (
	ActionClaim       ActionKind = "Claim"
	ActionStart       ActionKind = "Start"
	ActionComplete    ActionKind = "Complete"
	ActionFail        ActionKind = "Fail"
	ActionSkip        ActionKind = "Skip"
	ActionForward     ActionKind = "Forward"
	ActionRelease     ActionKind = "Release"
	ActionDelegate    ActionKind = "Delegate"
	ActionResume      ActionKind = "Resume"
	ActionSuspend     ActionKind = "Suspend"
	ActionStop        ActionKind = "Stop"
	ActionEscalate    ActionKind = "Escalate"
	ActionAcknowledge ActionKind = "Acknowledge"
	ActionNominate    ActionKind = "Nominate"
	ActionRefresh     ActionKind = "Refresh"
)

type Fault struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Action is a command directed at one instance. Which fields matter depends
// on Kind: Target for Forward/Delegate, Targets for Nominate, Output for
// Complete, Fault for Fail, DeadlineID/EscalationID for Escalate.
type Action struct {
	Kind            ActionKind     `json:"kind"`
	Actor           string         `json:"actor"`
	Target          string         `json:"target,omitempty"`
	Targets         []string       `json:"targets,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Fault           *Fault         `json:"fault,omitempty"`
	DeadlineID      string         `json:"deadline_id,omitempty"`
	EscalationID    string         `json:"escalation_id,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`

	system bool
}

// EscalateAction builds the internal, pre-authorized action the scheduler
// submits when a deadline bound to escalation fires.
func EscalateAction(deadlineID, escalationID string) Action {
	return Action{
		Kind:         ActionEscalate,
		Actor:        SystemActor,
		DeadlineID:   deadlineID,
		EscalationID: escalationID,
		system:       true,
	}
}

func (a Action) System() bool {
	return a.system
}

type EscalationRecord struct {
	EscalationID string                      `json:"escalation_id"`
	DeadlineID   string                      `json:"deadline_id"`
	Action       definition.EscalationAction `json:"action"`
	Targets      []string                    `json:"targets,omitempty"`
	FiredAt      time.Time                   `json:"fired_at"`
}

// Instance is one live (or archived) human task.
type Instance struct {
	ID          string                         `json:"id"`
	Definition  definition.Ref                 `json:"definition"`
	Kind        definition.Kind                `json:"kind"`
	Name        string                         `json:"name"`
	Description string                         `json:"description,omitempty"`
	State       State                          `json:"state"`
	PriorState  State                          `json:"prior_state,omitempty"`
	Initiator   string                         `json:"initiator,omitempty"`
	Assignments assignment.Sets                `json:"assignments"`
	Granted     assignment.Sets                `json:"granted"`
	Owner       string                         `json:"owner,omitempty"`
	Input       map[string]any                 `json:"input"`
	Output      map[string]any                 `json:"output,omitempty"`
	Fault       *Fault                         `json:"fault,omitempty"`
	Deadlines   []definition.ScheduledDeadline `json:"deadlines,omitempty"`
	Escalations []EscalationRecord             `json:"escalations,omitempty"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
	ClaimedAt   *time.Time                     `json:"claimed_at,omitempty"`
	StartedAt   *time.Time                     `json:"started_at,omitempty"`
	CompletedAt *time.Time                     `json:"completed_at,omitempty"`
	Version     int64                          `json:"version"`
}

func (t Instance) Clone() Instance {
	out := t
	out.Assignments = t.Assignments.Clone()
	out.Granted = t.Granted.Clone()
	out.Input = maps.Clone(t.Input)
	out.Output = maps.Clone(t.Output)
	out.Deadlines = slices.Clone(t.Deadlines)
	if t.Escalations != nil {
		out.Escalations = make([]EscalationRecord, len(t.Escalations))
		for i, rec := range t.Escalations {
			rec.Targets = slices.Clone(rec.Targets)
			out.Escalations[i] = rec
		}
	}
	if t.Fault != nil {
		f := *t.Fault
		out.Fault = &f
	}
	out.ClaimedAt = cloneTime(t.ClaimedAt)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return out
}

func (t Instance) Terminal() bool {
	return t.State.Terminal()
}

// LastFired returns when deadlineID last fired, if it ever did.
func (t Instance) LastFired(deadlineID string) (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)
	for _, rec := range t.Escalations {
		if rec.DeadlineID == deadlineID && (!found || rec.FiredAt.After(last)) {
			last = rec.FiredAt
			found = true
		}
	}
	return last, found
}

// DeadlineApplies reports whether a deadline of kind still constrains t. A
// start deadline stops applying once work has started; every deadline stops
// applying once the task is terminal.
func DeadlineApplies(t Instance, kind definition.DeadlineKind) bool {
	if t.Terminal() {
		return false
	}
	if kind != definition.DeadlineStart {
		return true
	}
	state := t.State
	if state == StateSuspended {
		state = t.PriorState
	}
	switch state {
	case StateCreated, StateReady, StateReserved:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventTaskCreated              EventType = "TaskCreated"
	EventTaskClaimed              EventType = "TaskClaimed"
	EventTaskStarted              EventType = "TaskStarted"
	EventTaskCompleted            EventType = "TaskCompleted"
	EventTaskFailed               EventType = "TaskFailed"
	EventTaskSkipped              EventType = "TaskSkipped"
	EventTaskReleased             EventType = "TaskReleased"
	EventTaskForwarded            EventType = "TaskForwarded"
	EventTaskDelegated            EventType = "TaskDelegated"
	EventTaskSuspended            EventType = "TaskSuspended"
	EventTaskResumed              EventType = "TaskResumed"
	EventTaskStopped              EventType = "TaskStopped"
	EventTaskEscalated            EventType = "TaskEscalated"
	EventTaskNominated            EventType = "TaskNominated"
	EventTaskAssignmentsRefreshed EventType = "TaskAssignmentsRefreshed"
)

// Event is published once per accepted transition. Sequence equals the
// instance version the transition produced.
type Event struct {
	Type       EventType      `json:"type"`
	InstanceID string         `json:"instance_id"`
	Definition definition.Ref `json:"definition"`
	State      State          `json:"state"`
	Actor      string         `json:"actor"`
	Owner      string         `json:"owner,omitempty"`
	Targets    []string       `json:"targets,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
	Sequence   int64          `json:"sequence"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
