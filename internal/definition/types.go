package definition

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindGenericTask  Kind = "GenericTask"
	KindNotification Kind = "Notification"
)

type DeadlineKind string

const (
	DeadlineStart      DeadlineKind = "Start"
	DeadlineCompletion DeadlineKind = "Completion"
)

type EscalationAction string

const (
	EscalationReassign EscalationAction = "reassign"
	EscalationNotify   EscalationAction = "notify"
	EscalationFail     EscalationAction = "fail"
)

// Ref identifies one version of a task definition.
type Ref struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s@v%d", r.Namespace, r.Name, r.Version)
}

// Expression is a people-assignment expression: Literal, GroupRef or RoleExpr.
type Expression interface {
	String() string
	isExpression()
}

// Literal names a single principal.
type Literal struct {
	Principal string
}

// GroupRef names every member of a directory group.
type GroupRef struct {
	Group string
}

// RoleExpr is an organizational-role expression such as "manager of alice".
// Of may reference the task context with $initiator or $input.<field>.
type RoleExpr struct {
	Role string
	Of   string
}

func (Literal) isExpression()  {}
func (GroupRef) isExpression() {}
func (RoleExpr) isExpression() {}

func (e Literal) String() string  { return "user:" + e.Principal }
func (e GroupRef) String() string { return "group:" + e.Group }
func (e RoleExpr) String() string {
	if e.Of == "" {
		return "role:" + e.Role
	}
	return "role:" + e.Role + " of " + e.Of
}

// ParseExpression parses the textual form used in definition files:
// "user:alice", "group:finance", "role:manager of $initiator".
// A bare value without a prefix is treated as a literal principal.
func ParseExpression(raw string) (Expression, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty expression")
	}
	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Literal{Principal: raw}, nil
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, fmt.Errorf("expression %q has no value", raw)
	}
	switch strings.ToLower(strings.TrimSpace(prefix)) {
	case "user", "principal":
		return Literal{Principal: rest}, nil
	case "group":
		return GroupRef{Group: rest}, nil
	case "role":
		role, of, _ := strings.Cut(rest, " of ")
		role = strings.TrimSpace(role)
		if role == "" {
			return nil, fmt.Errorf("expression %q has no role", raw)
		}
		return RoleExpr{Role: role, Of: strings.TrimSpace(of)}, nil
	default:
		return nil, fmt.Errorf("expression %q has unknown prefix %q", raw, prefix)
	}
}

type PeopleAssignments struct {
	PotentialOwners        []Expression
	ExcludedOwners         []Expression
	BusinessAdministrators []Expression
	Stakeholders           []Expression
}

// Deadline is anchored either After the instance's creation or At a fixed
// time. A zero After with no At falls due at creation.
type Deadline struct {
	ID     string
	Kind   DeadlineKind
	After  time.Duration
	At     time.Time
	Repeat time.Duration
}

type Escalation struct {
	ID       string
	Deadline string
	Action   EscalationAction
	Targets  []Expression
}

type Presentation struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Definition is the immutable template a task instance is created from.
type Definition struct {
	Kind          Kind
	Ref           Ref
	Input         Schema
	Output        Schema
	People        PeopleAssignments
	Deadlines     []Deadline
	Escalations   []Escalation
	Presentation  Presentation
	DefaultOutput map[string]string
}

// ScheduledDeadline is a deadline clause anchored to an instance's creation time.
type ScheduledDeadline struct {
	ID     string        `json:"id"`
	Kind   DeadlineKind  `json:"kind"`
	Due    time.Time     `json:"due"`
	Repeat time.Duration `json:"repeat,omitempty"`
}

func (d Definition) Deadline(id string) (Deadline, bool) {
	for _, dl := range d.Deadlines {
		if dl.ID == id {
			return dl, true
		}
	}
	return Deadline{}, false
}

func (d Definition) Escalation(id string) (Escalation, bool) {
	for _, esc := range d.Escalations {
		if esc.ID == id {
			return esc, true
		}
	}
	return Escalation{}, false
}

// EscalationsFor returns the escalation clauses bound to a deadline, in
// declaration order.
func (d Definition) EscalationsFor(deadlineID string) []Escalation {
	var out []Escalation
	for _, esc := range d.Escalations {
		if esc.Deadline == deadlineID {
			out = append(out, esc)
		}
	}
	return out
}

// AbsoluteDeadlines anchors every deadline clause to createdAt.
func (d Definition) AbsoluteDeadlines(createdAt time.Time) []ScheduledDeadline {
	out := make([]ScheduledDeadline, 0, len(d.Deadlines))
	for _, dl := range d.Deadlines {
		due := createdAt.Add(dl.After)
		if !dl.At.IsZero() {
			due = dl.At.UTC()
		}
		out = append(out, ScheduledDeadline{
			ID:     dl.ID,
			Kind:   dl.Kind,
			Due:    due,
			Repeat: dl.Repeat,
		})
	}
	return out
}
