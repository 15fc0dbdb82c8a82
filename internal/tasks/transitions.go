package tasks

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ent0n29/humantasks/internal/assignment"
	"github.com/ent0n29/humantasks/internal/definition"
	"github.com/ent0n29/humantasks/internal/policy"
)

// transition applies action to inst in place and returns the event to
// publish. inst is a private copy; on error the caller discards it.
func (m *Manager) transition(ctx context.Context, inst *Instance, action Action, now time.Time) (Event, error) {
	switch action.Kind {
	case ActionClaim:
		if err := requireGenericTask(inst, action); err != nil {
			return Event{}, err
		}
		if err := m.guard(inst, action, policy.RuleEligibleClaimant, StateReady); err != nil {
			return Event{}, err
		}
		inst.Owner = action.Actor
		inst.State = StateReserved
		inst.ClaimedAt = &now
		return Event{Type: EventTaskClaimed}, nil

	case ActionStart:
		if err := requireGenericTask(inst, action); err != nil {
			return Event{}, err
		}
		if inst.State == StateSuspended && inst.PriorState != StateReserved {
			return Event{}, illegal(inst, action)
		}
		if err := m.guard(inst, action, policy.RuleOwner, StateReserved, StateSuspended); err != nil {
			return Event{}, err
		}
		inst.State = StateInProgress
		inst.PriorState = ""
		inst.StartedAt = &now
		return Event{Type: EventTaskStarted}, nil

	case ActionComplete:
		if err := requireGenericTask(inst, action); err != nil {
			return Event{}, err
		}
		if err := m.guard(inst, action, policy.RuleOwner, StateInProgress); err != nil {
			return Event{}, err
		}
		def, err := m.definitionFor(*inst)
		if err != nil {
			return Event{}, err
		}
		output := maps.Clone(action.Output)
		if output == nil {
			output = map[string]any{}
		}
		if err := def.Output.Check(output); err != nil {
			return Event{}, fmt.Errorf("output: %w", err)
		}
		inst.Output = output
		inst.State = StateCompleted
		inst.CompletedAt = &now
		return Event{Type: EventTaskCompleted}, nil

	case ActionAcknowledge:
		if inst.Kind != definition.KindNotification {
			return Event{}, fmt.Errorf("%w: %s only applies to notifications", ErrIllegalTransition, action.Kind)
		}
		if err := m.guard(inst, action, policy.RuleRecipient, StateCreated, StateReady); err != nil {
			return Event{}, err
		}
		def, err := m.definitionFor(*inst)
		if err != nil {
			return Event{}, err
		}
		output := def.DeriveOutput(inst.Input)
		if err := def.Output.Check(output); err != nil {
			return Event{}, fmt.Errorf("derived output: %w", err)
		}
		inst.Output = output
		inst.Owner = action.Actor
		inst.State = StateCompleted
		inst.CompletedAt = &now
		return Event{Type: EventTaskCompleted, Detail: "acknowledged"}, nil

	case ActionFail:
		if err := m.guard(inst, action, policy.RuleOwnerOrAdmin, StateInProgress); err != nil {
			return Event{}, err
		}
		if action.Fault == nil || strings.TrimSpace(action.Fault.Reason) == "" {
			return Event{}, fmt.Errorf("%w: fail requires a fault reason", ErrInvalidInput)
		}
		fault := *action.Fault
		fault.Reason = strings.TrimSpace(fault.Reason)
		inst.Fault = &fault
		inst.State = StateFailed
		inst.CompletedAt = &now
		return Event{Type: EventTaskFailed, Detail: fault.Reason}, nil

	case ActionSkip:
		if err := m.guard(inst, action, policy.RuleAdmin, StateCreated, StateReady); err != nil {
			return Event{}, err
		}
		inst.State = StateExited
		inst.CompletedAt = &now
		return Event{Type: EventTaskSkipped}, nil

	case ActionRelease:
		if err := m.guard(inst, action, policy.RuleOwnerOrAdmin, StateReserved, StateInProgress); err != nil {
			return Event{}, err
		}
		inst.Owner = ""
		inst.State = StateReady
		inst.ClaimedAt = nil
		inst.StartedAt = nil
		return Event{Type: EventTaskReleased}, nil

	case ActionForward:
		if err := m.guard(inst, action, policy.RuleOwnerOrAdmin, StateCreated, StateReady, StateReserved, StateInProgress); err != nil {
			return Event{}, err
		}
		target, err := reassignmentTarget(inst, action)
		if err != nil {
			return Event{}, err
		}
		inst.Assignments.PotentialOwners = assignment.Union(inst.Assignments.PotentialOwners, []string{target})
		inst.Granted.PotentialOwners = assignment.Union(inst.Granted.PotentialOwners, []string{target})
		if inst.State == StateReserved || inst.State == StateInProgress {
			inst.Owner = target
		}
		return Event{Type: EventTaskForwarded, Targets: []string{target}}, nil

	case ActionDelegate:
		if err := m.guard(inst, action, policy.RuleOwner, StateReserved, StateInProgress); err != nil {
			return Event{}, err
		}
		target, err := reassignmentTarget(inst, action)
		if err != nil {
			return Event{}, err
		}
		previous := inst.Owner
		inst.Assignments.Stakeholders = assignment.Union(inst.Assignments.Stakeholders, []string{previous})
		inst.Granted.Stakeholders = assignment.Union(inst.Granted.Stakeholders, []string{previous})
		inst.Owner = target
		return Event{Type: EventTaskDelegated, Targets: []string{target}, Detail: "from " + previous}, nil

	case ActionSuspend:
		if err := m.guard(inst, action, policy.RuleOwnerOrAdmin, StateReady, StateReserved, StateInProgress); err != nil {
			return Event{}, err
		}
		inst.PriorState = inst.State
		inst.State = StateSuspended
		return Event{Type: EventTaskSuspended}, nil

	case ActionResume:
		if err := m.guard(inst, action, policy.RuleOwnerOrAdmin, StateSuspended); err != nil {
			return Event{}, err
		}
		inst.State = inst.PriorState
		inst.PriorState = ""
		return Event{Type: EventTaskResumed}, nil

	case ActionStop:
		if inst.Terminal() {
			return Event{}, illegal(inst, action)
		}
		if err := authorize(inst, action, policy.RuleAdmin); err != nil {
			return Event{}, err
		}
		inst.State = StateExited
		inst.PriorState = ""
		inst.CompletedAt = &now
		return Event{Type: EventTaskStopped}, nil

	case ActionNominate:
		if err := m.guard(inst, action, policy.RuleAdmin, StateCreated); err != nil {
			return Event{}, err
		}
		targets := assignment.Union(action.Targets, []string{action.Target})
		if len(targets) == 0 {
			return Event{}, fmt.Errorf("%w: nominate requires at least one target", ErrInvalidInput)
		}
		for _, target := range targets {
			if assignment.Contains(inst.Assignments.ExcludedOwners, target) {
				return Event{}, fmt.Errorf("%w: %s is an excluded owner", ErrUnauthorized, target)
			}
		}
		inst.Assignments.PotentialOwners = assignment.Union(inst.Assignments.PotentialOwners, targets)
		inst.Granted.PotentialOwners = assignment.Union(inst.Granted.PotentialOwners, targets)
		inst.State = StateReady
		return Event{Type: EventTaskNominated, Targets: targets}, nil

	case ActionRefresh:
		if inst.Terminal() {
			return Event{}, illegal(inst, action)
		}
		if err := authorize(inst, action, policy.RuleAdmin); err != nil {
			return Event{}, err
		}
		def, err := m.definitionFor(*inst)
		if err != nil {
			return Event{}, err
		}
		if m.resolver == nil {
			return Event{}, fmt.Errorf("%w: no assignment resolver configured", ErrDirectoryUnavailable)
		}
		sets, err := m.resolver.Resolve(ctx, def.People, assignment.Context{Initiator: inst.Initiator, Input: inst.Input})
		if err != nil {
			return Event{}, err
		}
		inst.Assignments = sets.Merge(inst.Granted)
		if inst.State == StateCreated && len(inst.Assignments.PotentialOwners) > 0 {
			inst.State = StateReady
		}
		return Event{Type: EventTaskAssignmentsRefreshed}, nil

	case ActionEscalate:
		return m.escalate(ctx, inst, action, now)

	default:
		return Event{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action.Kind)
	}
}

func (m *Manager) escalate(ctx context.Context, inst *Instance, action Action, now time.Time) (Event, error) {
	if inst.Terminal() {
		return Event{}, illegal(inst, action)
	}
	if err := authorize(inst, action, policy.RuleSystem); err != nil {
		return Event{}, err
	}
	def, err := m.definitionFor(*inst)
	if err != nil {
		return Event{}, err
	}
	clause, ok := def.Escalation(action.EscalationID)
	if !ok || clause.Deadline != action.DeadlineID {
		return Event{}, fmt.Errorf("%w: no escalation %q bound to deadline %q", ErrInvalidInput, action.EscalationID, action.DeadlineID)
	}
	deadline, ok := def.Deadline(action.DeadlineID)
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown deadline %q", ErrInvalidInput, action.DeadlineID)
	}
	if !DeadlineApplies(*inst, deadline.Kind) {
		return Event{}, fmt.Errorf("%w: %s deadline %q no longer applies in state %s",
			ErrIllegalTransition, deadline.Kind, deadline.ID, inst.State)
	}

	record := EscalationRecord{
		EscalationID: clause.ID,
		DeadlineID:   deadline.ID,
		Action:       clause.Action,
		FiredAt:      now,
	}
	ev := Event{Type: EventTaskEscalated, Detail: string(clause.Action) + ":" + clause.ID}

	switch clause.Action {
	case definition.EscalationReassign, definition.EscalationNotify:
		if m.resolver == nil {
			return Event{}, fmt.Errorf("%w: no assignment resolver configured", ErrDirectoryUnavailable)
		}
		targets, err := m.resolver.ResolveTargets(ctx, clause.Targets, assignment.Context{Initiator: inst.Initiator, Input: inst.Input})
		if err != nil {
			return Event{}, err
		}
		record.Targets = targets
		ev.Targets = slices.Clone(targets)
		if clause.Action == definition.EscalationReassign {
			reassign(inst, targets)
		}
	case definition.EscalationFail:
		inst.Fault = &Fault{
			Reason: FaultDeadlineExpired,
			Detail: fmt.Sprintf("%s deadline %q expired", deadline.Kind, deadline.ID),
		}
		inst.State = StateFailed
		inst.PriorState = ""
		inst.CompletedAt = &now
		ev.Type = EventTaskFailed
		ev.Detail = FaultDeadlineExpired
	default:
		return Event{}, fmt.Errorf("%w: unknown escalation action %q", ErrInvalidInput, clause.Action)
	}

	inst.Escalations = append(inst.Escalations, record)
	return ev, nil
}

// reassign widens the candidate pool and returns the task to the pool so one
// of the new candidates can claim it.
func reassign(inst *Instance, targets []string) {
	inst.Assignments.PotentialOwners = assignment.Union(inst.Assignments.PotentialOwners, targets)
	inst.Granted.PotentialOwners = assignment.Union(inst.Granted.PotentialOwners, targets)
	inst.Owner = ""
	inst.ClaimedAt = nil
	inst.StartedAt = nil
	// Owned states fall back to Ready rather than staying put: with the owner
	// cleared, a Reserved or InProgress task could never be claimed again.
	switch inst.State {
	case StateReserved, StateInProgress:
		inst.State = StateReady
	case StateSuspended:
		if inst.PriorState == StateReserved || inst.PriorState == StateInProgress {
			inst.PriorState = StateReady
		}
	case StateCreated:
		if len(inst.Assignments.PotentialOwners) > 0 {
			inst.State = StateReady
		}
	}
}

func (m *Manager) guard(inst *Instance, action Action, rule policy.Rule, allowed ...State) error {
	if !slices.Contains(allowed, inst.State) {
		return illegal(inst, action)
	}
	return authorize(inst, action, rule)
}

func authorize(inst *Instance, action Action, rule policy.Rule) error {
	subject := policy.Subject{
		Actor:       action.Actor,
		System:      action.System(),
		Owner:       inst.Owner,
		Assignments: inst.Assignments,
	}
	if rule == policy.RuleSystem && !subject.System {
		return fmt.Errorf("%w: %s is system-only", ErrUnauthorized, action.Kind)
	}
	if !policy.Authorize(rule, subject) {
		return fmt.Errorf("%w: %q may not %s instance %s", ErrUnauthorized, action.Actor, action.Kind, inst.ID)
	}
	return nil
}

func illegal(inst *Instance, action Action) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrIllegalTransition, action.Kind, inst.State)
}

func requireGenericTask(inst *Instance, action Action) error {
	if inst.Kind == definition.KindNotification {
		return fmt.Errorf("%w: %s does not apply to notifications", ErrIllegalTransition, action.Kind)
	}
	return nil
}

func reassignmentTarget(inst *Instance, action Action) (string, error) {
	target := strings.TrimSpace(action.Target)
	if target == "" {
		return "", fmt.Errorf("%w: %s requires a target", ErrInvalidInput, action.Kind)
	}
	if assignment.Contains(inst.Assignments.ExcludedOwners, target) {
		return "", fmt.Errorf("%w: %s is an excluded owner", ErrUnauthorized, target)
	}
	return target, nil
}
