// Package policy decides whether a principal may act on a task given the
// task's resolved people assignments and current owner.
package policy

import (
	"strings"

	"github.com/ent0n29/humantasks/internal/assignment"
)

// Rule names an authorization requirement from the lifecycle transition table.
type Rule string

const (
	// RuleSystem is satisfied only by scheduler-originated actions.
	RuleSystem Rule = "system"
	// RuleEligibleClaimant requires membership in PotentialOwners, absence from
	// ExcludedOwners and no current owner.
	RuleEligibleClaimant Rule = "eligible_claimant"
	RuleOwner            Rule = "owner"
	RuleOwnerOrAdmin     Rule = "owner_or_admin"
	RuleAdmin            Rule = "admin"
	// RuleRecipient admits anyone the task was addressed to: potential owners,
	// stakeholders and business administrators.
	RuleRecipient Rule = "recipient"
)

// Subject is everything a rule is evaluated against.
type Subject struct {
	Actor       string
	System      bool
	Owner       string
	Assignments assignment.Sets
}

// Authorize reports whether subject satisfies rule. System subjects are
// pre-authorized for every rule.
func Authorize(rule Rule, subject Subject) bool {
	if subject.System {
		return true
	}
	actor := strings.TrimSpace(subject.Actor)
	if actor == "" {
		return false
	}
	sets := subject.Assignments
	isOwner := subject.Owner != "" && actor == subject.Owner
	isAdmin := assignment.Contains(sets.BusinessAdministrators, actor)

	switch rule {
	case RuleEligibleClaimant:
		return subject.Owner == "" &&
			assignment.Contains(sets.PotentialOwners, actor) &&
			!assignment.Contains(sets.ExcludedOwners, actor)
	case RuleOwner:
		return isOwner
	case RuleOwnerOrAdmin:
		return isOwner || isAdmin
	case RuleAdmin:
		return isAdmin
	case RuleRecipient:
		return isAdmin ||
			assignment.Contains(sets.Stakeholders, actor) ||
			(assignment.Contains(sets.PotentialOwners, actor) && !assignment.Contains(sets.ExcludedOwners, actor))
	default:
		return false
	}
}
