package policy

import (
	"testing"

	"github.com/ent0n29/humantasks/internal/assignment"
)

func TestAuthorize(t *testing.T) {
	sets := assignment.Sets{
		PotentialOwners:        []string{"alice", "bob", "mallory"},
		ExcludedOwners:         []string{"mallory"},
		BusinessAdministrators: []string{"erin"},
		Stakeholders:           []string{"sam"},
	}
	tests := []struct {
		name    string
		rule    Rule
		subject Subject
		want    bool
	}{
		{"claimant potential owner", RuleEligibleClaimant, Subject{Actor: "alice", Assignments: sets}, true},
		{"claimant excluded", RuleEligibleClaimant, Subject{Actor: "mallory", Assignments: sets}, false},
		{"claimant outsider", RuleEligibleClaimant, Subject{Actor: "zed", Assignments: sets}, false},
		{"claimant already owned", RuleEligibleClaimant, Subject{Actor: "bob", Owner: "alice", Assignments: sets}, false},
		{"owner matches", RuleOwner, Subject{Actor: "alice", Owner: "alice", Assignments: sets}, true},
		{"owner admin is not owner", RuleOwner, Subject{Actor: "erin", Owner: "alice", Assignments: sets}, false},
		{"owner or admin via admin", RuleOwnerOrAdmin, Subject{Actor: "erin", Owner: "alice", Assignments: sets}, true},
		{"owner or admin outsider", RuleOwnerOrAdmin, Subject{Actor: "bob", Owner: "alice", Assignments: sets}, false},
		{"admin only", RuleAdmin, Subject{Actor: "alice", Assignments: sets}, false},
		{"recipient stakeholder", RuleRecipient, Subject{Actor: "sam", Assignments: sets}, true},
		{"recipient excluded", RuleRecipient, Subject{Actor: "mallory", Assignments: sets}, false},
		{"system bypass", RuleAdmin, Subject{System: true, Assignments: sets}, true},
		{"empty actor", RuleOwner, Subject{Owner: "", Assignments: sets}, false},
		{"system rule needs system", RuleSystem, Subject{Actor: "erin", Assignments: sets}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Authorize(tt.rule, tt.subject); got != tt.want {
				t.Fatalf("Authorize(%s) = %v, want %v", tt.rule, got, tt.want)
			}
		})
	}
}
