package assignment

import (
	"slices"
	"sort"
	"strings"
)

// Sets are the principals resolved for each people-assignment role. Every
// slice is sorted and free of duplicates.
type Sets struct {
	PotentialOwners        []string `json:"potential_owners"`
	ExcludedOwners         []string `json:"excluded_owners,omitempty"`
	BusinessAdministrators []string `json:"business_administrators,omitempty"`
	Stakeholders           []string `json:"stakeholders,omitempty"`
}

func (s Sets) Clone() Sets {
	return Sets{
		PotentialOwners:        slices.Clone(s.PotentialOwners),
		ExcludedOwners:         slices.Clone(s.ExcludedOwners),
		BusinessAdministrators: slices.Clone(s.BusinessAdministrators),
		Stakeholders:           slices.Clone(s.Stakeholders),
	}
}

// Merge returns the role-wise union of s and other.
func (s Sets) Merge(other Sets) Sets {
	return Sets{
		PotentialOwners:        Union(s.PotentialOwners, other.PotentialOwners),
		ExcludedOwners:         Union(s.ExcludedOwners, other.ExcludedOwners),
		BusinessAdministrators: Union(s.BusinessAdministrators, other.BusinessAdministrators),
		Stakeholders:           Union(s.Stakeholders, other.Stakeholders),
	}
}

// EffectiveOwners is PotentialOwners minus ExcludedOwners.
func (s Sets) EffectiveOwners() []string {
	out := make([]string, 0, len(s.PotentialOwners))
	for _, p := range s.PotentialOwners {
		if !Contains(s.ExcludedOwners, p) {
			out = append(out, p)
		}
	}
	return out
}

// Union merges principal lists into a sorted, deduplicated slice. Blank
// identifiers are dropped.
func Union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, p := range list {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func Contains(set []string, principal string) bool {
	return principal != "" && slices.Contains(set, principal)
}
