package events

import (
	"strings"

	"XCMFlow/internal/chain"
)

// Filter is an allow-list over event dimensions. An empty dimension matches
// everything in that dimension.
type Filter struct {
	Chains   []string `json:"chains,omitempty" yaml:"chains"`
	Sections []string `json:"sections,omitempty" yaml:"sections"`
	Methods  []string `json:"methods,omitempty" yaml:"methods"`
}

// Matches reports whether the event passes every dimension of the filter.
func (f Filter) Matches(event chain.SystemEvent) bool {
	return matchesDimension(f.Chains, event.ChainID) &&
		matchesDimension(f.Sections, event.Section) &&
		matchesDimension(f.Methods, event.Method)
}

func matchesDimension(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, value) {
			return true
		}
	}
	return false
}

// FilterSet accepts an event when any member filter matches. An empty set
// accepts everything.
type FilterSet []Filter

func (s FilterSet) Accepts(event chain.SystemEvent) bool {
	if len(s) == 0 {
		return true
	}
	for _, filter := range s {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}
