package rule

import (
	"context"
	"sort"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
)

// Resolver selects and orders candidate rules for a resource. Resolution is
// deterministic: the same repository content and input always yield the same
// ordered list.
type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

func sortRules(rules []*Rule) []*Rule {
	sort.Slice(rules, func(i, j int) bool { return rules[i].Before(rules[j]) })
	return rules
}

// ResolveFhirRules returns the ordered candidate rules for an incoming FHIR
// resource of the given type. No matching rule yields an empty list, not an
// error.
func (r *Resolver) ResolveFhirRules(ctx context.Context, fhirResourceType string) ([]*Rule, error) {
	rules, err := r.repo.FindByFhirType(ctx, fhirResourceType)
	if err != nil {
		return nil, err
	}
	return sortRules(rules), nil
}

// ResolveDhisRules returns the ordered candidate rules for an outgoing DHIS2
// resource of the given kind.
func (r *Resolver) ResolveDhisRules(ctx context.Context, dhisResourceType DhisResourceType) ([]*Rule, error) {
	rules, err := r.repo.FindByDhisType(ctx, dhisResourceType)
	if err != nil {
		return nil, err
	}
	return sortRules(rules), nil
}

// FilterRules narrows ordered candidates to the rules applicable in the given
// direction. typeRefs carries every reference form of the resource's tracked
// entity type; a tracked entity rule with a declared type reference matches
// only when that reference is among them. Order is preserved.
func (r *Resolver) FilterRules(candidates []*Rule, d Direction, typeRefs []metadata.Reference) []*Rule {
	out := make([]*Rule, 0, len(candidates))
	for _, ru := range candidates {
		if !ru.Enabled || !ru.DirectionEnabled(d) {
			continue
		}
		if ru.DhisResourceType == DhisResourceTrackedEntity && !ru.TrackedEntityRef.IsZero() {
			if !containsRef(typeRefs, ru.TrackedEntityRef) {
				continue
			}
		}
		out = append(out, ru)
	}
	return out
}

func containsRef(refs []metadata.Reference, want metadata.Reference) bool {
	for _, ref := range refs {
		if ref == want {
			return true
		}
	}
	return false
}
