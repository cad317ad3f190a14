package rule

import (
	"context"

	"github.com/google/uuid"
)

// memRepo is an immutable in-memory rule set, used by tests and by
// deployments that configure rules from files instead of the database.
type memRepo struct {
	rules []*Rule
}

func NewMemRepo(rules []*Rule) Repository {
	return &memRepo{rules: rules}
}

func (r *memRepo) FindByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	for _, ru := range r.rules {
		if ru.ID == id {
			return ru, nil
		}
	}
	return nil, nil
}

func (r *memRepo) FindByFhirType(ctx context.Context, fhirResourceType string) ([]*Rule, error) {
	var out []*Rule
	for _, ru := range r.rules {
		if ru.Enabled && ru.FhirResourceType == fhirResourceType {
			out = append(out, ru)
		}
	}
	return out, nil
}

func (r *memRepo) FindByDhisType(ctx context.Context, dhisResourceType DhisResourceType) ([]*Rule, error) {
	var out []*Rule
	for _, ru := range r.rules {
		if ru.Enabled && ru.DhisResourceType == dhisResourceType {
			out = append(out, ru)
		}
	}
	return out, nil
}
