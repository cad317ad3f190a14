package rule

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	// FindByFhirType returns all enabled rules mapping the FHIR resource
	// type, unordered.
	FindByFhirType(ctx context.Context, fhirResourceType string) ([]*Rule, error)
	// FindByDhisType returns all enabled rules mapping the DHIS2 resource
	// kind, unordered.
	FindByDhisType(ctx context.Context, dhisResourceType DhisResourceType) ([]*Rule, error)
}
