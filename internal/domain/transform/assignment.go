package transform

import (
	"context"

	"github.com/google/uuid"
)

// Assignment binds a DHIS2 resource id to its FHIR counterpart id under one
// rule. Once established the assignment is the authoritative fast path of
// identity resolution; identifier and attribute searches only run when no
// assignment exists.
type Assignment struct {
	RuleID uuid.UUID
	DhisID string
	FhirID string
}

// AssignmentRepository persists the id assignments.
type AssignmentRepository interface {
	// FhirID returns the assigned FHIR id for a DHIS2 id, or the empty
	// string when no assignment exists.
	FhirID(ctx context.Context, ruleID uuid.UUID, dhisID string) (string, error)
	// DhisID returns the assigned DHIS2 id for a FHIR id, or the empty
	// string when no assignment exists.
	DhisID(ctx context.Context, ruleID uuid.UUID, fhirID string) (string, error)
	// Save stores the assignment, replacing an earlier counterpart id for
	// the same (rule, DHIS2 id) pair.
	Save(ctx context.Context, a Assignment) error
}
