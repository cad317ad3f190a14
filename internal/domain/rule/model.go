// Package rule holds the mapping rules between DHIS2 resource kinds and FHIR
// resource types, and the resolver that selects the applicable rules for a
// resource in a deterministic order.
package rule

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

// DhisResourceType is the DHIS2 resource kind a rule maps.
type DhisResourceType string

const (
	DhisResourceTrackedEntity DhisResourceType = "TRACKED_ENTITY"
	DhisResourceEnrollment    DhisResourceType = "ENROLLMENT"
	DhisResourceEvent         DhisResourceType = "PROGRAM_STAGE_EVENT"
)

// Direction of a transformation. Import feeds FHIR data into DHIS2, export
// publishes DHIS2 data as FHIR.
type Direction string

const (
	Import Direction = "IMPORT"
	Export Direction = "EXPORT"
)

// Scripts groups the executable scripts a rule references. Any entry may be
// nil; a missing applicable script means "always applicable" and a missing
// optional transform stage is skipped.
type Scripts struct {
	ApplicableImp *script.Source
	ApplicableExp *script.Source
	TransformImp  *script.Source
	TransformExp  *script.Source

	// Import-side lookups.
	OrgUnitLookup *script.Source
	TeiLookup     *script.Source

	// Export-side post-transform stages.
	OrgUnitTransformExp *script.Source
	GeoTransformExp     *script.Source
}

// Rule is one configured mapping between a DHIS2 resource kind and a FHIR
// resource type. Rules are immutable once loaded into a transformation.
type Rule struct {
	ID              uuid.UUID
	Name            string
	Description     string
	Enabled         bool
	EvaluationOrder int

	DhisResourceType DhisResourceType
	FhirResourceType string

	ImpEnabled        bool
	ExpEnabled        bool
	FhirCreateEnabled bool
	FhirUpdateEnabled bool

	// Stop ends rule evaluation after this rule has been applied.
	Stop bool

	// TrackedEntityRef restricts tracked entity rules to one type. Zero
	// means the rule applies to any type of the mapped kind.
	TrackedEntityRef metadata.Reference

	// TrackedEntityIdentifierRef names the attribute that carries the
	// national identifier used for cross-system identity resolution.
	TrackedEntityIdentifierRef metadata.Reference

	Scripts Scripts
}

// TypeAbbreviation is the short prefix used in adapter-assigned identifier
// values.
func (r *Rule) TypeAbbreviation() string {
	switch r.DhisResourceType {
	case DhisResourceEnrollment:
		return "en"
	case DhisResourceEvent:
		return "ev"
	default:
		return "te"
	}
}

// ApplicableScript returns the continue/stop predicate for the direction.
func (r *Rule) ApplicableScript(d Direction) *script.Source {
	if d == Import {
		return r.Scripts.ApplicableImp
	}
	return r.Scripts.ApplicableExp
}

// TransformScript returns the primary mapping script for the direction.
func (r *Rule) TransformScript(d Direction) *script.Source {
	if d == Import {
		return r.Scripts.TransformImp
	}
	return r.Scripts.TransformExp
}

// DirectionEnabled reports whether the rule participates in the direction.
func (r *Rule) DirectionEnabled(d Direction) bool {
	if d == Import {
		return r.ImpEnabled
	}
	return r.ExpEnabled
}

// Before is the total evaluation order over rules: higher evaluation order
// first, ties broken by rule id so independent runs agree on the first
// applicable rule.
func (r *Rule) Before(o *Rule) bool {
	if r.EvaluationOrder != o.EvaluationOrder {
		return r.EvaluationOrder > o.EvaluationOrder
	}
	return bytes.Compare(r.ID[:], o.ID[:]) < 0
}
