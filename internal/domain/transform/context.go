// Package transform runs the rule-driven mapping between DHIS2 tracked
// entities and FHIR resources. One transformation handles one (resource,
// direction) pair: the resolver orders the candidate rules, each rule runs
// through the applicable/transform script pipeline, and the first applied
// rule with stop semantics ends the evaluation.
package transform

import (
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/lock"
)

// Context carries the per-request settings of one transformation. It is
// created by the caller, passed explicitly through the pipeline and released
// together with its lock context.
type Context struct {
	// FhirVersion selects the version-specific capabilities once per
	// request.
	FhirVersion fhirclient.Version

	// UseAdapterIdentifiers stamps adapter-owned identifiers onto created
	// FHIR resources so they can be reconciled without an assignment row.
	UseAdapterIdentifiers bool

	// CreationDisabled suppresses the creation of missing counterpart
	// resources; only existing counterparts are updated.
	CreationDisabled bool

	// FirstRuleOnly ends rule evaluation after the first applied rule even
	// when the rule itself does not carry the stop flag.
	FirstRuleOnly bool

	// Locks serializes concurrent transformations of the same logical
	// entity. It must be released by the caller.
	Locks *lock.Context
}
