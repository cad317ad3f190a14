package transform

import (
	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
)

// FhirOutcome is the result of applying one rule in the DHIS2 to FHIR
// direction. A nil Resource means the rule matched but the counterpart was
// already up to date and nothing was written.
type FhirOutcome struct {
	Rule     *rule.Rule
	Resource fhirclient.Resource
	Created  bool
}

// DhisOutcome is the result of applying one rule in the FHIR to DHIS2
// direction. A nil Instance means the rule matched but the tracked entity
// instance was already up to date.
type DhisOutcome struct {
	Rule     *rule.Rule
	Instance *tracker.TrackedEntityInstance
	Created  bool
}
