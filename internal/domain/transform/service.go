package transform

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
	"github.com/dhisfhir/adapter/internal/platform/script"
)

// Lock key prefixes. Transforms of the same logical entity serialize on
// these keys; identifier claims serialize resource creation.
const (
	lockOutTE          = "out-te:"
	lockOutEnrollment  = "out-en:"
	lockOutEvent       = "out-ev:"
	lockInTE           = "in-te:"
	lockFhirIdentifier = "fhir-identifier:"
	lockTeiFhirID      = "tei-fhir-resource-id:"
)

// fhirAPI is the slice of the FHIR client the transformer uses.
type fhirAPI interface {
	Version() fhirclient.Version
	Read(ctx context.Context, resourceType, id string) (fhirclient.Resource, error)
	SearchByIdentifier(ctx context.Context, resourceType, system, value string) (fhirclient.Resource, error)
	Create(ctx context.Context, res fhirclient.Resource) (fhirclient.Resource, error)
	Update(ctx context.Context, res fhirclient.Resource) (fhirclient.Resource, error)
}

// trackerAPI is the slice of the tracker service the transformer uses.
type trackerAPI interface {
	FindByID(ctx context.Context, id string) (*tracker.TrackedEntityInstance, error)
	FindByAttrValue(ctx context.Context, typeID, attributeID, value string, maxResults int) ([]*tracker.TrackedEntityInstance, error)
	CreateOrUpdate(ctx context.Context, tei *tracker.TrackedEntityInstance) error
	UpdateGeneratedValues(ctx context.Context, tei *tracker.TrackedEntityInstance, typ *metadata.TrackedEntityType, requiredValues map[metadata.RequiredValueType]string) error
	ResolveOrgUnit(ctx context.Context, primary, fallback metadata.Reference) (*tracker.OrganisationUnit, error)
}

// metadataAPI is the slice of the metadata cache the transformer uses.
type metadataAPI interface {
	TypeByReference(ctx context.Context, ref metadata.Reference) (*metadata.TrackedEntityType, error)
	AttributeByReference(ctx context.Context, ref metadata.Reference) (*metadata.Attribute, error)
}

// Options holds the deployment-wide transformer settings.
type Options struct {
	// NationalIdentifierSystem is the FHIR identifier system that carries
	// the cross-system identity of a subject. Empty disables identifier
	// based reconciliation.
	NationalIdentifierSystem string

	// AdapterIdentifierSystem is the identifier system owned by the
	// adapter itself.
	AdapterIdentifierSystem string

	// FallbackOrgUnit is tried when the primary organisation unit lookup
	// of an import misses.
	FallbackOrgUnit metadata.Reference

	// MaxIdentityMatches caps the attribute value search. More than one
	// match is ambiguous and binds nothing.
	MaxIdentityMatches int
}

// Service runs rule applications in both directions.
type Service struct {
	rules       *rule.Resolver
	meta        metadataAPI
	tracker     trackerAPI
	fhir        fhirAPI
	assignments AssignmentRepository
	scripts     *script.Executor
	opts        Options
	logger      zerolog.Logger
}

func NewService(rules *rule.Resolver, meta metadataAPI, trackerSvc trackerAPI, fhir fhirAPI,
	assignments AssignmentRepository, scripts *script.Executor, opts Options, logger zerolog.Logger) *Service {
	if opts.MaxIdentityMatches <= 0 {
		opts.MaxIdentityMatches = 2
	}
	return &Service{
		rules:       rules,
		meta:        meta,
		tracker:     trackerSvc,
		fhir:        fhir,
		assignments: assignments,
		scripts:     scripts,
		opts:        opts,
		logger:      logger.With().Str("component", "transform").Logger(),
	}
}

// attributeResolver binds the metadata cache to the request context for use
// by scripted wrappers.
func (s *Service) attributeResolver(ctx context.Context) AttributeResolver {
	return func(ref metadata.Reference) (*metadata.Attribute, error) {
		return s.meta.AttributeByReference(ctx, ref)
	}
}

// adapterIdentifierValue is the identifier value the adapter stamps onto
// created FHIR resources: type abbreviation, DHIS2 id and rule id.
func adapterIdentifierValue(ru *rule.Rule, dhisID string) string {
	return ru.TypeAbbreviation() + "-" + dhisID + "-" + ru.ID.String()
}

// parseAdapterIdentifierValue extracts the DHIS2 id from an adapter
// identifier value. DHIS2 uids contain no dashes, so the second segment is
// always the full id.
func parseAdapterIdentifierValue(value string) (dhisID string, ok bool) {
	parts := strings.SplitN(value, "-", 3)
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
