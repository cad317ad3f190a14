package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/platform/dhis"
	"github.com/dhisfhir/adapter/internal/platform/resterror"
)

// maxReserveRetries bounds the regeneration loop for reserved values whose
// numeric value starts with a leading zero. After the bound is exhausted the
// last generated value is kept even when it is invalid.
const maxReserveRetries = 10

const teiFields = "trackedEntityInstance,trackedEntityType,orgUnit,coordinates,lastUpdated," +
	"attributes[attribute,value,lastUpdated,storedBy]"

// ErrImportUnsuccessful reports a DHIS2 import response whose status does not
// indicate success.
var ErrImportUnsuccessful = errors.New("dhis2 import was not successful")

// requiredValuesLookup is the slice of the metadata service this package
// needs.
type requiredValuesLookup interface {
	RequiredValues(ctx context.Context, attributeID string) (metadata.RequiredValues, error)
}

type api interface {
	GetJSON(ctx context.Context, path string, query url.Values, out any) error
	PostJSON(ctx context.Context, path string, query url.Values, body, out any) error
	PutJSON(ctx context.Context, path string, query url.Values, body, out any) error
}

// Service reads and writes tracked entity instances and organisation units.
type Service struct {
	api    api
	meta   requiredValuesLookup
	logger zerolog.Logger
}

func NewService(api api, meta requiredValuesLookup, logger zerolog.Logger) *Service {
	return &Service{
		api:    api,
		meta:   meta,
		logger: logger.With().Str("component", "tracker").Logger(),
	}
}

// FindByID fetches a tracked entity instance. A missing instance returns
// (nil, nil).
func (s *Service) FindByID(ctx context.Context, id string) (*TrackedEntityInstance, error) {
	query := url.Values{}
	query.Set("fields", teiFields)

	var tei TrackedEntityInstance
	err := s.api.GetJSON(ctx, "/trackedEntityInstances/"+id+".json", query, &tei)
	if errors.Is(err, resterror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tei, nil
}

// FindByAttrValue searches instances of one type by an exact attribute value.
// Values containing a colon cannot be expressed in the DHIS2 filter grammar
// and return an empty result without issuing a query.
func (s *Service) FindByAttrValue(ctx context.Context, typeID, attributeID, value string, maxResults int) ([]*TrackedEntityInstance, error) {
	if strings.Contains(value, ":") {
		return nil, nil
	}

	query := url.Values{}
	query.Set("trackedEntityType", typeID)
	query.Set("ouMode", "ACCESSIBLE")
	query.Set("filter", attributeID+":EQ:"+value)
	query.Set("pageSize", strconv.Itoa(maxResults))
	query.Set("fields", teiFields)

	var out struct {
		TrackedEntityInstances []*TrackedEntityInstance `json:"trackedEntityInstances"`
	}
	if err := s.api.GetJSON(ctx, "/trackedEntityInstances.json", query, &out); err != nil {
		return nil, err
	}
	return out.TrackedEntityInstances, nil
}

// CreateOrUpdate persists the instance: new resources are created, existing
// ones updated with merge semantics. A 409 from DHIS2 surfaces as a
// resterror.ConflictError for the caller to handle.
func (s *Service) CreateOrUpdate(ctx context.Context, tei *TrackedEntityInstance) error {
	if tei.IsNewResource() {
		return s.create(ctx, tei)
	}
	return s.update(ctx, tei)
}

func (s *Service) create(ctx context.Context, tei *TrackedEntityInstance) error {
	path := "/trackedEntityInstances.json"
	query := url.Values{}
	query.Set("strategy", "CREATE")
	if tei.ID != "" {
		path = "/trackedEntityInstances/" + tei.ID + ".json"
		query = nil
	}

	var msg dhis.ImportSummaryWebMessage
	if err := s.api.PostJSON(ctx, path, query, tei, &msg); err != nil {
		return err
	}
	if !msg.Successful() {
		return fmt.Errorf("create tracked entity instance: %w", ErrImportUnsuccessful)
	}
	if ref := msg.FirstReference(); ref != "" {
		tei.ID = ref
	}
	tei.ResetNewResource()

	s.logger.Info().Str("id", tei.ID).Msg("tracked entity instance created")
	return nil
}

func (s *Service) update(ctx context.Context, tei *TrackedEntityInstance) error {
	query := url.Values{}
	query.Set("mergeMode", "MERGE")

	var msg dhis.ImportSummaryWebMessage
	if err := s.api.PutJSON(ctx, "/trackedEntityInstances/"+tei.ID+".json", query, tei, &msg); err != nil {
		return err
	}
	if !msg.Successful() {
		return fmt.Errorf("update tracked entity instance %s: %w", tei.ID, ErrImportUnsuccessful)
	}

	s.logger.Debug().Str("id", tei.ID).Msg("tracked entity instance updated")
	return nil
}

// UpdateGeneratedValues reserves server-generated values for every generated
// type attribute that is still empty. Only generation parameters the
// attribute declares as required are forwarded. Numeric values starting with
// a leading zero are regenerated up to the retry bound; the last value is
// kept after exhaustion.
func (s *Service) UpdateGeneratedValues(ctx context.Context, tei *TrackedEntityInstance, typ *metadata.TrackedEntityType, requiredValues map[metadata.RequiredValueType]string) error {
	for _, a := range typ.Attributes {
		if !a.Generated || tei.Attribute(a.AttributeID).Value != nil {
			continue
		}

		declared, err := s.meta.RequiredValues(ctx, a.AttributeID)
		if err != nil {
			return err
		}
		params := url.Values{}
		for key, value := range requiredValues {
			if declared.ContainsRequired(key) {
				params.Set(string(key), value)
			}
		}

		retry := true
		for i := 0; i < maxReserveRetries && retry; i++ {
			reserved, err := s.reservedValue(ctx, a.AttributeID, params)
			if err != nil {
				return err
			}
			retry = a.ValueType.Numeric() && strings.HasPrefix(reserved, "0")
			tei.SetAttributeValue(a.AttributeID, reserved)
		}
		if retry {
			s.logger.Warn().Str("attribute", a.AttributeID).
				Msg("reserved value retries exhausted, keeping value with leading zero")
		}
	}
	return nil
}

func (s *Service) reservedValue(ctx context.Context, attributeID string, params url.Values) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	path := "/trackedEntityAttributes/" + attributeID + "/generate.json"
	if err := s.api.GetJSON(ctx, path, params, &out); err != nil {
		return "", fmt.Errorf("reserve value for %s: %w", attributeID, err)
	}
	return out.Value, nil
}

const eventFields = "event,program,programStage,enrollment,trackedEntityInstance," +
	"orgUnit,status,eventDate,coordinate,lastUpdated,dataValues[dataElement,value,lastUpdated,storedBy]"

// FindEventByID fetches a program stage event. A missing event returns
// (nil, nil).
func (s *Service) FindEventByID(ctx context.Context, id string) (*Event, error) {
	query := url.Values{}
	query.Set("fields", eventFields)

	var ev Event
	err := s.api.GetJSON(ctx, "/events/"+id+".json", query, &ev)
	if errors.Is(err, resterror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

const enrollmentFields = "enrollment,program,trackedEntityInstance,orgUnit," +
	"status,enrollmentDate,incidentDate,coordinate,lastUpdated"

// FindEnrollmentByID fetches a program enrollment. A missing enrollment
// returns (nil, nil).
func (s *Service) FindEnrollmentByID(ctx context.Context, id string) (*Enrollment, error) {
	query := url.Values{}
	query.Set("fields", enrollmentFields)

	var en Enrollment
	err := s.api.GetJSON(ctx, "/enrollments/"+id+".json", query, &en)
	if errors.Is(err, resterror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &en, nil
}

const orgUnitFields = "id,code,name"

// OrgUnitByReference resolves an organisation unit by id, code or name.
// A missing unit returns (nil, nil).
func (s *Service) OrgUnitByReference(ctx context.Context, ref metadata.Reference) (*OrganisationUnit, error) {
	switch ref.Type {
	case metadata.ReferenceID:
		query := url.Values{}
		query.Set("fields", orgUnitFields)
		var ou OrganisationUnit
		err := s.api.GetJSON(ctx, "/organisationUnits/"+ref.Value+".json", query, &ou)
		if errors.Is(err, resterror.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &ou, nil
	case metadata.ReferenceCode:
		return s.orgUnitByFilter(ctx, "code:eq:"+ref.Value)
	case metadata.ReferenceName:
		return s.orgUnitByFilter(ctx, "name:eq:"+ref.Value)
	}
	return nil, fmt.Errorf("unhandled reference type %q", ref.Type)
}

func (s *Service) orgUnitByFilter(ctx context.Context, filter string) (*OrganisationUnit, error) {
	query := url.Values{}
	query.Set("paging", "false")
	query.Set("fields", orgUnitFields)
	query.Set("filter", filter)

	var out struct {
		OrganisationUnits []*OrganisationUnit `json:"organisationUnits"`
	}
	if err := s.api.GetJSON(ctx, "/organisationUnits.json", query, &out); err != nil {
		return nil, err
	}
	if len(out.OrganisationUnits) == 0 {
		return nil, nil
	}
	return out.OrganisationUnits[0], nil
}

// ResolveOrgUnit resolves the primary reference and, when it misses, retries
// the configured fallback reference. Both missing yields (nil, nil).
func (s *Service) ResolveOrgUnit(ctx context.Context, primary, fallback metadata.Reference) (*OrganisationUnit, error) {
	if !primary.IsZero() {
		ou, err := s.OrgUnitByReference(ctx, primary)
		if err != nil || ou != nil {
			return ou, err
		}
		s.logger.Debug().Str("reference", primary.String()).
			Msg("organisation unit not found, trying fallback")
	}
	if fallback.IsZero() {
		return nil, nil
	}
	return s.OrgUnitByReference(ctx, fallback)
}
