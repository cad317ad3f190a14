package transform

import (
	"fmt"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
)

// AttributeResolver resolves an attribute reference string against the
// metadata cache. The transformer builds one per request, bound to the
// request context.
type AttributeResolver func(ref metadata.Reference) (*metadata.Attribute, error)

// ScriptedTrackedEntity is the script-facing wrapper over a tracked entity
// instance. Scripts address attributes by reference string ("ID:...",
// "CODE:...", "NAME:..."); resolution failures are latched into the wrapper
// and surfaced to the pipeline after the script returns, so script authors
// never handle Go errors.
//
// The wrapper is constructed fresh per transformation and discarded with it.
type ScriptedTrackedEntity struct {
	tei     *tracker.TrackedEntityInstance
	typ     *metadata.TrackedEntityType
	resolve AttributeResolver
	err     error
}

func NewScriptedTrackedEntity(tei *tracker.TrackedEntityInstance, typ *metadata.TrackedEntityType, resolve AttributeResolver) *ScriptedTrackedEntity {
	return &ScriptedTrackedEntity{tei: tei, typ: typ, resolve: resolve}
}

// Err returns the first resolution failure a script ran into, if any.
func (s *ScriptedTrackedEntity) Err() error { return s.err }

// Instance returns the wrapped tracked entity instance.
func (s *ScriptedTrackedEntity) Instance() *tracker.TrackedEntityInstance { return s.tei }

func (s *ScriptedTrackedEntity) Id() string                 { return s.tei.ID }
func (s *ScriptedTrackedEntity) TypeId() string             { return s.tei.TypeID }
func (s *ScriptedTrackedEntity) OrganizationUnitId() string { return s.tei.OrgUnitID }
func (s *ScriptedTrackedEntity) Coordinates() string        { return s.tei.Coordinates }
func (s *ScriptedTrackedEntity) IsNew() bool                { return s.tei.IsNewResource() }

// SetOrganizationUnitId moves the instance to the organisation unit. Always
// returns true so scripts can use it in boolean chains.
func (s *ScriptedTrackedEntity) SetOrganizationUnitId(id string) bool {
	s.tei.SetOrgUnit(id)
	return true
}

func (s *ScriptedTrackedEntity) SetCoordinates(value string) bool {
	s.tei.SetCoordinates(value)
	return true
}

// attributeID resolves a reference string to the attribute id, latching
// failures.
func (s *ScriptedTrackedEntity) attributeID(refStr string) (string, bool) {
	ref, err := metadata.ParseReference(refStr)
	if err != nil {
		s.fail(err)
		return "", false
	}
	attr, err := s.resolve(ref)
	if err != nil {
		s.fail(err)
		return "", false
	}
	if attr == nil {
		s.fail(fmt.Errorf("tracked entity attribute %s does not exist", ref))
		return "", false
	}
	return attr.ID, true
}

func (s *ScriptedTrackedEntity) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Value returns the attribute value addressed by the reference string, or nil
// when the attribute is unknown or unset.
func (s *ScriptedTrackedEntity) Value(refStr string) any {
	id, ok := s.attributeID(refStr)
	if !ok {
		return nil
	}
	return s.tei.Attribute(id).Value
}

// SetValue assigns the attribute addressed by the reference string. An
// unresolvable reference returns false and aborts the rule after the script.
func (s *ScriptedTrackedEntity) SetValue(refStr string, value any) bool {
	id, ok := s.attributeID(refStr)
	if !ok {
		return false
	}
	s.tei.SetAttributeValue(id, value)
	return true
}

// SetOptionalValue assigns the attribute only when the value is non-nil.
// A nil value is a silent no-op, not a failure.
func (s *ScriptedTrackedEntity) SetOptionalValue(refStr string, value any) bool {
	if value == nil {
		return true
	}
	return s.SetValue(refStr, value)
}

// Validate checks that every mandatory type attribute carries a value.
// Generated attributes are exempt; their values are reserved after the
// transform scripts have run.
func (s *ScriptedTrackedEntity) Validate() error {
	for _, a := range s.typ.Attributes {
		if !a.Mandatory || a.Generated {
			continue
		}
		if !s.tei.ContainsAttributeWithValue(a.AttributeID) {
			return fmt.Errorf("mandatory attribute %s (%s) has no value", a.AttributeID, a.Name)
		}
	}
	return nil
}
