// Package tracker talks to the DHIS2 tracker API: tracked entity instances,
// organisation units and server-generated attribute values.
package tracker

import (
	"reflect"
	"time"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
)

// AttributeValue is one attribute slot of a tracked entity instance.
type AttributeValue struct {
	AttributeID string     `json:"attribute"`
	Value       any        `json:"value"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	StoredBy    string     `json:"storedBy,omitempty"`
}

// TrackedEntityInstance is a DHIS2 tracked entity instance. The lifecycle
// flags are not part of the wire representation: newResource marks an
// instance that has not been created on the server yet, local marks one that
// originated in this adapter, modified tracks pending attribute changes.
type TrackedEntityInstance struct {
	ID          string            `json:"trackedEntityInstance,omitempty"`
	TypeID      string            `json:"trackedEntityType"`
	OrgUnitID   string            `json:"orgUnit,omitempty"`
	Coordinates string            `json:"coordinates,omitempty"`
	LastUpdated *time.Time        `json:"lastUpdated,omitempty"`
	Attributes  []*AttributeValue `json:"attributes"`

	newResource bool
	local       bool
	modified    bool
}

// NewInstance builds an instance of the given type. A new resource gets one
// attribute slot per type attribute up front; an existing resource backfills
// slots lazily on first access.
func NewInstance(typ *metadata.TrackedEntityType, id string, newResource bool) *TrackedEntityInstance {
	tei := &TrackedEntityInstance{
		ID:          id,
		TypeID:      typ.ID,
		newResource: newResource,
		local:       newResource,
		modified:    newResource,
	}
	if newResource {
		for _, a := range typ.Attributes {
			tei.Attributes = append(tei.Attributes, &AttributeValue{AttributeID: a.AttributeID})
		}
	}
	return tei
}

func (t *TrackedEntityInstance) IsNewResource() bool { return t.newResource }
func (t *TrackedEntityInstance) IsLocal() bool       { return t.local }
func (t *TrackedEntityInstance) IsModified() bool    { return t.modified }

// SetNewResource marks the instance as pending creation and therefore
// modified.
func (t *TrackedEntityInstance) SetNewResource() {
	t.newResource = true
	t.modified = true
}

// ResetNewResource clears the lifecycle flags after a successful create.
// It must be called exactly once per created instance.
func (t *TrackedEntityInstance) ResetNewResource() {
	t.newResource = false
	t.modified = false
	if t.LastUpdated == nil {
		now := time.Now()
		t.LastUpdated = &now
	}
}

// Attribute returns the value slot for the attribute id, backfilling a slot
// when the instance was loaded without one.
func (t *TrackedEntityInstance) Attribute(attributeID string) *AttributeValue {
	for _, a := range t.Attributes {
		if a.AttributeID == attributeID {
			return a
		}
	}
	a := &AttributeValue{AttributeID: attributeID}
	t.Attributes = append(t.Attributes, a)
	return a
}

// SetAttributeValue sets an attribute value. The instance is marked modified
// only when the value actually changes; re-applying an identical mapping must
// not force a write.
func (t *TrackedEntityInstance) SetAttributeValue(attributeID string, value any) {
	a := t.Attribute(attributeID)
	if reflect.DeepEqual(a.Value, value) {
		return
	}
	a.Value = value
	t.modified = true
}

// SetOrgUnit moves the instance to the organisation unit, marking it modified
// on change.
func (t *TrackedEntityInstance) SetOrgUnit(id string) {
	if t.OrgUnitID == id {
		return
	}
	t.OrgUnitID = id
	t.modified = true
}

// SetCoordinates sets the geographic coordinates, marking the instance
// modified on change.
func (t *TrackedEntityInstance) SetCoordinates(value string) {
	if t.Coordinates == value {
		return
	}
	t.Coordinates = value
	t.modified = true
}

// ContainsAttributeWithValue reports whether the attribute has a non-nil
// value.
func (t *TrackedEntityInstance) ContainsAttributeWithValue(attributeID string) bool {
	for _, a := range t.Attributes {
		if a.AttributeID == attributeID && a.Value != nil {
			return true
		}
	}
	return false
}

// OrganisationUnit is a DHIS2 organisation unit.
type OrganisationUnit struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}
