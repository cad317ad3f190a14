// Package metadata caches DHIS2 tracker metadata: tracked entity types, their
// attributes and the required-value constraints of generated attributes.
// Lookup indices are built once per load and replaced atomically; an index is
// never mutated after publication.
package metadata

import (
	"fmt"
	"strings"
)

// ReferenceType selects how a metadata object is referenced.
type ReferenceType string

const (
	ReferenceID   ReferenceType = "ID"
	ReferenceCode ReferenceType = "CODE"
	ReferenceName ReferenceType = "NAME"
)

// Reference points at a metadata object by id, code or name.
type Reference struct {
	Value string        `json:"value"`
	Type  ReferenceType `json:"type"`
}

func ByID(id string) Reference     { return Reference{Value: id, Type: ReferenceID} }
func ByCode(code string) Reference { return Reference{Value: code, Type: ReferenceCode} }
func ByName(name string) Reference { return Reference{Value: name, Type: ReferenceName} }

func (r Reference) IsZero() bool {
	return r.Value == ""
}

func (r Reference) String() string {
	return string(r.Type) + ":" + r.Value
}

// ParseReference parses the "TYPE:value" form produced by String.
func ParseReference(s string) (Reference, error) {
	typ, value, ok := strings.Cut(s, ":")
	if !ok {
		return Reference{}, fmt.Errorf("invalid reference %q", s)
	}
	switch ReferenceType(typ) {
	case ReferenceID, ReferenceCode, ReferenceName:
		return Reference{Value: value, Type: ReferenceType(typ)}, nil
	}
	return Reference{}, fmt.Errorf("invalid reference type %q", typ)
}

// ValueType is the DHIS2 value type of an attribute or data element.
type ValueType string

const (
	ValueTypeText                  ValueType = "TEXT"
	ValueTypeLongText              ValueType = "LONG_TEXT"
	ValueTypeInteger               ValueType = "INTEGER"
	ValueTypeIntegerPositive       ValueType = "INTEGER_POSITIVE"
	ValueTypeIntegerNegative       ValueType = "INTEGER_NEGATIVE"
	ValueTypeIntegerZeroOrPositive ValueType = "INTEGER_ZERO_OR_POSITIVE"
	ValueTypeNumber                ValueType = "NUMBER"
	ValueTypeBoolean               ValueType = "BOOLEAN"
	ValueTypeTrueOnly              ValueType = "TRUE_ONLY"
	ValueTypeDate                  ValueType = "DATE"
	ValueTypeDateTime              ValueType = "DATETIME"
	ValueTypePhoneNumber           ValueType = "PHONE_NUMBER"
	ValueTypeEmail                 ValueType = "EMAIL"
)

// Numeric reports whether generated values of this type must not carry a
// leading zero. Most DHIS2 generation patterns reject those.
func (v ValueType) Numeric() bool {
	switch v {
	case ValueTypeInteger, ValueTypeIntegerPositive, ValueTypeIntegerNegative,
		ValueTypeIntegerZeroOrPositive, ValueTypeNumber:
		return true
	}
	return false
}

// RequiredValueType names a generation parameter a generated attribute may
// declare as required or optional.
type RequiredValueType string

const (
	RequiredOrgUnitCode RequiredValueType = "ORG_UNIT_CODE"
)

// RequiredValues lists the generation parameters an attribute declares.
type RequiredValues struct {
	Required []RequiredValueType `json:"REQUIRED"`
	Optional []RequiredValueType `json:"OPTIONAL"`
}

// ContainsRequired reports whether t is declared as required.
func (rv RequiredValues) ContainsRequired(t RequiredValueType) bool {
	for _, r := range rv.Required {
		if r == t {
			return true
		}
	}
	return false
}

// Attribute is a tracked entity attribute definition.
type Attribute struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	ValueType ValueType `json:"valueType"`
	Generated bool      `json:"generated"`
}

// TypeAttribute is the usage of an attribute by a tracked entity type.
type TypeAttribute struct {
	AttributeID string    `json:"attributeId"`
	Name        string    `json:"name"`
	Mandatory   bool      `json:"mandatory"`
	Generated   bool      `json:"generated"`
	ValueType   ValueType `json:"valueType"`
}

// TrackedEntityType is a tracked entity type definition with its attribute
// usages. Tracked entity types carry no code in DHIS2.
type TrackedEntityType struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Attributes []TypeAttribute `json:"attributes"`
}

// AttributeByReference finds an attribute usage by id or name. Types do not
// reference their attributes by code.
func (t *TrackedEntityType) AttributeByReference(ref Reference) (TypeAttribute, bool) {
	for _, a := range t.Attributes {
		switch ref.Type {
		case ReferenceID:
			if a.AttributeID == ref.Value {
				return a, true
			}
		case ReferenceName:
			if a.Name == ref.Value {
				return a, true
			}
		}
	}
	return TypeAttribute{}, false
}

// AllReferences returns every reference form under which this type can be
// matched by a rule.
func (t *TrackedEntityType) AllReferences() []Reference {
	refs := []Reference{ByID(t.ID)}
	if t.Name != "" {
		refs = append(refs, ByName(t.Name))
	}
	return refs
}
