package transform

import (
	"fmt"
	"strings"

	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
)

// ScriptedFhirResource is the script-facing wrapper over a FHIR resource.
// Elements are addressed by dotted path; mutating methods return a boolean so
// scripts can chain them in a single expression. The wrapper mutates the
// underlying resource in place.
type ScriptedFhirResource struct {
	res fhirclient.Resource
}

func NewScriptedFhirResource(res fhirclient.Resource) *ScriptedFhirResource {
	return &ScriptedFhirResource{res: res}
}

// Resource returns the wrapped resource.
func (s *ScriptedFhirResource) Resource() fhirclient.Resource { return s.res }

func (s *ScriptedFhirResource) Id() string   { return s.res.ID() }
func (s *ScriptedFhirResource) Type() string { return s.res.Type() }

// Value returns the element at the dotted path, or nil when any segment is
// missing or not an object.
func (s *ScriptedFhirResource) Value(path string) any {
	var cur any = map[string]any(s.res)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// SetValue writes the element at the dotted path, creating intermediate
// objects. Writing through a non-object segment returns false.
func (s *ScriptedFhirResource) SetValue(path string, value any) bool {
	segs := strings.Split(path, ".")
	m := map[string]any(s.res)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			if m[seg] != nil {
				return false
			}
			next = map[string]any{}
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = value
	return true
}

// SetOptionalValue writes the element only when the value is non-nil.
func (s *ScriptedFhirResource) SetOptionalValue(path string, value any) bool {
	if value == nil {
		return true
	}
	return s.SetValue(path, value)
}

// IdentifierValue returns the identifier value for the system, or the empty
// string.
func (s *ScriptedFhirResource) IdentifierValue(system string) string {
	value, _ := s.res.IdentifierValue(system)
	return value
}

// SetIdentifier sets the identifier value for the system. A nil value is a
// silent no-op.
func (s *ScriptedFhirResource) SetIdentifier(system string, value any) bool {
	if value == nil {
		return true
	}
	s.res.AddOrUpdateIdentifier(system, fmt.Sprint(value))
	return true
}
