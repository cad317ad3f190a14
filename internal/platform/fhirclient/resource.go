package fhirclient

import (
	"encoding/json"
)

// Resource is a schemaless FHIR resource: the decoded JSON document.
// All transformation work happens on this representation; no FHIR-version
// specific model types exist in the adapter.
type Resource map[string]any

// New returns an empty resource of the given FHIR type.
func New(resourceType string) Resource {
	return Resource{"resourceType": resourceType}
}

// Type returns the resourceType element, or the empty string.
func (r Resource) Type() string {
	t, _ := r["resourceType"].(string)
	return t
}

// ID returns the logical id, or the empty string.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// SetID sets the logical id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// Clone returns a deep copy produced by a JSON round trip. The copy is the
// working "modified" resource of a transformation; the original stays
// untouched as the baseline for the not-modified comparison.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		// A resource that came from JSON always marshals again.
		panic("fhirclient: clone marshal: " + err.Error())
	}
	var out Resource
	if err := json.Unmarshal(data, &out); err != nil {
		panic("fhirclient: clone unmarshal: " + err.Error())
	}
	return out
}

// EqualsDeep compares two resources structurally. Both sides are normalized
// through canonical JSON so that numeric representation differences
// (int vs float64 after decoding) do not produce false inequality.
func EqualsDeep(a, b Resource) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(da) == string(db)
}

// identifiers returns the resource's identifier slice, creating it when
// requested.
func (r Resource) identifiers(create bool) []any {
	ids, _ := r["identifier"].([]any)
	if ids == nil && create {
		ids = []any{}
	}
	return ids
}

// IdentifierValue returns the identifier value for the given system.
func (r Resource) IdentifierValue(system string) (string, bool) {
	for _, raw := range r.identifiers(false) {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if entry["system"] == system {
			v, ok := entry["value"].(string)
			return v, ok
		}
	}
	return "", false
}

// AddOrUpdateIdentifier sets the identifier value for the given system,
// replacing an existing entry for the same system or appending a new one.
func (r Resource) AddOrUpdateIdentifier(system, value string) {
	ids := r.identifiers(true)
	for _, raw := range ids {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if entry["system"] == system {
			entry["value"] = value
			r["identifier"] = ids
			return
		}
	}
	r["identifier"] = append(ids, map[string]any{"system": system, "value": value})
}
