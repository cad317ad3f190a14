package transform

import (
	"encoding/json"

	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
)

const geolocationExtensionURL = "http://hl7.org/fhir/StructureDefinition/geolocation"

// GeoWriter writes a geographic position onto a FHIR resource. One variant
// exists per supported FHIR version; the variant is selected once per request
// by the endpoint's declared version.
type GeoWriter interface {
	Write(res fhirclient.Resource, latitude, longitude float64) bool
}

// GeoWriterFor returns the geo capability for the declared version.
func GeoWriterFor(v fhirclient.Version) GeoWriter {
	if v == fhirclient.DSTU3 {
		return dstu3Geo{}
	}
	return r4Geo{}
}

// ParseCoordinates decodes a DHIS2 coordinates string, a JSON array of
// [longitude, latitude].
func ParseCoordinates(s string) (latitude, longitude float64, ok bool) {
	var pair [2]float64
	if err := json.Unmarshal([]byte(s), &pair); err != nil {
		return 0, 0, false
	}
	return pair[1], pair[0], true
}

func geolocationExtension(latitude, longitude float64) map[string]any {
	return map[string]any{
		"url": geolocationExtensionURL,
		"extension": []any{
			map[string]any{"url": "latitude", "valueDecimal": latitude},
			map[string]any{"url": "longitude", "valueDecimal": longitude},
		},
	}
}

// setExtension replaces an existing extension with the same url on the
// container, or appends a new one.
func setExtension(container map[string]any, ext map[string]any) {
	exts, _ := container["extension"].([]any)
	for i, raw := range exts {
		entry, ok := raw.(map[string]any)
		if ok && entry["url"] == ext["url"] {
			exts[i] = ext
			container["extension"] = exts
			return
		}
	}
	container["extension"] = append(exts, ext)
}

// writePosition sets the position element of a Location resource.
func writePosition(res fhirclient.Resource, latitude, longitude float64) {
	res["position"] = map[string]any{
		"latitude":  latitude,
		"longitude": longitude,
	}
}

// dstu3Geo writes the position element on Location resources and the
// geolocation extension at the resource root elsewhere; the DSTU3 consumers
// of this feed do not read address extensions.
type dstu3Geo struct{}

func (dstu3Geo) Write(res fhirclient.Resource, latitude, longitude float64) bool {
	if res.Type() == "Location" {
		writePosition(res, latitude, longitude)
		return true
	}
	setExtension(res, geolocationExtension(latitude, longitude))
	return true
}

// r4Geo writes the position element on Location resources and the geolocation
// extension on the first address elsewhere, creating the address when the
// resource has none.
type r4Geo struct{}

func (r4Geo) Write(res fhirclient.Resource, latitude, longitude float64) bool {
	if res.Type() == "Location" {
		writePosition(res, latitude, longitude)
		return true
	}

	addresses, _ := res["address"].([]any)
	if len(addresses) == 0 {
		addresses = []any{map[string]any{}}
	}
	address, ok := addresses[0].(map[string]any)
	if !ok {
		return false
	}
	setExtension(address, geolocationExtension(latitude, longitude))
	addresses[0] = address
	res["address"] = addresses
	return true
}
