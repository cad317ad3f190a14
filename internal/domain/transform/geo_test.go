package transform

import (
	"testing"

	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
)

func TestParseCoordinates(t *testing.T) {
	lat, lon, ok := ParseCoordinates("[32.5,1.25]")
	if !ok || lat != 1.25 || lon != 32.5 {
		t.Errorf("ParseCoordinates = %v, %v, %v; longitude comes first", lat, lon, ok)
	}
	if _, _, ok := ParseCoordinates("not json"); ok {
		t.Error("malformed coordinates must not parse")
	}
	if _, _, ok := ParseCoordinates(""); ok {
		t.Error("empty coordinates must not parse")
	}
}

func TestGeoWriterLocationPosition(t *testing.T) {
	for _, version := range []fhirclient.Version{fhirclient.DSTU3, fhirclient.R4} {
		res := fhirclient.New("Location")
		if !GeoWriterFor(version).Write(res, 1.25, 32.5) {
			t.Fatalf("%s: write failed", version)
		}
		pos, _ := res["position"].(map[string]any)
		if pos["latitude"] != 1.25 || pos["longitude"] != 32.5 {
			t.Errorf("%s: position = %v", version, pos)
		}
	}
}

func TestGeoWriterDSTU3RootExtension(t *testing.T) {
	res := fhirclient.New("Patient")
	if !GeoWriterFor(fhirclient.DSTU3).Write(res, 1.25, 32.5) {
		t.Fatal("write failed")
	}
	exts, _ := res["extension"].([]any)
	if len(exts) != 1 {
		t.Fatalf("extensions = %v", exts)
	}
	if url := exts[0].(map[string]any)["url"]; url != geolocationExtensionURL {
		t.Errorf("url = %v", url)
	}
}

func TestGeoWriterR4AddressExtension(t *testing.T) {
	res := fhirclient.New("Patient")
	if !GeoWriterFor(fhirclient.R4).Write(res, 1.25, 32.5) {
		t.Fatal("write failed")
	}
	if res["extension"] != nil {
		t.Error("R4 must not write a root extension")
	}
	addresses, _ := res["address"].([]any)
	if len(addresses) != 1 {
		t.Fatalf("address = %v", res["address"])
	}
	exts, _ := addresses[0].(map[string]any)["extension"].([]any)
	if len(exts) != 1 {
		t.Fatalf("address extensions = %v", exts)
	}

	// A second write replaces the extension instead of appending.
	GeoWriterFor(fhirclient.R4).Write(res, 2.5, 33.5)
	addresses, _ = res["address"].([]any)
	exts, _ = addresses[0].(map[string]any)["extension"].([]any)
	if len(exts) != 1 {
		t.Errorf("extensions after rewrite = %d, want replacement", len(exts))
	}
	sub := exts[0].(map[string]any)["extension"].([]any)
	if sub[0].(map[string]any)["valueDecimal"] != 2.5 {
		t.Errorf("latitude after rewrite = %v", sub[0])
	}
}
