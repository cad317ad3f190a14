package transform

import (
	"context"
	"testing"

	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
)

func TestExportCreatesResource(t *testing.T) {
	f := newFixture(patientRule())
	tei := personInstance("TeiPerson001")
	tc := f.context()
	defer tc.Locks.Release()

	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, tei)
	if err != nil {
		t.Fatalf("ExportTrackedEntity() error: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	out := outcomes[0]
	if !out.Created || out.Resource == nil {
		t.Fatalf("outcome = %+v, want created resource", out)
	}
	if got := out.Resource["gender"]; got != "female" {
		t.Errorf("gender = %v", got)
	}
	if v, _ := out.Resource.IdentifierValue(mrnSystem); v != "12345" {
		t.Errorf("mrn identifier = %q", v)
	}
	wantAdapter := "te-TeiPerson001-" + patientRule().ID.String()
	if v, _ := out.Resource.IdentifierValue(adapterSystem); v != wantAdapter {
		t.Errorf("adapter identifier = %q, want %q", v, wantAdapter)
	}
	if f.fhir.creates != 1 || f.fhir.updates != 0 {
		t.Errorf("creates = %d, updates = %d", f.fhir.creates, f.fhir.updates)
	}
	if fhirID, _ := f.assignments.FhirID(context.Background(), out.Rule.ID, tei.ID); fhirID != out.Resource.ID() {
		t.Errorf("assignment = %q, want %q", fhirID, out.Resource.ID())
	}
}

func TestExportIdempotent(t *testing.T) {
	f := newFixture(patientRule())
	tei := personInstance("TeiPerson001")
	ctx := context.Background()

	tc := f.context()
	if _, err := f.svc.ExportTrackedEntity(ctx, tc, tei); err != nil {
		t.Fatal(err)
	}
	tc.Locks.Release()

	tc = f.context()
	defer tc.Locks.Release()
	outcomes, err := f.svc.ExportTrackedEntity(ctx, tc, tei)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want the rule still reported", len(outcomes))
	}
	if outcomes[0].Resource != nil {
		t.Error("up-to-date counterpart must yield a nil payload outcome")
	}
	if f.fhir.updates != 0 || f.fhir.creates != 1 {
		t.Errorf("creates = %d, updates = %d, want no second write", f.fhir.creates, f.fhir.updates)
	}
}

func TestExportApplicableScriptDeclines(t *testing.T) {
	ru := patientRule()
	ru.Scripts.ApplicableExp = boolScript(`input.Value("CODE:GENDER") == "male"`)
	f := newFixture(ru)
	tc := f.context()
	defer tc.Locks.Release()

	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %d, want declined rule to produce none", len(outcomes))
	}
	if f.fhir.creates != 0 {
		t.Error("declined rule must not create a resource")
	}
}

func TestExportCreationDisabled(t *testing.T) {
	f := newFixture(patientRule())
	tc := f.context()
	defer tc.Locks.Release()
	tc.CreationDisabled = true

	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 || f.fhir.creates != 0 {
		t.Errorf("outcomes = %d, creates = %d, want nothing", len(outcomes), f.fhir.creates)
	}
}

func TestExportUpdateDisabled(t *testing.T) {
	ru := patientRule()
	ru.FhirUpdateEnabled = false
	f := newFixture(ru)

	existing := fhirclient.New("Patient")
	existing.SetID("f9")
	existing.AddOrUpdateIdentifier(mrnSystem, "12345")
	f.fhir.index(existing)

	tc := f.context()
	defer tc.Locks.Release()
	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 || f.fhir.updates != 0 {
		t.Errorf("outcomes = %d, updates = %d, want update-disabled rule skipped", len(outcomes), f.fhir.updates)
	}
}

func TestExportFindsCounterpartByIdentifier(t *testing.T) {
	f := newFixture(patientRule())

	existing := fhirclient.New("Patient")
	existing.SetID("f9")
	existing["gender"] = "unknown"
	existing.AddOrUpdateIdentifier(mrnSystem, "12345")
	f.fhir.index(existing)

	tc := f.context()
	defer tc.Locks.Release()
	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Created {
		t.Fatalf("outcomes = %+v, want update of the found counterpart", outcomes)
	}
	if f.fhir.creates != 0 || f.fhir.updates != 1 {
		t.Errorf("creates = %d, updates = %d", f.fhir.creates, f.fhir.updates)
	}
	if got := outcomes[0].Resource["gender"]; got != "female" {
		t.Errorf("gender = %v, want mapped value", got)
	}
}

func TestExportAssignmentFastPath(t *testing.T) {
	ru := patientRule()
	f := newFixture(ru)
	ctx := context.Background()

	existing := fhirclient.New("Patient")
	existing.SetID("f5")
	existing["gender"] = "unknown"
	f.fhir.stored["Patient/f5"] = existing
	f.assignments.Save(ctx, Assignment{RuleID: ru.ID, DhisID: "TeiPerson001", FhirID: "f5"})

	tc := f.context()
	defer tc.Locks.Release()
	outcomes, err := f.svc.ExportTrackedEntity(ctx, tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Created {
		t.Fatalf("outcomes = %+v, want update via assignment", outcomes)
	}
	if f.fhir.searches != 0 {
		t.Errorf("searches = %d, want assignment to bypass identifier search", f.fhir.searches)
	}
	if outcomes[0].Resource.ID() != "f5" {
		t.Errorf("updated id = %q", outcomes[0].Resource.ID())
	}
}

func TestExportFirstRuleOnly(t *testing.T) {
	first := patientRule()
	second := patientRule()
	second.ID = mustUUID("8f0e9a1c-6d4b-49a4-90a7-25716e17c3ce")
	second.Name = "patient-secondary"
	second.EvaluationOrder = 5

	f := newFixture(first, second)
	tc := f.context()
	defer tc.Locks.Release()
	tc.FirstRuleOnly = true

	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Rule.Name != "patient" {
		t.Errorf("outcomes = %+v, want only the highest ordered rule", outcomes)
	}
}

func TestExportStopRule(t *testing.T) {
	first := patientRule()
	first.Stop = true
	second := patientRule()
	second.ID = mustUUID("8f0e9a1c-6d4b-49a4-90a7-25716e17c3ce")
	second.Name = "patient-secondary"
	second.EvaluationOrder = 5

	f := newFixture(first, second)
	tc := f.context()
	defer tc.Locks.Release()

	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, personInstance("TeiPerson001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Rule.Name != "patient" {
		t.Errorf("outcomes = %+v, want evaluation stopped after the stop rule", outcomes)
	}
}

func TestExportGeoWritesPosition(t *testing.T) {
	ru := patientRule()
	ru.Scripts.GeoTransformExp = boolScript(`true`)
	f := newFixture(ru)

	tei := personInstance("TeiPerson001")
	tei.Coordinates = "[32.5,1.25]"

	tc := f.context()
	defer tc.Locks.Release()
	outcomes, err := f.svc.ExportTrackedEntity(context.Background(), tc, tei)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Resource == nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	addresses, _ := outcomes[0].Resource["address"].([]any)
	if len(addresses) != 1 {
		t.Fatalf("address = %v, want geolocation written onto one address", outcomes[0].Resource["address"])
	}
	address := addresses[0].(map[string]any)
	exts, _ := address["extension"].([]any)
	if len(exts) != 1 {
		t.Fatalf("address extensions = %v", exts)
	}
	if url := exts[0].(map[string]any)["url"]; url != geolocationExtensionURL {
		t.Errorf("extension url = %v", url)
	}
}
