package transform

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/dhisfhir/adapter/internal/domain/rule"
	"github.com/dhisfhir/adapter/internal/domain/tracker"
	"github.com/dhisfhir/adapter/internal/platform/fhirclient"
)

const deWeight = "DeWeight0001"

// weightRule maps program stage events onto Observation resources.
func weightRule() *rule.Rule {
	return &rule.Rule{
		ID:                uuid.MustParse("9c7d3f6a-2e81-47a0-bd55-3a9c0f6f3f21"),
		Name:              "body-weight",
		Enabled:           true,
		EvaluationOrder:   10,
		DhisResourceType:  rule.DhisResourceEvent,
		FhirResourceType:  "Observation",
		ExpEnabled:        true,
		FhirCreateEnabled: true,
		FhirUpdateEnabled: true,
		Scripts: rule.Scripts{
			TransformExp: boolScript(
				`output.SetValue("status", "final") && output.SetValue("valueQuantity.value", input.Value("` + deWeight + `"))`),
		},
	}
}

func weightEvent(id string) *tracker.Event {
	return &tracker.Event{
		ID:             id,
		ProgramStageID: "PsStage00001",
		OrgUnitID:      "OrgUnit00001",
		Status:         "COMPLETED",
		EventDate:      "2024-03-01",
		DataValues:     []*tracker.DataValue{{DataElementID: deWeight, Value: "72.5"}},
	}
}

func TestExportEventCreatesResource(t *testing.T) {
	ru := weightRule()
	f := newFixture(ru)

	outcomes, err := f.svc.ExportEvent(context.Background(), f.context(), weightEvent("Evt00000001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || !outcomes[0].Created {
		t.Fatalf("outcomes = %+v, want one created outcome", outcomes)
	}
	res := outcomes[0].Resource
	if got, _ := res["status"].(string); got != "final" {
		t.Errorf("status = %q", got)
	}
	wantIdent := "ev-Evt00000001-" + ru.ID.String()
	if got, _ := res.IdentifierValue(adapterSystem); got != wantIdent {
		t.Errorf("adapter identifier = %q, want %q", got, wantIdent)
	}
	if f.fhir.creates != 1 {
		t.Errorf("creates = %d, want 1", f.fhir.creates)
	}

	fhirID, err := f.assignments.FhirID(context.Background(), ru.ID, "Evt00000001")
	if err != nil || fhirID != res.ID() {
		t.Errorf("assignment fhirID = %q (%v), want %q", fhirID, err, res.ID())
	}
}

func TestExportEventIdempotent(t *testing.T) {
	f := newFixture(weightRule())
	ev := weightEvent("Evt00000001")

	if _, err := f.svc.ExportEvent(context.Background(), f.context(), ev); err != nil {
		t.Fatal(err)
	}
	outcomes, err := f.svc.ExportEvent(context.Background(), f.context(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Resource != nil {
		t.Fatalf("outcomes = %+v, want one not-modified outcome", outcomes)
	}
	if f.fhir.updates != 0 {
		t.Errorf("updates = %d, want 0", f.fhir.updates)
	}
}

func TestExportEventAssignmentFastPath(t *testing.T) {
	ru := weightRule()
	f := newFixture(ru)

	existing := fhirclient.Resource{"resourceType": "Observation", "id": "f9", "status": "preliminary"}
	f.fhir.stored["Observation/f9"] = existing
	if err := f.assignments.Save(context.Background(), Assignment{RuleID: ru.ID, DhisID: "Evt00000001", FhirID: "f9"}); err != nil {
		t.Fatal(err)
	}

	outcomes, err := f.svc.ExportEvent(context.Background(), f.context(), weightEvent("Evt00000001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Created {
		t.Fatalf("outcomes = %+v, want one update outcome", outcomes)
	}
	if f.fhir.searches != 0 {
		t.Errorf("searches = %d, want assignment fast path without searches", f.fhir.searches)
	}
	if f.fhir.updates != 1 {
		t.Errorf("updates = %d, want 1", f.fhir.updates)
	}
}

func TestExportEventApplicableScriptDeclines(t *testing.T) {
	ru := weightRule()
	ru.Scripts.ApplicableExp = boolScript(`input.Status() == "ACTIVE"`)
	f := newFixture(ru)

	outcomes, err := f.svc.ExportEvent(context.Background(), f.context(), weightEvent("Evt00000001"))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("outcomes = %+v, want none", outcomes)
	}
	if f.fhir.creates != 0 {
		t.Errorf("creates = %d, want 0", f.fhir.creates)
	}
}

func TestExportEventGeoWritesPosition(t *testing.T) {
	ru := weightRule()
	ru.FhirResourceType = "Location"
	ru.Scripts.GeoTransformExp = boolScript(`true`)
	f := newFixture(ru)

	ev := weightEvent("Evt00000001")
	ev.Coordinate = &tracker.Coordinate{Latitude: 1.25, Longitude: 32.5}

	outcomes, err := f.svc.ExportEvent(context.Background(), f.context(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %+v, want one", outcomes)
	}
	pos, _ := outcomes[0].Resource["position"].(map[string]any)
	if pos == nil || pos["latitude"] != 1.25 || pos["longitude"] != 32.5 {
		t.Errorf("position = %v", pos)
	}
}
