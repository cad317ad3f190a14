package rule

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/dhisfhir/adapter/internal/domain/metadata"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("uuid.Parse(%q): %v", s, err)
	}
	return id
}

func testRules(t *testing.T) []*Rule {
	t.Helper()
	return []*Rule{
		{
			ID:               mustUUID(t, "22222222-0000-0000-0000-000000000000"),
			Name:             "patient-low",
			Enabled:          true,
			EvaluationOrder:  10,
			DhisResourceType: DhisResourceTrackedEntity,
			FhirResourceType: "Patient",
			ImpEnabled:       true,
			ExpEnabled:       true,
			TrackedEntityRef: metadata.ByName("Person"),
		},
		{
			ID:               mustUUID(t, "11111111-0000-0000-0000-000000000000"),
			Name:             "patient-high-a",
			Enabled:          true,
			EvaluationOrder:  20,
			DhisResourceType: DhisResourceTrackedEntity,
			FhirResourceType: "Patient",
			ImpEnabled:       true,
		},
		{
			ID:               mustUUID(t, "33333333-0000-0000-0000-000000000000"),
			Name:             "patient-high-b",
			Enabled:          true,
			EvaluationOrder:  20,
			DhisResourceType: DhisResourceTrackedEntity,
			FhirResourceType: "Patient",
			ImpEnabled:       true,
		},
		{
			ID:               mustUUID(t, "44444444-0000-0000-0000-000000000000"),
			Name:             "patient-import-disabled",
			Enabled:          true,
			EvaluationOrder:  30,
			DhisResourceType: DhisResourceTrackedEntity,
			FhirResourceType: "Patient",
			ImpEnabled:       false,
			ExpEnabled:       true,
		},
		{
			ID:               mustUUID(t, "55555555-0000-0000-0000-000000000000"),
			Name:             "observation",
			Enabled:          true,
			EvaluationOrder:  5,
			DhisResourceType: DhisResourceEvent,
			FhirResourceType: "Observation",
			ImpEnabled:       true,
		},
	}
}

func TestResolveFhirRules_Order(t *testing.T) {
	r := NewResolver(NewMemRepo(testRules(t)))

	got, err := r.ResolveFhirRules(context.Background(), "Patient")
	if err != nil {
		t.Fatalf("ResolveFhirRules() error: %v", err)
	}
	names := ruleNames(got)
	// Evaluation order descending, id ascending on ties.
	want := []string{"patient-import-disabled", "patient-high-a", "patient-high-b", "patient-low"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("order = %v, want %v", names, want)
	}
}

func TestResolveFhirRules_Deterministic(t *testing.T) {
	r := NewResolver(NewMemRepo(testRules(t)))
	ctx := context.Background()

	first, err := r.ResolveFhirRules(ctx, "Patient")
	if err != nil {
		t.Fatalf("ResolveFhirRules() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := r.ResolveFhirRules(ctx, "Patient")
		if err != nil {
			t.Fatalf("ResolveFhirRules() error: %v", err)
		}
		if !reflect.DeepEqual(ruleNames(first), ruleNames(again)) {
			t.Fatalf("run %d produced different order: %v vs %v", i, ruleNames(first), ruleNames(again))
		}
	}
}

func TestResolveFhirRules_NoMatchIsEmpty(t *testing.T) {
	r := NewResolver(NewMemRepo(testRules(t)))

	got, err := r.ResolveFhirRules(context.Background(), "Medication")
	if err != nil {
		t.Fatalf("ResolveFhirRules() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d rules, want none", len(got))
	}
}

func TestFilterRules_ImportDisabledNeverReturned(t *testing.T) {
	r := NewResolver(NewMemRepo(testRules(t)))
	candidates, _ := r.ResolveFhirRules(context.Background(), "Patient")

	got := r.FilterRules(candidates, Import, nil)
	for _, ru := range got {
		if ru.Name == "patient-import-disabled" {
			t.Error("import-disabled rule must not pass FilterRules")
		}
	}
}

func TestFilterRules_TrackedEntityReference(t *testing.T) {
	r := NewResolver(NewMemRepo(testRules(t)))
	candidates, _ := r.ResolveFhirRules(context.Background(), "Patient")

	// Without the Person reference the type-restricted rule drops out.
	got := r.FilterRules(candidates, Import, []metadata.Reference{metadata.ByID("te999")})
	if contains(ruleNames(got), "patient-low") {
		t.Error("rule restricted to Person must not match a different type")
	}

	// Any reference form of the type matches.
	got = r.FilterRules(candidates, Import, []metadata.Reference{
		metadata.ByID("te123"),
		metadata.ByName("Person"),
	})
	if !contains(ruleNames(got), "patient-low") {
		t.Error("rule restricted to Person should match via the name reference")
	}
}

func TestFilterRules_DisabledRule(t *testing.T) {
	rules := testRules(t)
	rules[0].Enabled = false
	r := NewResolver(NewMemRepo(rules))

	// The disabled rule is already excluded at resolution; a stale candidate
	// list still filters it out.
	got := r.FilterRules(rules, Import, []metadata.Reference{metadata.ByName("Person")})
	if contains(ruleNames(got), "patient-low") {
		t.Error("disabled rule must not pass FilterRules")
	}
}

func ruleNames(rules []*Rule) []string {
	names := make([]string, 0, len(rules))
	for _, ru := range rules {
		names = append(names, ru.Name)
	}
	return names
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
