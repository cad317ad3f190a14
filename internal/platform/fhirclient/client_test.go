package fhirclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL: srv.URL,
		Token:   "token123",
		Version: R4,
		Logger:  zerolog.Nop(),
	})
	c.http.RetryMax = 0
	return c
}

func searchBundle(resources ...Resource) map[string]any {
	entries := make([]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	return map[string]any{"resourceType": "Bundle", "entry": entries}
}

func TestSearchByIdentifier_SingleMatch(t *testing.T) {
	var gotQuery, gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("identifier")
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(searchBundle(Resource{"resourceType": "Patient", "id": "p1"}))
	}))

	res, err := c.SearchByIdentifier(context.Background(), "Patient", "http://example.org/nid", "A123")
	if err != nil {
		t.Fatalf("SearchByIdentifier() error: %v", err)
	}
	if res == nil || res.ID() != "p1" {
		t.Errorf("res = %v", res)
	}
	if gotQuery != "http://example.org/nid|A123" {
		t.Errorf("identifier query = %q", gotQuery)
	}
	if gotAuth != "Bearer token123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestSearchByIdentifier_NoMatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchBundle())
	}))

	res, err := c.SearchByIdentifier(context.Background(), "Patient", "sys", "val")
	if err != nil {
		t.Fatalf("SearchByIdentifier() error: %v", err)
	}
	if res != nil {
		t.Errorf("res = %v, want nil", res)
	}
}

func TestSearchByIdentifier_AmbiguousIsNoMatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchBundle(
			Resource{"resourceType": "Patient", "id": "p1"},
			Resource{"resourceType": "Patient", "id": "p2"},
		))
	}))

	res, err := c.SearchByIdentifier(context.Background(), "Patient", "sys", "val")
	if err != nil {
		t.Fatalf("SearchByIdentifier() error: %v", err)
	}
	if res != nil {
		t.Error("ambiguous match must be treated as no match")
	}
}

func TestRead_NotFoundIsNil(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))

	res, err := c.Read(context.Background(), "Patient", "missing")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if res != nil {
		t.Errorf("res = %v, want nil", res)
	}
}

func TestCreateAndUpdate(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		var res Resource
		json.NewDecoder(r.Body).Decode(&res)
		if r.Method == http.MethodPost {
			res.SetID("server-assigned")
		}
		json.NewEncoder(w).Encode(res)
	}))

	created, err := c.Create(context.Background(), New("Patient"))
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/Patient" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if created.ID() != "server-assigned" {
		t.Errorf("created.ID() = %q", created.ID())
	}

	if _, err := c.Update(context.Background(), created); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/Patient/server-assigned" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}

	if _, err := c.Update(context.Background(), New("Patient")); err == nil {
		t.Error("Update() without id must fail")
	}
}
