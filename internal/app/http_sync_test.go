package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"credport/api/internal/store"
	"credport/api/internal/syncer"
)

// fakeSyncStore is a minimal in-memory syncer store that counts writes, so
// tests can assert that rejected calls touch nothing.
type fakeSyncStore struct {
	orgs      map[string]store.Organization
	pipelines map[string]store.Pipeline
	persons   map[string]store.Person
	cases     map[string]store.Case
	writes    int
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		orgs:      map[string]store.Organization{},
		pipelines: map[string]store.Pipeline{},
		persons:   map[string]store.Person{},
		cases:     map[string]store.Case{},
	}
}

func (f *fakeSyncStore) InTx(_ context.Context, fn func(tx syncer.Store) error) error {
	return fn(f)
}

func (f *fakeSyncStore) GetOrganization(_ context.Context, orgID string) (*store.Organization, error) {
	if org, ok := f.orgs[orgID]; ok {
		return &org, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) GetFirstOrganization(context.Context) (*store.Organization, error) {
	for _, org := range f.orgs {
		o := org
		return &o, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) EnsureDefaultOrganization(_ context.Context, id, name, slug string) (store.Organization, bool, error) {
	f.writes++
	org := store.Organization{ID: id, Name: name, Slug: slug}
	f.orgs[id] = org
	return org, true, nil
}

func (f *fakeSyncStore) GetPipeline(_ context.Context, pipelineID string) (*store.Pipeline, error) {
	if p, ok := f.pipelines[pipelineID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) InsertPipeline(_ context.Context, pipeline store.Pipeline) error {
	f.writes++
	f.pipelines[pipeline.ID] = pipeline
	return nil
}

func (f *fakeSyncStore) UpdatePipeline(_ context.Context, pipelineID, name, slug string) error {
	f.writes++
	p := f.pipelines[pipelineID]
	p.Name = name
	p.Slug = slug
	f.pipelines[pipelineID] = p
	return nil
}

func (f *fakeSyncStore) UpsertPipelineStage(_ context.Context, stage store.PipelineStage) error {
	f.writes++
	return nil
}

func (f *fakeSyncStore) GetPipelineStage(context.Context, string) (*store.PipelineStage, error) {
	return nil, nil
}

func (f *fakeSyncStore) FindPersonByEmail(_ context.Context, email string) (*store.Person, error) {
	for _, p := range f.persons {
		if strings.EqualFold(p.Email, email) {
			person := p
			return &person, nil
		}
	}
	return nil, nil
}

func (f *fakeSyncStore) InsertPerson(_ context.Context, person store.Person) error {
	f.writes++
	f.persons[person.ID] = person
	return nil
}

func (f *fakeSyncStore) UpdatePerson(_ context.Context, person store.Person) error {
	f.writes++
	f.persons[person.ID] = person
	return nil
}

func (f *fakeSyncStore) FindAccountByEmail(context.Context, string) (*store.User, error) {
	return nil, nil
}

func (f *fakeSyncStore) LinkPersonAccount(context.Context, string, string) error {
	f.writes++
	return nil
}

func (f *fakeSyncStore) GetCase(_ context.Context, caseID string) (*store.Case, error) {
	if c, ok := f.cases[caseID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeSyncStore) UpsertCase(_ context.Context, item store.Case) error {
	f.writes++
	f.cases[item.ID] = item
	return nil
}

func (f *fakeSyncStore) AppendStageHistory(context.Context, store.StageHistoryEntry) error {
	f.writes++
	return nil
}

func newSyncTestServer(t *testing.T) (*HTTPServer, *fakeSyncStore) {
	t.Helper()
	syncStore := newFakeSyncStore()
	svc, _ := newTestService(&fakeStore{})
	svc.reconciler = syncer.New(syncStore, nil, nil)
	return NewHTTPServer(svc, "*"), syncStore
}

func postSync(server *HTTPServer, apiKey, body string, useBearer bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/internal/sync/case", strings.NewReader(body))
	if apiKey != "" {
		if useBearer {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		} else {
			req.Header.Set("x-api-key", apiKey)
		}
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

const validSyncBody = `{
	"person": {"email": "jordan@example.com", "first_name": "Jordan", "last_name": "Reyes"},
	"case_data": {"id": "case-1", "case_reference": "CR-1001", "status": "active"},
	"pipeline": {"id": "pl-1", "name": "Licensing", "slug": "licensing"}
}`

func TestSyncEndpointRejectsBadKey(t *testing.T) {
	server, syncStore := newSyncTestServer(t)

	for _, key := range []string{"", "wrong-key"} {
		rr := postSync(server, key, validSyncBody, false)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("key %q: expected 401, got %d", key, rr.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if resp["success"] != false {
			t.Errorf("expected success=false, got %v", resp["success"])
		}
	}
	if syncStore.writes != 0 {
		t.Fatalf("rejected calls caused %d writes", syncStore.writes)
	}
}

func TestSyncEndpointValidates(t *testing.T) {
	server, syncStore := newSyncTestServer(t)

	bodies := []string{
		`{"person": {}, "case_data": {"id": "case-1"}}`,
		`{"person": {"email": "a@b.com"}, "case_data": {}}`,
	}
	for _, body := range bodies {
		rr := postSync(server, "test-sync-key", body, false)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rr.Code)
		}
	}
	if syncStore.writes != 0 {
		t.Fatalf("invalid payloads caused %d writes", syncStore.writes)
	}
}

func TestSyncEndpointSuccess(t *testing.T) {
	server, syncStore := newSyncTestServer(t)

	rr := postSync(server, "test-sync-key", validSyncBody, false)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["success"] != true {
		t.Fatalf("expected success=true, got %v", resp)
	}
	if resp["case_id"] != "case-1" || resp["pipeline_id"] != "pl-1" {
		t.Fatalf("unexpected echo: %v", resp)
	}
	if resp["person_id"] == "" || resp["org_id"] == "" {
		t.Fatalf("missing resolved ids: %v", resp)
	}
	if resp["person_created"] != true || resp["case_created"] != true {
		t.Fatalf("expected creations reported: %v", resp)
	}

	if _, ok := syncStore.cases["case-1"]; !ok {
		t.Fatal("case not written")
	}
}

func TestSyncEndpointAcceptsBearerKey(t *testing.T) {
	server, _ := newSyncTestServer(t)

	rr := postSync(server, "test-sync-key", validSyncBody, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer key, got %d", rr.Code)
	}
}

func TestSyncEndpointMissingPipelineIs400(t *testing.T) {
	server, _ := newSyncTestServer(t)

	body := `{"person": {"email": "a@b.com"}, "case_data": {"id": "case-9", "pipeline_id": "pl-missing"}}`
	rr := postSync(server, "test-sync-key", body, false)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	details, _ := resp["details"].(map[string]any)
	if details["step"] != "pipeline" {
		t.Fatalf("expected pipeline step in error details, got %v", resp)
	}
}

func TestAdminDocumentsRequiresKey(t *testing.T) {
	server, _ := newSyncTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/internal/documents?action=list", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAdminDocumentsUnknownAction(t *testing.T) {
	server, _ := newSyncTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/internal/documents?action=purge", nil)
	req.Header.Set("x-api-key", "test-sync-key")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminDocumentsList(t *testing.T) {
	server, _ := newSyncTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/internal/documents?action=list", nil)
	req.Header.Set("x-api-key", "test-sync-key")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp["success"] != true {
		t.Fatalf("expected success=true, got %v", resp)
	}
}
