package syncer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"credport/api/internal/store"
)

// memStore is an in-memory Store whose InTx discards all changes when fn
// returns an error, mirroring the transactional rollback of the real store.
type memStore struct {
	orgs      map[string]store.Organization
	orgOrder  []string
	pipelines map[string]store.Pipeline
	stages    map[string]store.PipelineStage
	persons   map[string]store.Person
	users     map[string]store.User
	cases     map[string]store.Case
	history   []store.StageHistoryEntry

	failUpsertCase bool
}

func newMemStore() *memStore {
	return &memStore{
		orgs:      map[string]store.Organization{},
		pipelines: map[string]store.Pipeline{},
		stages:    map[string]store.PipelineStage{},
		persons:   map[string]store.Person{},
		users:     map[string]store.User{},
		cases:     map[string]store.Case{},
	}
}

func (m *memStore) snapshot() *memStore {
	cp := newMemStore()
	for k, v := range m.orgs {
		cp.orgs[k] = v
	}
	cp.orgOrder = append(cp.orgOrder, m.orgOrder...)
	for k, v := range m.pipelines {
		cp.pipelines[k] = v
	}
	for k, v := range m.stages {
		cp.stages[k] = v
	}
	for k, v := range m.persons {
		cp.persons[k] = v
	}
	for k, v := range m.users {
		cp.users[k] = v
	}
	for k, v := range m.cases {
		cp.cases[k] = v
	}
	cp.history = append(cp.history, m.history...)
	cp.failUpsertCase = m.failUpsertCase
	return cp
}

func (m *memStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	work := m.snapshot()
	if err := fn(work); err != nil {
		return err
	}
	*m = *work
	return nil
}

func (m *memStore) GetOrganization(_ context.Context, orgID string) (*store.Organization, error) {
	if org, ok := m.orgs[orgID]; ok {
		return &org, nil
	}
	return nil, nil
}

func (m *memStore) GetFirstOrganization(context.Context) (*store.Organization, error) {
	if len(m.orgOrder) == 0 {
		return nil, nil
	}
	org := m.orgs[m.orgOrder[0]]
	return &org, nil
}

func (m *memStore) EnsureDefaultOrganization(_ context.Context, id, name, slug string) (store.Organization, bool, error) {
	for _, org := range m.orgs {
		if org.Slug == slug {
			return org, false, nil
		}
	}
	org := store.Organization{ID: id, Name: name, Slug: slug}
	m.orgs[id] = org
	m.orgOrder = append(m.orgOrder, id)
	return org, true, nil
}

func (m *memStore) GetPipeline(_ context.Context, pipelineID string) (*store.Pipeline, error) {
	if p, ok := m.pipelines[pipelineID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memStore) InsertPipeline(_ context.Context, pipeline store.Pipeline) error {
	if _, exists := m.pipelines[pipeline.ID]; exists {
		return errors.New("duplicate pipeline id")
	}
	m.pipelines[pipeline.ID] = pipeline
	return nil
}

func (m *memStore) UpdatePipeline(_ context.Context, pipelineID, name, slug string) error {
	p := m.pipelines[pipelineID]
	p.Name = name
	p.Slug = slug
	m.pipelines[pipelineID] = p
	return nil
}

func (m *memStore) UpsertPipelineStage(_ context.Context, stage store.PipelineStage) error {
	m.stages[stage.ID] = stage
	return nil
}

func (m *memStore) GetPipelineStage(_ context.Context, stageID string) (*store.PipelineStage, error) {
	if s, ok := m.stages[stageID]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *memStore) FindPersonByEmail(_ context.Context, email string) (*store.Person, error) {
	for _, p := range m.persons {
		if strings.EqualFold(p.Email, email) || strings.EqualFold(p.PrimaryEmail, email) {
			person := p
			return &person, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertPerson(_ context.Context, person store.Person) error {
	m.persons[person.ID] = person
	return nil
}

func (m *memStore) UpdatePerson(_ context.Context, person store.Person) error {
	m.persons[person.ID] = person
	return nil
}

func (m *memStore) FindAccountByEmail(_ context.Context, email string) (*store.User, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			user := u
			return &user, nil
		}
	}
	return nil, nil
}

func (m *memStore) LinkPersonAccount(_ context.Context, personID, accountID string) error {
	p := m.persons[personID]
	p.AccountID = &accountID
	m.persons[personID] = p
	return nil
}

func (m *memStore) GetCase(_ context.Context, caseID string) (*store.Case, error) {
	if c, ok := m.cases[caseID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) UpsertCase(_ context.Context, item store.Case) error {
	if m.failUpsertCase {
		return errors.New("disk full")
	}
	m.cases[item.ID] = item
	return nil
}

func (m *memStore) AppendStageHistory(_ context.Context, entry store.StageHistoryEntry) error {
	m.history = append(m.history, entry)
	return nil
}

func basicRequest() Request {
	return Request{
		Person: PersonInput{
			Email:     "jordan@example.com",
			FirstName: "Jordan",
			LastName:  "Reyes",
		},
		CaseData: CaseInput{
			ID:            "case-1",
			CaseReference: "CR-1001",
			Status:        "active",
			PipelineID:    "pl-1",
		},
		Pipeline: &PipelineInput{ID: "pl-1", Name: "DataFlow Verification", Slug: "dataflow-verification"},
	}
}

func TestSyncCreatesAllEntities(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	result, err := r.Sync(context.Background(), basicRequest())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !result.OrgCreated || !result.PipelineCreated || !result.PersonCreated || !result.CaseCreated {
		t.Fatalf("expected all entities created, got %+v", result)
	}
	if len(m.orgs) != 1 {
		t.Fatalf("expected 1 organization, got %d", len(m.orgs))
	}
	c, ok := m.cases["case-1"]
	if !ok {
		t.Fatal("case not stored")
	}
	if c.PipelineID != "pl-1" {
		t.Fatalf("case pipeline = %s, want pl-1", c.PipelineID)
	}
	if c.PersonID != result.PersonID {
		t.Fatalf("case person = %s, want %s", c.PersonID, result.PersonID)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	first, err := r.Sync(context.Background(), basicRequest())
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	second, err := r.Sync(context.Background(), basicRequest())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if first.PersonID != second.PersonID || first.CaseID != second.CaseID ||
		first.PipelineID != second.PipelineID || first.OrgID != second.OrgID {
		t.Fatalf("resubmit resolved different ids: %+v vs %+v", first, second)
	}
	if second.OrgCreated || second.PipelineCreated || second.PersonCreated || second.CaseCreated {
		t.Fatalf("resubmit reported creations: %+v", second)
	}
	if len(m.persons) != 1 || len(m.cases) != 1 || len(m.pipelines) != 1 || len(m.orgs) != 1 {
		t.Fatal("resubmit duplicated rows")
	}
}

func TestSyncPipelineIDPrecedence(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	req.CaseData.PipelineID = "pl-stale"
	req.Pipeline = &PipelineInput{ID: "pl-real", Name: "Licensing", Slug: "licensing"}

	result, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.PipelineID != "pl-real" {
		t.Fatalf("resolved pipeline = %s, want pl-real", result.PipelineID)
	}
	if _, exists := m.pipelines["pl-stale"]; exists {
		t.Fatal("stale pipeline id was created")
	}
	if m.cases["case-1"].PipelineID != "pl-real" {
		t.Fatalf("case stored under %s, want pl-real", m.cases["case-1"].PipelineID)
	}
}

func TestSyncMissingPipelineFails(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	req.Pipeline = nil
	req.CaseData.PipelineID = "pl-unknown"

	_, err := r.Sync(context.Background(), req)
	var syncErr *Error
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !syncErr.Client || syncErr.Step != "pipeline" {
		t.Fatalf("expected client pipeline error, got %+v", syncErr)
	}
	if len(m.cases) != 0 {
		t.Fatal("case written despite pipeline failure")
	}
}

func TestSyncDefaultOrganizationCreatedOnce(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	if _, err := r.Sync(context.Background(), req); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	other := basicRequest()
	other.CaseData.ID = "case-2"
	other.Person.Email = "casey@example.com"
	if _, err := r.Sync(context.Background(), other); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if len(m.orgs) != 1 {
		t.Fatalf("expected exactly one organization, got %d", len(m.orgs))
	}
	for _, org := range m.orgs {
		if org.Name != DefaultOrgName {
			t.Fatalf("org name = %s, want %s", org.Name, DefaultOrgName)
		}
	}
}

func TestSyncExplicitOrgHonored(t *testing.T) {
	m := newMemStore()
	m.orgs["org-77"] = store.Organization{ID: "org-77", Name: "Acme Health", Slug: "acme-health"}
	m.orgOrder = append(m.orgOrder, "org-77")
	r := New(m, nil, nil)

	req := basicRequest()
	req.CaseData.OrgID = "org-77"

	result, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.OrgID != "org-77" || result.OrgCreated {
		t.Fatalf("expected matched org-77, got %+v", result)
	}
}

func TestSyncUnknownOrgFails(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	req.CaseData.OrgID = "org-missing"

	_, err := r.Sync(context.Background(), req)
	var syncErr *Error
	if !errors.As(err, &syncErr) || !syncErr.Client || syncErr.Step != "organization" {
		t.Fatalf("expected client organization error, got %v", err)
	}
}

func TestSyncPersonDedupCaseInsensitive(t *testing.T) {
	m := newMemStore()
	m.persons["per-1"] = store.Person{
		ID:           "per-1",
		Email:        "old@example.com",
		PrimaryEmail: "Jordan@Example.com",
		FirstName:    "J",
	}
	r := New(m, nil, nil)

	req := basicRequest()
	req.Person.Email = "jordan@example.com"
	req.Person.Phone = "555-0100"

	result, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.PersonID != "per-1" || result.PersonCreated {
		t.Fatalf("expected match on per-1, got %+v", result)
	}
	if len(m.persons) != 1 {
		t.Fatalf("expected 1 person, got %d", len(m.persons))
	}
	if m.persons["per-1"].Phone != "555-0100" || m.persons["per-1"].FirstName != "Jordan" {
		t.Fatalf("person not updated in place: %+v", m.persons["per-1"])
	}
}

func TestSyncHonorsCallerPersonID(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	req.Person.ID = "upstream-42"

	result, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.PersonID != "upstream-42" {
		t.Fatalf("person id = %s, want upstream-42", result.PersonID)
	}
}

func TestSyncLinksMatchingAccount(t *testing.T) {
	m := newMemStore()
	m.users["usr-1"] = store.User{ID: "usr-1", Email: "Jordan@example.com"}
	r := New(m, nil, nil)

	result, err := r.Sync(context.Background(), basicRequest())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	person := m.persons[result.PersonID]
	if person.AccountID == nil || *person.AccountID != "usr-1" {
		t.Fatalf("person not linked to account: %+v", person)
	}
}

func TestSyncValidationRejectsBeforeWrites(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing email", func(r *Request) { r.Person.Email = "" }},
		{"missing case id", func(r *Request) { r.CaseData.ID = "" }},
		{"bad status", func(r *Request) { r.CaseData.Status = "archived" }},
		{"bad start date", func(r *Request) { r.CaseData.StartDate = "soon" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMemStore()
			r := New(m, nil, nil)
			req := basicRequest()
			tc.mutate(&req)

			_, err := r.Sync(context.Background(), req)
			var syncErr *Error
			if !errors.As(err, &syncErr) || !syncErr.Client {
				t.Fatalf("expected client error, got %v", err)
			}
			if len(m.orgs)+len(m.pipelines)+len(m.persons)+len(m.cases) != 0 {
				t.Fatal("writes occurred despite validation failure")
			}
		})
	}
}

func TestSyncRollsBackOnMidFlightFailure(t *testing.T) {
	m := newMemStore()
	m.failUpsertCase = true
	r := New(m, nil, nil)

	_, err := r.Sync(context.Background(), basicRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(m.orgs) != 0 || len(m.pipelines) != 0 || len(m.persons) != 0 {
		t.Fatal("partial writes survived a failed sync")
	}
}

func TestSyncStageHistoryAppendedOnChangeOnly(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	req.Stages = []StageInput{
		{ID: "st-1", Name: "Intake", Slug: "intake", OrderIndex: 0},
		{ID: "st-2", Name: "Review", Slug: "review", OrderIndex: 1},
	}
	req.CaseData.CurrentStageID = "st-1"
	req.CaseData.StageNote = "submitted"

	if _, err := r.Sync(context.Background(), req); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if len(m.history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(m.history))
	}
	if m.history[0].StageName != "Intake" || m.history[0].Note != "submitted" {
		t.Fatalf("unexpected history entry: %+v", m.history[0])
	}

	// Same stage again: no new entry.
	if _, err := r.Sync(context.Background(), req); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if len(m.history) != 1 {
		t.Fatalf("resync with same stage appended history: %d entries", len(m.history))
	}

	// Stage advances: one new entry.
	req.CaseData.CurrentStageID = "st-2"
	req.CaseData.StageNote = ""
	result, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("advance sync: %v", err)
	}
	if !result.StageChanged {
		t.Fatal("expected StageChanged")
	}
	if len(m.history) != 2 || m.history[1].StageName != "Review" {
		t.Fatalf("expected Review history entry, got %+v", m.history)
	}
}

func TestSyncStageDefaultsToResolvedPipeline(t *testing.T) {
	m := newMemStore()
	r := New(m, nil, nil)

	req := basicRequest()
	req.Stages = []StageInput{{ID: "st-1", Name: "Intake", Slug: "intake", OrderIndex: 0}}

	if _, err := r.Sync(context.Background(), req); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if m.stages["st-1"].PipelineID != "pl-1" {
		t.Fatalf("stage pipeline = %s, want pl-1", m.stages["st-1"].PipelineID)
	}
}
