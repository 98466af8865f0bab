package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"credport/api/internal/search"
	"credport/api/internal/store"
	"credport/api/internal/util"
)

// DefaultOrgName is the organization created lazily when a sync payload
// carries no org_id and the store holds no organization yet.
const (
	DefaultOrgName = "Default Organization"
	DefaultOrgSlug = "default-organization"
)

// Store is the slice of the relational store the reconciler writes through.
type Store interface {
	GetOrganization(ctx context.Context, orgID string) (*store.Organization, error)
	GetFirstOrganization(ctx context.Context) (*store.Organization, error)
	EnsureDefaultOrganization(ctx context.Context, id, name, slug string) (store.Organization, bool, error)

	GetPipeline(ctx context.Context, pipelineID string) (*store.Pipeline, error)
	InsertPipeline(ctx context.Context, pipeline store.Pipeline) error
	UpdatePipeline(ctx context.Context, pipelineID, name, slug string) error
	UpsertPipelineStage(ctx context.Context, stage store.PipelineStage) error
	GetPipelineStage(ctx context.Context, stageID string) (*store.PipelineStage, error)

	FindPersonByEmail(ctx context.Context, email string) (*store.Person, error)
	InsertPerson(ctx context.Context, person store.Person) error
	UpdatePerson(ctx context.Context, person store.Person) error
	FindAccountByEmail(ctx context.Context, email string) (*store.User, error)
	LinkPersonAccount(ctx context.Context, personID, accountID string) error

	GetCase(ctx context.Context, caseID string) (*store.Case, error)
	UpsertCase(ctx context.Context, item store.Case) error
	AppendStageHistory(ctx context.Context, entry store.StageHistoryEntry) error
}

// TxStore runs a reconciliation against a transaction-bound Store, so a
// halfway failure rolls back every entity written so far.
type TxStore interface {
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// Notifier sends the stage-transition email. The email service satisfies it.
type Notifier interface {
	IsConfigured() bool
	SendStageUpdateEmail(to, personName, caseReference, pipelineName, stageName string) error
}

// Indexer pushes synced cases into the search index.
type Indexer interface {
	IndexCase(record search.CaseRecord)
}

// Reconciler upserts organization, pipeline, stages, person, and case from a
// sync payload in one transaction. Notifier and Indexer are optional and run
// after commit.
type Reconciler struct {
	store    TxStore
	notifier Notifier
	indexer  Indexer
}

func New(txStore TxStore, notifier Notifier, indexer Indexer) *Reconciler {
	return &Reconciler{store: txStore, notifier: notifier, indexer: indexer}
}

// Sync guarantees that by the time it returns without error, the store holds
// mutually consistent records for the payload's organization, pipeline,
// stages, person, and case. Resubmitting the same payload is convergent.
func (r *Reconciler) Sync(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	var result Result
	var after postCommit
	err := r.store.InTx(ctx, func(tx Store) error {
		res, post, err := reconcile(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		after = post
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	r.afterCommit(after)
	return result, nil
}

// postCommit carries the data the fire-and-forget side effects need.
type postCommit struct {
	notifyEmail   string
	personName    string
	caseReference string
	pipelineName  string
	stageName     string
	record        *search.CaseRecord
}

func (r *Reconciler) afterCommit(post postCommit) {
	if post.record != nil && r.indexer != nil {
		r.indexer.IndexCase(*post.record)
	}
	if post.notifyEmail != "" && r.notifier != nil && r.notifier.IsConfigured() {
		go func() {
			if err := r.notifier.SendStageUpdateEmail(post.notifyEmail, post.personName, post.caseReference, post.pipelineName, post.stageName); err != nil {
				log.Printf("syncer: stage update email to %s: %v", post.notifyEmail, err)
			}
		}()
	}
}

func reconcile(ctx context.Context, tx Store, req Request) (Result, postCommit, error) {
	var result Result
	var post postCommit

	org, orgCreated, err := resolveOrganization(ctx, tx, req.CaseData.OrgID)
	if err != nil {
		return result, post, err
	}
	result.OrgID = org.ID
	result.OrgCreated = orgCreated

	pipeline, pipelineCreated, err := resolvePipeline(ctx, tx, req, org.ID)
	if err != nil {
		return result, post, err
	}
	result.PipelineID = pipeline.ID
	result.PipelineCreated = pipelineCreated

	for _, input := range req.Stages {
		stagePipelineID := input.PipelineID
		if stagePipelineID == "" {
			stagePipelineID = pipeline.ID
		}
		stage := store.PipelineStage{
			ID:         input.ID,
			PipelineID: stagePipelineID,
			Name:       input.Name,
			Slug:       input.Slug,
			OrderIndex: input.OrderIndex,
		}
		if err := tx.UpsertPipelineStage(ctx, stage); err != nil {
			return result, post, storeErr(stepStages, fmt.Sprintf("upsert stage %s", input.ID), err)
		}
	}

	person, personCreated, err := resolvePerson(ctx, tx, req.Person)
	if err != nil {
		return result, post, err
	}
	result.PersonID = person.ID
	result.PersonCreated = personCreated

	if err := linkAccount(ctx, tx, person); err != nil {
		return result, post, err
	}

	caseCreated, stageChanged, stageName, err := upsertCase(ctx, tx, req.CaseData, person.ID, org.ID, pipeline.ID)
	if err != nil {
		return result, post, err
	}
	result.CaseID = req.CaseData.ID
	result.CaseCreated = caseCreated
	result.StageChanged = stageChanged

	post.record = &search.CaseRecord{
		ID:            req.CaseData.ID,
		CaseReference: req.CaseData.CaseReference,
		PersonID:      person.ID,
		PersonName:    strings.TrimSpace(person.FirstName + " " + person.LastName),
		PipelineName:  pipeline.Name,
		StageName:     stageName,
		Status:        caseStatus(req.CaseData.Status),
	}
	if stageChanged && stageName != "" {
		post.notifyEmail = person.Email
		post.personName = strings.TrimSpace(person.FirstName + " " + person.LastName)
		post.caseReference = req.CaseData.CaseReference
		post.pipelineName = pipeline.Name
		post.stageName = stageName
	}
	return result, post, nil
}

// resolveOrganization honors an explicit org_id, falls back to any existing
// organization, and otherwise creates the default one. The unique slug
// constraint makes concurrent first calls converge on a single row.
func resolveOrganization(ctx context.Context, tx Store, orgID string) (store.Organization, bool, error) {
	if orgID != "" {
		org, err := tx.GetOrganization(ctx, orgID)
		if err != nil {
			return store.Organization{}, false, storeErr(stepOrganization, "look up organization", err)
		}
		if org == nil {
			return store.Organization{}, false, clientErr(stepOrganization, fmt.Sprintf("organization %s not found", orgID))
		}
		return *org, false, nil
	}

	org, err := tx.GetFirstOrganization(ctx)
	if err != nil {
		return store.Organization{}, false, storeErr(stepOrganization, "look up existing organization", err)
	}
	if org != nil {
		return *org, false, nil
	}

	created, wasCreated, err := tx.EnsureDefaultOrganization(ctx, util.NewID("org"), DefaultOrgName, DefaultOrgSlug)
	if err != nil {
		return store.Organization{}, false, storeErr(stepOrganization, "create default organization", err)
	}
	return created, wasCreated, nil
}

// resolvePipeline prefers the explicit pipeline.id over case_data.pipeline_id
// and always writes under the target identifier, so the case about to be
// written cannot dangle. The pipeline is re-read after the write as a
// consistency check.
func resolvePipeline(ctx context.Context, tx Store, req Request, orgID string) (store.Pipeline, bool, error) {
	targetID := req.CaseData.PipelineID
	if req.Pipeline != nil && req.Pipeline.ID != "" {
		targetID = req.Pipeline.ID
	}
	if targetID == "" {
		return store.Pipeline{}, false, clientErr(stepPipeline, "no pipeline identifier supplied in pipeline.id or case_data.pipeline_id")
	}

	existing, err := tx.GetPipeline(ctx, targetID)
	if err != nil {
		return store.Pipeline{}, false, storeErr(stepPipeline, "look up pipeline", err)
	}

	created := false
	switch {
	case existing != nil && req.Pipeline != nil:
		if err := tx.UpdatePipeline(ctx, targetID, req.Pipeline.Name, req.Pipeline.Slug); err != nil {
			return store.Pipeline{}, false, storeErr(stepPipeline, "update pipeline", err)
		}
	case existing == nil && req.Pipeline != nil:
		insert := store.Pipeline{ID: targetID, OrgID: orgID, Name: req.Pipeline.Name, Slug: req.Pipeline.Slug}
		if err := tx.InsertPipeline(ctx, insert); err != nil {
			return store.Pipeline{}, false, storeErr(stepPipeline, "insert pipeline", err)
		}
		created = true
	case existing == nil:
		return store.Pipeline{}, false, clientErr(stepPipeline, fmt.Sprintf("pipeline %s not found and no pipeline data supplied", targetID))
	}

	pipeline, err := tx.GetPipeline(ctx, targetID)
	if err != nil {
		return store.Pipeline{}, false, storeErr(stepPipeline, "verify pipeline", err)
	}
	if pipeline == nil {
		return store.Pipeline{}, false, storeErr(stepPipeline, fmt.Sprintf("pipeline %s missing after write", targetID), nil)
	}
	return *pipeline, created, nil
}

// resolvePerson deduplicates by case-insensitive match on either email column.
// A caller-supplied identifier is honored on insert so the upstream system's
// own id is preserved.
func resolvePerson(ctx context.Context, tx Store, input PersonInput) (store.Person, bool, error) {
	existing, err := tx.FindPersonByEmail(ctx, input.Email)
	if err != nil {
		return store.Person{}, false, storeErr(stepPerson, "look up person", err)
	}

	if existing != nil {
		updated := *existing
		if input.FirstName != "" {
			updated.FirstName = input.FirstName
		}
		if input.LastName != "" {
			updated.LastName = input.LastName
		}
		if input.Phone != "" {
			updated.Phone = input.Phone
		}
		if input.PrimaryEmail != "" {
			updated.PrimaryEmail = input.PrimaryEmail
		}
		if err := tx.UpdatePerson(ctx, updated); err != nil {
			return store.Person{}, false, storeErr(stepPerson, "update person", err)
		}
		return updated, false, nil
	}

	person := store.Person{
		ID:           input.ID,
		Email:        input.Email,
		PrimaryEmail: input.PrimaryEmail,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Phone:        input.Phone,
	}
	if person.ID == "" {
		person.ID = util.NewID("per")
	}
	if person.PrimaryEmail == "" {
		person.PrimaryEmail = person.Email
	}
	if err := tx.InsertPerson(ctx, person); err != nil {
		return store.Person{}, false, storeErr(stepPerson, "insert person", err)
	}
	return person, true, nil
}

// linkAccount connects the person to a portal account holding the same email,
// when one exists. An indexed lookup, not a listing of all users.
func linkAccount(ctx context.Context, tx Store, person store.Person) error {
	account, err := tx.FindAccountByEmail(ctx, person.Email)
	if err != nil {
		return storeErr(stepAccountLink, "look up account", err)
	}
	if account == nil && person.PrimaryEmail != "" && !strings.EqualFold(person.PrimaryEmail, person.Email) {
		account, err = tx.FindAccountByEmail(ctx, person.PrimaryEmail)
		if err != nil {
			return storeErr(stepAccountLink, "look up account", err)
		}
	}
	if account == nil {
		return nil
	}
	if person.AccountID != nil && *person.AccountID == account.ID {
		return nil
	}
	if err := tx.LinkPersonAccount(ctx, person.ID, account.ID); err != nil {
		return storeErr(stepAccountLink, "link account", err)
	}
	return nil
}

// upsertCase writes the case last-writer-wins and appends a stage history row
// when the current stage changed. Returns whether the case was created,
// whether the stage changed, and the resolved stage name.
func upsertCase(ctx context.Context, tx Store, input CaseInput, personID, orgID, pipelineID string) (created, stageChanged bool, stageName string, err error) {
	existing, err := tx.GetCase(ctx, input.ID)
	if err != nil {
		return false, false, "", storeErr(stepCase, "look up case", err)
	}

	var currentStageID *string
	if input.CurrentStageID != "" {
		id := input.CurrentStageID
		currentStageID = &id
	}

	var startDate *time.Time
	if input.StartDate != "" {
		parsed, parseErr := parseStartDate(input.StartDate)
		if parseErr != nil {
			return false, false, "", clientErr(stepCase, fmt.Sprintf("invalid start_date %q", input.StartDate))
		}
		startDate = &parsed
	}

	item := store.Case{
		ID:             input.ID,
		CaseReference:  input.CaseReference,
		PersonID:       personID,
		OrgID:          orgID,
		PipelineID:     pipelineID,
		CurrentStageID: currentStageID,
		Status:         caseStatus(input.Status),
		Priority:       casePriority(input.Priority),
		StartDate:      startDate,
		Metadata:       input.Metadata,
	}
	if err := tx.UpsertCase(ctx, item); err != nil {
		return false, false, "", storeErr(stepCase, "upsert case", err)
	}

	created = existing == nil
	stageChanged = currentStageID != nil &&
		(existing == nil || existing.CurrentStageID == nil || *existing.CurrentStageID != *currentStageID)

	if currentStageID != nil {
		stage, err := tx.GetPipelineStage(ctx, *currentStageID)
		if err != nil {
			return false, false, "", storeErr(stepStageHistory, "look up stage", err)
		}
		if stage != nil {
			stageName = stage.Name
		}
	}

	if stageChanged {
		entry := store.StageHistoryEntry{
			CaseID:    input.ID,
			StageID:   *currentStageID,
			StageName: stageName,
			Note:      input.StageNote,
		}
		if err := tx.AppendStageHistory(ctx, entry); err != nil {
			return false, false, "", storeErr(stepStageHistory, "append stage history", err)
		}
	}
	return created, stageChanged, stageName, nil
}

func caseStatus(status string) string {
	if status == "" {
		return "active"
	}
	return status
}

func casePriority(priority string) string {
	if priority == "" {
		return "normal"
	}
	return priority
}
