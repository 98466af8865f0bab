package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"credport/api/internal/auth"
	"credport/api/internal/authpw"
	"credport/api/internal/blob"
	"credport/api/internal/config"
	"credport/api/internal/email"
	"credport/api/internal/search"
	"credport/api/internal/store"
	"credport/api/internal/syncer"
	"credport/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	FindPersonByEmail(ctx context.Context, email string) (*store.Person, error)
	ListCasesForPerson(ctx context.Context, personID string) ([]store.CaseSummary, error)
	GetCaseForPerson(ctx context.Context, caseID, personID string) (store.CaseSummary, error)
	ListPipelineStages(ctx context.Context, pipelineID string) ([]store.PipelineStage, error)
	ListStageHistory(ctx context.Context, caseID string) ([]store.StageHistoryEntry, error)
	ListClientNotes(ctx context.Context, caseID string, visibleOnly bool) ([]store.ClientNote, error)
	ListClientDocuments(ctx context.Context, caseID string, visibleOnly bool) ([]store.ClientDocument, error)
	GetClientDocument(ctx context.Context, documentID string) (store.ClientDocument, error)
	CreateClientDocument(ctx context.Context, item store.ClientDocument) error
	UpdateDocumentStatus(ctx context.Context, documentID, status string, visibleToClient *bool) (bool, error)
	DeleteClientDocument(ctx context.Context, documentID string) error
	ListPersonPipelineSlugs(ctx context.Context, personID string) ([]string, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens. The Redis store satisfies it directly;
// pgSessionStore adapts the relational fallback.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgSessionStore backs refresh tokens with the refresh_sessions table when
// Redis is not configured.
type pgSessionStore struct {
	store *store.PostgresStore
}

func NewPgSessionStore(pg *store.PostgresStore) SessionStore {
	return &pgSessionStore{store: pg}
}

func (p *pgSessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p *pgSessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p *pgSessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   SessionStore
	authpw     *authpw.Service
	email      *email.Service
	search     *search.Service
	blob       *blob.Store
	reconciler *syncer.Reconciler
}

func New(
	cfg config.Config,
	dataStore dataStore,
	sessions SessionStore,
	authService *authpw.Service,
	emailService *email.Service,
	searchService *search.Service,
	blobStore *blob.Store,
	reconciler *syncer.Reconciler,
) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		authpw:     authService,
		email:      emailService,
		search:     searchService,
		blob:       blobStore,
		reconciler: reconciler,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) SyncAPIKey() string {
	return s.cfg.SyncAPIKey
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Sessions ──

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ── Portal read path ──

// fallbackProgressPercent is used when a case has no resolvable stage data.
const fallbackProgressPercent = 25

func (s *Service) personForSession(ctx context.Context, session Session) (store.Person, error) {
	person, err := s.store.FindPersonByEmail(ctx, session.Email)
	if err != nil {
		return store.Person{}, err
	}
	if person == nil {
		return store.Person{}, errNotFound("NO_PERSON", "No case records found for this account")
	}
	return *person, nil
}

func progressPercent(item store.CaseSummary) int {
	if item.StageIndex < 0 || item.StageCount <= 0 {
		return fallbackProgressPercent
	}
	return (item.StageIndex + 1) * 100 / item.StageCount
}

func caseSummaryPayload(item store.CaseSummary) map[string]any {
	return map[string]any{
		"id":               item.ID,
		"caseReference":    item.CaseReference,
		"status":           item.Status,
		"priority":         item.Priority,
		"pipelineName":     item.PipelineName,
		"pipelineSlug":     item.PipelineSlug,
		"currentStageName": item.CurrentStageName,
		"progressPercent":  progressPercent(item),
		"startDate":        item.StartDate,
		"metadata":         item.Metadata,
		"updatedAt":        item.UpdatedAt,
	}
}

func (s *Service) ListCases(ctx context.Context, session Session) (map[string]any, error) {
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListCasesForPerson(ctx, person.ID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, caseSummaryPayload(item))
	}
	return map[string]any{"cases": payload}, nil
}

func (s *Service) CaseDetail(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	item, err := s.store.GetCaseForPerson(ctx, caseID, person.ID)
	if err != nil {
		return nil, err
	}

	stages, err := s.store.ListPipelineStages(ctx, item.PipelineID)
	if err != nil {
		return nil, err
	}
	stagePayload := make([]map[string]any, 0, len(stages))
	for _, stage := range stages {
		current := item.CurrentStageID != nil && *item.CurrentStageID == stage.ID
		stagePayload = append(stagePayload, map[string]any{
			"id":         stage.ID,
			"name":       stage.Name,
			"slug":       stage.Slug,
			"orderIndex": stage.OrderIndex,
			"current":    current,
		})
	}

	history, err := s.store.ListStageHistory(ctx, caseID)
	if err != nil {
		return nil, err
	}
	historyPayload := make([]map[string]any, 0, len(history))
	for _, entry := range history {
		historyPayload = append(historyPayload, map[string]any{
			"stageId":   entry.StageID,
			"stageName": entry.StageName,
			"note":      entry.Note,
			"enteredAt": entry.EnteredAt,
		})
	}

	payload := caseSummaryPayload(item)
	payload["stages"] = stagePayload
	payload["history"] = historyPayload
	return map[string]any{"case": payload}, nil
}

func (s *Service) CaseNotes(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetCaseForPerson(ctx, caseID, person.ID); err != nil {
		return nil, err
	}
	notes, err := s.store.ListClientNotes(ctx, caseID, true)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		payload = append(payload, map[string]any{
			"id":         note.ID,
			"body":       note.Body,
			"authorName": note.AuthorName,
			"createdAt":  note.CreatedAt,
		})
	}
	return map[string]any{"notes": payload}, nil
}

func documentPayload(doc store.ClientDocument) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"caseId":      doc.CaseID,
		"fileName":    doc.FileName,
		"contentType": doc.ContentType,
		"sizeBytes":   doc.SizeBytes,
		"status":      doc.Status,
		"createdAt":   doc.CreatedAt,
	}
}

func (s *Service) CaseDocuments(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetCaseForPerson(ctx, caseID, person.ID); err != nil {
		return nil, err
	}
	docs, err := s.store.ListClientDocuments(ctx, caseID, true)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		payload = append(payload, documentPayload(doc))
	}
	return map[string]any{"documents": payload}, nil
}

// DocumentDownload returns a presigned URL for a client-visible document
// belonging to one of the person's cases.
func (s *Service) DocumentDownload(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if s.blob == nil {
		return nil, errStorageUnavailable()
	}
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetClientDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.VisibleToClient {
		return nil, errNotFound("NOT_FOUND", "Not found")
	}
	if _, err := s.store.GetCaseForPerson(ctx, doc.CaseID, person.ID); err != nil {
		return nil, err
	}
	url, err := s.blob.PresignedGetURL(ctx, doc.ObjectKey, doc.FileName, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": url, "fileName": doc.FileName}, nil
}

// ── Recommendations ──

type recommendation struct {
	PipelineSlug string `json:"pipelineSlug"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

// serviceCatalog lists adjacent services offered to portal users. A service
// is recommended when the person has no case in its pipeline.
var serviceCatalog = []recommendation{
	{"dataflow-verification", "DataFlow Verification", "Primary source verification of your credentials for overseas licensing."},
	{"licensing", "License Application", "End-to-end handling of your professional license application."},
	{"exam-registration", "Exam Registration", "Registration and scheduling for licensing examinations."},
	{"credential-monitoring", "Credential Monitoring", "Ongoing monitoring and renewal reminders for your active credentials."},
}

func (s *Service) Recommendations(ctx context.Context, session Session) (map[string]any, error) {
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return nil, err
	}
	slugs, err := s.store.ListPersonPipelineSlugs(ctx, person.ID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(slugs))
	for _, slug := range slugs {
		have[slug] = struct{}{}
	}
	recommended := make([]recommendation, 0, len(serviceCatalog))
	for _, item := range serviceCatalog {
		if _, ok := have[item.PipelineSlug]; !ok {
			recommended = append(recommended, item)
		}
	}
	return map[string]any{"recommendations": recommended}, nil
}

// ── Search ──

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	person, err := s.personForSession(ctx, session)
	if err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:     text,
		PersonID: person.ID,
		Limit:    limit,
		Offset:   offset,
	}), nil
}

// ── Sync ──

// HandleSync runs the reconciler and translates its step errors into the
// sync endpoint's error contract.
func (s *Service) HandleSync(ctx context.Context, req syncer.Request) (syncer.Result, error) {
	result, err := s.reconciler.Sync(ctx, req)
	if err != nil {
		var syncErr *syncer.Error
		if errors.As(err, &syncErr) && syncErr.Client {
			return syncer.Result{}, domainError(http.StatusBadRequest, "SYNC_FAILED", syncErr.Message, map[string]any{"step": syncErr.Step})
		}
		if errors.As(err, &syncErr) {
			return syncer.Result{}, domainError(http.StatusInternalServerError, "SYNC_FAILED", syncErr.Message, map[string]any{"step": syncErr.Step})
		}
		return syncer.Result{}, err
	}
	return result, nil
}

// ── Admin documents endpoint ──

func (s *Service) AdminListDocuments(ctx context.Context, caseID string) (map[string]any, error) {
	docs, err := s.store.ListClientDocuments(ctx, caseID, false)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		item := documentPayload(doc)
		item["visibleToClient"] = doc.VisibleToClient
		item["uploadedBy"] = doc.UploadedBy
		payload = append(payload, item)
	}
	return map[string]any{"success": true, "documents": payload}, nil
}

func (s *Service) AdminDocumentDownload(ctx context.Context, documentID string) (map[string]any, error) {
	if s.blob == nil {
		return nil, errStorageUnavailable()
	}
	doc, err := s.store.GetClientDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	url, err := s.blob.PresignedGetURL(ctx, doc.ObjectKey, doc.FileName, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "url": url, "fileName": doc.FileName}, nil
}

func (s *Service) AdminUploadDocument(ctx context.Context, caseID, fileName, contentType, uploadedBy string, body io.Reader, size int64) (map[string]any, error) {
	if s.blob == nil {
		return nil, errStorageUnavailable()
	}
	if strings.TrimSpace(caseID) == "" || strings.TrimSpace(fileName) == "" {
		return nil, errValidation("case_id and file_name are required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := util.NewID("doc")
	objectKey := fmt.Sprintf("%s/%s/%s", caseID, id, fileName)
	if err := s.blob.Put(ctx, objectKey, body, size, contentType); err != nil {
		return nil, err
	}
	doc := store.ClientDocument{
		ID:          id,
		CaseID:      caseID,
		FileName:    fileName,
		ObjectKey:   objectKey,
		ContentType: contentType,
		SizeBytes:   size,
		Status:      "pending",
		UploadedBy:  uploadedBy,
	}
	if err := s.store.CreateClientDocument(ctx, doc); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "document": documentPayload(doc)}, nil
}

func (s *Service) AdminUpdateDocumentStatus(ctx context.Context, documentID, status string, visibleToClient *bool) (map[string]any, error) {
	if _, ok := store.DocumentStatuses[status]; !ok {
		return nil, errValidation(fmt.Sprintf("invalid document status %q", status))
	}
	updated, err := s.store.UpdateDocumentStatus(ctx, documentID, status, visibleToClient)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound("NOT_FOUND", "Document not found")
	}
	return map[string]any{"success": true, "id": documentID, "status": status}, nil
}

func (s *Service) AdminDeleteDocument(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetClientDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if s.blob != nil {
		if err := s.blob.Remove(ctx, doc.ObjectKey); err != nil {
			return nil, err
		}
	}
	if err := s.store.DeleteClientDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "id": documentID}, nil
}
