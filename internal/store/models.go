package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Pipeline struct {
	ID        string
	OrgID     string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PipelineStage struct {
	ID         string
	PipelineID string
	Name       string
	Slug       string
	OrderIndex int
}

type Person struct {
	ID           string
	Email        string
	PrimaryEmail string
	FirstName    string
	LastName     string
	Phone        string
	AccountID    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Case struct {
	ID             string
	CaseReference  string
	PersonID       string
	OrgID          string
	PipelineID     string
	CurrentStageID *string
	Status         string
	Priority       string
	StartDate      *time.Time
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CaseSummary is a Case joined with its pipeline and current stage names,
// as listed on the portal dashboard.
type CaseSummary struct {
	Case
	PipelineName     string
	PipelineSlug     string
	CurrentStageName string
	StageCount       int
	StageIndex       int // zero-based position of the current stage, -1 when unknown
}

type StageHistoryEntry struct {
	ID        int64
	CaseID    string
	StageID   string
	StageName string
	Note      string
	EnteredAt time.Time
}

type ClientNote struct {
	ID              string
	CaseID          string
	Body            string
	AuthorName      string
	VisibleToClient bool
	CreatedAt       time.Time
}

type ClientDocument struct {
	ID              string
	CaseID          string
	FileName        string
	ObjectKey       string
	ContentType     string
	SizeBytes       int64
	Status          string
	VisibleToClient bool
	UploadedBy      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Valid case statuses as accepted from the sync payload.
var CaseStatuses = map[string]struct{}{
	"active":    {},
	"completed": {},
	"on_hold":   {},
	"cancelled": {},
}

// Valid client document statuses for the admin documents endpoint.
var DocumentStatuses = map[string]struct{}{
	"pending":  {},
	"received": {},
	"verified": {},
	"rejected": {},
}
