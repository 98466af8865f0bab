package syncer

import (
	"fmt"
	"strings"
	"time"

	"credport/api/internal/store"
)

// Request is the body of a sync call from the external command center.
type Request struct {
	Person   PersonInput    `json:"person"`
	CaseData CaseInput      `json:"case_data"`
	Pipeline *PipelineInput `json:"pipeline,omitempty"`
	Stages   []StageInput   `json:"stages,omitempty"`
}

type PersonInput struct {
	ID           string `json:"id,omitempty"`
	Email        string `json:"email"`
	PrimaryEmail string `json:"primary_email,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

type CaseInput struct {
	ID             string         `json:"id"`
	CaseReference  string         `json:"case_reference"`
	Status         string         `json:"status,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	PipelineID     string         `json:"pipeline_id,omitempty"`
	CurrentStageID string         `json:"current_stage_id,omitempty"`
	OrgID          string         `json:"org_id,omitempty"`
	StartDate      string         `json:"start_date,omitempty"`
	StageNote      string         `json:"stage_note,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type PipelineInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type StageInput struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	OrderIndex int    `json:"order_index"`
	PipelineID string `json:"pipeline_id,omitempty"`
}

// Result reports what the reconciler resolved, and which entities it created
// as opposed to matched.
type Result struct {
	PersonID        string `json:"person_id"`
	PersonCreated   bool   `json:"person_created"`
	CaseID          string `json:"case_id"`
	CaseCreated     bool   `json:"case_created"`
	PipelineID      string `json:"pipeline_id"`
	PipelineCreated bool   `json:"pipeline_created"`
	OrgID           string `json:"org_id"`
	OrgCreated      bool   `json:"org_created"`
	StageChanged    bool   `json:"stage_changed"`
}

// validate checks the fields the contract requires before any data access.
func (r Request) validate() error {
	if strings.TrimSpace(r.Person.Email) == "" {
		return clientErr(stepValidate, "person.email is required")
	}
	if strings.TrimSpace(r.CaseData.ID) == "" {
		return clientErr(stepValidate, "case_data.id is required")
	}
	if r.CaseData.Status != "" {
		if _, ok := store.CaseStatuses[r.CaseData.Status]; !ok {
			return clientErr(stepValidate, fmt.Sprintf("invalid case status %q", r.CaseData.Status))
		}
	}
	if r.CaseData.StartDate != "" {
		if _, err := parseStartDate(r.CaseData.StartDate); err != nil {
			return clientErr(stepValidate, fmt.Sprintf("invalid start_date %q", r.CaseData.StartDate))
		}
	}
	for _, stage := range r.Stages {
		if strings.TrimSpace(stage.ID) == "" {
			return clientErr(stepValidate, "stage id is required on every stage")
		}
	}
	return nil
}

func parseStartDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
