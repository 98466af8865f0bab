package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Sync-side writes. The reconciler calls these through InTx so a halfway
// failure rolls back every entity written so far.

// EnsureDefaultOrganization returns the default organization, creating it
// atomically when absent. The unique slug constraint makes concurrent first
// calls converge on a single row.
func (s *PostgresStore) EnsureDefaultOrganization(ctx context.Context, id, name, slug string) (Organization, bool, error) {
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO NOTHING
	`, id, name, slug)
	if err != nil {
		return Organization{}, false, fmt.Errorf("insert default organization: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Organization{}, false, fmt.Errorf("insert default organization rows: %w", err)
	}

	var org Organization
	err = s.q.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM organizations
		WHERE slug=$1
	`, slug).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return Organization{}, false, fmt.Errorf("read default organization: %w", err)
	}
	return org, affected > 0, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var org Organization
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM organizations
		WHERE id=$1
	`, orgID).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

func (s *PostgresStore) GetFirstOrganization(ctx context.Context) (*Organization, error) {
	var org Organization
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM organizations
		ORDER BY created_at ASC
		LIMIT 1
	`).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get first organization: %w", err)
	}
	return &org, nil
}

func (s *PostgresStore) GetPipeline(ctx context.Context, pipelineID string) (*Pipeline, error) {
	var pipeline Pipeline
	err := s.q.QueryRowContext(ctx, `
		SELECT id, org_id, name, slug, created_at, updated_at
		FROM pipelines
		WHERE id=$1
	`, pipelineID).Scan(&pipeline.ID, &pipeline.OrgID, &pipeline.Name, &pipeline.Slug, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return &pipeline, nil
}

func (s *PostgresStore) InsertPipeline(ctx context.Context, pipeline Pipeline) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pipelines (id, org_id, name, slug)
		VALUES ($1, $2, $3, $4)
	`, pipeline.ID, pipeline.OrgID, pipeline.Name, pipeline.Slug)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePipeline(ctx context.Context, pipelineID, name, slug string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE pipelines SET name=$2, slug=$3, updated_at=NOW() WHERE id=$1
	`, pipelineID, name, slug)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPipelineStage(ctx context.Context, stage PipelineStage) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pipeline_stages (id, pipeline_id, name, slug, order_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET pipeline_id=EXCLUDED.pipeline_id, name=EXCLUDED.name, slug=EXCLUDED.slug, order_index=EXCLUDED.order_index
	`, stage.ID, stage.PipelineID, stage.Name, stage.Slug, stage.OrderIndex)
	if err != nil {
		return fmt.Errorf("upsert pipeline stage: %w", err)
	}
	return nil
}

// FindPersonByEmail matches either email column case-insensitively.
func (s *PostgresStore) FindPersonByEmail(ctx context.Context, email string) (*Person, error) {
	var person Person
	err := s.q.QueryRowContext(ctx, `
		SELECT id, email, primary_email, first_name, last_name, phone, account_id, created_at, updated_at
		FROM persons
		WHERE LOWER(email)=LOWER($1) OR LOWER(primary_email)=LOWER($1)
		ORDER BY created_at ASC
		LIMIT 1
	`, email).Scan(
		&person.ID,
		&person.Email,
		&person.PrimaryEmail,
		&person.FirstName,
		&person.LastName,
		&person.Phone,
		&person.AccountID,
		&person.CreatedAt,
		&person.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find person by email: %w", err)
	}
	return &person, nil
}

func (s *PostgresStore) InsertPerson(ctx context.Context, person Person) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO persons (id, email, primary_email, first_name, last_name, phone)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, person.ID, person.Email, person.PrimaryEmail, person.FirstName, person.LastName, person.Phone)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePerson(ctx context.Context, person Person) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE persons
		SET primary_email=$2, first_name=$3, last_name=$4, phone=$5, updated_at=NOW()
		WHERE id=$1
	`, person.ID, person.PrimaryEmail, person.FirstName, person.LastName, person.Phone)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	return nil
}

func (s *PostgresStore) LinkPersonAccount(ctx context.Context, personID, accountID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE persons SET account_id=$2, updated_at=NOW() WHERE id=$1
	`, personID, accountID)
	if err != nil {
		return fmt.Errorf("link person account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (*Case, error) {
	var item Case
	var metadataRaw []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT id, case_reference, person_id, org_id, pipeline_id, current_stage_id,
			status, priority, start_date, metadata, created_at, updated_at
		FROM cases
		WHERE id=$1
	`, caseID).Scan(
		&item.ID,
		&item.CaseReference,
		&item.PersonID,
		&item.OrgID,
		&item.PipelineID,
		&item.CurrentStageID,
		&item.Status,
		&item.Priority,
		&item.StartDate,
		&metadataRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	_ = json.Unmarshal(metadataRaw, &item.Metadata)
	return &item, nil
}

func (s *PostgresStore) UpsertCase(ctx context.Context, item Case) error {
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encodedMetadata, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal case metadata: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO cases (id, case_reference, person_id, org_id, pipeline_id, current_stage_id, status, priority, start_date, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			case_reference=EXCLUDED.case_reference,
			person_id=EXCLUDED.person_id,
			org_id=EXCLUDED.org_id,
			pipeline_id=EXCLUDED.pipeline_id,
			current_stage_id=EXCLUDED.current_stage_id,
			status=EXCLUDED.status,
			priority=EXCLUDED.priority,
			start_date=EXCLUDED.start_date,
			metadata=EXCLUDED.metadata,
			updated_at=NOW()
	`, item.ID, item.CaseReference, item.PersonID, item.OrgID, item.PipelineID, item.CurrentStageID,
		item.Status, item.Priority, item.StartDate, string(encodedMetadata))
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendStageHistory(ctx context.Context, entry StageHistoryEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO case_stage_history (case_id, stage_id, stage_name, note)
		VALUES ($1, $2, $3, $4)
	`, entry.CaseID, entry.StageID, entry.StageName, entry.Note)
	if err != nil {
		return fmt.Errorf("append stage history: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPipelineStage(ctx context.Context, stageID string) (*PipelineStage, error) {
	var stage PipelineStage
	err := s.q.QueryRowContext(ctx, `
		SELECT id, pipeline_id, name, slug, order_index
		FROM pipeline_stages
		WHERE id=$1
	`, stageID).Scan(&stage.ID, &stage.PipelineID, &stage.Name, &stage.Slug, &stage.OrderIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline stage: %w", err)
	}
	return &stage, nil
}

// FindAccountByEmail is the indexed lookup used for person-account linking.
// Returns nil when no user holds the address.
func (s *PostgresStore) FindAccountByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, display_name, email
		FROM users
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account by email: %w", err)
	}
	return &user, nil
}
