package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so store methods can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  dbtx
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// InTx runs fn against a transaction-bound copy of the store. All writes made
// through the copy commit or roll back together.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified, COALESCE(verification_token, ''), verification_expires_at
		FROM users
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified, COALESCE(verification_token, ''), verification_expires_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.q.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.q.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ── Portal reads ──

func (s *PostgresStore) ListCasesForPerson(ctx context.Context, personID string) ([]CaseSummary, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT c.id, c.case_reference, c.person_id, c.org_id, c.pipeline_id, c.current_stage_id,
			c.status, c.priority, c.start_date, c.metadata, c.created_at, c.updated_at,
			p.name, p.slug,
			COALESCE(cs.name, ''),
			(SELECT COUNT(*) FROM pipeline_stages ps WHERE ps.pipeline_id=c.pipeline_id),
			CASE WHEN cs.id IS NULL THEN -1
				ELSE (SELECT COUNT(*) FROM pipeline_stages ps
					WHERE ps.pipeline_id=c.pipeline_id AND ps.order_index < cs.order_index) END
		FROM cases c
		JOIN pipelines p ON p.id = c.pipeline_id
		LEFT JOIN pipeline_stages cs ON cs.id = c.current_stage_id
		WHERE c.person_id=$1
		ORDER BY c.created_at DESC
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	items := make([]CaseSummary, 0)
	for rows.Next() {
		item, err := scanCaseSummary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCaseForPerson(ctx context.Context, caseID, personID string) (CaseSummary, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT c.id, c.case_reference, c.person_id, c.org_id, c.pipeline_id, c.current_stage_id,
			c.status, c.priority, c.start_date, c.metadata, c.created_at, c.updated_at,
			p.name, p.slug,
			COALESCE(cs.name, ''),
			(SELECT COUNT(*) FROM pipeline_stages ps WHERE ps.pipeline_id=c.pipeline_id),
			CASE WHEN cs.id IS NULL THEN -1
				ELSE (SELECT COUNT(*) FROM pipeline_stages ps
					WHERE ps.pipeline_id=c.pipeline_id AND ps.order_index < cs.order_index) END
		FROM cases c
		JOIN pipelines p ON p.id = c.pipeline_id
		LEFT JOIN pipeline_stages cs ON cs.id = c.current_stage_id
		WHERE c.id=$1 AND c.person_id=$2
	`, caseID, personID)
	if err != nil {
		return CaseSummary{}, fmt.Errorf("get case: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return CaseSummary{}, fmt.Errorf("get case: %w", err)
		}
		return CaseSummary{}, sql.ErrNoRows
	}
	return scanCaseSummary(rows)
}

func scanCaseSummary(rows *sql.Rows) (CaseSummary, error) {
	var item CaseSummary
	var metadataRaw []byte
	if err := rows.Scan(
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
		&item.PipelineName,
		&item.PipelineSlug,
		&item.CurrentStageName,
		&item.StageCount,
		&item.StageIndex,
	); err != nil {
		return CaseSummary{}, fmt.Errorf("scan case: %w", err)
	}
	_ = json.Unmarshal(metadataRaw, &item.Metadata)
	return item, nil
}

func (s *PostgresStore) ListPipelineStages(ctx context.Context, pipelineID string) ([]PipelineStage, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, pipeline_id, name, slug, order_index
		FROM pipeline_stages
		WHERE pipeline_id=$1
		ORDER BY order_index ASC, name ASC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list pipeline stages: %w", err)
	}
	defer rows.Close()

	items := make([]PipelineStage, 0)
	for rows.Next() {
		var item PipelineStage
		if err := rows.Scan(&item.ID, &item.PipelineID, &item.Name, &item.Slug, &item.OrderIndex); err != nil {
			return nil, fmt.Errorf("scan pipeline stage: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline stages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListStageHistory(ctx context.Context, caseID string) ([]StageHistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, case_id, stage_id, stage_name, note, entered_at
		FROM case_stage_history
		WHERE case_id=$1
		ORDER BY entered_at ASC, id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list stage history: %w", err)
	}
	defer rows.Close()

	items := make([]StageHistoryEntry, 0)
	for rows.Next() {
		var item StageHistoryEntry
		if err := rows.Scan(&item.ID, &item.CaseID, &item.StageID, &item.StageName, &item.Note, &item.EnteredAt); err != nil {
			return nil, fmt.Errorf("scan stage history: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListClientNotes(ctx context.Context, caseID string, visibleOnly bool) ([]ClientNote, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, case_id, body, author_name, visible_to_client, created_at
		FROM client_notes
		WHERE case_id=$1
		  AND (NOT $2::boolean OR visible_to_client)
		ORDER BY created_at DESC
	`, caseID, visibleOnly)
	if err != nil {
		return nil, fmt.Errorf("list client notes: %w", err)
	}
	defer rows.Close()

	items := make([]ClientNote, 0)
	for rows.Next() {
		var item ClientNote
		if err := rows.Scan(&item.ID, &item.CaseID, &item.Body, &item.AuthorName, &item.VisibleToClient, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client note: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client notes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListClientDocuments(ctx context.Context, caseID string, visibleOnly bool) ([]ClientDocument, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, case_id, file_name, object_key, content_type, size_bytes, status, visible_to_client, uploaded_by, created_at, updated_at
		FROM client_documents
		WHERE ($1='' OR case_id=$1)
		  AND (NOT $2::boolean OR visible_to_client)
		ORDER BY created_at DESC
	`, caseID, visibleOnly)
	if err != nil {
		return nil, fmt.Errorf("list client documents: %w", err)
	}
	defer rows.Close()

	items := make([]ClientDocument, 0)
	for rows.Next() {
		var item ClientDocument
		if err := rows.Scan(
			&item.ID,
			&item.CaseID,
			&item.FileName,
			&item.ObjectKey,
			&item.ContentType,
			&item.SizeBytes,
			&item.Status,
			&item.VisibleToClient,
			&item.UploadedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan client document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate client documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetClientDocument(ctx context.Context, documentID string) (ClientDocument, error) {
	var item ClientDocument
	err := s.q.QueryRowContext(ctx, `
		SELECT id, case_id, file_name, object_key, content_type, size_bytes, status, visible_to_client, uploaded_by, created_at, updated_at
		FROM client_documents
		WHERE id=$1
	`, documentID).Scan(
		&item.ID,
		&item.CaseID,
		&item.FileName,
		&item.ObjectKey,
		&item.ContentType,
		&item.SizeBytes,
		&item.Status,
		&item.VisibleToClient,
		&item.UploadedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ClientDocument{}, err
	}
	return item, nil
}

func (s *PostgresStore) CreateClientDocument(ctx context.Context, item ClientDocument) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO client_documents (id, case_id, file_name, object_key, content_type, size_bytes, status, visible_to_client, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.CaseID, item.FileName, item.ObjectKey, item.ContentType, item.SizeBytes, item.Status, item.VisibleToClient, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("create client document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID, status string, visibleToClient *bool) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE client_documents
		SET status=$2,
			visible_to_client=COALESCE($3::boolean, visible_to_client),
			updated_at=NOW()
		WHERE id=$1
	`, documentID, status, visibleToClient)
	if err != nil {
		return false, fmt.Errorf("update document status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document status rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteClientDocument(ctx context.Context, documentID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM client_documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete client document: %w", err)
	}
	return nil
}

// ListPersonPipelineSlugs returns the distinct pipeline slugs of a person's
// cases, used to derive cross-sell recommendations.
func (s *PostgresStore) ListPersonPipelineSlugs(ctx context.Context, personID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT p.slug
		FROM cases c
		JOIN pipelines p ON p.id = c.pipeline_id
		WHERE c.person_id=$1
		ORDER BY p.slug ASC
	`, personID)
	if err != nil {
		return nil, fmt.Errorf("list person pipelines: %w", err)
	}
	defer rows.Close()

	slugs := make([]string, 0)
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan pipeline slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline slugs: %w", err)
	}
	return slugs, nil
}
