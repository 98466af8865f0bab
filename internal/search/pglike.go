package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgLike is the Postgres fallback searcher. It runs ILIKE matches over
// cases joined with their pipeline and current stage, so portal search
// keeps working when Meilisearch is down.
type PgLike struct {
	db *sql.DB
}

func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

const searchCasesQuery = `
	SELECT c.id, c.case_reference, pl.name, COALESCE(st.name, ''), c.status,
	       COUNT(*) OVER() AS total
	FROM cases c
	JOIN pipelines pl ON pl.id = c.pipeline_id
	LEFT JOIN pipeline_stages st ON st.id = c.current_stage_id
	WHERE c.person_id = $1
	  AND (c.case_reference ILIKE $2 OR pl.name ILIKE $2 OR st.name ILIKE $2)
	ORDER BY c.updated_at DESC
	LIMIT $3 OFFSET $4`

const loadAllRecordsQuery = `
	SELECT c.id, c.case_reference, c.person_id, TRIM(p.first_name || ' ' || p.last_name),
	       pl.name, COALESCE(st.name, ''), c.status
	FROM cases c
	JOIN persons p ON p.id = c.person_id
	JOIN pipelines pl ON pl.id = c.pipeline_id
	LEFT JOIN pipeline_stages st ON st.id = c.current_stage_id`

// Search matches the query text against case references, pipeline names
// and stage names for the given person.
func (p *PgLike) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	pattern := "%" + q.Text + "%"

	rows, err := p.db.QueryContext(context.Background(), searchCasesQuery,
		q.PersonID, pattern, limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search cases: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CaseID, &r.CaseReference, &r.PipelineName, &r.StageName, &r.Status, &total); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		r.Snippet = r.PipelineName
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every case into search records for reindexing.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]CaseRecord, error) {
	rows, err := p.db.QueryContext(ctx, loadAllRecordsQuery)
	if err != nil {
		return nil, fmt.Errorf("load case records: %w", err)
	}
	defer rows.Close()

	var records []CaseRecord
	for rows.Next() {
		var rec CaseRecord
		if err := rows.Scan(&rec.ID, &rec.CaseReference, &rec.PersonID, &rec.PersonName, &rec.PipelineName, &rec.StageName, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan case record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
