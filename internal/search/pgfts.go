package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL as a fallback. Dictionary
// words are mostly CJK, where English tsvector stemming is useless, so
// phrase matching is substring on the word and prefix on the code.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL-backed searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across phrases and pull requests,
// ranking exact code hits above substring word hits.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Phrases sub-query
	if q.FilterType == "" || q.FilterType == ResultPhrase {
		phraseWhere := "(ph.word ILIKE '%' || $1 || '%' OR ph.code LIKE $1 || '%')"
		if q.FilterSchemaID != "" {
			phraseWhere += fmt.Sprintf(" AND ph.schema_id = $%d", argN)
			args = append(args, q.FilterSchemaID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'phrase'::text AS type, ph.id::text, ph.word AS title,
				ph.code AS snippet,
				ph.schema_id, ph.code, ph.weight,
				CASE WHEN ph.code = $1 THEN 3
					WHEN ph.word = $1 THEN 2
					ELSE 1 END AS rank
			FROM phrases ph
			WHERE %s`, phraseWhere))
	}

	// Pull requests sub-query
	if q.FilterType == "" || q.FilterType == ResultPullRequest {
		pullWhere := "pr.title ILIKE '%' || $1 || '%'"
		if q.FilterSchemaID != "" {
			pullWhere += fmt.Sprintf(" AND pr.schema_id = $%d", argN)
			args = append(args, q.FilterSchemaID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'pull'::text AS type, pr.id, pr.title,
				pr.status AS snippet,
				pr.schema_id, ''::text AS code, 0 AS weight,
				1 AS rank
			FROM pull_requests pr
			WHERE %s`, pullWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, schema_id, code, weight
		FROM (%s) sub
		ORDER BY rank DESC, weight DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SchemaID, &r.Code, &r.Weight); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PhraseRecord, []PullRequestRecord, error) {
	phraseRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, word, code, schema_id, type, weight
		FROM phrases
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load phrases: %w", err)
	}
	defer phraseRows.Close()

	phrases := make([]PhraseRecord, 0)
	for phraseRows.Next() {
		var rec PhraseRecord
		if err := phraseRows.Scan(&rec.ID, &rec.Word, &rec.Code, &rec.SchemaID, &rec.Type, &rec.Weight); err != nil {
			return nil, nil, fmt.Errorf("scan phrase: %w", err)
		}
		phrases = append(phrases, rec)
	}
	if err := phraseRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate phrases: %w", err)
	}

	pullRows, err := p.db.QueryContext(ctx, `
		SELECT pr.id, pr.title, pr.schema_id, pr.status, u.display_name
		FROM pull_requests pr
		JOIN users u ON u.id = pr.created_by
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load pull requests: %w", err)
	}
	defer pullRows.Close()

	pulls := make([]PullRequestRecord, 0)
	for pullRows.Next() {
		var rec PullRequestRecord
		if err := pullRows.Scan(&rec.ID, &rec.Title, &rec.SchemaID, &rec.Status, &rec.Author); err != nil {
			return nil, nil, fmt.Errorf("scan pull request: %w", err)
		}
		pulls = append(pulls, rec)
	}
	if err := pullRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pull requests: %w", err)
	}

	return phrases, pulls, nil
}
