package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName)
	if err == nil {
		role, roleErr := s.getRole(ctx, user.ID)
		if roleErr != nil {
			return User{}, roleErr
		}
		user.Role = role
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.keytao.dev'))
		RETURNING id, display_name
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (user_id, role)
		VALUES ($1, 'contributor')
		ON CONFLICT (user_id) DO NOTHING
	`, user.ID); err != nil {
		return User{}, fmt.Errorf("upsert membership: %w", err)
	}

	user.Role = "contributor"
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, is_email_verified FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	role, err := s.getRole(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Role = role
	return user, nil
}

func (s *PostgresStore) getRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM workspace_memberships WHERE user_id=$1`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "viewer", nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), is_email_verified
		FROM users WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	role, err := s.getRole(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Role = role
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (user_id, role)
		VALUES ($1, 'contributor')
		ON CONFLICT (user_id) DO NOTHING
	`, user.ID); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
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
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, used_at=NULL
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, wm.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		LEFT JOIN workspace_memberships wm ON wm.user_id = u.id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	var role sql.NullString
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &role)
	if err != nil {
		return User{}, err
	}
	user.Role = role.String
	if user.Role == "" {
		user.Role = "viewer"
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListSchemas(ctx context.Context) ([]Schema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), created_at, updated_at
		FROM schemas ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var schemas []Schema
	for rows.Next() {
		var schema Schema
		if err := rows.Scan(&schema.ID, &schema.Name, &schema.Description, &schema.CreatedAt, &schema.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		schemas = append(schemas, schema)
	}
	return schemas, rows.Err()
}

func (s *PostgresStore) GetSchema(ctx context.Context, schemaID string) (Schema, error) {
	var schema Schema
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), created_at, updated_at
		FROM schemas WHERE id=$1
	`, schemaID).Scan(&schema.ID, &schema.Name, &schema.Description, &schema.CreatedAt, &schema.UpdatedAt)
	if err != nil {
		return Schema{}, err
	}
	return schema, nil
}

func (s *PostgresStore) InsertSchema(ctx context.Context, schema Schema) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schemas (id, name, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, schema.ID, schema.Name, schema.Description)
	if err != nil {
		return fmt.Errorf("insert schema: %w", err)
	}
	return nil
}

const phraseColumns = `id, schema_id, word, code, weight, COALESCE(user_id, ''), type, created_at, updated_at`

func scanPhrase(row interface{ Scan(...any) error }) (Phrase, error) {
	var phrase Phrase
	err := row.Scan(&phrase.ID, &phrase.SchemaID, &phrase.Word, &phrase.Code, &phrase.Weight,
		&phrase.UserID, &phrase.Type, &phrase.CreatedAt, &phrase.UpdatedAt)
	return phrase, err
}

// FindPhrase returns the phrase at the exact (word, code) pair, or nil.
// excludeID, when non-zero, skips that row so a proposal can be edited
// without colliding with itself.
func (s *PostgresStore) FindPhrase(ctx context.Context, schemaID, word, code string, excludeID int64) (*Phrase, error) {
	phrase, err := scanPhrase(s.db.QueryRowContext(ctx, `
		SELECT `+phraseColumns+` FROM phrases
		WHERE schema_id=$1 AND word=$2 AND code=$3 AND ($4 = 0 OR id <> $4)
		LIMIT 1
	`, schemaID, word, code, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find phrase: %w", err)
	}
	return &phrase, nil
}

// FindCodeOccupant returns a phrase occupying code with a different word.
func (s *PostgresStore) FindCodeOccupant(ctx context.Context, schemaID, code, word string, excludeID int64) (*Phrase, error) {
	phrase, err := scanPhrase(s.db.QueryRowContext(ctx, `
		SELECT `+phraseColumns+` FROM phrases
		WHERE schema_id=$1 AND code=$2 AND word <> $3 AND ($4 = 0 OR id <> $4)
		ORDER BY weight DESC, id
		LIMIT 1
	`, schemaID, code, word, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find code occupant: %w", err)
	}
	return &phrase, nil
}

// FindWordElsewhere returns a phrase for word at a code other than code.
func (s *PostgresStore) FindWordElsewhere(ctx context.Context, schemaID, word, code string, excludeID int64) (*Phrase, error) {
	phrase, err := scanPhrase(s.db.QueryRowContext(ctx, `
		SELECT `+phraseColumns+` FROM phrases
		WHERE schema_id=$1 AND word=$2 AND code <> $3 AND ($4 = 0 OR id <> $4)
		ORDER BY weight DESC, id
		LIMIT 1
	`, schemaID, word, code, excludeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find word elsewhere: %w", err)
	}
	return &phrase, nil
}

func (s *PostgresStore) PhrasesByCode(ctx context.Context, schemaID, code string) ([]Phrase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+phraseColumns+` FROM phrases
		WHERE schema_id=$1 AND code=$2
		ORDER BY weight DESC, id
	`, schemaID, code)
	if err != nil {
		return nil, fmt.Errorf("phrases by code: %w", err)
	}
	defer rows.Close()

	var phrases []Phrase
	for rows.Next() {
		phrase, err := scanPhrase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phrase: %w", err)
		}
		phrases = append(phrases, phrase)
	}
	return phrases, rows.Err()
}

func (s *PostgresStore) CountByCode(ctx context.Context, schemaID, code string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM phrases WHERE schema_id=$1 AND code=$2`, schemaID, code).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by code: %w", err)
	}
	return count, nil
}

// ListPhrases returns every phrase of a schema ordered for dictionary
// rendering: by code, then descending weight, then word.
func (s *PostgresStore) ListPhrases(ctx context.Context, schemaID string) ([]Phrase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+phraseColumns+` FROM phrases
		WHERE schema_id=$1
		ORDER BY code, weight DESC, word
	`, schemaID)
	if err != nil {
		return nil, fmt.Errorf("list phrases: %w", err)
	}
	defer rows.Close()

	var phrases []Phrase
	for rows.Next() {
		phrase, err := scanPhrase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phrase: %w", err)
		}
		phrases = append(phrases, phrase)
	}
	return phrases, rows.Err()
}

func (s *PostgresStore) SearchPhrases(ctx context.Context, schemaID, query string, limit int) ([]Phrase, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+phraseColumns+` FROM phrases
		WHERE schema_id=$1 AND (word ILIKE '%' || $2 || '%' OR code LIKE $2 || '%')
		ORDER BY code, weight DESC
		LIMIT $3
	`, schemaID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search phrases: %w", err)
	}
	defer rows.Close()

	var phrases []Phrase
	for rows.Next() {
		phrase, err := scanPhrase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phrase: %w", err)
		}
		phrases = append(phrases, phrase)
	}
	return phrases, rows.Err()
}

func (s *PostgresStore) CreatePullRequest(ctx context.Context, pr PullRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pull_requests (id, schema_id, title, status, branch_name, target_branch, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, pr.ID, pr.SchemaID, pr.Title, pr.Status, pr.BranchName, pr.TargetBranch, pr.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert pull request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPullRequest(ctx context.Context, prID string) (PullRequest, error) {
	var pr PullRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, schema_id, title, status, branch_name, target_branch, created_by, created_at
		FROM pull_requests WHERE id=$1
	`, prID).Scan(&pr.ID, &pr.SchemaID, &pr.Title, &pr.Status, &pr.BranchName, &pr.TargetBranch, &pr.CreatedBy, &pr.CreatedAt)
	if err != nil {
		return PullRequest{}, err
	}
	return pr, nil
}

func (s *PostgresStore) ListPullRequests(ctx context.Context, schemaID string) ([]PullRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schema_id, title, status, branch_name, target_branch, created_by, created_at
		FROM pull_requests
		WHERE $1 = '' OR schema_id = $1
		ORDER BY created_at DESC
	`, schemaID)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	var prs []PullRequest
	for rows.Next() {
		var pr PullRequest
		if err := rows.Scan(&pr.ID, &pr.SchemaID, &pr.Title, &pr.Status, &pr.BranchName, &pr.TargetBranch, &pr.CreatedBy, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

func (s *PostgresStore) UpdatePullRequestStatus(ctx context.Context, prID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pull_requests SET status=$2 WHERE id=$1`, prID, status)
	if err != nil {
		return fmt.Errorf("update pull request status: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkPullRequestMerged(ctx context.Context, prID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pull_requests SET status='MERGED', merged_at=NOW() WHERE id=$1`, prID)
	if err != nil {
		return fmt.Errorf("mark pull request merged: %w", err)
	}
	return nil
}

// ReplacePullRequestItems swaps a pull request's item list atomically,
// renumbering positions from the slice order.
func (s *PostgresStore) ReplacePullRequestItems(ctx context.Context, prID string, items []PRItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace items tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pr_items WHERE pr_id=$1`, prID); err != nil {
		return fmt.Errorf("clear pr items: %w", err)
	}
	for position, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pr_items (id, pr_id, position, action, word, old_word, code, weight, type, phrase_id)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		`, item.ID, prID, position, item.Action, item.Word, item.OldWord, item.Code, item.Weight, item.Type, item.PhraseID); err != nil {
			return fmt.Errorf("insert pr item %d: %w", position, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListPullRequestItems(ctx context.Context, prID string) ([]PRItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pr_id, position, action, word, COALESCE(old_word, ''), code, weight, type, phrase_id
		FROM pr_items WHERE pr_id=$1 ORDER BY position
	`, prID)
	if err != nil {
		return nil, fmt.Errorf("list pr items: %w", err)
	}
	defer rows.Close()

	var items []PRItem
	for rows.Next() {
		var item PRItem
		if err := rows.Scan(&item.ID, &item.PullRequestID, &item.Position, &item.Action, &item.Word,
			&item.OldWord, &item.Code, &item.Weight, &item.Type, &item.PhraseID); err != nil {
			return nil, fmt.Errorf("scan pr item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListApprovals(ctx context.Context, prID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, status, COALESCE(approved_by, ''), approved_at
		FROM pr_approvals WHERE pr_id=$1 ORDER BY role
	`, prID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []Approval
	for rows.Next() {
		var approval Approval
		if err := rows.Scan(&approval.Role, &approval.Status, &approval.ApprovedBy, &approval.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func (s *PostgresStore) ApproveRole(ctx context.Context, prID, role, approvedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pr_approvals (pr_id, role, status, approved_by, approved_at)
		VALUES ($1, $2, 'Approved', $3, NOW())
		ON CONFLICT (pr_id, role) DO UPDATE SET status='Approved', approved_by=EXCLUDED.approved_by, approved_at=NOW()
	`, prID, role, approvedBy)
	if err != nil {
		return fmt.Errorf("approve role: %w", err)
	}
	return nil
}

// SeedApprovals creates Pending approval rows for each required role.
// Already-approved rows are left alone.
func (s *PostgresStore) SeedApprovals(ctx context.Context, prID string, roles []string) error {
	for _, role := range roles {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pr_approvals (pr_id, role, status)
			VALUES ($1, $2, 'Pending')
			ON CONFLICT (pr_id, role) DO NOTHING
		`, prID, role)
		if err != nil {
			return fmt.Errorf("seed approval %s/%s: %w", prID, role, err)
		}
	}
	return nil
}

func (s *PostgresStore) PendingApprovalCount(ctx context.Context, prID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pr_approvals WHERE pr_id=$1 AND status <> 'Approved'
	`, prID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending approval count: %w", err)
	}
	return count, nil
}

// ApplyPullRequestItems applies a merged pull request's operations to the
// phrase table inside one transaction; either every item lands or none do.
// weights carries the engine's calculated weight per item id for Creates.
// The unique (schema_id, word, code) index is the final guard against a
// concurrent batch winning the same pair between check and merge.
func (s *PostgresStore) ApplyPullRequestItems(ctx context.Context, schemaID string, items []PRItem, weights map[string]int, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range items {
		switch item.Action {
		case "CREATE":
			weight := 0
			if w, ok := weights[item.ID]; ok {
				weight = w
			} else if item.Weight != nil {
				weight = *item.Weight
			}
			phraseType := "PHRASE"
			if item.Type != nil {
				phraseType = *item.Type
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO phrases (schema_id, word, code, weight, user_id, type)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (schema_id, word, code) DO UPDATE SET weight=EXCLUDED.weight, updated_at=NOW()
			`, schemaID, item.Word, item.Code, weight, userID, phraseType); err != nil {
				return fmt.Errorf("apply create %q: %w", item.Word, err)
			}
		case "CHANGE":
			result, err := tx.ExecContext(ctx, `
				UPDATE phrases SET word=$4, updated_at=NOW()
				WHERE schema_id=$1 AND word=$2 AND code=$3
			`, schemaID, item.OldWord, item.Code, item.Word)
			if err != nil {
				return fmt.Errorf("apply change %q: %w", item.OldWord, err)
			}
			if affected, err := result.RowsAffected(); err == nil && affected == 0 {
				return fmt.Errorf("apply change %q: %w", item.OldWord, sql.ErrNoRows)
			}
		case "DELETE":
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM phrases WHERE schema_id=$1 AND word=$2 AND code=$3
			`, schemaID, item.Word, item.Code); err != nil {
				return fmt.Errorf("apply delete %q: %w", item.Word, err)
			}
		default:
			return fmt.Errorf("apply item %s: unknown action %q", item.ID, item.Action)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) ListWorkspaceUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.email, COALESCE(m.role, 'viewer'), u.created_at
		FROM users u
		LEFT JOIN workspace_memberships m ON m.user_id = u.id
		ORDER BY u.created_at, u.display_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list workspace users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (user_id, role)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role
	`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (phrases int, openPulls int, merged int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM phrases),
			(SELECT COUNT(*) FROM pull_requests WHERE status IN ('DRAFT','UNDER_REVIEW')),
			(SELECT COUNT(*) FROM pull_requests WHERE status = 'MERGED')
	`).Scan(&phrases, &openPulls, &merged)
	if err != nil {
		err = fmt.Errorf("summary counts: %w", err)
	}
	return phrases, openPulls, merged, err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
