package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/xkinput/keytao-next-sub000/internal/auth"
	"github.com/xkinput/keytao-next-sub000/internal/authpw"
	"github.com/xkinput/keytao-next-sub000/internal/config"
	"github.com/xkinput/keytao-next-sub000/internal/conflict"
	"github.com/xkinput/keytao-next-sub000/internal/dictrepo"
	"github.com/xkinput/keytao-next-sub000/internal/email"
	"github.com/xkinput/keytao-next-sub000/internal/export"
	"github.com/xkinput/keytao-next-sub000/internal/rbac"
	"github.com/xkinput/keytao-next-sub000/internal/search"
	"github.com/xkinput/keytao-next-sub000/internal/store"
	"github.com/xkinput/keytao-next-sub000/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// PullRequestItemInput is one proposed operation in an incoming pull
// request body.
type PullRequestItemInput struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	Word     string `json:"word"`
	OldWord  string `json:"oldWord"`
	Code     string `json:"code"`
	Weight   *int   `json:"weight"`
	Type     string `json:"type"`
	PhraseID *int64 `json:"phraseId"`
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListSchemas(context.Context) ([]store.Schema, error)
	GetSchema(context.Context, string) (store.Schema, error)
	InsertSchema(context.Context, store.Schema) error
	FindPhrase(context.Context, string, string, string, int64) (*store.Phrase, error)
	FindCodeOccupant(context.Context, string, string, string, int64) (*store.Phrase, error)
	FindWordElsewhere(context.Context, string, string, string, int64) (*store.Phrase, error)
	PhrasesByCode(context.Context, string, string) ([]store.Phrase, error)
	CountByCode(context.Context, string, string) (int, error)
	ListPhrases(context.Context, string) ([]store.Phrase, error)
	SearchPhrases(context.Context, string, string, int) ([]store.Phrase, error)
	CreatePullRequest(context.Context, store.PullRequest) error
	GetPullRequest(context.Context, string) (store.PullRequest, error)
	ListPullRequests(context.Context, string) ([]store.PullRequest, error)
	UpdatePullRequestStatus(context.Context, string, string) error
	MarkPullRequestMerged(context.Context, string) error
	ReplacePullRequestItems(context.Context, string, []store.PRItem) error
	ListPullRequestItems(context.Context, string) ([]store.PRItem, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	ApproveRole(context.Context, string, string, string) error
	SeedApprovals(context.Context, string, []string) error
	PendingApprovalCount(context.Context, string) (int, error)
	ApplyPullRequestItems(context.Context, string, []store.PRItem, map[string]int, string) error
	ListWorkspaceUsers(context.Context) ([]store.User, error)
	UpdateUserRole(context.Context, string, string) error
	SummaryCounts(context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

type dictService interface {
	EnsureSchemaRepo(string, dictrepo.Table, string) error
	EnsureBranch(string, string, string) error
	CommitTable(string, string, dictrepo.Table, string, string) (store.CommitInfo, error)
	GetHeadTable(string, string) (dictrepo.Table, store.CommitInfo, error)
	GetTableByHash(string, string) (dictrepo.Table, error)
	GetCommitByHash(string, string) (store.CommitInfo, error)
	History(string, string, int) ([]store.CommitInfo, error)
	CreateTag(string, string, string) error
	MergeIntoMain(string, string, string, string) (store.CommitInfo, error)
}

// RefreshSessionStore holds refresh tokens. Redis when configured,
// otherwise the Postgres store.
type RefreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// Deps bundles the optional collaborators wired in by cmd/api. Store and
// Dict are required; everything else degrades gracefully when nil.
type Deps struct {
	Store    *store.PostgresStore
	Dict     *dictrepo.Service
	Search   *search.Service
	Export   *export.Service
	Email    *email.Service
	AuthPW   *authpw.Service
	Sessions RefreshSessionStore
}

type Service struct {
	cfg      config.Config
	store    dataStore
	dict     dictService
	search   *search.Service
	export   *export.Service
	email    *email.Service
	authpw   *authpw.Service
	sessions RefreshSessionStore
}

func New(cfg config.Config, deps Deps) *Service {
	service := &Service{
		cfg:      cfg,
		store:    deps.Store,
		dict:     deps.Dict,
		search:   deps.Search,
		export:   deps.Export,
		email:    deps.Email,
		authpw:   deps.AuthPW,
		sessions: deps.Sessions,
	}
	if service.sessions == nil && deps.Store != nil {
		service.sessions = deps.Store
	}
	return service
}

// Bootstrap seeds an empty database with the keytao schema, a starter
// phrase table, and one draft pull request so the editor is usable
// immediately.
func (s *Service) Bootstrap(ctx context.Context) error {
	schemas, err := s.store.ListSchemas(ctx)
	if err != nil {
		return err
	}
	if len(schemas) > 0 {
		return nil
	}

	owner, err := s.store.EnsureUserByName(ctx, "Robin")
	if err != nil {
		return err
	}

	schema := store.Schema{
		ID:          "keytao",
		Name:        "键道6",
		Description: "键道6 主码表",
	}
	if err := s.store.InsertSchema(ctx, schema); err != nil {
		return err
	}

	seeds := []struct {
		Word   string
		Code   string
		Weight int
		Type   string
	}{
		{Word: "的", Code: "e", Weight: 1000, Type: "SINGLE"},
		{Word: "我", Code: "w", Weight: 900, Type: "SINGLE"},
		{Word: "你好", Code: "nihk", Weight: 500, Type: "PHRASE"},
		{Word: "谢谢", Code: "xqxq", Weight: 300, Type: "PHRASE"},
		{Word: "输入法", Code: "urfa", Weight: 120, Type: "PHRASE"},
		{Word: "键道", Code: "jmdl", Weight: 110, Type: "PHRASE"},
	}
	items := make([]store.PRItem, 0, len(seeds))
	for i, seed := range seeds {
		weight := seed.Weight
		typ := seed.Type
		items = append(items, store.PRItem{
			ID:       util.NewID("item"),
			Position: i,
			Action:   string(conflict.ActionCreate),
			Word:     seed.Word,
			Code:     seed.Code,
			Weight:   &weight,
			Type:     &typ,
		})
	}
	if err := s.store.ApplyPullRequestItems(ctx, schema.ID, items, nil, owner.ID); err != nil {
		return err
	}

	phrases, err := s.store.ListPhrases(ctx, schema.ID)
	if err != nil {
		return err
	}
	if err := s.dict.EnsureSchemaRepo(schema.ID, tableFromPhrases(schema, phrases), owner.DisplayName); err != nil {
		return err
	}

	prID := util.NewID("pr")
	pr := store.PullRequest{
		ID:           prID,
		SchemaID:     schema.ID,
		Title:        "新增常用短语",
		Status:       "DRAFT",
		BranchName:   "pr-" + strings.TrimPrefix(prID, "pr_"),
		TargetBranch: "main",
		CreatedBy:    owner.ID,
	}
	if err := s.store.CreatePullRequest(ctx, pr); err != nil {
		return err
	}
	weight := 100
	typ := "PHRASE"
	if err := s.store.ReplacePullRequestItems(ctx, pr.ID, []store.PRItem{
		{ID: util.NewID("item"), Position: 0, Action: string(conflict.ActionCreate), Word: "早上好", Code: "zsho", Weight: &weight, Type: &typ},
		{ID: util.NewID("item"), Position: 1, Action: string(conflict.ActionCreate), Word: "晚安", Code: "wana", Weight: &weight, Type: &typ},
	}); err != nil {
		return err
	}
	return s.dict.EnsureBranch(schema.ID, pr.BranchName, "main")
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	holder, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session store only records who holds the token; name and role come
	// from the user record so role changes take effect on refresh.
	user, err := s.store.GetUserByID(ctx, holder.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// CreateSession issues a session for an already-authenticated user, used
// by the password sign-in flow.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) ListSchemas(ctx context.Context) ([]map[string]any, error) {
	schemas, err := s.store.ListSchemas(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(schemas))
	for _, schema := range schemas {
		items = append(items, map[string]any{
			"id":          schema.ID,
			"name":        schema.Name,
			"description": schema.Description,
			"updatedAt":   schema.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) GetSchema(ctx context.Context, schemaID string) (map[string]any, error) {
	schema, err := s.store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":          schema.ID,
		"name":        schema.Name,
		"description": schema.Description,
		"updatedAt":   schema.UpdatedAt.UTC().Format(time.RFC3339),
	}
	table, head, err := s.dict.GetHeadTable(schema.ID, "main")
	if err == nil {
		payload["entries"] = len(table.Entries)
		payload["headCommit"] = commitPayload(head)
	}
	return payload, nil
}

// ListSchemaPhrases lists or searches the phrases of one schema. An empty
// query returns the full dictionary ordering (code, weight desc, word).
func (s *Service) ListSchemaPhrases(ctx context.Context, schemaID, query string, limit int) (map[string]any, error) {
	schema, err := s.store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	var phrases []store.Phrase
	if strings.TrimSpace(query) != "" {
		phrases, err = s.store.SearchPhrases(ctx, schema.ID, strings.TrimSpace(query), limit)
	} else {
		phrases, err = s.store.ListPhrases(ctx, schema.ID)
	}
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(phrases))
	for _, phrase := range phrases {
		items = append(items, phrasePayload(phrase))
	}
	return map[string]any{
		"schemaId": schema.ID,
		"phrases":  items,
	}, nil
}

func (s *Service) CreatePullRequest(ctx context.Context, schemaID, title string, inputs []PullRequestItemInput, session Session) (map[string]any, error) {
	schema, err := s.store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	items, err := validateItems(inputs)
	if err != nil {
		return nil, err
	}

	prID := util.NewID("pr")
	pr := store.PullRequest{
		ID:           prID,
		SchemaID:     schema.ID,
		Title:        firstNonBlank(title, "词条变更"),
		Status:       "DRAFT",
		BranchName:   "pr-" + strings.TrimPrefix(prID, "pr_"),
		TargetBranch: "main",
		CreatedBy:    session.UserID,
	}
	if err := s.store.CreatePullRequest(ctx, pr); err != nil {
		return nil, err
	}
	if err := s.store.ReplacePullRequestItems(ctx, pr.ID, items); err != nil {
		return nil, err
	}
	if err := s.dict.EnsureBranch(schema.ID, pr.BranchName, "main"); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexPullRequest(search.PullRequestRecord{
			ID:       pr.ID,
			Title:    pr.Title,
			SchemaID: pr.SchemaID,
			Status:   pr.Status,
			Author:   session.UserName,
		})
	}

	return s.pullRequestPayload(ctx, pr.ID)
}

func (s *Service) ListPullRequests(ctx context.Context, schemaID string) ([]map[string]any, error) {
	pulls, err := s.store.ListPullRequests(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(pulls))
	for _, pr := range pulls {
		items = append(items, map[string]any{
			"id":        pr.ID,
			"schemaId":  pr.SchemaID,
			"title":     pr.Title,
			"status":    pr.Status,
			"branch":    pr.BranchName,
			"createdBy": pr.CreatedBy,
			"createdAt": pr.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) GetPullRequest(ctx context.Context, prID string) (map[string]any, error) {
	return s.pullRequestPayload(ctx, prID)
}

// UpdatePullRequestItems replaces a draft pull request's operations. Only
// the creator or an admin may edit, and only while the request is a draft.
func (s *Service) UpdatePullRequestItems(ctx context.Context, prID string, inputs []PullRequestItemInput, session Session) (map[string]any, error) {
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.Status != "DRAFT" {
		return nil, domainError(http.StatusConflict, "PR_NOT_EDITABLE", "Only draft pull requests can be edited", nil)
	}
	if pr.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the creator can edit this pull request", nil)
	}

	items, err := validateItems(inputs)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplacePullRequestItems(ctx, pr.ID, items); err != nil {
		return nil, err
	}
	return s.pullRequestPayload(ctx, pr.ID)
}

// CheckPullRequest runs the conflict engine over the request's batch and
// returns one result per item, id-correlated and in item order.
func (s *Service) CheckPullRequest(ctx context.Context, prID string) (map[string]any, error) {
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListPullRequestItems(ctx, pr.ID)
	if err != nil {
		return nil, err
	}

	results, err := s.runBatchCheck(ctx, pr.SchemaID, items)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"pullRequestId": pr.ID,
		"schemaId":      pr.SchemaID,
		"results":       resultPayloads(results),
	}, nil
}

func (s *Service) SubmitPullRequest(ctx context.Context, prID string, session Session) (map[string]any, error) {
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.Status != "DRAFT" {
		return nil, domainError(http.StatusConflict, "PR_NOT_SUBMITTABLE", "Only draft pull requests can be submitted", nil)
	}
	items, err := s.store.ListPullRequestItems(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Pull request has no items", nil)
	}

	if err := s.store.SeedApprovals(ctx, pr.ID, approvalRoles()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePullRequestStatus(ctx, pr.ID, "UNDER_REVIEW"); err != nil {
		return nil, err
	}
	s.notifyReviewRequested(ctx, pr, len(items), session)
	return s.pullRequestPayload(ctx, pr.ID)
}

// ClosePullRequest withdraws a pull request before it merges. Only the
// creator or an admin may close it.
func (s *Service) ClosePullRequest(ctx context.Context, prID string, session Session) (map[string]any, error) {
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.Status == "MERGED" || pr.Status == "CLOSED" {
		return nil, domainError(http.StatusConflict, "PR_NOT_CLOSABLE", "Pull request is already merged or closed", nil)
	}
	if pr.CreatedBy != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the creator or an admin can close a pull request", nil)
	}
	if err := s.store.UpdatePullRequestStatus(ctx, pr.ID, "CLOSED"); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexPullRequest(search.PullRequestRecord{
			ID:       pr.ID,
			Title:    pr.Title,
			SchemaID: pr.SchemaID,
			Status:   "CLOSED",
			Author:   session.UserName,
		})
	}
	return s.pullRequestPayload(ctx, pr.ID)
}

func (s *Service) ApprovePullRequestRole(ctx context.Context, prID, role string, session Session) (map[string]any, error) {
	role = strings.TrimSpace(role)
	if _, ok := approvalDependencies[role]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of proofread, conflict, release", nil)
	}
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	if pr.Status != "UNDER_REVIEW" && pr.Status != "APPROVED" {
		return nil, domainError(http.StatusConflict, "PR_NOT_IN_REVIEW", "Pull request is not under review", nil)
	}

	approvals, err := s.store.ListApprovals(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	statusByRole := make(map[string]string, len(approvals))
	for _, approval := range approvals {
		statusByRole[approval.Role] = approval.Status
	}
	blockers := blockedApprovalRoles(statusByRole, role)
	if len(blockers) > 0 {
		return nil, domainError(http.StatusConflict, "APPROVAL_ORDER_BLOCKED", "Approval order is blocked by unmet prerequisites", map[string]any{
			"role":     role,
			"blockers": blockers,
		})
	}

	if err := s.store.ApproveRole(ctx, pr.ID, role, session.UserName); err != nil {
		return nil, err
	}
	pending, err := s.store.PendingApprovalCount(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	status := "UNDER_REVIEW"
	if pending == 0 {
		status = "APPROVED"
	}
	if err := s.store.UpdatePullRequestStatus(ctx, pr.ID, status); err != nil {
		return nil, err
	}
	return s.pullRequestPayload(ctx, pr.ID)
}

// MergePullRequest applies an approved batch. A nil payload with non-nil
// details means the merge gate blocked: pending approvals, hard conflicts,
// or unacknowledged soft warnings.
func (s *Service) MergePullRequest(ctx context.Context, prID string, acknowledgeWarnings bool, session Session) (map[string]any, map[string]any, error) {
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, nil, err
	}
	if pr.Status != "UNDER_REVIEW" && pr.Status != "APPROVED" {
		return nil, nil, domainError(http.StatusConflict, "PR_NOT_MERGEABLE", "Pull request must be submitted for review before merging", nil)
	}

	pending, err := s.store.PendingApprovalCount(ctx, pr.ID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.ListPullRequestItems(ctx, pr.ID)
	if err != nil {
		return nil, nil, err
	}
	results, err := s.runBatchCheck(ctx, pr.SchemaID, items)
	if err != nil {
		return nil, nil, err
	}

	hard, soft := 0, 0
	for _, result := range results {
		switch {
		case result.Conflict.HasConflict:
			hard++
		case result.Conflict.Impact != "":
			soft++
		}
	}

	details := map[string]any{
		"pendingApprovals": pending,
		"hardConflicts":    hard,
		"softConflicts":    soft,
		"acknowledged":     acknowledgeWarnings,
		"results":          resultPayloads(results),
	}
	if pending > 0 || hard > 0 || (soft > 0 && !acknowledgeWarnings) {
		return nil, details, nil
	}

	weights := make(map[string]int, len(results))
	for _, result := range results {
		if result.CalculatedWeight != nil {
			weights[result.ID] = *result.CalculatedWeight
		}
	}
	if err := s.store.ApplyPullRequestItems(ctx, pr.SchemaID, items, weights, session.UserID); err != nil {
		return nil, nil, err
	}

	schema, err := s.store.GetSchema(ctx, pr.SchemaID)
	if err != nil {
		return nil, nil, err
	}
	phrases, err := s.store.ListPhrases(ctx, pr.SchemaID)
	if err != nil {
		return nil, nil, err
	}
	table := tableFromPhrases(schema, phrases)

	if _, err := s.dict.CommitTable(pr.SchemaID, pr.BranchName, table, session.UserName, "Apply pull request "+pr.ID); err != nil {
		return nil, nil, err
	}
	mergeCommit, err := s.dict.MergeIntoMain(pr.SchemaID, pr.BranchName, session.UserName, "Merge pull request "+pr.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.MarkPullRequestMerged(ctx, pr.ID); err != nil {
		return nil, nil, err
	}

	if s.export != nil && s.export.Enabled() {
		s.export.UploadSnapshotAsync(pr.SchemaID, mergeCommit.Hash, dictrepo.Render(table))
	}
	if s.search != nil {
		for _, phrase := range phrases {
			s.search.IndexPhrase(phraseRecord(phrase))
		}
		s.search.IndexPullRequest(search.PullRequestRecord{
			ID:       pr.ID,
			Title:    pr.Title,
			SchemaID: pr.SchemaID,
			Status:   "MERGED",
			Author:   session.UserName,
		})
	}
	s.notifyMerged(ctx, pr, schema, mergeCommit)

	payload, err := s.pullRequestPayload(ctx, pr.ID)
	if err != nil {
		return nil, nil, err
	}
	payload["mergeCommit"] = commitPayload(mergeCommit)
	payload["entries"] = len(table.Entries)
	return payload, details, nil
}

func (s *Service) notifyMerged(ctx context.Context, pr store.PullRequest, schema store.Schema, mergeCommit store.CommitInfo) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	author, err := s.store.GetUserByID(ctx, pr.CreatedBy)
	if err != nil || author.Email == "" {
		return
	}
	go func() {
		if err := s.email.SendPullRequestMergedEmail(author.Email, author.DisplayName, pr.Title, schema.Name, mergeCommit.Hash); err != nil {
			log.Printf("merge notification for %s failed: %v", pr.ID, err)
		}
	}()
}

func (s *Service) notifyReviewRequested(ctx context.Context, pr store.PullRequest, itemCount int, session Session) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	schema, err := s.store.GetSchema(ctx, pr.SchemaID)
	if err != nil {
		return
	}
	users, err := s.store.ListWorkspaceUsers(ctx)
	if err != nil {
		return
	}
	var reviewers []store.User
	for _, user := range users {
		if user.ID == session.UserID || user.Email == "" {
			continue
		}
		if s.Can(user.Role, rbac.ActionApprove) {
			reviewers = append(reviewers, user)
		}
	}
	go func() {
		for _, reviewer := range reviewers {
			if err := s.email.SendReviewRequestedEmail(reviewer.Email, reviewer.DisplayName, pr.Title, schema.Name, session.UserName, itemCount); err != nil {
				log.Printf("review notification for %s failed: %v", pr.ID, err)
			}
		}
	}()
}

// History returns the commit log of a schema's dictionary. With a pull
// request id the PR branch is used, otherwise main.
func (s *Service) History(ctx context.Context, schemaID, prID string) (map[string]any, error) {
	branch := "main"
	if prID != "" && prID != "main" {
		pr, err := s.store.GetPullRequest(ctx, prID)
		if err != nil {
			return nil, err
		}
		if pr.SchemaID != schemaID {
			return nil, sql.ErrNoRows
		}
		branch = pr.BranchName
	}

	commits, err := s.dict.History(schemaID, branch, 50)
	if err != nil {
		return nil, err
	}

	commitItems := make([]map[string]any, 0, len(commits))
	for _, item := range commits {
		commitItems = append(commitItems, map[string]any{
			"hash":    item.Hash,
			"message": item.Message,
			"meta":    fmt.Sprintf("%s · %s", item.Author, relative(item.CreatedAt)),
			"branch":  branch,
		})
	}

	return map[string]any{
		"schemaId": schemaID,
		"branch":   branch,
		"commits":  commitItems,
	}, nil
}

// Compare diffs the dictionary tables at two commits.
func (s *Service) Compare(ctx context.Context, schemaID, fromHash, toHash string) (map[string]any, error) {
	from, err := s.dict.GetTableByHash(schemaID, fromHash)
	if err != nil {
		return nil, err
	}
	to, err := s.dict.GetTableByHash(schemaID, toHash)
	if err != nil {
		return nil, err
	}
	commitInfo, err := s.dict.GetCommitByHash(schemaID, toHash)
	if err != nil {
		return nil, err
	}

	changes := dictrepo.DiffEntries(from, to)
	changeItems := make([]map[string]any, 0, len(changes))
	for _, change := range changes {
		changeItems = append(changeItems, map[string]any{
			"kind":   change.Kind,
			"word":   change.Word,
			"code":   change.Code,
			"before": change.Before,
			"after":  change.After,
		})
	}

	return map[string]any{
		"schemaId":    schemaID,
		"from":        fromHash,
		"to":          toHash,
		"changes":     changeItems,
		"fromEntries": len(from.Entries),
		"toEntries":   len(to.Entries),
		"commit":      commitPayload(commitInfo),
	}, nil
}

func (s *Service) Search(q, filterType, schemaID string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	switch search.ResultType(filterType) {
	case "", search.ResultPhrase, search.ResultPullRequest:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be 'phrase' or 'pull'", nil)
	}
	response := s.search.Search(search.Query{
		Text:           q,
		FilterType:     search.ResultType(filterType),
		FilterSchemaID: schemaID,
		Limit:          limit,
		Offset:         offset,
	})
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}

// ExportSnapshot renders the main-branch dictionary and uploads it to
// object storage, returning a presigned download link.
func (s *Service) ExportSnapshot(ctx context.Context, schemaID string) (map[string]any, error) {
	if s.export == nil || !s.export.Enabled() {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_DISABLED", "Snapshot export is not configured", nil)
	}
	if _, err := s.store.GetSchema(ctx, schemaID); err != nil {
		return nil, err
	}
	table, head, err := s.dict.GetHeadTable(schemaID, "main")
	if err != nil {
		return nil, err
	}

	objectName, err := s.export.UploadSnapshot(ctx, schemaID, head.Hash, dictrepo.Render(table))
	if err != nil {
		return nil, err
	}
	url, err := s.export.SnapshotURL(ctx, objectName)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"schemaId":   schemaID,
		"objectName": objectName,
		"url":        url,
		"commit":     head.Hash,
		"entries":    len(table.Entries),
	}, nil
}

func (s *Service) ListSnapshots(ctx context.Context, schemaID string) (map[string]any, error) {
	if s.export == nil || !s.export.Enabled() {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_DISABLED", "Snapshot export is not configured", nil)
	}
	snapshots, err := s.export.ListSnapshots(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(snapshots))
	for _, snapshot := range snapshots {
		items = append(items, map[string]any{
			"objectName": snapshot.ObjectName,
			"size":       snapshot.Size,
			"updatedAt":  snapshot.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"schemaId": schemaID, "snapshots": items}, nil
}

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	phrases, openPulls, merged, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"phrases":            phrases,
		"openPullRequests":   openPulls,
		"mergedPullRequests": merged,
	}, nil
}

func (s *Service) ListWorkspaceUsers(ctx context.Context) (map[string]any, error) {
	users, err := s.store.ListWorkspaceUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":          user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
			"role":        user.Role,
			"createdAt":   user.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"users": items}, nil
}

func (s *Service) UpdateUserRole(ctx context.Context, userID, role string) (map[string]any, error) {
	normalized := rbac.Normalize(role)
	if string(normalized) != role {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of viewer, contributor, approver, admin", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateUserRole(ctx, userID, role); err != nil {
		return nil, err
	}
	return map[string]any{"userId": userID, "role": role}, nil
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// HandleSyncRelease tags the current main head so the external release
// pipeline can pick it up, and hands back the rendered table.
func (s *Service) HandleSyncRelease(ctx context.Context, schemaID, tag string) (map[string]any, error) {
	if strings.TrimSpace(tag) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tag is required", nil)
	}
	schema, err := s.store.GetSchema(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	table, head, err := s.dict.GetHeadTable(schema.ID, "main")
	if err != nil {
		return nil, err
	}
	if err := s.dict.CreateTag(schema.ID, head.Hash, tag); err != nil {
		return nil, err
	}
	return map[string]any{
		"schemaId": schema.ID,
		"tag":      tag,
		"commit":   head.Hash,
		"entries":  len(table.Entries),
		"dict":     dictrepo.Render(table),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) runBatchCheck(ctx context.Context, schemaID string, items []store.PRItem) ([]conflict.BatchResult, error) {
	engine := conflict.NewEngine(&schemaPhrases{store: s.store, schemaID: schemaID}, conflict.DefaultBaseWeights)
	return engine.CheckBatch(ctx, toBatchItems(items))
}

func (s *Service) pullRequestPayload(ctx context.Context, prID string) (map[string]any, error) {
	pr, err := s.store.GetPullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListPullRequestItems(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, pr.ID)
	if err != nil {
		return nil, err
	}

	itemPayloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := map[string]any{
			"id":       item.ID,
			"position": item.Position,
			"action":   item.Action,
			"word":     item.Word,
			"code":     item.Code,
		}
		if item.OldWord != "" {
			payload["oldWord"] = item.OldWord
		}
		if item.Weight != nil {
			payload["weight"] = *item.Weight
		}
		if item.Type != nil {
			payload["type"] = *item.Type
		}
		if item.PhraseID != nil {
			payload["phraseId"] = *item.PhraseID
		}
		itemPayloads = append(itemPayloads, payload)
	}

	approvalPayloads := make([]map[string]any, 0, len(approvals))
	for _, approval := range approvals {
		payload := map[string]any{
			"role":   approval.Role,
			"status": approval.Status,
		}
		if approval.ApprovedBy != "" {
			payload["approvedBy"] = approval.ApprovedBy
		}
		if approval.ApprovedAt != nil {
			payload["approvedAt"] = approval.ApprovedAt.UTC().Format(time.RFC3339)
		}
		approvalPayloads = append(approvalPayloads, payload)
	}

	return map[string]any{
		"pullRequest": map[string]any{
			"id":           pr.ID,
			"schemaId":     pr.SchemaID,
			"title":        pr.Title,
			"status":       pr.Status,
			"branch":       pr.BranchName,
			"targetBranch": pr.TargetBranch,
			"createdBy":    pr.CreatedBy,
			"createdAt":    pr.CreatedAt.UTC().Format(time.RFC3339),
		},
		"items":     itemPayloads,
		"approvals": approvalPayloads,
	}, nil
}

// schemaPhrases scopes the store's phrase lookups to one schema, giving
// the conflict engine its read-only view.
type schemaPhrases struct {
	store    dataStore
	schemaID string
}

func (f *schemaPhrases) FindPhrase(ctx context.Context, word, code string, excludeID int64) (*conflict.Phrase, error) {
	phrase, err := f.store.FindPhrase(ctx, f.schemaID, word, code, excludeID)
	if err != nil {
		return nil, err
	}
	return toConflictPhrase(phrase), nil
}

func (f *schemaPhrases) FindCodeOccupant(ctx context.Context, code, word string, excludeID int64) (*conflict.Phrase, error) {
	phrase, err := f.store.FindCodeOccupant(ctx, f.schemaID, code, word, excludeID)
	if err != nil {
		return nil, err
	}
	return toConflictPhrase(phrase), nil
}

func (f *schemaPhrases) FindWordElsewhere(ctx context.Context, word, code string, excludeID int64) (*conflict.Phrase, error) {
	phrase, err := f.store.FindWordElsewhere(ctx, f.schemaID, word, code, excludeID)
	if err != nil {
		return nil, err
	}
	return toConflictPhrase(phrase), nil
}

func (f *schemaPhrases) PhrasesByCode(ctx context.Context, code string) ([]conflict.Phrase, error) {
	phrases, err := f.store.PhrasesByCode(ctx, f.schemaID, code)
	if err != nil {
		return nil, err
	}
	converted := make([]conflict.Phrase, 0, len(phrases))
	for _, phrase := range phrases {
		converted = append(converted, *toConflictPhrase(&phrase))
	}
	return converted, nil
}

func (f *schemaPhrases) CountByCode(ctx context.Context, code string) (int, error) {
	return f.store.CountByCode(ctx, f.schemaID, code)
}

func toConflictPhrase(phrase *store.Phrase) *conflict.Phrase {
	if phrase == nil {
		return nil
	}
	return &conflict.Phrase{
		ID:     phrase.ID,
		Word:   phrase.Word,
		Code:   phrase.Code,
		Weight: phrase.Weight,
		Type:   conflict.PhraseType(phrase.Type),
	}
}

func toBatchItems(items []store.PRItem) []conflict.BatchItem {
	batch := make([]conflict.BatchItem, 0, len(items))
	for _, item := range items {
		entry := conflict.BatchItem{
			ID:      item.ID,
			Action:  conflict.Action(item.Action),
			Word:    item.Word,
			OldWord: item.OldWord,
			Code:    item.Code,
			Weight:  item.Weight,
		}
		if item.Type != nil {
			phraseType := conflict.PhraseType(*item.Type)
			entry.Type = &phraseType
		}
		if item.PhraseID != nil {
			entry.PhraseID = *item.PhraseID
		}
		batch = append(batch, entry)
	}
	return batch
}

func validateItems(inputs []PullRequestItemInput) ([]store.PRItem, error) {
	if len(inputs) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "items are required", nil)
	}
	items := make([]store.PRItem, 0, len(inputs))
	for i, input := range inputs {
		action, ok := conflict.ParseAction(strings.ToUpper(strings.TrimSpace(input.Action)))
		if !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action must be CREATE, CHANGE or DELETE", map[string]any{"position": i})
		}
		word := strings.TrimSpace(input.Word)
		code := strings.TrimSpace(input.Code)
		if word == "" || code == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "word and code are required", map[string]any{"position": i})
		}

		item := store.PRItem{
			ID:       firstNonBlank(input.ID, util.NewID("item")),
			Position: i,
			Action:   string(action),
			Word:     word,
			OldWord:  strings.TrimSpace(input.OldWord),
			Code:     code,
			Weight:   input.Weight,
			PhraseID: input.PhraseID,
		}
		if typ := strings.TrimSpace(input.Type); typ != "" {
			switch conflict.PhraseType(typ) {
			case conflict.TypeSingle, conflict.TypePhrase, conflict.TypeSentence, conflict.TypeSymbol:
				item.Type = &typ
			default:
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be SINGLE, PHRASE, SENTENCE or SYMBOL", map[string]any{"position": i})
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func resultPayloads(results []conflict.BatchResult) []map[string]any {
	payloads := make([]map[string]any, 0, len(results))
	for _, result := range results {
		payload := map[string]any{
			"id":       result.ID,
			"conflict": conflictPayload(result.Conflict),
		}
		if result.CalculatedWeight != nil {
			payload["calculatedWeight"] = *result.CalculatedWeight
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func conflictPayload(info conflict.ConflictInfo) map[string]any {
	payload := map[string]any{
		"hasConflict": info.HasConflict,
		"code":        info.Code,
	}
	if info.Impact != "" {
		payload["impact"] = info.Impact
	}
	if info.CurrentPhrase != nil {
		payload["currentPhrase"] = map[string]any{
			"id":     info.CurrentPhrase.ID,
			"word":   info.CurrentPhrase.Word,
			"code":   info.CurrentPhrase.Code,
			"weight": info.CurrentPhrase.Weight,
			"type":   string(info.CurrentPhrase.Type),
		}
	}
	if len(info.Suggestions) > 0 {
		suggestions := make([]map[string]any, 0, len(info.Suggestions))
		for _, suggestion := range info.Suggestions {
			suggestions = append(suggestions, map[string]any{
				"action":   string(suggestion.Action),
				"word":     suggestion.Word,
				"fromCode": suggestion.FromCode,
				"toCode":   suggestion.ToCode,
				"reason":   suggestion.Reason,
			})
		}
		payload["suggestions"] = suggestions
	}
	return payload
}

func phrasePayload(phrase store.Phrase) map[string]any {
	return map[string]any{
		"id":        phrase.ID,
		"word":      phrase.Word,
		"code":      phrase.Code,
		"weight":    phrase.Weight,
		"type":      phrase.Type,
		"updatedAt": phrase.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func phraseRecord(phrase store.Phrase) search.PhraseRecord {
	return search.PhraseRecord{
		ID:       fmt.Sprintf("%d", phrase.ID),
		Word:     phrase.Word,
		Code:     phrase.Code,
		SchemaID: phrase.SchemaID,
		Type:     phrase.Type,
		Weight:   phrase.Weight,
	}
}

func commitPayload(info store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":    info.Hash,
		"message": info.Message,
		"author":  info.Author,
	}
}

func tableFromPhrases(schema store.Schema, phrases []store.Phrase) dictrepo.Table {
	entries := make([]dictrepo.Entry, 0, len(phrases))
	for _, phrase := range phrases {
		entries = append(entries, dictrepo.Entry{Word: phrase.Word, Code: phrase.Code, Weight: phrase.Weight})
	}
	return dictrepo.Table{
		Name:    schema.ID,
		Version: time.Now().UTC().Format("2006.01.02"),
		Entries: entries,
	}
}

// Approval order: proofread and conflict review run independently,
// release sign-off requires both.
var approvalDependencies = map[string][]string{
	"proofread": {},
	"conflict":  {},
	"release":   {"proofread", "conflict"},
}

func approvalRoles() []string {
	roles := make([]string, 0, len(approvalDependencies))
	for role := range approvalDependencies {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func blockedApprovalRoles(statusByRole map[string]string, role string) []string {
	deps := approvalDependencies[role]
	blockers := make([]string, 0, len(deps))
	for _, dep := range deps {
		if statusByRole[dep] != "Approved" {
			blockers = append(blockers, dep)
		}
	}
	return blockers
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func relative(value time.Time) string {
	minutes := int(time.Since(value).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	if minutes < 60 {
		return fmt.Sprintf("%dm ago", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh ago", hours)
	}
	days := hours / 24
	return fmt.Sprintf("%dd ago", days)
}
