package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/xkinput/keytao-next-sub000/internal/config"
	"github.com/xkinput/keytao-next-sub000/internal/dictrepo"
	"github.com/xkinput/keytao-next-sub000/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getSchemaFn            func(context.Context, string) (store.Schema, error)
	getPullRequestFn       func(context.Context, string) (store.PullRequest, error)
	createPullRequestFn    func(context.Context, store.PullRequest) error
	replaceItemsFn         func(context.Context, string, []store.PRItem) error
	listItemsFn            func(context.Context, string) ([]store.PRItem, error)
	listApprovalsFn        func(context.Context, string) ([]store.Approval, error)
	approveRoleFn          func(context.Context, string, string, string) error
	seedApprovalsFn        func(context.Context, string, []string) error
	pendingApprovalCountFn func(context.Context, string) (int, error)
	updateStatusFn         func(context.Context, string, string) error
	markMergedFn           func(context.Context, string) error
	applyItemsFn           func(context.Context, string, []store.PRItem, map[string]int, string) error
	findPhraseFn           func(context.Context, string, string, string, int64) (*store.Phrase, error)
	findCodeOccupantFn     func(context.Context, string, string, string, int64) (*store.Phrase, error)
	phrasesByCodeFn        func(context.Context, string, string) ([]store.Phrase, error)
	countByCodeFn          func(context.Context, string, string) (int, error)
	listPhrasesFn          func(context.Context, string) ([]store.Phrase, error)
	pingFn                 func(context.Context) error
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, userName string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, userName)
	}
	return store.User{ID: "user-1", DisplayName: userName, Role: "contributor"}, nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "User", Role: "contributor"}, nil
}
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error         { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return false, nil
}
func (f *fakeStore) ListSchemas(context.Context) ([]store.Schema, error) { return nil, nil }
func (f *fakeStore) GetSchema(ctx context.Context, schemaID string) (store.Schema, error) {
	if f.getSchemaFn != nil {
		return f.getSchemaFn(ctx, schemaID)
	}
	return store.Schema{ID: schemaID, Name: schemaID}, nil
}
func (f *fakeStore) InsertSchema(context.Context, store.Schema) error { return nil }
func (f *fakeStore) FindPhrase(ctx context.Context, schemaID, word, code string, excludeID int64) (*store.Phrase, error) {
	if f.findPhraseFn != nil {
		return f.findPhraseFn(ctx, schemaID, word, code, excludeID)
	}
	return nil, nil
}
func (f *fakeStore) FindCodeOccupant(ctx context.Context, schemaID, code, word string, excludeID int64) (*store.Phrase, error) {
	if f.findCodeOccupantFn != nil {
		return f.findCodeOccupantFn(ctx, schemaID, code, word, excludeID)
	}
	return nil, nil
}
func (f *fakeStore) FindWordElsewhere(context.Context, string, string, string, int64) (*store.Phrase, error) {
	return nil, nil
}
func (f *fakeStore) PhrasesByCode(ctx context.Context, schemaID, code string) ([]store.Phrase, error) {
	if f.phrasesByCodeFn != nil {
		return f.phrasesByCodeFn(ctx, schemaID, code)
	}
	return nil, nil
}
func (f *fakeStore) CountByCode(ctx context.Context, schemaID, code string) (int, error) {
	if f.countByCodeFn != nil {
		return f.countByCodeFn(ctx, schemaID, code)
	}
	return 0, nil
}
func (f *fakeStore) ListPhrases(ctx context.Context, schemaID string) ([]store.Phrase, error) {
	if f.listPhrasesFn != nil {
		return f.listPhrasesFn(ctx, schemaID)
	}
	return nil, nil
}
func (f *fakeStore) SearchPhrases(context.Context, string, string, int) ([]store.Phrase, error) {
	return nil, nil
}
func (f *fakeStore) CreatePullRequest(ctx context.Context, pr store.PullRequest) error {
	if f.createPullRequestFn != nil {
		return f.createPullRequestFn(ctx, pr)
	}
	return nil
}
func (f *fakeStore) GetPullRequest(ctx context.Context, prID string) (store.PullRequest, error) {
	if f.getPullRequestFn != nil {
		return f.getPullRequestFn(ctx, prID)
	}
	return store.PullRequest{}, sql.ErrNoRows
}
func (f *fakeStore) ListPullRequests(context.Context, string) ([]store.PullRequest, error) {
	return nil, nil
}
func (f *fakeStore) UpdatePullRequestStatus(ctx context.Context, prID, status string) error {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, prID, status)
	}
	return nil
}
func (f *fakeStore) MarkPullRequestMerged(ctx context.Context, prID string) error {
	if f.markMergedFn != nil {
		return f.markMergedFn(ctx, prID)
	}
	return nil
}
func (f *fakeStore) ReplacePullRequestItems(ctx context.Context, prID string, items []store.PRItem) error {
	if f.replaceItemsFn != nil {
		return f.replaceItemsFn(ctx, prID, items)
	}
	return nil
}
func (f *fakeStore) ListPullRequestItems(ctx context.Context, prID string) ([]store.PRItem, error) {
	if f.listItemsFn != nil {
		return f.listItemsFn(ctx, prID)
	}
	return nil, nil
}
func (f *fakeStore) ListApprovals(ctx context.Context, prID string) ([]store.Approval, error) {
	if f.listApprovalsFn != nil {
		return f.listApprovalsFn(ctx, prID)
	}
	return nil, nil
}
func (f *fakeStore) ApproveRole(ctx context.Context, prID, role, approvedBy string) error {
	if f.approveRoleFn != nil {
		return f.approveRoleFn(ctx, prID, role, approvedBy)
	}
	return nil
}
func (f *fakeStore) SeedApprovals(ctx context.Context, prID string, roles []string) error {
	if f.seedApprovalsFn != nil {
		return f.seedApprovalsFn(ctx, prID, roles)
	}
	return nil
}
func (f *fakeStore) PendingApprovalCount(ctx context.Context, prID string) (int, error) {
	if f.pendingApprovalCountFn != nil {
		return f.pendingApprovalCountFn(ctx, prID)
	}
	return 0, nil
}
func (f *fakeStore) ApplyPullRequestItems(ctx context.Context, schemaID string, items []store.PRItem, weights map[string]int, userID string) error {
	if f.applyItemsFn != nil {
		return f.applyItemsFn(ctx, schemaID, items, weights, userID)
	}
	return nil
}
func (f *fakeStore) ListWorkspaceUsers(context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeStore) UpdateUserRole(context.Context, string, string) error     { return nil }
func (f *fakeStore) SummaryCounts(context.Context) (int, int, int, error)     { return 0, 0, 0, nil }
func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeDict struct {
	commitTableFn   func(string, string, dictrepo.Table, string, string) (store.CommitInfo, error)
	mergeIntoMainFn func(string, string, string, string) (store.CommitInfo, error)
	historyFn       func(string, string, int) ([]store.CommitInfo, error)
	tableByHashFn   func(string, string) (dictrepo.Table, error)
}

func (f *fakeDict) EnsureSchemaRepo(string, dictrepo.Table, string) error { return nil }
func (f *fakeDict) EnsureBranch(string, string, string) error             { return nil }
func (f *fakeDict) CommitTable(schemaID, branch string, table dictrepo.Table, author, message string) (store.CommitInfo, error) {
	if f.commitTableFn != nil {
		return f.commitTableFn(schemaID, branch, table, author, message)
	}
	return store.CommitInfo{Hash: "commit1"}, nil
}
func (f *fakeDict) GetHeadTable(string, string) (dictrepo.Table, store.CommitInfo, error) {
	return dictrepo.Table{}, store.CommitInfo{Hash: "head1"}, nil
}
func (f *fakeDict) GetTableByHash(schemaID, hash string) (dictrepo.Table, error) {
	if f.tableByHashFn != nil {
		return f.tableByHashFn(schemaID, hash)
	}
	return dictrepo.Table{}, nil
}
func (f *fakeDict) GetCommitByHash(string, string) (store.CommitInfo, error) {
	return store.CommitInfo{Hash: "head1"}, nil
}
func (f *fakeDict) History(schemaID, branch string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(schemaID, branch, limit)
	}
	return nil, nil
}
func (f *fakeDict) CreateTag(string, string, string) error { return nil }
func (f *fakeDict) MergeIntoMain(schemaID, branch, author, message string) (store.CommitInfo, error) {
	if f.mergeIntoMainFn != nil {
		return f.mergeIntoMainFn(schemaID, branch, author, message)
	}
	return store.CommitInfo{Hash: "merge1"}, nil
}

func newTestService(fs *fakeStore, fd *fakeDict) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:    fs,
		dict:     fd,
		sessions: fs,
	}
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }

func draftPR(id string) store.PullRequest {
	return store.PullRequest{
		ID:           id,
		SchemaID:     "keytao",
		Title:        "测试批次",
		Status:       "DRAFT",
		BranchName:   "pr-" + id,
		TargetBranch: "main",
		CreatedBy:    "user-1",
	}
}

func TestClosePullRequestSetsStatus(t *testing.T) {
	var closed string
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			return draftPR(prID), nil
		},
		updateStatusFn: func(_ context.Context, prID, status string) error {
			closed = status
			return nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, err := svc.ClosePullRequest(context.Background(), "pr1", Session{UserID: "user-1", Role: "contributor"})
	if err != nil {
		t.Fatalf("ClosePullRequest failed: %v", err)
	}
	if closed != "CLOSED" {
		t.Fatalf("expected status CLOSED, got %q", closed)
	}
}

func TestClosePullRequestRejectsMerged(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "MERGED"
			return pr, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, err := svc.ClosePullRequest(context.Background(), "pr1", Session{UserID: "user-1", Role: "admin"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PR_NOT_CLOSABLE" {
		t.Fatalf("expected PR_NOT_CLOSABLE, got %v", err)
	}
}

func TestClosePullRequestRejectsForeignNonAdmin(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			return draftPR(prID), nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, err := svc.ClosePullRequest(context.Background(), "pr1", Session{UserID: "user-2", Role: "contributor"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestCreatePullRequestRejectsUnknownAction(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeDict{})

	_, err := svc.CreatePullRequest(context.Background(), "keytao", "bad", []PullRequestItemInput{
		{Action: "UPSERT", Word: "你好", Code: "nihk"},
	}, Session{UserID: "user-1", Role: "contributor"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestUpdatePullRequestItemsRejectsNonDraft(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "UNDER_REVIEW"
			return pr, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, err := svc.UpdatePullRequestItems(context.Background(), "pr1", []PullRequestItemInput{
		{Action: "CREATE", Word: "你好", Code: "nihk"},
	}, Session{UserID: "user-1", Role: "contributor"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PR_NOT_EDITABLE" {
		t.Fatalf("expected PR_NOT_EDITABLE, got %v", err)
	}
}

func TestUpdatePullRequestItemsRejectsForeignCreator(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			return draftPR(prID), nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, err := svc.UpdatePullRequestItems(context.Background(), "pr1", []PullRequestItemInput{
		{Action: "CREATE", Word: "你好", Code: "nihk"},
	}, Session{UserID: "user-2", Role: "contributor"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestSubmitPullRequestSeedsApprovals(t *testing.T) {
	var seededRoles []string
	var newStatus string
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			return draftPR(prID), nil
		},
		listItemsFn: func(context.Context, string) ([]store.PRItem, error) {
			return []store.PRItem{{ID: "item1", Action: "CREATE", Word: "你好", Code: "nihk"}}, nil
		},
		seedApprovalsFn: func(_ context.Context, _ string, roles []string) error {
			seededRoles = roles
			return nil
		},
		updateStatusFn: func(_ context.Context, _, status string) error {
			newStatus = status
			return nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	if _, err := svc.SubmitPullRequest(context.Background(), "pr1", Session{UserID: "user-1", Role: "contributor"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(seededRoles) != 3 {
		t.Fatalf("expected 3 seeded approval roles, got %v", seededRoles)
	}
	if newStatus != "UNDER_REVIEW" {
		t.Fatalf("expected status UNDER_REVIEW, got %q", newStatus)
	}
}

func TestApprovalOrderBlocksReleaseFirst(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "UNDER_REVIEW"
			return pr, nil
		},
		listApprovalsFn: func(context.Context, string) ([]store.Approval, error) {
			return []store.Approval{
				{Role: "proofread", Status: "Pending"},
				{Role: "conflict", Status: "Pending"},
				{Role: "release", Status: "Pending"},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, err := svc.ApprovePullRequestRole(context.Background(), "pr1", "release", Session{UserName: "Robin", Role: "approver"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "APPROVAL_ORDER_BLOCKED" {
		t.Fatalf("expected APPROVAL_ORDER_BLOCKED, got %v", err)
	}
	details, _ := domainErr.Details.(map[string]any)
	blockers, _ := details["blockers"].([]string)
	if len(blockers) != 2 {
		t.Fatalf("expected proofread and conflict as blockers, got %v", blockers)
	}
}

func TestApprovalMarksApprovedWhenNonePending(t *testing.T) {
	var finalStatus string
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "UNDER_REVIEW"
			return pr, nil
		},
		listApprovalsFn: func(context.Context, string) ([]store.Approval, error) {
			return []store.Approval{
				{Role: "proofread", Status: "Approved"},
				{Role: "conflict", Status: "Approved"},
				{Role: "release", Status: "Pending"},
			}, nil
		},
		pendingApprovalCountFn: func(context.Context, string) (int, error) { return 0, nil },
		updateStatusFn: func(_ context.Context, _, status string) error {
			finalStatus = status
			return nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	if _, err := svc.ApprovePullRequestRole(context.Background(), "pr1", "release", Session{UserName: "Robin", Role: "approver"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if finalStatus != "APPROVED" {
		t.Fatalf("expected APPROVED, got %q", finalStatus)
	}
}

func TestMergeGateBlocksOnPendingApprovals(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "UNDER_REVIEW"
			return pr, nil
		},
		pendingApprovalCountFn: func(context.Context, string) (int, error) { return 2, nil },
		listItemsFn: func(context.Context, string) ([]store.PRItem, error) {
			return []store.PRItem{{ID: "item1", Action: "CREATE", Word: "你好", Code: "nihk", Type: strPtr("PHRASE")}}, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	payload, details, err := svc.MergePullRequest(context.Background(), "pr1", false, Session{UserID: "user-1", UserName: "Robin", Role: "approver"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected blocked merge, got payload %v", payload)
	}
	if pending, _ := details["pendingApprovals"].(int); pending != 2 {
		t.Fatalf("expected pendingApprovals 2, got %v", details["pendingApprovals"])
	}
}

func TestMergeGateBlocksOnHardConflict(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "APPROVED"
			return pr, nil
		},
		listItemsFn: func(context.Context, string) ([]store.PRItem, error) {
			return []store.PRItem{{ID: "item1", Action: "CREATE", Word: "你好", Code: "nihk", Type: strPtr("PHRASE")}}, nil
		},
		findPhraseFn: func(_ context.Context, _, word, code string, _ int64) (*store.Phrase, error) {
			if word == "你好" && code == "nihk" {
				return &store.Phrase{ID: 7, Word: "你好", Code: "nihk", Weight: 100, Type: "PHRASE"}, nil
			}
			return nil, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	payload, details, err := svc.MergePullRequest(context.Background(), "pr1", true, Session{UserID: "user-1", UserName: "Robin", Role: "approver"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if payload != nil {
		t.Fatalf("expected blocked merge")
	}
	if hard, _ := details["hardConflicts"].(int); hard != 1 {
		t.Fatalf("expected 1 hard conflict, got %v", details["hardConflicts"])
	}
}

func TestMergeAppliesBatchAndCommitsDictionary(t *testing.T) {
	var appliedWeights map[string]int
	var committedBranch, mergedBranch string
	var marked bool
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.Status = "APPROVED"
			return pr, nil
		},
		listItemsFn: func(context.Context, string) ([]store.PRItem, error) {
			return []store.PRItem{{ID: "item1", Action: "CREATE", Word: "早上好", Code: "zsho", Type: strPtr("PHRASE")}}, nil
		},
		applyItemsFn: func(_ context.Context, schemaID string, items []store.PRItem, weights map[string]int, userID string) error {
			appliedWeights = weights
			return nil
		},
		listPhrasesFn: func(context.Context, string) ([]store.Phrase, error) {
			return []store.Phrase{{ID: 1, SchemaID: "keytao", Word: "早上好", Code: "zsho", Weight: 100, Type: "PHRASE"}}, nil
		},
		markMergedFn: func(context.Context, string) error {
			marked = true
			return nil
		},
	}
	fd := &fakeDict{
		commitTableFn: func(_, branch string, table dictrepo.Table, _, _ string) (store.CommitInfo, error) {
			committedBranch = branch
			if len(table.Entries) != 1 {
				t.Fatalf("expected 1 entry in committed table, got %d", len(table.Entries))
			}
			return store.CommitInfo{Hash: "commit1"}, nil
		},
		mergeIntoMainFn: func(_, branch, _, _ string) (store.CommitInfo, error) {
			mergedBranch = branch
			return store.CommitInfo{Hash: "merge1"}, nil
		},
	}
	svc := newTestService(fs, fd)

	payload, _, err := svc.MergePullRequest(context.Background(), "pr1", false, Session{UserID: "user-1", UserName: "Robin", Role: "approver"})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if payload == nil {
		t.Fatalf("expected merge to pass the gate")
	}
	if appliedWeights["item1"] != 100 {
		t.Fatalf("expected calculated weight 100 for item1, got %v", appliedWeights)
	}
	if committedBranch != "pr-pr1" || mergedBranch != "pr-pr1" {
		t.Fatalf("expected commit and merge on pr-pr1, got %q / %q", committedBranch, mergedBranch)
	}
	if !marked {
		t.Fatalf("expected pull request marked merged")
	}
	if commit, _ := payload["mergeCommit"].(map[string]any); commit["hash"] != "merge1" {
		t.Fatalf("expected merge commit hash merge1, got %v", payload["mergeCommit"])
	}
}

func TestMergeRequiresSubmission(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			return draftPR(prID), nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	_, _, err := svc.MergePullRequest(context.Background(), "pr1", false, Session{Role: "approver"})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PR_NOT_MERGEABLE" {
		t.Fatalf("expected PR_NOT_MERGEABLE, got %v", err)
	}
}

func TestCheckPullRequestReturnsResultPerItem(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			return draftPR(prID), nil
		},
		listItemsFn: func(context.Context, string) ([]store.PRItem, error) {
			return []store.PRItem{
				{ID: "item1", Position: 0, Action: "CREATE", Word: "早上好", Code: "zsho", Type: strPtr("PHRASE")},
				{ID: "item2", Position: 1, Action: "CREATE", Word: "早上好", Code: "zsho", Type: strPtr("PHRASE")},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	payload, err := svc.CheckPullRequest(context.Background(), "pr1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	results, _ := payload["results"].([]map[string]any)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0]["id"] != "item1" || results[1]["id"] != "item2" {
		t.Fatalf("expected id-correlated results, got %v", results)
	}
	second, _ := results[1]["conflict"].(map[string]any)
	if second["hasConflict"] != true {
		t.Fatalf("expected in-batch duplicate to conflict, got %v", second)
	}
}

func TestSessionFromTokenRejectsRevoked(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs, &fakeDict{})

	session, err := svc.Login(context.Background(), "Robin")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	revoked := &fakeStore{}
	revokedSvc := newTestService(revoked, &fakeDict{})
	revokedSvc.store = &revokedStore{fakeStore: revoked}

	if _, err := revokedSvc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
}

type revokedStore struct {
	*fakeStore
}

func (r *revokedStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	return true, nil
}

func TestHistoryUsesPullRequestBranch(t *testing.T) {
	var requestedBranch string
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			return pr, nil
		},
	}
	fd := &fakeDict{
		historyFn: func(_, branch string, _ int) ([]store.CommitInfo, error) {
			requestedBranch = branch
			return []store.CommitInfo{{Hash: "abc", Message: "导入码表基线", Author: "Robin", CreatedAt: time.Now()}}, nil
		},
	}
	svc := newTestService(fs, fd)

	payload, err := svc.History(context.Background(), "keytao", "pr1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if requestedBranch != "pr-pr1" {
		t.Fatalf("expected pr branch, got %q", requestedBranch)
	}
	commits, _ := payload["commits"].([]map[string]any)
	if len(commits) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(commits))
	}
}

func TestHistoryRejectsMismatchedSchema(t *testing.T) {
	fs := &fakeStore{
		getPullRequestFn: func(_ context.Context, prID string) (store.PullRequest, error) {
			pr := draftPR(prID)
			pr.SchemaID = "other"
			return pr, nil
		},
	}
	svc := newTestService(fs, &fakeDict{})

	if _, err := svc.History(context.Background(), "keytao", "pr1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestCompareListsEntryChanges(t *testing.T) {
	fd := &fakeDict{
		tableByHashFn: func(_, hash string) (dictrepo.Table, error) {
			if hash == "from1" {
				return dictrepo.Table{Entries: []dictrepo.Entry{{Word: "你好", Code: "nihk", Weight: 100}}}, nil
			}
			return dictrepo.Table{Entries: []dictrepo.Entry{
				{Word: "你好", Code: "nihk", Weight: 120},
				{Word: "晚安", Code: "wana", Weight: 100},
			}}, nil
		},
	}
	svc := newTestService(&fakeStore{}, fd)

	payload, err := svc.Compare(context.Background(), "keytao", "from1", "to1")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	changes, _ := payload["changes"].([]map[string]any)
	if len(changes) != 2 {
		t.Fatalf("expected reweighted + added changes, got %v", changes)
	}
}

func TestUpdateUserRoleRejectsUnknownRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeDict{})

	_, err := svc.UpdateUserRole(context.Background(), "user-1", "editor")

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestValidateItemsAssignsPositionsAndIDs(t *testing.T) {
	items, err := validateItems([]PullRequestItemInput{
		{Action: "create", Word: " 你好 ", Code: " nihk ", Weight: intPtr(50), Type: "PHRASE"},
		{Action: "DELETE", Word: "晚安", Code: "wana"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if items[0].Position != 0 || items[1].Position != 1 {
		t.Fatalf("expected submission-order positions, got %v", items)
	}
	if items[0].Word != "你好" || items[0].Code != "nihk" {
		t.Fatalf("expected trimmed fields, got %+v", items[0])
	}
	if items[0].ID == "" || items[1].ID == "" {
		t.Fatalf("expected generated item ids")
	}
	if items[0].Action != "CREATE" {
		t.Fatalf("expected normalized action, got %q", items[0].Action)
	}
}
