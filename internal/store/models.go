package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Schema is one input-method dictionary (e.g. keytao) with its own phrase
// table and git repository.
type Schema struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Phrase is a persisted dictionary entry. (SchemaID, Word, Code) is unique;
// sharing a code across words (重码) and a word across codes are both allowed.
type Phrase struct {
	ID        int64
	SchemaID  string
	Word      string
	Code      string
	Weight    int
	UserID    string
	Type      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PullRequest struct {
	ID           string
	SchemaID     string
	Title        string
	Status       string
	BranchName   string
	TargetBranch string
	CreatedBy    string
	CreatedAt    time.Time
}

// PRItem is one proposed operation of a pull request, kept in submission
// order via Position.
type PRItem struct {
	ID            string
	PullRequestID string
	Position      int
	Action        string
	Word          string
	OldWord       string
	Code          string
	Weight        *int
	Type          *string
	PhraseID      *int64
}

type Approval struct {
	Role       string
	Status     string
	ApprovedBy string
	ApprovedAt *time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}
