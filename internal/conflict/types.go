// Package conflict implements the batch conflict-resolution and dynamic
// weight-calculation engine for proposed dictionary changes. It is a dry-run
// simulator: every check is read-only against the phrase store, and the
// effect of in-batch operations on each other is replayed in memory.
package conflict

import "context"

// Action is a proposed operation kind. The set is closed; every switch over
// it handles all three members plus a default error path.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionChange Action = "CHANGE"
	ActionDelete Action = "DELETE"
)

// ParseAction normalizes external input into an Action.
func ParseAction(raw string) (Action, bool) {
	switch Action(raw) {
	case ActionCreate, ActionChange, ActionDelete:
		return Action(raw), true
	default:
		return "", false
	}
}

// PhraseType classifies a dictionary entry and selects its base weight.
type PhraseType string

const (
	TypeSingle   PhraseType = "SINGLE"
	TypePhrase   PhraseType = "PHRASE"
	TypeSentence PhraseType = "SENTENCE"
	TypeSymbol   PhraseType = "SYMBOL"
)

// DefaultBaseWeights are the per-type starting weights used when a Create
// lands on an unoccupied code.
var DefaultBaseWeights = map[PhraseType]int{
	TypeSingle:   100,
	TypePhrase:   100,
	TypeSentence: 10,
	TypeSymbol:   1,
}

// Phrase is the engine's snapshot of a stored dictionary entry.
type Phrase struct {
	ID     int64
	Word   string
	Code   string
	Weight int
	Type   PhraseType
}

// BatchItem is one proposed operation inside a batch. For Change, OldWord
// names the phrase being replaced and Word its new value. PhraseID, when
// non-zero, excludes that row from collision lookups so an existing proposal
// can be edited without conflicting with itself.
type BatchItem struct {
	ID       string
	Action   Action
	Word     string
	OldWord  string
	Code     string
	Weight   *int
	Type     *PhraseType
	PhraseID int64
}

// SuggestionAction tags how a Suggestion proposes to deal with a conflict.
type SuggestionAction string

const (
	SuggestMove     SuggestionAction = "MOVE"
	SuggestAdjust   SuggestionAction = "ADJUST"
	SuggestCancel   SuggestionAction = "CANCEL"
	SuggestResolved SuggestionAction = "RESOLVED"
)

// Suggestion is a human-readable way out of a conflict. SuggestResolved is
// synthetic: only the batch-level second pass emits it, never the single-item
// detector.
type Suggestion struct {
	Action   SuggestionAction
	Word     string
	FromCode string
	ToCode   string
	Reason   string
}

// ConflictInfo is the detector's verdict for one item. HasConflict means the
// operation must not be applied without correction. HasConflict=false with a
// non-nil CurrentPhrase and non-empty Impact is an allowed-but-warned
// situation (duplicate code or multi-code word).
type ConflictInfo struct {
	HasConflict   bool
	Code          string
	CurrentPhrase *Phrase
	Impact        string
	Suggestions   []Suggestion
}

// BatchResult pairs one input item's id with its conflict verdict and the
// weight the item would receive once the whole batch is applied.
type BatchResult struct {
	ID               string
	Conflict         ConflictInfo
	CalculatedWeight *int
}

// PhraseFinder is the read-only view of the phrase store the engine consumes.
// A nil phrase with a nil error means no match. excludeID, when non-zero,
// removes that row from consideration.
type PhraseFinder interface {
	// FindPhrase returns the phrase at the exact (word, code) pair.
	FindPhrase(ctx context.Context, word, code string, excludeID int64) (*Phrase, error)
	// FindCodeOccupant returns a phrase at code whose word differs from word.
	FindCodeOccupant(ctx context.Context, code, word string, excludeID int64) (*Phrase, error)
	// FindWordElsewhere returns a phrase for word at a code other than code.
	FindWordElsewhere(ctx context.Context, word, code string, excludeID int64) (*Phrase, error)
	// PhrasesByCode returns every phrase sharing code.
	PhrasesByCode(ctx context.Context, code string) ([]Phrase, error)
	// CountByCode returns how many phrases use code.
	CountByCode(ctx context.Context, code string) (int, error)
}
