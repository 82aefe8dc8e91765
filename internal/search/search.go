package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPhrase      ResultType = "phrase"
	ResultPullRequest ResultType = "pull"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	SchemaID string     `json:"schemaId"`
	Code     string     `json:"code,omitempty"`
	Weight   int        `json:"weight,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterSchemaID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexPhrase(p PhraseRecord) error
	IndexPullRequest(pr PullRequestRecord) error
	DeletePhrase(id string) error
}

// PhraseRecord is the data we index for a dictionary phrase.
type PhraseRecord struct {
	ID       string `json:"id"`
	Word     string `json:"word"`
	Code     string `json:"code"`
	SchemaID string `json:"schemaId"`
	Type     string `json:"type"`
	Weight   int    `json:"weight"`
}

// PullRequestRecord is the data we index for a pull request.
type PullRequestRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SchemaID string `json:"schemaId"`
	Status   string `json:"status"`
	Author   string `json:"author"`
}
