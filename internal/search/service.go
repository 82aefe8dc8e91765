package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to
// the Postgres searcher.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPhrase indexes a phrase (fire-and-forget to Meilisearch).
func (s *Service) IndexPhrase(p PhraseRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPhrase(p); err != nil {
			log.Printf("search: index phrase %s: %v", p.ID, err)
		}
	}()
}

// IndexPullRequest indexes a pull request (fire-and-forget to Meilisearch).
func (s *Service) IndexPullRequest(pr PullRequestRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPullRequest(pr); err != nil {
			log.Printf("search: index pull request %s: %v", pr.ID, err)
		}
	}()
}

// DeletePhrase removes a phrase from the search index (fire-and-forget).
func (s *Service) DeletePhrase(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePhrase(id); err != nil {
			log.Printf("search: delete phrase %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes full record sets to Meilisearch.
func (s *Service) ReindexAll(phrases []PhraseRecord, pulls []PullRequestRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(phrases) > 0 {
		if err := s.meili.IndexPhrases(phrases); err != nil {
			log.Printf("search: reindex phrases: %v", err)
		}
	}
	if len(pulls) > 0 {
		if err := s.meili.IndexPullRequests(pulls); err != nil {
			log.Printf("search: reindex pull requests: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
// Called during Bootstrap if Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	phrases, pulls, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(phrases, pulls)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
