// Package services – SearchService
//
// Moderator-facing content search over stored feedback. The corpus is small
// (low-rate human submissions), so the service loads the most recent records
// and builds a throwaway in-memory index per query rather than maintaining
// an incremental one.
package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/go-feedback-relay/internal/repo"
	"github.com/tbourn/go-feedback-relay/internal/search"
)

// SearchService answers moderator queries over feedback content. Results
// carry only feedback ids and content snippets; identities are never part of
// the corpus.
type SearchService struct {
	DB *gorm.DB

	// CorpusSize bounds how many recent records are scanned per query;
	// 0 means the default of 1000.
	CorpusSize int
}

const defaultCorpusSize = 1000

// Search returns up to k records ranked by similarity to query.
func (s *SearchService) Search(ctx context.Context, query string, k int) ([]search.Result, error) {
	limit := s.CorpusSize
	if limit <= 0 {
		limit = defaultCorpusSize
	}
	recs, err := repo.ListRecentFeedback(ctx, s.DB, limit)
	if err != nil {
		return nil, fmt.Errorf("load search corpus: %w", err)
	}

	docs := make([]search.Document, 0, len(recs))
	for _, r := range recs {
		docs = append(docs, search.Document{FeedbackID: r.ID, Text: r.Content})
	}
	return search.New(docs).TopK(query, k), nil
}
