package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/codehub/internal/consts"
)

// Document is one indexed source file
type Document struct {
	GitURL   string `json:"git_url"`
	Filepath string `json:"filepath"`
	Language string `json:"language"`
	Body     string `json:"body"`
}

// ID returns the stable key of the document: re-indexing the same file of the
// same repository replaces the previous body.
func (doc Document) ID() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(doc.GitURL+"\x00"+doc.Filepath))
}

// Hit is a scored search match
type Hit struct {
	Score float32  `json:"score"`
	Doc   Document `json:"doc"`
}

// SearchResult is a page of hits plus the total number of matches
type SearchResult struct {
	NumHits int   `json:"num_hits"`
	Hits    []Hit `json:"hits"`
}

// IndexDocument inserts or replaces a document
func (d *DB) IndexDocument(ctx context.Context, doc Document) error {
	if doc.GitURL == "" || doc.Filepath == "" || doc.Language == "" {
		return fmt.Errorf("document git url, filepath and language are required: %w", ErrInvalid)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents (id, git_url, filepath, language, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID(), doc.GitURL, doc.Filepath, doc.Language, doc.Body, d.now())
	if err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.Filepath, err)
	}
	return nil
}

// DeleteDocuments drops every document of a repository
func (d *DB) DeleteDocuments(ctx context.Context, gitURL string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM documents WHERE git_url = ?`, gitURL)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return res.RowsAffected()
}

// Search matches q as a substring of document bodies and paths. Hits are
// scored by occurrence count.
func (d *DB) Search(ctx context.Context, q string, limit, offset int) (*SearchResult, error) {
	if strings.TrimSpace(q) == "" {
		return &SearchResult{Hits: []Hit{}}, nil
	}

	docs, err := d.queryDocuments(ctx,
		`SELECT git_url, filepath, language, body FROM documents WHERE instr(body, ?) > 0 OR instr(filepath, ?) > 0`,
		q, q)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	hits := make([]Hit, 0, len(docs))
	for _, doc := range docs {
		score := strings.Count(doc.Body, q) + strings.Count(doc.Filepath, q)
		hits = append(hits, Hit{Score: float32(score), Doc: doc})
	}
	return page(hits, limit, offset), nil
}

// SearchInLanguage returns documents of language containing any of tokens,
// scored by the number of distinct tokens present.
func (d *DB) SearchInLanguage(ctx context.Context, language string, tokens []string, limit, offset int) (*SearchResult, error) {
	wanted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			wanted = append(wanted, tok)
		}
	}
	if language == "" || len(wanted) == 0 {
		return &SearchResult{Hits: []Hit{}}, nil
	}

	docs, err := d.queryDocuments(ctx,
		`SELECT git_url, filepath, language, body FROM documents WHERE language = ?`, language)
	if err != nil {
		return nil, fmt.Errorf("failed to search documents: %w", err)
	}

	hits := make([]Hit, 0)
	for _, doc := range docs {
		score := 0
		for _, tok := range wanted {
			if strings.Contains(doc.Body, tok) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, Hit{Score: float32(score), Doc: doc})
		}
	}
	return page(hits, limit, offset), nil
}

func (d *DB) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.GitURL, &doc.Filepath, &doc.Language, &doc.Body); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// page orders hits by score (ties by path) and cuts out one page.
func page(hits []Hit, limit, offset int) *SearchResult {
	if limit <= 0 {
		limit = consts.DefaultSearchLimit
	}
	if limit > consts.MaxSearchLimit {
		limit = consts.MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Doc.GitURL != hits[j].Doc.GitURL {
			return hits[i].Doc.GitURL < hits[j].Doc.GitURL
		}
		return hits[i].Doc.Filepath < hits[j].Doc.Filepath
	})

	result := &SearchResult{NumHits: len(hits), Hits: []Hit{}}
	if offset >= len(hits) {
		return result
	}
	end := min(offset+limit, len(hits))
	result.Hits = append(result.Hits, hits[offset:end]...)
	return result
}
