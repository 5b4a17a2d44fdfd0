package service

import (
	"errors"
	"fmt"

	"github.com/codefionn/codehub/internal/hub"
	"github.com/codefionn/codehub/internal/store"
)

// translate maps store sentinels onto the hub's so callers of the locator
// never import the store.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", hub.ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", hub.ErrConflict, err)
	case errors.Is(err, store.ErrInvalid):
		return fmt.Errorf("%w: %w", hub.ErrInvalidArgument, err)
	default:
		return err
	}
}

func toSearchResponse(res *store.SearchResult) hub.SearchResponse {
	out := hub.SearchResponse{NumHits: res.NumHits, Hits: make([]hub.Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		out.Hits = append(out.Hits, hub.Hit{
			Score: h.Score,
			Doc: hub.Document{
				Body:     h.Doc.Body,
				Filepath: h.Doc.Filepath,
				GitURL:   h.Doc.GitURL,
				Language: h.Doc.Language,
			},
		})
	}
	return out
}

func toRepositoryConfig(r *store.Repository) hub.RepositoryConfig {
	return hub.RepositoryConfig{ID: r.ID, Name: r.Name, GitURL: r.GitURL}
}

func toJobRun(r *store.JobRun) hub.JobRun {
	return hub.JobRun{
		ID:         r.ID,
		Name:       r.Job,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		ExitCode:   r.ExitCode,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		FinishedAt: r.FinishedAt,
	}
}
