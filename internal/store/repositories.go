package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Repository is a git repository the hub's workers index and search
type Repository struct {
	ID     int64  `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	GitURL string `json:"git_url" db:"git_url"`
}

// CreateRepository adds a repository to the catalog
func (d *DB) CreateRepository(ctx context.Context, name, gitURL string) (int64, error) {
	name = strings.TrimSpace(name)
	gitURL = strings.TrimSpace(gitURL)
	if name == "" || gitURL == "" {
		return 0, fmt.Errorf("repository name and git url are required: %w", ErrInvalid)
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO repositories (name, git_url) VALUES (?, ?)`, name, gitURL)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("repository %q: %w", name, ErrConflict)
		}
		return 0, fmt.Errorf("failed to create repository: %w", err)
	}
	return res.LastInsertId()
}

// DeleteRepository removes a repository from the catalog
func (d *DB) DeleteRepository(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListRepositories returns repositories ordered by id. A non-positive limit
// returns the whole catalog.
func (d *DB) ListRepositories(ctx context.Context, limit, offset int) ([]*Repository, error) {
	limit, offset = pageBounds(limit, offset)
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, git_url FROM repositories ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		repo := &Repository{}
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.GitURL); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
