package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateToken returns a fresh registration token
func GenerateToken() string {
	return "auth_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ReadRegistrationToken returns the current worker registration token,
// creating one on first use.
func (d *DB) ReadRegistrationToken(ctx context.Context) (string, error) {
	token, err := d.selectToken(ctx)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read registration token: %w", err)
	}

	// Concurrent first reads race on the insert; the loser keeps the winner's token.
	if _, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO registration_token (id, token, updated_at) VALUES (1, ?, ?)`,
		GenerateToken(), d.now()); err != nil {
		return "", fmt.Errorf("failed to create registration token: %w", err)
	}

	token, err = d.selectToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read registration token: %w", err)
	}
	return token, nil
}

// ResetRegistrationToken replaces the registration token. Connections already
// authenticated with the old token stay open.
func (d *DB) ResetRegistrationToken(ctx context.Context) (string, error) {
	token := GenerateToken()
	if _, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO registration_token (id, token, updated_at) VALUES (1, ?, ?)`,
		token, d.now()); err != nil {
		return "", fmt.Errorf("failed to reset registration token: %w", err)
	}
	return token, nil
}

func (d *DB) selectToken(ctx context.Context) (string, error) {
	var token string
	err := d.db.QueryRowContext(ctx, `SELECT token FROM registration_token WHERE id = 1`).Scan(&token)
	return token, err
}
