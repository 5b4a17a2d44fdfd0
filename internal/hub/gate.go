package hub

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Authorize checks the request's bearer credential against the current
// registration token. The token is read on every call so a reset applies to
// the next connection attempt.
func Authorize(ctx context.Context, r *http.Request, workers WorkerService) error {
	cred, ok := bearerToken(r)
	if !ok {
		return fmt.Errorf("%w: missing bearer credential", ErrUnauthorized)
	}

	token, err := workers.ReadRegistrationToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if !tokenEqual(cred, token) {
		return fmt.Errorf("%w: credential does not match registration token", ErrUnauthorized)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func tokenEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
