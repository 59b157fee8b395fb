// Package tenant carries the attribution identity every request operates
// under. A credential is extracted once at the HTTP edge and flows through
// context; storage and rollup layers never re-derive it.
package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderCustomerID   = "X-Toolscope-Customer-ID"
	HeaderTeamID       = "X-Toolscope-Team-ID"
	HeaderUserID       = "X-Toolscope-User-ID"
	HeaderKey          = "X-Toolscope-Key"
	HeaderKeyHash      = "X-Toolscope-Key-Hash"
	HeaderCustomerWide = "X-Toolscope-Customer-Wide"
)

var ErrMissingCustomer = errors.New("missing customer identity")

// Credential is the attribution identity of one request. CustomerWide marks
// credentials that report for the whole customer rather than a single team;
// team attribution for those falls back to resource attributes on the spans
// themselves.
type Credential struct {
	CustomerID   string
	TeamID       string
	UserID       string
	KeyHash      string
	CustomerWide bool
}

// FromRequest extracts the credential from ingestion headers. A raw key takes
// precedence over a precomputed hash; both are normalized to lowercase hex
// SHA-256 so the stored form never contains key material.
func FromRequest(r *http.Request) (Credential, error) {
	credential := Credential{
		CustomerID:   strings.TrimSpace(r.Header.Get(HeaderCustomerID)),
		TeamID:       strings.TrimSpace(r.Header.Get(HeaderTeamID)),
		UserID:       strings.TrimSpace(r.Header.Get(HeaderUserID)),
		CustomerWide: parseFlag(r.Header.Get(HeaderCustomerWide)),
	}
	if credential.CustomerID == "" {
		return Credential{}, ErrMissingCustomer
	}

	if key := strings.TrimSpace(r.Header.Get(HeaderKey)); key != "" {
		credential.KeyHash = HashKey(key)
	} else if hash := strings.TrimSpace(strings.ToLower(r.Header.Get(HeaderKeyHash))); hash != "" {
		credential.KeyHash = hash
	}

	if credential.CustomerWide {
		credential.TeamID = ""
	}
	return credential, nil
}

// HashKey returns the lowercase hex SHA-256 of a raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func parseFlag(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

type contextCredentialKey struct{}

func WithCredential(ctx context.Context, credential Credential) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextCredentialKey{}, credential)
}

func FromContext(ctx context.Context) (Credential, bool) {
	if ctx == nil {
		return Credential{}, false
	}
	credential, ok := ctx.Value(contextCredentialKey{}).(Credential)
	return credential, ok && credential.CustomerID != ""
}
