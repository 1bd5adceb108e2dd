// Package device handles the client's own identity: parsing the auth token
// into a user identity and registering a stable per-install device UUID with
// the server.
package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pagegraph/pagesync/internal/engine"
	"github.com/pagegraph/pagesync/internal/graphdb"
	"github.com/pagegraph/pagesync/internal/ws"
)

// claims is the subset of JWT claims the client reads.
type claims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ParseToken extracts a user identity from a JWT-shaped auth token
// (header.claims.signature, base64url-encoded JSON claims). The signature is
// NOT verified here: the server is authoritative and rejects bad tokens
// itself; this parse only recovers the identity for local display and
// validation ordering. Malformed input is classified as an invalid token.
func ParseToken(token string) (engine.Identity, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return engine.Identity{}, engine.Ef(engine.KindInvalidToken,
			"token has %d segments, want 3", len(parts))
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return engine.Identity{}, engine.Wrap(engine.KindInvalidToken, err,
			"claims segment is not base64url")
	}

	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return engine.Identity{}, engine.Wrap(engine.KindInvalidToken, err,
			"claims segment is not JSON")
	}
	if c.Sub == "" {
		return engine.Identity{}, engine.E(engine.KindInvalidToken,
			"token carries no subject")
	}

	return engine.Identity{UserID: c.Sub, Name: c.Name, Email: c.Email}, nil
}

// EnsureRegistered registers this install's device UUID with the server,
// generating and persisting one on first use. The UUID survives sync-metadata
// wipes, so a re-synced graph keeps its device identity. Safe to call on
// every start; the server treats registration as idempotent.
func EnsureRegistered(ctx context.Context, client *ws.Client, db *graphdb.DB) (string, error) {
	id, err := db.DeviceUUID()
	if err != nil {
		return "", fmt.Errorf("failed to read device uuid: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
		if err := db.SetDeviceUUID(id); err != nil {
			return "", fmt.Errorf("failed to persist device uuid: %w", err)
		}
	}

	if err := client.RegisterDevice(ctx, id); err != nil {
		return "", fmt.Errorf("failed to register device: %w", err)
	}
	return id, nil
}
