package sender

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Credential is the acting-user identity attached to outbound requests.
type Credential struct {
	APIKey string
	Active bool
}

// CredentialResolver looks up the acting user's API credential. Resolve
// is called on every attempt so key rotation and deactivation take
// effect immediately.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID int64) (Credential, error)
}

// PGCredentialResolver reads the acting user's status and api token
// from the host application's users and tokens tables.
type PGCredentialResolver struct {
	pool *pgxpool.Pool
}

func NewPGCredentialResolver(pool *pgxpool.Pool) *PGCredentialResolver {
	return &PGCredentialResolver{pool: pool}
}

func (r *PGCredentialResolver) Resolve(ctx context.Context, userID int64) (Credential, error) {
	var (
		active bool
		key    *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT u.status = 1, t.value
		FROM users u
		LEFT JOIN tokens t ON t.user_id = u.id AND t.action = 'api'
		WHERE u.id = $1`, userID).Scan(&active, &key)
	if errors.Is(err, pgx.ErrNoRows) {
		// A missing user behaves like a deactivated one.
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, err
	}
	c := Credential{Active: active}
	if key != nil {
		c.APIKey = *key
	}
	return c, nil
}

// Fingerprint returns a short SHA-256 digest of the key for logs; the
// key itself never appears in log output.
func Fingerprint(apiKey string) string {
	if apiKey == "" {
		return "missing"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:12]
}
