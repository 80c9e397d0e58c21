package opamp

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/tokens"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

// ErrUnauthorized covers every credential failure on the OpAMP endpoint. The
// agent only ever learns that it was rejected, never why.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller of the OpAMP endpoint, pinned to one
// instance uid at registration time.
type Identity struct {
	OrgID       string
	InstanceUID string
	TokenID     string
}

// Authenticator verifies the bearer token minted during gateway registration.
type Authenticator struct {
	db *store.Store
}

func NewAuthenticator(db *store.Store) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate resolves the Authorization header to an identity. Unknown,
// revoked, and mismatched tokens all collapse to ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return nil, ErrUnauthorized
	}
	tok, err := tokens.ParseHex(raw)
	if err != nil {
		return nil, ErrUnauthorized
	}

	rec, err := a.db.GetOpAMPToken(ctx, tok.HexID())
	if err != nil {
		if grpcutil.IsErrorNotFound(err) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if rec.RevokedAt != nil {
		return nil, ErrUnauthorized
	}
	if !tok.MatchesHash(rec.SecretHash) {
		return nil, ErrUnauthorized
	}

	return &Identity{
		OrgID:       rec.OrgID,
		InstanceUID: rec.InstanceUID,
		TokenID:     rec.TokenID,
	}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
