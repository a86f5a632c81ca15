package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/pkg/models"
	"github.com/rs/zerolog"
)

// AuthType names the credential that produced a principal.
type AuthType string

const (
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeAPIKey AuthType = "apikey"
)

// Result is the outcome of credential resolution. Exactly one of Principal
// and Err is set when a credential was presented; both are nil otherwise.
type Result struct {
	Principal *models.Principal
	Type      AuthType
	Err       *apierr.Error
	// Presented is true if the request carried any credential.
	Presented bool
}

// Authenticated reports whether a principal was resolved.
func (r Result) Authenticated() bool { return r.Principal != nil }

// Claimed is what a request's credentials say about the caller, learned
// without touching the identity store. Only a bearer token's claims are
// signature-checked; an API key is known by its hash alone.
type Claimed struct {
	Type AuthType
	// ID is the token subject, or the HMAC hash of the API key.
	ID   string
	Role string
}

// Verified reports whether the claim carries a checked signature.
func (c *Claimed) Verified() bool { return c != nil && c.Type == AuthTypeJWT }

// Authenticator resolves request credentials. A bearer token is tried first;
// the API key header is consulted only when the token is absent or rejected.
type Authenticator struct {
	store *IdentityStore
	log   zerolog.Logger
}

func NewAuthenticator(store *IdentityStore, log zerolog.Logger) *Authenticator {
	return &Authenticator{store: store, log: log}
}

// Identify reads the credentials without any I/O, following the same
// precedence as Resolve. It returns nil when nothing usable was presented.
func (a *Authenticator) Identify(h http.Header) *Claimed {
	if token := bearerToken(h.Get("Authorization")); token != "" {
		if claims, err := a.store.Codec().Verify(token); err == nil {
			return &Claimed{Type: AuthTypeJWT, ID: claims.Subject, Role: claims.Role}
		}
	}
	if key := h.Get("X-API-Key"); key != "" && ValidAPIKeyFormat(key) {
		return &Claimed{Type: AuthTypeAPIKey, ID: HashAPIKey(a.store.HashKey(), key)}
	}
	return nil
}

// Resolve never fails the request by itself; callers decide what Err means
// for the route.
func (a *Authenticator) Resolve(ctx context.Context, h http.Header) Result {
	token := bearerToken(h.Get("Authorization"))
	key := h.Get("X-API-Key")
	if token == "" && key == "" {
		return Result{}
	}

	var tokenErr error
	if token != "" {
		p, err := a.store.ResolveToken(ctx, token)
		if err == nil {
			return Result{Principal: p, Type: AuthTypeJWT, Presented: true}
		}
		tokenErr = err
		if errors.Is(err, ErrLookupFailed) && key == "" {
			return Result{Presented: true, Err: apierr.IdentityUnavailable().WithCause(err)}
		}
		a.log.Warn().Err(err).Msg("bearer token rejected")
	}

	if key != "" {
		p, err := a.store.ResolveAPIKey(ctx, key)
		if err == nil {
			return Result{Principal: p, Type: AuthTypeAPIKey, Presented: true}
		}
		switch {
		case errors.Is(err, ErrMalformedAPIKey):
			a.log.Warn().Str("key_prefix", DisplayPrefix(key)).Msg("malformed api key")
			return Result{Presented: true, Err: apierr.InvalidAPIKeyFormat()}
		case errors.Is(err, ErrLookupFailed):
			return Result{Presented: true, Err: apierr.IdentityUnavailable().WithCause(err)}
		default:
			a.log.Warn().Err(err).Str("key_prefix", DisplayPrefix(key)).Msg("api key rejected")
			return Result{Presented: true, Err: apierr.InvalidAPIKey()}
		}
	}

	msg := "invalid or expired token"
	if errors.Is(tokenErr, ErrTokenExpired) {
		msg = "token has expired"
	}
	return Result{Presented: true, Err: apierr.Unauthorized(msg).WithCause(tokenErr)}
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
