package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/org/vxlgateway/internal/apierr"
	"github.com/org/vxlgateway/internal/audit"
	"github.com/org/vxlgateway/internal/auth"
	"github.com/org/vxlgateway/internal/breaker"
	"github.com/org/vxlgateway/internal/storage"
	"github.com/org/vxlgateway/pkg/models"
)

// ListBreakersHandler handles GET /v1/admin/breakers
func (s *Server) ListBreakersHandler(w http.ResponseWriter, _ *http.Request, ex *Exchange) *apierr.Error {
	s.respond(w, ex, http.StatusOK, map[string]any{"data": s.breakers.Snapshot()})
	return nil
}

// ResetBreakerHandler handles POST /v1/admin/breakers/{name}/reset
func (s *Server) ResetBreakerHandler(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	name := chi.URLParam(r, "name")
	snap, err := s.breakers.Reset(name)
	if err != nil {
		if errors.Is(err, breaker.ErrUnknown) {
			return apierr.NotFound("no circuit breaker named " + name)
		}
		return apierr.Internal().WithCause(err)
	}

	s.log.Info().Str("service", name).Str("request_id", ex.RequestID).Msg("circuit breaker reset by operator")
	ex.Audit(models.AuditEvent{
		Action:   audit.ActionBreakerReset,
		Severity: models.SeverityWarning,
		Context:  map[string]any{"service": name},
	})
	s.respond(w, ex, http.StatusOK, map[string]any{"data": snap})
	return nil
}

// CreateAPIKeyHandler handles POST /v1/admin/api-keys
func (s *Server) CreateAPIKeyHandler(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	var req struct {
		OwnerID     string   `json:"owner_id"`
		Name        string   `json:"name"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
		ExpiresIn   string   `json:"expires_in"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.OwnerID == "" {
		if p := ex.Principal(); p != nil && p.Kind == models.KindUser {
			req.OwnerID = p.ID
		}
	}
	if req.OwnerID == "" || req.Name == "" {
		return apierr.BadRequest("owner_id and name are required")
	}

	owner, aerr := s.activeUser(r, req.OwnerID)
	if aerr != nil {
		return aerr
	}

	role := req.Role
	switch role {
	case "":
		role = "user"
	case "user":
	case models.RoleAdmin:
		if owner.Role != models.RoleAdmin {
			return apierr.BadRequest("only admin users may own admin keys")
		}
	default:
		return apierr.BadRequest("role must be user or admin")
	}

	perms, aerr := grantable(req.Permissions, owner)
	if aerr != nil {
		return aerr
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return apierr.BadRequest("expires_in must be a positive duration")
		}
		t := time.Now().Add(d).UTC()
		expiresAt = &t
	}

	plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return apierr.Internal().WithCause(err)
	}
	key := &models.APIKey{
		ID:          uuid.NewString(),
		OwnerID:     owner.ID,
		Name:        req.Name,
		KeyHash:     auth.HashAPIKey(s.identity.HashKey(), plaintext),
		Prefix:      auth.DisplayPrefix(plaintext),
		Role:        role,
		Permissions: perms,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	if err := s.store.WriteAPIKey(r.Context(), key); err != nil {
		return apierr.Internal().WithCause(err)
	}

	ex.Audit(models.AuditEvent{
		Action:   audit.ActionAPIKeyCreated,
		Severity: models.SeverityInfo,
		Context:  map[string]any{"key_id": key.ID, "owner_id": key.OwnerID, "prefix": key.Prefix, "permissions": perms},
	})
	s.respond(w, ex, http.StatusCreated, map[string]any{
		"id":          key.ID,
		"key":         plaintext,
		"prefix":      key.Prefix,
		"owner_id":    key.OwnerID,
		"name":        key.Name,
		"role":        key.Role,
		"permissions": key.Permissions,
		"created_at":  key.CreatedAt,
		"expires_at":  key.ExpiresAt,
	})
	return nil
}

// RevokeAPIKeyHandler handles DELETE /v1/admin/api-keys/{id}
func (s *Server) RevokeAPIKeyHandler(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	id := chi.URLParam(r, "id")
	if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("no active api key " + id)
		}
		return apierr.Internal().WithCause(err)
	}
	s.identity.Purge()

	ex.Audit(models.AuditEvent{
		Action:   audit.ActionAPIKeyRevoked,
		Severity: models.SeverityInfo,
		Context:  map[string]any{"key_id": id},
	})
	s.respond(w, ex, http.StatusOK, map[string]any{"id": id, "revoked": true})
	return nil
}

// IssueTokenHandler handles POST /v1/admin/tokens
func (s *Server) IssueTokenHandler(w http.ResponseWriter, r *http.Request, ex *Exchange) *apierr.Error {
	var req struct {
		UserID      string   `json:"user_id"`
		Permissions []string `json:"permissions"`
		TTL         string   `json:"ttl"`
	}
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.UserID == "" {
		return apierr.BadRequest("user_id is required")
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			return apierr.BadRequest("ttl must be a positive duration")
		}
	}

	user, aerr := s.activeUser(r, req.UserID)
	if aerr != nil {
		return aerr
	}
	perms, aerr := grantable(req.Permissions, user)
	if aerr != nil {
		return aerr
	}

	token, expiresAt, err := s.identity.Codec().Issue(user.ID, user.Role, perms, ttl)
	if err != nil {
		return apierr.Internal().WithCause(err)
	}

	ex.Audit(models.AuditEvent{
		Action:   audit.ActionTokenIssued,
		Severity: models.SeverityInfo,
		Context:  map[string]any{"subject": user.ID, "expires_at": expiresAt.UTC().Format(time.RFC3339), "permissions": perms},
	})
	s.respond(w, ex, http.StatusCreated, map[string]any{
		"token":       token,
		"token_type":  "Bearer",
		"expires_at":  expiresAt.UTC(),
		"permissions": perms,
	})
	return nil
}

func (s *Server) activeUser(r *http.Request, id string) (*models.User, *apierr.Error) {
	u, err := s.identity.UserBySubject(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apierr.NotFound("no user " + id)
	case err != nil:
		return nil, apierr.IdentityUnavailable().WithCause(err)
	case !u.IsActive:
		return nil, apierr.BadRequest("user " + id + " is inactive")
	}
	return u, nil
}

// grantable validates requested permissions against what the user holds.
// An empty request grants everything the user holds.
func grantable(requested []string, u *models.User) ([]string, *apierr.Error) {
	held := models.NewPermissionSet(u.Permissions...)
	if len(requested) == 0 {
		return held.Strings(), nil
	}
	want := make(models.PermissionSet, len(requested))
	var bad, notHeld []string
	for _, s := range requested {
		p, ok := models.ParsePermission(s)
		if !ok {
			bad = append(bad, s)
			continue
		}
		want[p] = struct{}{}
		if !held.Has(p) {
			notHeld = append(notHeld, p.String())
		}
	}
	if len(bad) > 0 {
		return nil, apierr.BadRequest("permissions must be resource:action").WithDetail("invalid", bad)
	}
	if len(notHeld) > 0 {
		return nil, apierr.BadRequest("permissions exceed what the user holds").WithDetail("not_held", notHeld)
	}
	return want.Strings(), nil
}
