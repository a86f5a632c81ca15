package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/vxlgateway/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// StorageBackend defines the persistence interface for the gateway. Users are
// owned by the account service; the gateway only reads them.
type StorageBackend interface {
	// Users
	GetUser(ctx context.Context, id string) (*models.User, error)

	// API keys
	WriteAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error

	// Audit
	WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Action  string
	ActorID string
	Since   *time.Time
	Limit   int
	Offset  int
}
