package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/vxlgateway/pkg/models"
)

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// --- Users ---

func (p *PostgresBackend) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, email, role, permissions, is_active, created_at, updated_at
		 FROM users WHERE id = $1`, id)
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.Role, &u.Permissions, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading user: %w", err)
	}
	return u, nil
}

// --- API keys ---

func (p *PostgresBackend) WriteAPIKey(ctx context.Context, k *models.APIKey) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, prefix, role, permissions, is_active, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.ID, k.OwnerID, k.Name, k.KeyHash, k.Prefix, k.Role, k.Permissions, k.IsActive, k.CreatedAt, k.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("writing api key: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, key_hash, prefix, role, permissions, is_active,
		        created_at, expires_at, revoked_at, last_used_at
		 FROM api_keys WHERE key_hash = $1`, keyHash)
	k := &models.APIKey{}
	err := row.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.Prefix, &k.Role, &k.Permissions, &k.IsActive,
		&k.CreatedAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading api key: %w", err)
	}
	return k, nil
}

func (p *PostgresBackend) RevokeAPIKey(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW(), is_active = FALSE WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	ctxJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return fmt.Errorf("encoding audit context: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_events (id, actor_id, actor_kind, action, resource, severity, request_id, client_ip, context, created_at)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		ev.ID, ev.ActorID, ev.ActorKind, ev.Action, ev.Resource, ev.Severity, ev.RequestID, ev.ClientIP, ctxJSON, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

func (p *PostgresBackend) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]*models.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}

	q := `SELECT id, COALESCE(actor_id, ''), COALESCE(actor_kind, ''), action, resource, severity,
	             COALESCE(request_id, ''), COALESCE(client_ip, ''), context, created_at
	      FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		ev := &models.AuditEvent{}
		var ctxJSON []byte
		var createdAt time.Time
		if err := rows.Scan(&ev.ID, &ev.ActorID, &ev.ActorKind, &ev.Action, &ev.Resource, &ev.Severity,
			&ev.RequestID, &ev.ClientIP, &ctxJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		ev.Timestamp = createdAt
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &ev.Context); err != nil {
				return nil, fmt.Errorf("decoding audit context: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
