package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jun/drivesync/internal/model"
)

// Schema creates the tables used by Postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_files (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	mime_type           TEXT NOT NULL,
	icon_link           TEXT,
	web_view_link       TEXT,
	size                TEXT,
	shared              BOOLEAN NOT NULL DEFAULT FALSE,
	trashed             BOOLEAN NOT NULL DEFAULT FALSE,
	created_time        TIMESTAMPTZ,
	modified_time       TIMESTAMPTZ,
	version             TEXT,
	owner_user_id       TEXT,
	last_modifying_user JSONB,
	permissions         JSONB NOT NULL DEFAULT '[]',
	capabilities        JSONB,
	metadata            JSONB NOT NULL DEFAULT '{}',
	sync_status         TEXT NOT NULL,
	last_sync_attempt   TIMESTAMPTZ NOT NULL,
	error_log           JSONB
);
CREATE TABLE IF NOT EXISTS sync_users (
	id            TEXT PRIMARY KEY,
	permission_id TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL,
	display_name  TEXT,
	photo_link    TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);`

// pgxConn is the subset of *pgxpool.Pool used by Postgres.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores canonical records in PostgreSQL via pgx.
type Postgres struct {
	db   pgxConn
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{db: pool, pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgres(db pgxConn) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func jsonArg(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *model.ErrorLog:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func (p *Postgres) UpsertFile(ctx context.Context, f *model.CanonicalFile) error {
	defer observeDB("postgres", "files.upsert")()

	var encoded [5][]byte
	permissions := f.Permissions
	if permissions == nil {
		permissions = []any{}
	}
	metadata := f.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	for i, v := range []any{f.LastModifyingUser, permissions, f.Capabilities, metadata, f.ErrorLog} {
		b, err := jsonArg(v)
		if err != nil {
			return fmt.Errorf("encode file %s: %w", f.ID, err)
		}
		encoded[i] = b
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO sync_files (id, name, mime_type, icon_link, web_view_link, size, shared, trashed,
			created_time, modified_time, version, owner_user_id, last_modifying_user, permissions,
			capabilities, metadata, sync_status, last_sync_attempt, error_log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			mime_type = EXCLUDED.mime_type,
			icon_link = EXCLUDED.icon_link,
			web_view_link = EXCLUDED.web_view_link,
			size = EXCLUDED.size,
			shared = EXCLUDED.shared,
			trashed = EXCLUDED.trashed,
			created_time = EXCLUDED.created_time,
			modified_time = EXCLUDED.modified_time,
			version = EXCLUDED.version,
			owner_user_id = EXCLUDED.owner_user_id,
			last_modifying_user = EXCLUDED.last_modifying_user,
			permissions = EXCLUDED.permissions,
			capabilities = EXCLUDED.capabilities,
			metadata = EXCLUDED.metadata,
			sync_status = EXCLUDED.sync_status,
			last_sync_attempt = EXCLUDED.last_sync_attempt,
			error_log = EXCLUDED.error_log
	`, f.ID, f.Name, f.MimeType, f.IconLink, f.WebViewLink, f.Size, f.Shared, f.Trashed,
		f.CreatedTime, f.ModifiedTime, f.Version, f.OwnerUserID, encoded[0], encoded[1],
		encoded[2], encoded[3], string(f.SyncStatus), f.LastSyncAttempt, encoded[4])
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.ID, err)
	}
	return nil
}

func (p *Postgres) GetFile(ctx context.Context, id string) (*model.CanonicalFile, error) {
	defer observeDB("postgres", "files.get")()

	var (
		f                                         model.CanonicalFile
		status                                    string
		lmu, permissions, caps, metadata, errLog []byte
	)
	err := p.db.QueryRow(ctx, `
		SELECT id, name, mime_type, icon_link, web_view_link, size, shared, trashed, created_time,
			modified_time, version, owner_user_id, last_modifying_user, permissions, capabilities,
			metadata, sync_status, last_sync_attempt, error_log
		FROM sync_files WHERE id = $1
	`, id).Scan(&f.ID, &f.Name, &f.MimeType, &f.IconLink, &f.WebViewLink, &f.Size, &f.Shared,
		&f.Trashed, &f.CreatedTime, &f.ModifiedTime, &f.Version, &f.OwnerUserID, &lmu, &permissions,
		&caps, &metadata, &status, &f.LastSyncAttempt, &errLog)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	f.SyncStatus = model.SyncStatus(status)
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{lmu, &f.LastModifyingUser},
		{permissions, &f.Permissions},
		{caps, &f.Capabilities},
		{metadata, &f.Metadata},
		{errLog, &f.ErrorLog},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode file %s: %w", id, err)
		}
	}
	return &f, nil
}

func (p *Postgres) FindUserByPermissionID(ctx context.Context, permissionID string) (*model.User, error) {
	defer observeDB("postgres", "users.find")()

	var u model.User
	err := p.db.QueryRow(ctx, `
		SELECT id, permission_id, email, display_name, photo_link, created_at, updated_at
		FROM sync_users WHERE permission_id = $1
	`, permissionID).Scan(&u.ID, &u.PermissionID, &u.Email, &u.DisplayName, &u.PhotoLink, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", permissionID, err)
	}
	return &u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u *model.User) error {
	defer observeDB("postgres", "users.create")()

	tag, err := p.db.Exec(ctx, `
		INSERT INTO sync_users (id, permission_id, email, display_name, photo_link, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (permission_id) DO NOTHING
	`, u.ID, u.PermissionID, u.Email, u.DisplayName, u.PhotoLink, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.PermissionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) UpdateUser(ctx context.Context, u *model.User) error {
	defer observeDB("postgres", "users.update")()

	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE sync_users SET email = $2, display_name = $3, photo_link = $4, updated_at = $5
		WHERE permission_id = $1
	`, u.PermissionID, u.Email, u.DisplayName, u.PhotoLink, updatedAt)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.PermissionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
