package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/squirreldb/broadcast"
	"github.com/GoCodeAlone/squirreldb/types"
)

const sqlitePragmas = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA cache_size = -64000;
PRAGMA temp_store = MEMORY;
PRAGMA busy_timeout = 5000;
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    collection TEXT NOT NULL,
    data TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
CREATE INDEX IF NOT EXISTS idx_documents_project_collection ON documents(project_id, collection);

CREATE TABLE IF NOT EXISTS change_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT,
    collection TEXT NOT NULL,
    document_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    old_data TEXT,
    new_data TEXT,
    changed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_queue_id ON change_queue(id);
CREATE INDEX IF NOT EXISTS idx_change_queue_collection ON change_queue(collection);

CREATE TRIGGER IF NOT EXISTS documents_insert AFTER INSERT ON documents BEGIN
    INSERT INTO change_queue (project_id, collection, document_id, operation, new_data, changed_at)
    VALUES (NEW.project_id, NEW.collection, NEW.id, 'INSERT', NEW.data, strftime('%Y-%m-%dT%H:%M:%fZ','now'));
END;

CREATE TRIGGER IF NOT EXISTS documents_update AFTER UPDATE ON documents BEGIN
    INSERT INTO change_queue (project_id, collection, document_id, operation, old_data, new_data, changed_at)
    VALUES (NEW.project_id, NEW.collection, NEW.id, 'UPDATE', OLD.data, NEW.data, strftime('%Y-%m-%dT%H:%M:%fZ','now'));
END;

CREATE TRIGGER IF NOT EXISTS documents_delete AFTER DELETE ON documents BEGIN
    INSERT INTO change_queue (project_id, collection, document_id, operation, old_data, changed_at)
    VALUES (OLD.project_id, OLD.collection, OLD.id, 'DELETE', OLD.data, strftime('%Y-%m-%dT%H:%M:%fZ','now'));
END;

CREATE TABLE IF NOT EXISTS api_tokens (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    name TEXT NOT NULL,
    token_hash TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(project_id, name)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_api_tokens_hash ON api_tokens(token_hash);

CREATE TABLE IF NOT EXISTS feature_settings (
    feature_name TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 0,
    settings TEXT NOT NULL DEFAULT '{}',
    updated_at TEXT NOT NULL
) WITHOUT ROWID;
`

// SQLiteBackend implements Backend over an embedded SQLite database.
// Change capture uses the same trigger-fed queue as Postgres, consumed
// by a 50ms poller instead of notifications.
type SQLiteBackend struct {
	db      *sql.DB
	changes *broadcast.Channel[types.Change]
	logger  *slog.Logger
}

// NewSQLiteBackend opens (or creates) the database at path. Use
// ":memory:" for an in-memory database.
func NewSQLiteBackend(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent load.
	pool.SetMaxOpenConns(1)

	if _, err := pool.Exec(sqlitePragmas); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteBackend{
		db:      pool,
		changes: broadcast.NewChannel[types.Change](changeBufferSize),
		logger:  logger,
	}, nil
}

func (b *SQLiteBackend) Dialect() Dialect { return SQLite }

func (b *SQLiteBackend) InitSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	b.logger.Info("SQLite schema initialized")
	return nil
}

func (b *SQLiteBackend) Insert(ctx context.Context, project uuid.UUID, collection string, data json.RawMessage) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	doc := &types.Document{
		ID:         uuid.New(),
		ProjectID:  project,
		Collection: collection,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO documents (id, project_id, collection, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID.String(), project.String(), collection, string(data), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return doc, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `
		SELECT id, project_id, collection, data, created_at, updated_at
		FROM documents
		WHERE project_id = ? AND collection = ? AND id = ?
	`, project.String(), collection, id.String())
	return scanSQLiteDocument(row)
}

func (b *SQLiteBackend) Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data json.RawMessage) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE documents SET data = ?, updated_at = ?
		WHERE project_id = ? AND collection = ? AND id = ?
	`, string(data), formatTime(now), project.String(), collection, id.String())
	if err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return b.Get(ctx, project, collection, id)
}

func (b *SQLiteBackend) Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*types.Document, error) {
	doc, err := b.Get(ctx, project, collection, id)
	if err != nil {
		return nil, err
	}
	_, err = b.db.ExecContext(ctx, `
		DELETE FROM documents WHERE project_id = ? AND collection = ? AND id = ?
	`, project.String(), collection, id.String())
	if err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	return doc, nil
}

func (b *SQLiteBackend) List(ctx context.Context, project uuid.UUID, collection string, opts ListOptions) ([]*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if opts.Order != nil {
		if err := ValidateIdentifier(opts.Order.Field); err != nil {
			return nil, err
		}
	}
	if opts.Limit != nil {
		if err := ValidateLimit(*opts.Limit); err != nil {
			return nil, err
		}
	}
	if opts.Offset != nil {
		if err := ValidateOffset(*opts.Offset); err != nil {
			return nil, err
		}
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, project_id, collection, data, created_at, updated_at FROM documents WHERE project_id = ? AND collection = ?`)
	if opts.Filter != "" {
		sb.WriteString(" AND ")
		sb.WriteString(opts.Filter)
	}
	if opts.Order != nil {
		fmt.Fprintf(&sb, " ORDER BY json_extract(data, '$.%s')", opts.Order.Field)
		if opts.Order.Direction == types.Desc {
			sb.WriteString(" DESC")
		} else {
			sb.WriteString(" ASC")
		}
	}
	if opts.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *opts.Limit)
	}
	if opts.Offset != nil {
		if opts.Limit == nil {
			sb.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&sb, " OFFSET %d", *opts.Offset)
	}

	rows, err := b.db.QueryContext(ctx, sb.String(), project.String(), collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanSQLiteDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (b *SQLiteBackend) ListCollections(ctx context.Context, project uuid.UUID) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT collection FROM documents WHERE project_id = ? ORDER BY collection
	`, project.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (b *SQLiteBackend) SubscribeChanges() *broadcast.Receiver[types.Change] {
	return b.changes.Subscribe()
}

// StartChangeListener polls the change queue every 50ms in batches of
// 100 and prunes it every 5 minutes.
func (b *SQLiteBackend) StartChangeListener(ctx context.Context) error {
	go b.pollLoop(ctx)
	go b.cleanupLoop(ctx)
	b.logger.Info("SQLite change listener started")
	return nil
}

func (b *SQLiteBackend) pollLoop(ctx context.Context) {
	var lastID int64
	_ = b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM change_queue`).Scan(&lastID)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.publishNewChanges(ctx, &lastID); err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to poll change queue", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *SQLiteBackend) publishNewChanges(ctx context.Context, lastID *int64) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, COALESCE(project_id, '00000000-0000-0000-0000-000000000000'), collection, document_id, operation, old_data, new_data, changed_at
		FROM change_queue
		WHERE id > ?
		ORDER BY id
		LIMIT 100
	`, *lastID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			change    types.Change
			projectID string
			docID     string
			op        string
			oldData   sql.NullString
			newData   sql.NullString
			changedAt string
		)
		if err := rows.Scan(&change.ID, &projectID, &change.Collection, &docID, &op, &oldData, &newData, &changedAt); err != nil {
			return err
		}
		operation, err := types.ParseChangeOperation(op)
		if err != nil {
			continue
		}
		change.Operation = operation
		change.ProjectID, _ = uuid.Parse(projectID)
		change.DocumentID, _ = uuid.Parse(docID)
		change.ChangedAt = parseTime(changedAt)
		if oldData.Valid {
			change.OldData = json.RawMessage(oldData.String)
		}
		if newData.Valid {
			change.NewData = json.RawMessage(newData.String)
		}
		*lastID = change.ID
		b.changes.Send(change)
	}
	return rows.Err()
}

func (b *SQLiteBackend) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := b.CleanupChangeQueue(ctx, 10000, time.Hour)
			if err != nil {
				b.logger.Warn("change queue cleanup failed", "error", err)
			} else if n > 0 {
				b.logger.Debug("cleaned up change queue", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// CleanupChangeQueue prunes rows older than both the id floor and the
// time floor, so at least maxEntries rows and at least the maxAge
// window always survive.
func (b *SQLiteBackend) CleanupChangeQueue(ctx context.Context, maxEntries int, maxAge time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().UTC().Add(-maxAge))
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM change_queue
		WHERE id < (SELECT COALESCE(MAX(id), 0) - ? FROM change_queue)
		  AND changed_at < ?
	`, maxEntries, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup change queue: %w", err)
	}
	return res.RowsAffected()
}

// Subscription filters are evaluated in process on SQLite; registration
// is a no-op kept for interface compatibility.
func (b *SQLiteBackend) AddSubscriptionFilter(context.Context, uuid.UUID, string, string, string) error {
	return nil
}

func (b *SQLiteBackend) RemoveSubscriptionFilter(context.Context, uuid.UUID, string) error {
	return nil
}

func (b *SQLiteBackend) RemoveClientFilters(context.Context, uuid.UUID) (int64, error) {
	return 0, nil
}

func (b *SQLiteBackend) FilterMatches(context.Context, json.RawMessage, string) (bool, error) {
	return false, ErrNotSupported
}

func (b *SQLiteBackend) CreateToken(ctx context.Context, project uuid.UUID, name, tokenHash string) (*TokenInfo, error) {
	info := &TokenInfo{ID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, project_id, name, token_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, info.ID.String(), project.String(), name, tokenHash, formatTime(info.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("token %q: %w", name, ErrDuplicate)
		}
		return nil, fmt.Errorf("create token: %w", err)
	}
	return info, nil
}

func (b *SQLiteBackend) DeleteToken(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ?`, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *SQLiteBackend) ListTokens(ctx context.Context, project uuid.UUID) ([]*TokenInfo, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM api_tokens WHERE project_id = ? ORDER BY created_at DESC
	`, project.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*TokenInfo
	for rows.Next() {
		var (
			t         TokenInfo
			idStr     string
			createdAt string
		)
		if err := rows.Scan(&idStr, &t.Name, &createdAt); err != nil {
			return nil, err
		}
		t.ID, _ = uuid.Parse(idStr)
		t.CreatedAt = parseTime(createdAt)
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (b *SQLiteBackend) ValidateToken(ctx context.Context, tokenHash string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM api_tokens WHERE token_hash = ?)`, tokenHash).Scan(&exists)
	return exists, err
}

func (b *SQLiteBackend) GetFeatureSettings(ctx context.Context, name string) (bool, json.RawMessage, error) {
	var (
		enabled  bool
		settings string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT enabled, settings FROM feature_settings WHERE feature_name = ?
	`, name).Scan(&enabled, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, err
	}
	return enabled, json.RawMessage(settings), nil
}

func (b *SQLiteBackend) UpdateFeatureSettings(ctx context.Context, name string, enabled bool, settings json.RawMessage) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO feature_settings (feature_name, enabled, settings, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (feature_name) DO UPDATE SET
			enabled = excluded.enabled,
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`, name, enabled, string(settings), formatTime(time.Now().UTC()))
	return err
}

func (b *SQLiteBackend) Close() error {
	b.changes.Close()
	return b.db.Close()
}

func scanSQLiteDocument(s scanner) (*types.Document, error) {
	var (
		doc       types.Document
		idStr     string
		projectID string
		data      string
		createdAt string
		updatedAt string
	)
	err := s.Scan(&idStr, &projectID, &doc.Collection, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.ID, _ = uuid.Parse(idStr)
	doc.ProjectID, _ = uuid.Parse(projectID)
	doc.Data = json.RawMessage(data)
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return &doc, nil
}

func scanSQLiteDocumentRows(rows *sql.Rows) (*types.Document, error) {
	return scanSQLiteDocument(rows)
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000Z", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
