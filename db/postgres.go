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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/GoCodeAlone/squirreldb/broadcast"
	"github.com/GoCodeAlone/squirreldb/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    collection VARCHAR(255) NOT NULL,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN(data);
CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
CREATE INDEX IF NOT EXISTS idx_documents_project_collection ON documents(project_id, collection);

-- Insert-heavy table: lower fillfactor keeps HOT updates off the page
-- splits the notify trigger would otherwise cause.
CREATE TABLE IF NOT EXISTS change_queue (
    id BIGSERIAL PRIMARY KEY,
    project_id UUID,
    collection VARCHAR(255) NOT NULL,
    document_id UUID NOT NULL,
    operation VARCHAR(10) NOT NULL,
    old_data JSONB,
    new_data JSONB,
    delta JSONB,
    changed_at TIMESTAMPTZ DEFAULT NOW()
);
ALTER TABLE change_queue SET (fillfactor = 70);
CREATE INDEX IF NOT EXISTS idx_change_queue_id ON change_queue(id);
CREATE INDEX IF NOT EXISTS idx_change_queue_collection ON change_queue(collection);
CREATE INDEX IF NOT EXISTS idx_change_queue_changed_at ON change_queue(changed_at);

-- Delta between two JSONB objects: top-level keys that changed, with
-- removed keys mapped to NULL.
CREATE OR REPLACE FUNCTION sqrl_json_delta(old_data JSONB, new_data JSONB) RETURNS JSONB AS $$
DECLARE
    result JSONB := '{}';
    key TEXT;
BEGIN
    IF old_data IS NULL OR new_data IS NULL THEN
        RETURN NULL;
    END IF;
    FOR key IN SELECT jsonb_object_keys(new_data)
    LOOP
        IF NOT old_data ? key OR old_data->key IS DISTINCT FROM new_data->key THEN
            result := result || jsonb_build_object(key, new_data->key);
        END IF;
    END LOOP;
    FOR key IN SELECT jsonb_object_keys(old_data)
    LOOP
        IF NOT new_data ? key THEN
            result := result || jsonb_build_object(key, NULL);
        END IF;
    END LOOP;
    RETURN result;
END;
$$ LANGUAGE plpgsql IMMUTABLE;

CREATE OR REPLACE FUNCTION capture_document_changes() RETURNS TRIGGER AS $$
DECLARE
    change_id BIGINT;
    computed_delta JSONB;
BEGIN
    IF TG_OP = 'INSERT' THEN
        INSERT INTO change_queue (project_id, collection, document_id, operation, new_data)
        VALUES (NEW.project_id, NEW.collection, NEW.id, 'INSERT', NEW.data)
        RETURNING id INTO change_id;
    ELSIF TG_OP = 'UPDATE' THEN
        computed_delta := sqrl_json_delta(OLD.data, NEW.data);
        INSERT INTO change_queue (project_id, collection, document_id, operation, old_data, new_data, delta)
        VALUES (NEW.project_id, NEW.collection, NEW.id, 'UPDATE', OLD.data, NEW.data, computed_delta)
        RETURNING id INTO change_id;
    ELSIF TG_OP = 'DELETE' THEN
        INSERT INTO change_queue (project_id, collection, document_id, operation, old_data)
        VALUES (OLD.project_id, OLD.collection, OLD.id, 'DELETE', OLD.data)
        RETURNING id INTO change_id;
    END IF;
    PERFORM pg_notify('doc_changes', change_id::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS document_changes_trigger ON documents;
CREATE TRIGGER document_changes_trigger AFTER INSERT OR UPDATE OR DELETE ON documents FOR EACH ROW EXECUTE FUNCTION capture_document_changes();

-- Keeps at least max_entries rows and at least the last max_age window:
-- a row is pruned only when it is older than both floors.
CREATE OR REPLACE FUNCTION sqrl_cleanup_change_queue(
    max_entries INTEGER DEFAULT 10000,
    max_age INTERVAL DEFAULT INTERVAL '1 hour'
) RETURNS INTEGER AS $$
DECLARE
    deleted_count INTEGER;
    id_floor BIGINT;
BEGIN
    SELECT COALESCE((SELECT MAX(id) - max_entries FROM change_queue), 0) INTO id_floor;
    DELETE FROM change_queue
    WHERE id < id_floor
      AND changed_at < NOW() - max_age;
    GET DIAGNOSTICS deleted_count = ROW_COUNT;
    RETURN deleted_count;
END;
$$ LANGUAGE plpgsql;

CREATE TABLE IF NOT EXISTS subscription_filters (
    id BIGSERIAL PRIMARY KEY,
    subscription_id VARCHAR(255) NOT NULL,
    client_id UUID NOT NULL,
    collection VARCHAR(255) NOT NULL,
    compiled_sql TEXT,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(client_id, subscription_id)
);
CREATE INDEX IF NOT EXISTS idx_subscription_filters_collection ON subscription_filters(collection);
CREATE INDEX IF NOT EXISTS idx_subscription_filters_client ON subscription_filters(client_id);

-- Evaluates a pre-compiled filter fragment against a document. The
-- fragment is validated by the query compiler before it reaches here;
-- evaluation failures never match.
CREATE OR REPLACE FUNCTION sqrl_filter_matches(doc_data JSONB, filter_sql TEXT) RETURNS BOOLEAN AS $$
DECLARE
    result BOOLEAN;
BEGIN
    IF filter_sql IS NULL OR filter_sql = '' THEN
        RETURN TRUE;
    END IF;
    EXECUTE format('SELECT %s FROM (SELECT $1 AS data) AS d', filter_sql)
    USING doc_data
    INTO result;
    RETURN COALESCE(result, FALSE);
EXCEPTION
    WHEN OTHERS THEN
        RETURN FALSE;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION sqrl_add_subscription(
    p_client_id UUID,
    p_subscription_id VARCHAR(255),
    p_collection VARCHAR(255),
    p_compiled_sql TEXT DEFAULT NULL
) RETURNS VOID AS $$
BEGIN
    INSERT INTO subscription_filters (client_id, subscription_id, collection, compiled_sql)
    VALUES (p_client_id, p_subscription_id, p_collection, p_compiled_sql)
    ON CONFLICT (client_id, subscription_id)
    DO UPDATE SET collection = p_collection, compiled_sql = p_compiled_sql;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION sqrl_remove_subscription(
    p_client_id UUID,
    p_subscription_id VARCHAR(255)
) RETURNS VOID AS $$
BEGIN
    DELETE FROM subscription_filters
    WHERE client_id = p_client_id AND subscription_id = p_subscription_id;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION sqrl_remove_client_subscriptions(p_client_id UUID) RETURNS INTEGER AS $$
DECLARE
    deleted_count INTEGER;
BEGIN
    DELETE FROM subscription_filters WHERE client_id = p_client_id;
    GET DIAGNOSTICS deleted_count = ROW_COUNT;
    RETURN deleted_count;
END;
$$ LANGUAGE plpgsql;

CREATE TABLE IF NOT EXISTS api_tokens (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    name VARCHAR(255) NOT NULL,
    token_hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(project_id, name)
);
CREATE INDEX IF NOT EXISTS idx_api_tokens_hash ON api_tokens(token_hash);
CREATE INDEX IF NOT EXISTS idx_api_tokens_project ON api_tokens(project_id);

CREATE TABLE IF NOT EXISTS feature_settings (
    feature_name VARCHAR(255) PRIMARY KEY,
    enabled BOOLEAN DEFAULT FALSE,
    settings JSONB NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ DEFAULT NOW()
);
`

// PostgresBackend implements Backend over PostgreSQL. The connection
// pool uses database/sql via the pgx stdlib driver; the change listener
// holds a dedicated native pgx connection for LISTEN/NOTIFY.
type PostgresBackend struct {
	db      *sql.DB
	url     string
	changes *broadcast.Channel[types.Change]
	logger  *slog.Logger
}

// NewPostgresBackend opens a pool against url and verifies connectivity.
func NewPostgresBackend(url string, maxConnections int, logger *slog.Logger) (*PostgresBackend, error) {
	pool, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConnections <= 0 {
		maxConnections = 20
	}
	pool.SetMaxOpenConns(maxConnections)
	pool.SetMaxIdleConns(maxConnections / 2)

	if err := pool.Ping(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBackend{
		db:      pool,
		url:     url,
		changes: broadcast.NewChannel[types.Change](changeBufferSize),
		logger:  logger,
	}, nil
}

func (b *PostgresBackend) Dialect() Dialect { return Postgres }

// InitSchema creates tables, indexes, triggers and helper functions.
// Safe to run repeatedly.
func (b *PostgresBackend) InitSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("init postgres schema: %w", err)
	}
	b.logger.Info("PostgreSQL schema initialized")
	return nil
}

func (b *PostgresBackend) Insert(ctx context.Context, project uuid.UUID, collection string, data json.RawMessage) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `
		INSERT INTO documents (project_id, collection, data)
		VALUES ($1, $2, $3)
		RETURNING id, project_id, collection, data, created_at, updated_at
	`, project, collection, string(data))
	return scanDocument(row)
}

func (b *PostgresBackend) Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `
		SELECT id, project_id, collection, data, created_at, updated_at
		FROM documents
		WHERE project_id = $1 AND collection = $2 AND id = $3
	`, project, collection, id)
	return scanDocument(row)
}

func (b *PostgresBackend) Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data json.RawMessage) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `
		UPDATE documents
		SET data = $4, updated_at = NOW()
		WHERE project_id = $1 AND collection = $2 AND id = $3
		RETURNING id, project_id, collection, data, created_at, updated_at
	`, project, collection, id, string(data))
	return scanDocument(row)
}

func (b *PostgresBackend) Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*types.Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx, `
		DELETE FROM documents
		WHERE project_id = $1 AND collection = $2 AND id = $3
		RETURNING id, project_id, collection, data, created_at, updated_at
	`, project, collection, id)
	return scanDocument(row)
}

func (b *PostgresBackend) List(ctx context.Context, project uuid.UUID, collection string, opts ListOptions) ([]*types.Document, error) {
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
	sb.WriteString(`SELECT id, project_id, collection, data, created_at, updated_at FROM documents WHERE project_id = $1 AND collection = $2`)
	if opts.Filter != "" {
		// Filter fragments are pre-validated by the query compiler.
		sb.WriteString(" AND ")
		sb.WriteString(opts.Filter)
	}
	if opts.Order != nil {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(postgresOrderExpr(opts.Order.Field))
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
		fmt.Fprintf(&sb, " OFFSET %d", *opts.Offset)
	}

	rows, err := b.db.QueryContext(ctx, sb.String(), project, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// postgresOrderExpr builds a text-extraction expression for a validated
// field path, e.g. "a.b" -> data->'a'->>'b'.
func postgresOrderExpr(field string) string {
	parts := strings.Split(field, ".")
	var sb strings.Builder
	sb.WriteString("data")
	for i, p := range parts {
		if i == len(parts)-1 {
			sb.WriteString("->>'")
		} else {
			sb.WriteString("->'")
		}
		sb.WriteString(p)
		sb.WriteString("'")
	}
	return sb.String()
}

func (b *PostgresBackend) ListCollections(ctx context.Context, project uuid.UUID) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT collection FROM documents WHERE project_id = $1 ORDER BY collection
	`, project)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
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

func (b *PostgresBackend) SubscribeChanges() *broadcast.Receiver[types.Change] {
	return b.changes.Subscribe()
}

// StartChangeListener spawns the notification listener, its polling
// fallback, and the periodic change-queue cleanup. All failures inside
// the spawned tasks are logged and retried; they never stop the server.
func (b *PostgresBackend) StartChangeListener(ctx context.Context) error {
	go b.listenLoop(ctx)
	go b.cleanupLoop(ctx)
	b.logger.Info("PostgreSQL change listener started")
	return nil
}

func (b *PostgresBackend) listenLoop(ctx context.Context) {
	var lastID int64
	for ctx.Err() == nil {
		if err := b.listenOnce(ctx, &lastID); err != nil && ctx.Err() == nil {
			b.logger.Warn("change listener disconnected, retrying", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

// listenOnce holds one LISTEN connection. WaitForNotification runs
// under a 5-second deadline so missed notifications are caught by a
// catch-up query on timeout.
func (b *PostgresBackend) listenOnce(ctx context.Context, lastID *int64) error {
	conn, err := pgx.Connect(ctx, b.url)
	if err != nil {
		return fmt.Errorf("listener connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN doc_changes"); err != nil {
		return fmt.Errorf("listen doc_changes: %w", err)
	}

	// Start behind the current tail so restarts do not replay history.
	if *lastID == 0 {
		_ = conn.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM change_queue").Scan(lastID)
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Notification payloads carry only the change id; read every row
		// past the cursor so the poll fallback and the notify path share
		// one code path.
		if err := b.publishNewChanges(ctx, lastID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn("failed to read change queue", "error", err)
		}
	}
}

func (b *PostgresBackend) publishNewChanges(ctx context.Context, lastID *int64) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, COALESCE(project_id, '00000000-0000-0000-0000-000000000000'), collection, document_id, operation, old_data, new_data, changed_at
		FROM change_queue
		WHERE id > $1
		ORDER BY id
		LIMIT 100
	`, *lastID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			change  types.Change
			op      string
			oldData sql.NullString
			newData sql.NullString
		)
		if err := rows.Scan(&change.ID, &change.ProjectID, &change.Collection, &change.DocumentID, &op, &oldData, &newData, &change.ChangedAt); err != nil {
			return err
		}
		operation, err := types.ParseChangeOperation(op)
		if err != nil {
			continue
		}
		change.Operation = operation
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

func (b *PostgresBackend) cleanupLoop(ctx context.Context) {
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

func (b *PostgresBackend) CleanupChangeQueue(ctx context.Context, maxEntries int, maxAge time.Duration) (int64, error) {
	var removed int64
	err := b.db.QueryRowContext(ctx,
		`SELECT sqrl_cleanup_change_queue($1, $2::interval)`,
		maxEntries, fmt.Sprintf("%d seconds", int(maxAge.Seconds())),
	).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("cleanup change queue: %w", err)
	}
	return removed, nil
}

func (b *PostgresBackend) AddSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID, collection, compiledSQL string) error {
	var filter any
	if compiledSQL != "" {
		filter = compiledSQL
	}
	_, err := b.db.ExecContext(ctx, `SELECT sqrl_add_subscription($1, $2, $3, $4)`,
		clientID, subscriptionID, collection, filter)
	return err
}

func (b *PostgresBackend) RemoveSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID string) error {
	_, err := b.db.ExecContext(ctx, `SELECT sqrl_remove_subscription($1, $2)`, clientID, subscriptionID)
	return err
}

func (b *PostgresBackend) RemoveClientFilters(ctx context.Context, clientID uuid.UUID) (int64, error) {
	var removed int64
	err := b.db.QueryRowContext(ctx, `SELECT sqrl_remove_client_subscriptions($1)`, clientID).Scan(&removed)
	return removed, err
}

func (b *PostgresBackend) FilterMatches(ctx context.Context, data json.RawMessage, filterSQL string) (bool, error) {
	var matches bool
	err := b.db.QueryRowContext(ctx, `SELECT sqrl_filter_matches($1::jsonb, $2)`, string(data), filterSQL).Scan(&matches)
	if err != nil {
		return false, fmt.Errorf("filter matches: %w", err)
	}
	return matches, nil
}

func (b *PostgresBackend) CreateToken(ctx context.Context, project uuid.UUID, name, tokenHash string) (*TokenInfo, error) {
	info := &TokenInfo{}
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO api_tokens (project_id, name, token_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, created_at
	`, project, name, tokenHash).Scan(&info.ID, &info.Name, &info.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("token %q: %w", name, ErrDuplicate)
		}
		return nil, fmt.Errorf("create token: %w", err)
	}
	return info, nil
}

func (b *PostgresBackend) DeleteToken(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *PostgresBackend) ListTokens(ctx context.Context, project uuid.UUID) ([]*TokenInfo, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM api_tokens WHERE project_id = $1 ORDER BY created_at DESC
	`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*TokenInfo
	for rows.Next() {
		t := &TokenInfo{}
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (b *PostgresBackend) ValidateToken(ctx context.Context, tokenHash string) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM api_tokens WHERE token_hash = $1)`, tokenHash).Scan(&exists)
	return exists, err
}

func (b *PostgresBackend) GetFeatureSettings(ctx context.Context, name string) (bool, json.RawMessage, error) {
	var (
		enabled  bool
		settings string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT enabled, settings FROM feature_settings WHERE feature_name = $1
	`, name).Scan(&enabled, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, err
	}
	return enabled, json.RawMessage(settings), nil
}

func (b *PostgresBackend) UpdateFeatureSettings(ctx context.Context, name string, enabled bool, settings json.RawMessage) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO feature_settings (feature_name, enabled, settings, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (feature_name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			settings = EXCLUDED.settings,
			updated_at = NOW()
	`, name, enabled, string(settings))
	return err
}

func (b *PostgresBackend) Close() error {
	b.changes.Close()
	return b.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*types.Document, error) {
	var (
		doc  types.Document
		data string
	)
	err := s.Scan(&doc.ID, &doc.ProjectID, &doc.Collection, &data, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	doc.Data = json.RawMessage(data)
	return &doc, nil
}

func scanDocumentRows(rows *sql.Rows) (*types.Document, error) {
	return scanDocument(rows)
}
