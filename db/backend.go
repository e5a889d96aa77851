// Package db provides the storage backend abstraction: uniform document
// operations, change-data-capture, and the auxiliary storage the rest
// of the server relies on, over either PostgreSQL or SQLite.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/squirreldb/broadcast"
	"github.com/GoCodeAlone/squirreldb/types"
)

// Sentinel errors for backend operations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrClosed    = errors.New("backend closed")
)

// Dialect selects the SQL flavor the query compiler targets.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// ListOptions parameterizes a List call. Filter is a WHERE fragment
// produced by the query compiler; it is trusted because the compiler
// rejects anything outside its grammar.
type ListOptions struct {
	Filter string
	Order  *types.OrderBySpec
	Limit  *int
	Offset *int
}

// TokenInfo describes a stored API token. The token value itself is
// never stored; only its SHA-256 hash is.
type TokenInfo struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the uniform capability set over Postgres and SQLite.
type Backend interface {
	Dialect() Dialect

	// InitSchema is idempotent: tables, indexes, CDC triggers and helper
	// functions.
	InitSchema(ctx context.Context) error

	Insert(ctx context.Context, project uuid.UUID, collection string, data json.RawMessage) (*types.Document, error)
	Get(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*types.Document, error)
	Update(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID, data json.RawMessage) (*types.Document, error)
	Delete(ctx context.Context, project uuid.UUID, collection string, id uuid.UUID) (*types.Document, error)
	List(ctx context.Context, project uuid.UUID, collection string, opts ListOptions) ([]*types.Document, error)
	ListCollections(ctx context.Context, project uuid.UUID) ([]string, error)

	// SubscribeChanges hands out a lossy multi-consumer receiver of
	// committed changes. Slow receivers observe ErrLagged.
	SubscribeChanges() *broadcast.Receiver[types.Change]

	// StartChangeListener spawns the background tasks that populate the
	// change channel (notification listener or poller, plus cleanup).
	StartChangeListener(ctx context.Context) error

	// Subscription filter registration for server-side change filtering.
	// SQLite evaluates filters in process, so its implementations are
	// no-ops.
	AddSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID, collection, compiledSQL string) error
	RemoveSubscriptionFilter(ctx context.Context, clientID uuid.UUID, subscriptionID string) error
	RemoveClientFilters(ctx context.Context, clientID uuid.UUID) (int64, error)

	// FilterMatches evaluates a compiled SQL fragment against a document
	// payload. Postgres delegates to the sqrl_filter_matches helper;
	// SQLite callers use the in-process evaluator instead and receive
	// ErrNotSupported.
	FilterMatches(ctx context.Context, data json.RawMessage, filterSQL string) (bool, error)

	// CleanupChangeQueue prunes change records older than both the id
	// floor (keep the most recent maxEntries) and the time floor (keep
	// everything newer than maxAge). Returns the number removed.
	CleanupChangeQueue(ctx context.Context, maxEntries int, maxAge time.Duration) (int64, error)

	// API token storage.
	CreateToken(ctx context.Context, project uuid.UUID, name, tokenHash string) (*TokenInfo, error)
	DeleteToken(ctx context.Context, id uuid.UUID) (bool, error)
	ListTokens(ctx context.Context, project uuid.UUID) ([]*TokenInfo, error)
	ValidateToken(ctx context.Context, tokenHash string) (bool, error)

	// Feature settings persisted per feature name.
	GetFeatureSettings(ctx context.Context, name string) (bool, json.RawMessage, error)
	UpdateFeatureSettings(ctx context.Context, name string, enabled bool, settings json.RawMessage) error

	Close() error
}

// ErrNotSupported marks operations a backend does not implement.
var ErrNotSupported = errors.New("not supported by this backend")

// changeBufferSize is the capacity of the process-wide change
// broadcaster.
const changeBufferSize = 1024
