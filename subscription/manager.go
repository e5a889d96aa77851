// Package subscription manages server-side filtered live queries: it
// registers per-client changefeeds, consumes the backend's change
// broadcast, evaluates each subscription's compiled filter, and pushes
// matching changes to client outgoing channels.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/squirreldb/broadcast"
	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/query"
	"github.com/GoCodeAlone/squirreldb/types"
)

// ErrNotChanges rejects subscriptions whose query is not a
// .changes(...) form.
var ErrNotChanges = errors.New("subscription query must end with .changes(...)")

// SendFunc delivers a message to one client. It reports false when the
// client is gone; the manager then drops all of that client's
// subscriptions. No back-pointer to the connection is held.
type SendFunc func(types.ServerMessage) bool

type subscription struct {
	id         string
	clientID   uuid.UUID
	collection string
	filter     *types.CompiledFilter
	matcher    *fragmentMatcher // in-process evaluator (SQLite dialect)
}

type client struct {
	send SendFunc
	subs map[string]*subscription
}

// Manager is the in-process subscription registry. Reads dominate
// (every change consults it), so state sits behind an RWMutex.
type Manager struct {
	backend  db.Backend
	pool     *query.EnginePool
	executor *query.Executor
	logger   *slog.Logger

	mu           sync.RWMutex
	clients      map[uuid.UUID]*client
	byCollection map[string]map[string]*subscription // collection -> clientID/subID -> sub
}

// NewManager creates a subscription manager over the given backend and
// engine pool.
func NewManager(backend db.Backend, pool *query.EnginePool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:      backend,
		pool:         pool,
		executor:     query.NewExecutor(backend, pool, logger),
		logger:       logger,
		clients:      make(map[uuid.UUID]*client),
		byCollection: make(map[string]map[string]*subscription),
	}
}

// RegisterClient installs the client's outgoing sender. Must be called
// before Subscribe for that client.
func (m *Manager) RegisterClient(clientID uuid.UUID, send SendFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientID] = &client{send: send, subs: make(map[string]*subscription)}
}

// UnregisterClient removes all subscriptions for a disconnected client,
// both locally and on the backend.
func (m *Manager) UnregisterClient(ctx context.Context, clientID uuid.UUID) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		for _, sub := range c.subs {
			m.removeLocked(sub)
		}
		delete(m.clients, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := m.backend.RemoveClientFilters(ctx, clientID); err != nil {
		m.logger.Warn("failed to remove backend subscription filters",
			"client_id", clientID, "error", err)
	}
}

// Subscribe parses and compiles source, registers the subscription, and
// when includeInitial is set replays the current matching contents as
// synthetic Insert changes ahead of any live change.
func (m *Manager) Subscribe(ctx context.Context, clientID uuid.UUID, subID, source string) error {
	spec, err := m.pool.ParseQuery(source)
	if err != nil {
		return err
	}
	return m.subscribeSpec(ctx, clientID, subID, spec)
}

// SubscribeSpec registers an already-compiled changes query.
func (m *Manager) SubscribeSpec(ctx context.Context, clientID uuid.UUID, subID string, spec *types.QuerySpec) error {
	return m.subscribeSpec(ctx, clientID, subID, spec)
}

func (m *Manager) subscribeSpec(ctx context.Context, clientID uuid.UUID, subID string, spec *types.QuerySpec) error {
	if !spec.IsChanges() {
		return ErrNotChanges
	}

	sub := &subscription{
		id:         subID,
		clientID:   clientID,
		collection: spec.Table,
		filter:     spec.Filter,
	}
	if sub.filter.IsSQL() && m.backend.Dialect() == db.SQLite {
		matcher, err := compileFragment(sqliteFragment(spec))
		if err != nil {
			return fmt.Errorf("compile subscription filter: %w", err)
		}
		sub.matcher = matcher
	}

	compiledSQL := ""
	if sub.filter.IsSQL() {
		compiledSQL = sub.filter.SQL
	}
	if err := m.backend.AddSubscriptionFilter(ctx, clientID, subID, spec.Table, compiledSQL); err != nil {
		return fmt.Errorf("register backend filter: %w", err)
	}

	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("client %s is not registered", clientID)
	}
	c.subs[subID] = sub
	col := m.byCollection[spec.Table]
	if col == nil {
		col = make(map[string]*subscription)
		m.byCollection[spec.Table] = col
	}
	col[subKey(clientID, subID)] = sub
	m.mu.Unlock()

	if spec.Changes.IncludeInitial {
		if err := m.deliverInitial(ctx, c, sub, spec); err != nil {
			m.logger.Warn("failed to deliver initial subscription state",
				"subscription_id", subID, "error", err)
		}
	}
	return nil
}

// sqliteFragment returns the SQLite-dialect SQL for the spec's filter.
// The pool compiles for the backend dialect already, so on SQLite this
// is just the stored fragment.
func sqliteFragment(spec *types.QuerySpec) string {
	return spec.Filter.SQL
}

// deliverInitial runs a one-shot list through the subscription's filter
// and delivers each document as a synthetic Insert.
func (m *Manager) deliverInitial(ctx context.Context, c *client, sub *subscription, spec *types.QuerySpec) error {
	oneShot := *spec
	oneShot.Changes = nil
	result, err := m.executor.Execute(ctx, types.DefaultProjectID, &oneShot)
	if err != nil {
		return err
	}
	for _, doc := range result.Documents {
		ev := types.ChangeEvent{
			SubscriptionID: sub.id,
			Operation:      types.OpInsert,
			New:            doc.Data,
			DocumentID:     doc.ID,
			Collection:     doc.Collection,
			ChangedAt:      doc.UpdatedAt,
		}
		if !c.send(types.ChangeMessage(uuid.NewString(), ev)) {
			return fmt.Errorf("client channel closed during initial delivery")
		}
	}
	return nil
}

// Unsubscribe removes a single subscription.
func (m *Manager) Unsubscribe(ctx context.Context, clientID uuid.UUID, subID string) error {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if ok {
		if sub, found := c.subs[subID]; found {
			m.removeLocked(sub)
			delete(c.subs, subID)
		} else {
			ok = false
		}
	}
	m.mu.Unlock()
	if !ok {
		return db.ErrNotFound
	}
	if err := m.backend.RemoveSubscriptionFilter(ctx, clientID, subID); err != nil {
		m.logger.Warn("failed to remove backend subscription filter",
			"client_id", clientID, "subscription_id", subID, "error", err)
	}
	return nil
}

func (m *Manager) removeLocked(sub *subscription) {
	if col, ok := m.byCollection[sub.collection]; ok {
		delete(col, subKey(sub.clientID, sub.id))
		if len(col) == 0 {
			delete(m.byCollection, sub.collection)
		}
	}
}

func subKey(clientID uuid.UUID, subID string) string {
	return clientID.String() + "/" + subID
}

// Run consumes the backend change broadcast until ctx is cancelled.
// Lag is logged; affected subscribers recover by resubscribing. This
// loop never tears down the server.
func (m *Manager) Run(ctx context.Context, rx *broadcast.Receiver[types.Change]) {
	for {
		if ctx.Err() != nil {
			return
		}
		change, err := rx.Recv()
		if err != nil {
			var lag *broadcast.LagError
			if errors.As(err, &lag) {
				m.logger.Warn("subscription dispatcher lagged behind change feed",
					"missed", lag.Missed)
				continue
			}
			if errors.Is(err, broadcast.ErrClosed) {
				return
			}
			continue
		}
		m.dispatch(ctx, change)
	}
}

// dispatch fans one change out to every matching subscription of its
// collection.
func (m *Manager) dispatch(ctx context.Context, change types.Change) {
	m.mu.RLock()
	col := m.byCollection[change.Collection]
	matched := make([]*subscription, 0, len(col))
	for _, sub := range col {
		matched = append(matched, sub)
	}
	m.mu.RUnlock()

	var stale []uuid.UUID
	for _, sub := range matched {
		ok, err := m.filterMatches(ctx, sub, change)
		if err != nil {
			m.logger.Debug("subscription filter evaluation failed, event dropped",
				"subscription_id", sub.id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		ev := types.ChangeEvent{
			SubscriptionID: sub.id,
			Operation:      change.Operation,
			Old:            change.OldData,
			New:            change.NewData,
			DocumentID:     change.DocumentID,
			Collection:     change.Collection,
			ChangedAt:      change.ChangedAt,
		}
		m.mu.RLock()
		c := m.clients[sub.clientID]
		m.mu.RUnlock()
		if c == nil {
			continue
		}
		if !c.send(types.ChangeMessage(uuid.NewString(), ev)) {
			stale = append(stale, sub.clientID)
		}
	}
	for _, clientID := range stale {
		m.UnregisterClient(ctx, clientID)
	}
}

// filterMatches evaluates the subscription filter against the change
// payload: the new data for inserts and updates, the old data for
// deletes.
func (m *Manager) filterMatches(ctx context.Context, sub *subscription, change types.Change) (bool, error) {
	if sub.filter == nil {
		return true, nil
	}
	if !sub.filter.IsSQL() {
		data := change.NewData
		if change.Operation == types.OpDelete {
			data = change.OldData
		}
		if data == nil {
			return false, nil
		}
		return m.pool.EvalPredicate(ctx, sub.filter.JSCode, data)
	}

	data := change.NewData
	if change.Operation == types.OpDelete {
		data = change.OldData
	}
	if data == nil {
		return false, nil
	}
	if sub.matcher != nil {
		return sub.matcher.Match(data)
	}
	return m.backend.FilterMatches(ctx, data, sub.filter.SQL)
}

// ClientSubscriptionCount reports how many subscriptions a client holds.
func (m *Manager) ClientSubscriptionCount(clientID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.clients[clientID]; ok {
		return len(c.subs)
	}
	return 0
}
