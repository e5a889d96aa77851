package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/squirreldb/broadcast"
	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/query"
	"github.com/GoCodeAlone/squirreldb/types"
)

// stubBackend is a SQLite-dialect backend stub: subscription filters
// are in-process, initial lists serve the canned documents that match
// the pushed-down filter.
type stubBackend struct {
	mu          sync.Mutex
	docs        []*types.Document
	removedFor  []uuid.UUID
	filterCalls int
}

func (s *stubBackend) Dialect() db.Dialect                       { return db.SQLite }
func (s *stubBackend) InitSchema(context.Context) error          { return nil }
func (s *stubBackend) Close() error                              { return nil }
func (s *stubBackend) StartChangeListener(context.Context) error { return nil }

func (s *stubBackend) SubscribeChanges() *broadcast.Receiver[types.Change] {
	return broadcast.NewChannel[types.Change](1).Subscribe()
}

func (s *stubBackend) Insert(context.Context, uuid.UUID, string, json.RawMessage) (*types.Document, error) {
	return nil, db.ErrNotSupported
}
func (s *stubBackend) Get(context.Context, uuid.UUID, string, uuid.UUID) (*types.Document, error) {
	return nil, db.ErrNotFound
}
func (s *stubBackend) Update(context.Context, uuid.UUID, string, uuid.UUID, json.RawMessage) (*types.Document, error) {
	return nil, db.ErrNotFound
}
func (s *stubBackend) Delete(context.Context, uuid.UUID, string, uuid.UUID) (*types.Document, error) {
	return nil, db.ErrNotFound
}

func (s *stubBackend) List(_ context.Context, _ uuid.UUID, _ string, opts db.ListOptions) ([]*types.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matcher *fragmentMatcher
	if opts.Filter != "" {
		m, err := compileFragment(opts.Filter)
		if err != nil {
			return nil, err
		}
		matcher = m
	}
	out := make([]*types.Document, 0, len(s.docs))
	for _, d := range s.docs {
		if matcher != nil {
			if ok, err := matcher.Match(d.Data); err != nil || !ok {
				continue
			}
		}
		copied := *d
		out = append(out, &copied)
	}
	return out, nil
}

func (s *stubBackend) ListCollections(context.Context, uuid.UUID) ([]string, error) { return nil, nil }

func (s *stubBackend) AddSubscriptionFilter(context.Context, uuid.UUID, string, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filterCalls++
	return nil
}
func (s *stubBackend) RemoveSubscriptionFilter(context.Context, uuid.UUID, string) error { return nil }
func (s *stubBackend) RemoveClientFilters(_ context.Context, clientID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removedFor = append(s.removedFor, clientID)
	return 1, nil
}
func (s *stubBackend) FilterMatches(context.Context, json.RawMessage, string) (bool, error) {
	return false, db.ErrNotSupported
}
func (s *stubBackend) CleanupChangeQueue(context.Context, int, time.Duration) (int64, error) {
	return 0, nil
}
func (s *stubBackend) CreateToken(context.Context, uuid.UUID, string, string) (*db.TokenInfo, error) {
	return nil, db.ErrNotSupported
}
func (s *stubBackend) DeleteToken(context.Context, uuid.UUID) (bool, error) { return false, nil }
func (s *stubBackend) ListTokens(context.Context, uuid.UUID) ([]*db.TokenInfo, error) {
	return nil, nil
}
func (s *stubBackend) ValidateToken(context.Context, string) (bool, error) { return false, nil }
func (s *stubBackend) GetFeatureSettings(context.Context, string) (bool, json.RawMessage, error) {
	return false, nil, db.ErrNotFound
}
func (s *stubBackend) UpdateFeatureSettings(context.Context, string, bool, json.RawMessage) error {
	return nil
}

type recorder struct {
	mu       sync.Mutex
	messages []types.ServerMessage
	dead     bool
}

func (r *recorder) send(msg types.ServerMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false
	}
	r.messages = append(r.messages, msg)
	return true
}

func (r *recorder) changeEvents() []types.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evs []types.ChangeEvent
	for _, m := range r.messages {
		if m.Type == types.MsgChange && m.Change != nil {
			evs = append(evs, *m.Change)
		}
	}
	return evs
}

func newTestManager(t *testing.T, backend db.Backend) (*Manager, *query.EnginePool) {
	t.Helper()
	pool := query.NewEnginePool(1, backend.Dialect())
	return NewManager(backend, pool, nil), pool
}

func insertChange(collection, payload string) types.Change {
	return types.Change{
		ID:         1,
		Collection: collection,
		DocumentID: uuid.New(),
		Operation:  types.OpInsert,
		NewData:    json.RawMessage(payload),
		ChangedAt:  time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSubscribeRejectsNonChangesQuery(t *testing.T) {
	m, _ := newTestManager(t, &stubBackend{})
	clientID := uuid.New()
	m.RegisterClient(clientID, (&recorder{}).send)

	err := m.Subscribe(context.Background(), clientID, "s1", `db.table("users").run()`)
	assert.ErrorIs(t, err, ErrNotChanges)
}

func TestSubscribeRequiresRegisteredClient(t *testing.T) {
	m, _ := newTestManager(t, &stubBackend{})
	err := m.Subscribe(context.Background(), uuid.New(), "s1", `db.table("users").changes()`)
	assert.Error(t, err)
}

func TestFilteredDispatch(t *testing.T) {
	backend := &stubBackend{}
	m, _ := newTestManager(t, backend)

	rec := &recorder{}
	clientID := uuid.New()
	m.RegisterClient(clientID, rec.send)
	require.NoError(t, m.Subscribe(context.Background(), clientID, "orders-pending",
		`db.table("orders").filter(o => o.status === "pending").changes()`))

	ch := broadcast.NewChannel[types.Change](16)
	rx := ch.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, rx)

	ch.Send(insertChange("orders", `{"status": "pending", "total": 10}`))
	ch.Send(insertChange("orders", `{"status": "shipped", "total": 20}`))
	ch.Send(insertChange("users", `{"status": "pending"}`)) // wrong collection

	waitFor(t, func() bool { return len(rec.changeEvents()) >= 1 })
	time.Sleep(50 * time.Millisecond)

	evs := rec.changeEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, "orders-pending", evs[0].SubscriptionID)
	assert.Equal(t, types.OpInsert, evs[0].Operation)
	assert.JSONEq(t, `{"status": "pending", "total": 10}`, string(evs[0].New))
}

func TestUnfilteredSubscriptionSeesAllCollectionChanges(t *testing.T) {
	m, _ := newTestManager(t, &stubBackend{})
	rec := &recorder{}
	clientID := uuid.New()
	m.RegisterClient(clientID, rec.send)
	require.NoError(t, m.Subscribe(context.Background(), clientID, "all",
		`db.table("events").changes()`))

	ch := broadcast.NewChannel[types.Change](16)
	rx := ch.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, rx)

	ch.Send(insertChange("events", `{"kind": "a"}`))
	ch.Send(insertChange("events", `{"kind": "b"}`))

	waitFor(t, func() bool { return len(rec.changeEvents()) == 2 })
}

func TestIncludeInitialDeliversSyntheticInserts(t *testing.T) {
	pending1 := &types.Document{ID: uuid.New(), Collection: "orders", Data: json.RawMessage(`{"status": "pending"}`)}
	pending2 := &types.Document{ID: uuid.New(), Collection: "orders", Data: json.RawMessage(`{"status": "pending"}`)}
	shipped := &types.Document{ID: uuid.New(), Collection: "orders", Data: json.RawMessage(`{"status": "shipped"}`)}
	backend := &stubBackend{docs: []*types.Document{pending1, shipped, pending2}}

	m, _ := newTestManager(t, backend)
	rec := &recorder{}
	clientID := uuid.New()
	m.RegisterClient(clientID, rec.send)

	require.NoError(t, m.Subscribe(context.Background(), clientID, "sub",
		`db.table("orders").filter(o => o.status === "pending").changes({ includeInitial: true })`))

	evs := rec.changeEvents()
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.Equal(t, types.OpInsert, ev.Operation)
		assert.JSONEq(t, `{"status": "pending"}`, string(ev.New))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestManager(t, &stubBackend{})
	rec := &recorder{}
	clientID := uuid.New()
	m.RegisterClient(clientID, rec.send)
	require.NoError(t, m.Subscribe(context.Background(), clientID, "s1", `db.table("orders").changes()`))
	assert.Equal(t, 1, m.ClientSubscriptionCount(clientID))

	require.NoError(t, m.Unsubscribe(context.Background(), clientID, "s1"))
	assert.Equal(t, 0, m.ClientSubscriptionCount(clientID))

	assert.ErrorIs(t, m.Unsubscribe(context.Background(), clientID, "s1"), db.ErrNotFound)
}

func TestDeadClientIsCleanedUp(t *testing.T) {
	backend := &stubBackend{}
	m, _ := newTestManager(t, backend)
	rec := &recorder{dead: true}
	clientID := uuid.New()
	m.RegisterClient(clientID, rec.send)
	require.NoError(t, m.Subscribe(context.Background(), clientID, "s1", `db.table("orders").changes()`))

	ch := broadcast.NewChannel[types.Change](16)
	rx := ch.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, rx)

	ch.Send(insertChange("orders", `{"status": "pending"}`))

	waitFor(t, func() bool { return m.ClientSubscriptionCount(clientID) == 0 })
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Contains(t, backend.removedFor, clientID)
}

func TestDeleteChangesMatchAgainstOldData(t *testing.T) {
	m, _ := newTestManager(t, &stubBackend{})
	rec := &recorder{}
	clientID := uuid.New()
	m.RegisterClient(clientID, rec.send)
	require.NoError(t, m.Subscribe(context.Background(), clientID, "s1",
		`db.table("orders").filter(o => o.status === "pending").changes()`))

	ch := broadcast.NewChannel[types.Change](16)
	rx := ch.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, rx)

	ch.Send(types.Change{
		ID:         7,
		Collection: "orders",
		DocumentID: uuid.New(),
		Operation:  types.OpDelete,
		OldData:    json.RawMessage(`{"status": "pending"}`),
		ChangedAt:  time.Now().UTC(),
	})

	waitFor(t, func() bool { return len(rec.changeEvents()) == 1 })
	assert.Equal(t, types.OpDelete, rec.changeEvents()[0].Operation)
}
