package query

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/squirreldb/db"
)

func TestEvalPredicate(t *testing.T) {
	pool := NewEnginePool(2, db.Postgres)
	ctx := context.Background()

	doc := json.RawMessage(`{"age": 30, "name": "Alice", "tags": ["a", "b"]}`)

	match, err := pool.EvalPredicate(ctx, `doc => doc.age > 21`, doc)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = pool.EvalPredicate(ctx, `doc => doc.age > 50`, doc)
	require.NoError(t, err)
	assert.False(t, match)

	// Expressions beyond the SQL grammar still evaluate here.
	match, err = pool.EvalPredicate(ctx, `doc => doc.tags.slice(0, 1).length > 0`, doc)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestEvalPredicateError(t *testing.T) {
	pool := NewEnginePool(1, db.Postgres)
	_, err := pool.EvalPredicate(context.Background(), `doc => doc.a.b.c.d`, json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestEvalMap(t *testing.T) {
	pool := NewEnginePool(1, db.Postgres)
	doc := json.RawMessage(`{"name": "Alice", "age": 30}`)

	out, err := pool.EvalMap(context.Background(), `doc => ({ name: doc.name })`, doc)
	require.NoError(t, err)

	var mapped map[string]any
	require.NoError(t, json.Unmarshal(out, &mapped))
	assert.Equal(t, map[string]any{"name": "Alice"}, mapped)
}

func TestEvalTimeout(t *testing.T) {
	pool := NewEnginePool(1, db.Postgres)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pool.EvalPredicate(ctx, `doc => { while (true) {} }`, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrEvalTimeout)
}

func TestEngineReuseAfterTimeout(t *testing.T) {
	pool := NewEnginePool(1, db.Postgres)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := pool.EvalPredicate(ctx, `doc => { while (true) {} }`, json.RawMessage(`{}`))
	cancel()
	require.ErrorIs(t, err, ErrEvalTimeout)

	// The interrupted engine returns to the pool usable.
	match, err := pool.EvalPredicate(context.Background(), `doc => doc.ok === true`, json.RawMessage(`{"ok": true}`))
	require.NoError(t, err)
	assert.True(t, match)
}

func TestParseQueryCaching(t *testing.T) {
	pool := NewEnginePool(1, db.Postgres)
	src := `db.table("users").filter(u => u.age > 21).run()`

	first, err := pool.ParseQuery(src)
	require.NoError(t, err)
	second, err := pool.ParseQuery(src)
	require.NoError(t, err)
	assert.Same(t, first, second, "expected the cached spec on the second parse")

	_, err = pool.ParseQuery(`db.nope()`)
	assert.Error(t, err)
}

func TestPoolSizeDefault(t *testing.T) {
	pool := NewEnginePool(0, db.SQLite)
	assert.Greater(t, pool.Size(), 0)
}
