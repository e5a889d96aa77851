package subscription

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/query"
)

// matcherFor compiles a predicate with the SQLite dialect and builds
// the in-process matcher from the resulting fragment, mirroring what
// Subscribe does on a SQLite backend.
func matcherFor(t *testing.T, lambda string) *fragmentMatcher {
	t.Helper()
	f := query.NewCompiler(db.SQLite).CompilePredicate(lambda)
	require.True(t, f.IsSQL(), "predicate %q must compile to SQL", lambda)
	m, err := compileFragment(f.SQL)
	require.NoError(t, err, f.SQL)
	return m
}

func mustMatch(t *testing.T, m *fragmentMatcher, doc string) bool {
	t.Helper()
	ok, err := m.Match(json.RawMessage(doc))
	require.NoError(t, err)
	return ok
}

func TestFragmentStringEquality(t *testing.T) {
	m := matcherFor(t, `o => o.status === "pending"`)
	assert.True(t, mustMatch(t, m, `{"status": "pending"}`))
	assert.False(t, mustMatch(t, m, `{"status": "shipped"}`))
	assert.False(t, mustMatch(t, m, `{}`))
	assert.False(t, mustMatch(t, m, `{"status": 5}`))
}

func TestFragmentNumericComparison(t *testing.T) {
	m := matcherFor(t, `u => u.age > 21`)
	assert.True(t, mustMatch(t, m, `{"age": 30}`))
	assert.False(t, mustMatch(t, m, `{"age": 21}`))
	assert.False(t, mustMatch(t, m, `{"age": "old"}`)) // CAST('old' AS REAL) = 0
	assert.True(t, mustMatch(t, m, `{"age": "30"}`))   // CAST coerces numeric strings
}

func TestFragmentLogical(t *testing.T) {
	m := matcherFor(t, `u => u.age > 21 && u.status === "active"`)
	assert.True(t, mustMatch(t, m, `{"age": 30, "status": "active"}`))
	assert.False(t, mustMatch(t, m, `{"age": 30, "status": "idle"}`))
	assert.False(t, mustMatch(t, m, `{"age": 18, "status": "active"}`))

	m = matcherFor(t, `u => u.role === "admin" || u.role === "owner"`)
	assert.True(t, mustMatch(t, m, `{"role": "owner"}`))
	assert.False(t, mustMatch(t, m, `{"role": "guest"}`))
}

func TestFragmentIncludes(t *testing.T) {
	m := matcherFor(t, `d => d.tags.includes('go')`)
	assert.True(t, mustMatch(t, m, `{"tags": ["rust", "go"]}`))
	assert.False(t, mustMatch(t, m, `{"tags": ["rust"]}`))
	assert.False(t, mustMatch(t, m, `{"tags": "go"}`))
}

func TestFragmentPrefixSuffix(t *testing.T) {
	m := matcherFor(t, `d => d.name.startsWith('Al')`)
	assert.True(t, mustMatch(t, m, `{"name": "Alice"}`))
	assert.False(t, mustMatch(t, m, `{"name": "Bob"}`))

	m = matcherFor(t, `d => d.name.endsWith('son')`)
	assert.True(t, mustMatch(t, m, `{"name": "Johnson"}`))
	assert.False(t, mustMatch(t, m, `{"name": "Johns"}`))
}

func TestFragmentArrayLength(t *testing.T) {
	m := matcherFor(t, `d => d.items.length > 2`)
	assert.True(t, mustMatch(t, m, `{"items": [1, 2, 3]}`))
	assert.False(t, mustMatch(t, m, `{"items": [1]}`))
	assert.False(t, mustMatch(t, m, `{"items": "abc"}`))
}

func TestFragmentNestedPath(t *testing.T) {
	m := matcherFor(t, `d => d.address.city === "Berlin"`)
	assert.True(t, mustMatch(t, m, `{"address": {"city": "Berlin"}}`))
	assert.False(t, mustMatch(t, m, `{"address": {"city": "Paris"}}`))
	assert.False(t, mustMatch(t, m, `{"address": "Berlin"}`))
}

func TestFragmentEscapedQuote(t *testing.T) {
	m := matcherFor(t, `d => d.name === "O'Brien"`)
	assert.True(t, mustMatch(t, m, `{"name": "O'Brien"}`))
	assert.False(t, mustMatch(t, m, `{"name": "OBrien"}`))
}

func TestFragmentParenthesized(t *testing.T) {
	m := matcherFor(t, `d => (d.a === "x" || d.b === "y") && d.n < 5`)
	assert.True(t, mustMatch(t, m, `{"a": "x", "n": 1}`))
	assert.True(t, mustMatch(t, m, `{"b": "y", "n": 4}`))
	assert.False(t, mustMatch(t, m, `{"a": "x", "n": 9}`))
	assert.False(t, mustMatch(t, m, `{"n": 1}`))
}

func TestFragmentStructuredForms(t *testing.T) {
	// Fragments produced by the structured-query compiler parse too.
	c := query.NewCompiler(db.SQLite)
	var sq query.StructuredQuery
	require.NoError(t, json.Unmarshal(
		[]byte(`{"table": "users", "filter": {"$not": {"status": "banned"}}}`), &sq))
	spec, err := c.CompileStructured(&sq)
	require.NoError(t, err)

	m, err := compileFragment(spec.Filter.SQL)
	require.NoError(t, err)
	assert.True(t, mustMatch(t, m, `{"status": "ok"}`))
	assert.False(t, mustMatch(t, m, `{"status": "banned"}`))

	require.NoError(t, json.Unmarshal(
		[]byte(`{"table": "users", "filter": {"deleted_at": {"$exists": false}}}`), &sq))
	spec, err = c.CompileStructured(&sq)
	require.NoError(t, err)
	m, err = compileFragment(spec.Filter.SQL)
	require.NoError(t, err)
	assert.True(t, mustMatch(t, m, `{"name": "x"}`))
	assert.False(t, mustMatch(t, m, `{"deleted_at": "2024-01-01"}`))
}

func TestFragmentRejectsUnknownSQL(t *testing.T) {
	_, err := compileFragment(`pg_sleep(10)`)
	assert.Error(t, err)
	_, err = compileFragment(`json_extract(data, '$.a') = 'x'; DROP TABLE documents`)
	assert.Error(t, err)
}

func TestCompiledSQLAgreesWithJSEvaluation(t *testing.T) {
	// For predicates the compiler accepts as SQL, evaluating the
	// compiled fragment must agree with running the original lambda in
	// the sandbox.
	predicates := []string{
		`d => d.age > 21`,
		`d => d.age <= 21`,
		`d => d.status === "active"`,
		`d => d.status !== "active"`,
		`d => d.tags.includes('go')`,
		`d => d.name.startsWith('Al')`,
		`d => d.name.endsWith('ce')`,
		`d => d.tags.length > 1`,
		`d => d.age > 21 && d.status === "active"`,
		`d => d.age < 18 || d.status === "active"`,
	}
	docs := []string{
		`{"age": 30, "status": "active", "tags": ["go", "db"], "name": "Alice"}`,
		`{"age": 30, "status": "idle", "tags": ["go"], "name": "Alfred"}`,
		`{"age": 10, "status": "active", "tags": [], "name": "Bo"}`,
		`{"age": 21, "status": "banned", "tags": ["rust"], "name": "Grace"}`,
	}

	pool := query.NewEnginePool(1, db.SQLite)
	for _, pred := range predicates {
		m := matcherFor(t, pred)
		for _, doc := range docs {
			sqlResult := mustMatch(t, m, doc)
			jsResult, err := pool.EvalPredicate(context.Background(), pred, json.RawMessage(doc))
			require.NoError(t, err, "%s on %s", pred, doc)
			assert.Equal(t, jsResult, sqlResult, "divergence for %s on %s", pred, doc)
		}
	}
}

func TestLikeMatch(t *testing.T) {
	assert.True(t, likeMatch("Al%", "Alice"))
	assert.True(t, likeMatch("%son", "Johnson"))
	assert.True(t, likeMatch("f_o", "foo"))
	assert.False(t, likeMatch("f_o", "fooo"))
	assert.True(t, likeMatch("%", ""))
	assert.False(t, likeMatch("abc", "abd"))
}
