package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/types"
)

func structuredSpec(t *testing.T, dialect db.Dialect, doc string) *types.QuerySpec {
	t.Helper()
	var sq StructuredQuery
	require.NoError(t, json.Unmarshal([]byte(doc), &sq))
	spec, err := NewCompiler(dialect).CompileStructured(&sq)
	require.NoError(t, err)
	return spec
}

func TestStructuredSimpleFilter(t *testing.T) {
	spec := structuredSpec(t, db.Postgres, `{"table": "users", "filter": {"age": {"$gt": 21}}}`)
	assert.Equal(t, "users", spec.Table)
	require.NotNil(t, spec.Filter)
	assert.Equal(t, `(data->'age')::numeric > 21`, spec.Filter.SQL)
}

func TestStructuredEqualityShorthand(t *testing.T) {
	spec := structuredSpec(t, db.Postgres, `{"table": "users", "filter": {"status": "active"}}`)
	assert.Equal(t, `data->>'status' = 'active'`, spec.Filter.SQL)
}

func TestStructuredLogicalAnd(t *testing.T) {
	spec := structuredSpec(t, db.Postgres, `{
		"table": "users",
		"filter": {"$and": [
			{"age": {"$gt": 21}},
			{"status": {"$eq": "active"}}
		]}
	}`)
	assert.Equal(t, `((data->'age')::numeric > 21 AND data->>'status' = 'active')`, spec.Filter.SQL)
}

func TestStructuredNot(t *testing.T) {
	spec := structuredSpec(t, db.Postgres, `{"table": "users", "filter": {"$not": {"status": {"$eq": "banned"}}}}`)
	assert.Equal(t, `NOT (data->>'status' = 'banned')`, spec.Filter.SQL)
}

func TestStructuredIn(t *testing.T) {
	spec := structuredSpec(t, db.Postgres, `{"table": "users", "filter": {"role": {"$in": ["admin", "owner"]}}}`)
	assert.Equal(t, `(data->>'role' = 'admin' OR data->>'role' = 'owner')`, spec.Filter.SQL)
}

func TestStructuredOperatorsSQLite(t *testing.T) {
	spec := structuredSpec(t, db.SQLite, `{"table": "docs", "filter": {"tags": {"$contains": "go"}}}`)
	assert.Equal(t,
		`EXISTS(SELECT 1 FROM json_each(json_extract(data, '$.tags')) WHERE value = 'go')`,
		spec.Filter.SQL)

	spec = structuredSpec(t, db.SQLite, `{"table": "docs", "filter": {"name": {"$startsWith": "A"}}}`)
	assert.Equal(t, `json_extract(data, '$.name') LIKE 'A%'`, spec.Filter.SQL)

	spec = structuredSpec(t, db.SQLite, `{"table": "docs", "filter": {"deleted_at": {"$exists": false}}}`)
	assert.Equal(t, `json_extract(data, '$.deleted_at') IS NULL`, spec.Filter.SQL)
}

func TestStructuredSortLimitSkipChanges(t *testing.T) {
	spec := structuredSpec(t, db.Postgres, `{
		"table": "orders",
		"sort": [{"field": "created_at", "direction": "desc"}],
		"limit": 10,
		"skip": 5,
		"changes": {"includeInitial": true}
	}`)
	require.NotNil(t, spec.OrderBy)
	assert.Equal(t, "created_at", spec.OrderBy.Field)
	assert.Equal(t, types.Desc, spec.OrderBy.Direction)
	assert.Equal(t, 10, *spec.Limit)
	assert.Equal(t, 5, *spec.Offset)
	assert.True(t, spec.IsChanges())
	assert.True(t, spec.Changes.IncludeInitial)
}

func TestStructuredRejectsBadInput(t *testing.T) {
	c := NewCompiler(db.Postgres)

	_, err := c.CompileStructured(&StructuredQuery{Table: "Bad-Name"})
	assert.Error(t, err)

	var sq StructuredQuery
	require.NoError(t, json.Unmarshal([]byte(`{"table": "users", "filter": {"a; DROP": 1}}`), &sq))
	_, err = c.CompileStructured(&sq)
	assert.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"table": "users", "filter": {"x": {"$regex": "a.*"}}}`), &sq))
	_, err = c.CompileStructured(&sq)
	assert.Error(t, err)
}
