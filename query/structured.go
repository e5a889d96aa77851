package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/types"
)

// StructuredQuery is the MongoDB-style query form sent by SDKs as an
// alternative to DSL strings. Filters compile into the same QuerySpec
// the DSL produces.
type StructuredQuery struct {
	Table   string              `json:"table"`
	Filter  json.RawMessage     `json:"filter,omitempty"`
	Sort    []types.OrderBySpec `json:"sort,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
	Skip    *int                `json:"skip,omitempty"`
	Changes *types.ChangesSpec  `json:"changes,omitempty"`
}

// CompileStructured converts a structured query into a QuerySpec with a
// compiled SQL filter. Structured filters always compile: the operator
// set maps one-to-one onto the SQL fragment grammar.
func (c *Compiler) CompileStructured(sq *StructuredQuery) (*types.QuerySpec, error) {
	if err := db.ValidateCollectionName(sq.Table); err != nil {
		return nil, err
	}
	spec := &types.QuerySpec{Table: sq.Table, Changes: sq.Changes}

	if len(sq.Sort) > 0 {
		order := sq.Sort[0]
		if err := db.ValidateIdentifier(order.Field); err != nil {
			return nil, err
		}
		if order.Direction != types.Desc {
			order.Direction = types.Asc
		}
		spec.OrderBy = &order
	}
	if sq.Limit != nil {
		if err := db.ValidateLimit(*sq.Limit); err != nil {
			return nil, err
		}
		spec.Limit = sq.Limit
	}
	if sq.Skip != nil {
		if err := db.ValidateOffset(*sq.Skip); err != nil {
			return nil, err
		}
		spec.Offset = sq.Skip
	}

	if len(sq.Filter) > 0 {
		sql, err := c.compileStructuredFilter(sq.Filter)
		if err != nil {
			return nil, err
		}
		spec.Filter = &types.CompiledFilter{JSCode: string(sq.Filter), SQL: sql}
	}
	return spec, nil
}

func (c *Compiler) compileStructuredFilter(raw json.RawMessage) (string, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return "", fmt.Errorf("filter must be an object: %w", err)
	}
	if len(node) == 0 {
		return "", fmt.Errorf("empty filter object")
	}

	em := &predicateParser{dialect: c.dialect}
	var parts []string
	for key, val := range node {
		switch key {
		case "$and", "$or":
			var children []json.RawMessage
			if err := json.Unmarshal(val, &children); err != nil {
				return "", fmt.Errorf("%s expects an array: %w", key, err)
			}
			if len(children) == 0 {
				return "", fmt.Errorf("%s requires at least one clause", key)
			}
			joiner := " AND "
			if key == "$or" {
				joiner = " OR "
			}
			var clauses []string
			for _, child := range children {
				sql, err := c.compileStructuredFilter(child)
				if err != nil {
					return "", err
				}
				clauses = append(clauses, sql)
			}
			parts = append(parts, "("+strings.Join(clauses, joiner)+")")
		case "$not":
			sql, err := c.compileStructuredFilter(val)
			if err != nil {
				return "", err
			}
			parts = append(parts, "NOT ("+sql+")")
		default:
			sql, err := c.compileFieldCondition(em, key, val)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
	}
	return strings.Join(parts, " AND "), nil
}

func (c *Compiler) compileFieldCondition(em *predicateParser, field string, raw json.RawMessage) (string, error) {
	if err := db.ValidateIdentifier(field); err != nil {
		return "", err
	}
	path := strings.Split(field, ".")

	// A bare value is shorthand for {"$eq": value}.
	var ops map[string]json.RawMessage
	if err := json.Unmarshal(raw, &ops); err != nil || len(ops) == 0 || !strings.HasPrefix(firstKey(ops), "$") {
		return c.compileComparison(em, path, "=", raw)
	}

	var parts []string
	for op, val := range ops {
		var (
			sql string
			err error
		)
		switch op {
		case "$eq":
			sql, err = c.compileComparison(em, path, "=", val)
		case "$ne":
			sql, err = c.compileComparison(em, path, "!=", val)
		case "$gt":
			sql, err = c.compileComparison(em, path, ">", val)
		case "$gte":
			sql, err = c.compileComparison(em, path, ">=", val)
		case "$lt":
			sql, err = c.compileComparison(em, path, "<", val)
		case "$lte":
			sql, err = c.compileComparison(em, path, "<=", val)
		case "$contains":
			sql, err = c.compileContains(em, path, val)
		case "$startsWith":
			sql, err = c.compileLike(em, path, val, false)
		case "$endsWith":
			sql, err = c.compileLike(em, path, val, true)
		case "$in", "$nin":
			sql, err = c.compileIn(em, path, val, op == "$nin")
		case "$exists":
			sql, err = c.compileExists(em, path, val)
		default:
			return "", fmt.Errorf("unsupported operator %q", op)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, " AND "), nil
}

func (c *Compiler) compileComparison(em *predicateParser, path []string, op string, raw json.RawMessage) (string, error) {
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return "", fmt.Errorf("invalid literal: %w", err)
	}
	switch v := val.(type) {
	case string:
		escaped, err := db.EscapeString(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s '%s'", em.textExtract(path), op, escaped), nil
	case float64:
		return fmt.Sprintf("%s %s %s", em.numericExtract(path), op, formatNumber(v)), nil
	case bool:
		return fmt.Sprintf("%s %s %t", em.boolExtract(path), op, v), nil
	default:
		return "", fmt.Errorf("unsupported literal type %T", val)
	}
}

func (c *Compiler) compileContains(em *predicateParser, path []string, raw json.RawMessage) (string, error) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("$contains expects a string: %w", err)
	}
	escaped, err := db.EscapeString(v)
	if err != nil {
		return "", err
	}
	return em.arrayContains(path, escaped), nil
}

func (c *Compiler) compileLike(em *predicateParser, path []string, raw json.RawMessage, suffix bool) (string, error) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("expects a string: %w", err)
	}
	escaped, err := db.EscapeString(v)
	if err != nil {
		return "", err
	}
	if suffix {
		return em.textLike(path, "%"+escaped), nil
	}
	return em.textLike(path, escaped+"%"), nil
}

func (c *Compiler) compileIn(em *predicateParser, path []string, raw json.RawMessage, negate bool) (string, error) {
	var vals []json.RawMessage
	if err := json.Unmarshal(raw, &vals); err != nil {
		return "", fmt.Errorf("$in/$nin expect an array: %w", err)
	}
	if len(vals) == 0 {
		if negate {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	var clauses []string
	for _, v := range vals {
		sql, err := c.compileComparison(em, path, "=", v)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, sql)
	}
	joined := "(" + strings.Join(clauses, " OR ") + ")"
	if negate {
		return "NOT " + joined, nil
	}
	return joined, nil
}

func (c *Compiler) compileExists(em *predicateParser, path []string, raw json.RawMessage) (string, error) {
	var want bool
	if err := json.Unmarshal(raw, &want); err != nil {
		return "", fmt.Errorf("$exists expects a boolean: %w", err)
	}
	var expr string
	if c.dialect == db.Postgres {
		expr = em.valueExtract(path)
	} else {
		expr = em.textExtract(path)
	}
	if want {
		return expr + " IS NOT NULL", nil
	}
	return expr + " IS NULL", nil
}

func firstKey(m map[string]json.RawMessage) string {
	for k := range m {
		return k
	}
	return ""
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
