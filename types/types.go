// Package types holds the core data model shared by the backend, the
// query engine, and the wire protocol: documents, change records, and
// compiled query plans.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultProjectID scopes documents created before projects existed and
// documents written by clients that never select a project.
var DefaultProjectID = uuid.MustParse("00000000-0000-0000-0000-000000000000")

// Document is a single stored record. Data is the raw JSON payload as
// written by the client.
type Document struct {
	ID         uuid.UUID       `json:"id"`
	ProjectID  uuid.UUID       `json:"project_id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ChangeOperation is the kind of write that produced a change record.
type ChangeOperation string

const (
	OpInsert ChangeOperation = "INSERT"
	OpUpdate ChangeOperation = "UPDATE"
	OpDelete ChangeOperation = "DELETE"
)

// ParseChangeOperation maps a change_queue operation column to its enum
// value, accepting any case.
func ParseChangeOperation(s string) (ChangeOperation, error) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	}
	return "", fmt.Errorf("unknown operation: %q", s)
}

// Change is one committed write as captured by the backend triggers.
// Ids are strictly increasing within a backend and never reused.
type Change struct {
	ID         int64           `json:"id"`
	ProjectID  uuid.UUID       `json:"project_id"`
	Collection string          `json:"collection"`
	DocumentID uuid.UUID       `json:"document_id"`
	Operation  ChangeOperation `json:"operation"`
	OldData    json.RawMessage `json:"old_data,omitempty"`
	NewData    json.RawMessage `json:"new_data,omitempty"`
	ChangedAt  time.Time       `json:"changed_at"`
}

// OrderDirection is an ORDER BY direction.
type OrderDirection string

const (
	Asc  OrderDirection = "asc"
	Desc OrderDirection = "desc"
)

// OrderBySpec names the document field (dot path into the payload) and
// direction a query sorts by.
type OrderBySpec struct {
	Field     string         `json:"field"`
	Direction OrderDirection `json:"direction"`
}

// ChangesSpec marks a query as a change subscription.
type ChangesSpec struct {
	IncludeInitial bool `json:"includeInitial"`
}

// CompiledFilter is a predicate ready for evaluation. JSCode always
// carries the original arrow-lambda source; SQL is non-empty only when
// the compiler proved the predicate expressible as a safe WHERE
// fragment for the backend dialect.
type CompiledFilter struct {
	JSCode string `json:"js_code"`
	SQL    string `json:"compiled_sql,omitempty"`
}

// IsSQL reports whether the filter can be pushed down to the backend.
func (f *CompiledFilter) IsSQL() bool {
	return f != nil && f.SQL != ""
}

// QuerySpec is a parsed and compiled query plan.
type QuerySpec struct {
	Table   string          `json:"table"`
	Filter  *CompiledFilter `json:"filter,omitempty"`
	Map     string          `json:"map,omitempty"`
	OrderBy *OrderBySpec    `json:"order_by,omitempty"`
	Limit   *int            `json:"limit,omitempty"`
	Offset  *int            `json:"offset,omitempty"`
	Changes *ChangesSpec    `json:"changes,omitempty"`
}

// IsChanges reports whether the query is a change subscription.
func (q *QuerySpec) IsChanges() bool {
	return q.Changes != nil
}
