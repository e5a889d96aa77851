package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client message types.
const (
	MsgQuery           = "query"
	MsgSubscribe       = "subscribe"
	MsgUnsubscribe     = "unsubscribe"
	MsgListCollections = "list_collections"
	MsgInsert          = "insert"
	MsgUpdate          = "update"
	MsgDelete          = "delete"
	MsgPing            = "ping"
	MsgSelectProject   = "select_project"
)

// Server message types.
const (
	MsgResult          = "result"
	MsgSubscribed      = "subscribed"
	MsgUnsubscribed    = "unsubscribed"
	MsgChange          = "change"
	MsgError           = "error"
	MsgPong            = "pong"
	MsgProjectSelected = "project_selected"
)

// ClientMessage is the JSON envelope received over WebSocket and TCP.
// Type discriminates which optional fields are meaningful; ID correlates
// the response.
type ClientMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Query      string          `json:"query,omitempty"`
	Collection string          `json:"collection,omitempty"`
	DocumentID *uuid.UUID      `json:"document_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Project    string          `json:"project,omitempty"`
}

// ChangeEvent is the payload of a server "change" message.
type ChangeEvent struct {
	SubscriptionID string          `json:"subscription_id"`
	Operation      ChangeOperation `json:"operation"`
	Old            json.RawMessage `json:"old,omitempty"`
	New            json.RawMessage `json:"new,omitempty"`
	DocumentID     uuid.UUID       `json:"document_id"`
	Collection     string          `json:"collection"`
	ChangedAt      time.Time       `json:"changed_at"`
}

// ServerMessage is the JSON envelope sent to clients. The same struct
// covers responses and unsolicited change events; unused fields are
// omitted on the wire.
type ServerMessage struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Data    any          `json:"data,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
	Change  *ChangeEvent `json:"change,omitempty"`
	// Dropped counts rows skipped due to per-row evaluation errors so
	// clients can tell a partial result from a complete one.
	Dropped int `json:"dropped,omitempty"`
}

// ResultMessage builds a "result" response.
func ResultMessage(id string, data any) ServerMessage {
	return ServerMessage{Type: MsgResult, ID: id, Data: data}
}

// ErrorMessage builds an "error" response with a machine-readable code.
func ErrorMessage(id, code, message string) ServerMessage {
	return ServerMessage{Type: MsgError, ID: id, Code: code, Message: message}
}

// PongMessage answers a ping with the same correlation id.
func PongMessage(id string) ServerMessage {
	return ServerMessage{Type: MsgPong, ID: id}
}

// SubscribedMessage acknowledges a subscription.
func SubscribedMessage(id string) ServerMessage {
	return ServerMessage{Type: MsgSubscribed, ID: id}
}

// UnsubscribedMessage acknowledges an unsubscribe.
func UnsubscribedMessage(id string) ServerMessage {
	return ServerMessage{Type: MsgUnsubscribed, ID: id}
}

// ChangeMessage wraps a change event. The envelope id is server
// generated; clients correlate on the subscription id inside the event.
func ChangeMessage(id string, ev ChangeEvent) ServerMessage {
	return ServerMessage{Type: MsgChange, ID: id, Change: &ev}
}
