package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeOperation(t *testing.T) {
	for in, want := range map[string]ChangeOperation{
		"INSERT": OpInsert,
		"insert": OpInsert,
		"Update": OpUpdate,
		"DELETE": OpDelete,
	} {
		got, err := ParseChangeOperation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseChangeOperation("UPSERT")
	assert.Error(t, err)
}

func TestClientMessageRoundTrip(t *testing.T) {
	docID := uuid.New()
	messages := []ClientMessage{
		{Type: MsgQuery, ID: "1", Query: `db.table("test").run()`},
		{Type: MsgSubscribe, ID: "2", Query: `db.table("test").changes()`},
		{Type: MsgUnsubscribe, ID: "3"},
		{Type: MsgListCollections, ID: "4"},
		{Type: MsgPing, ID: "5"},
		{Type: MsgInsert, ID: "6", Collection: "users", Data: json.RawMessage(`{"name":"Alice"}`)},
		{Type: MsgUpdate, ID: "7", Collection: "users", DocumentID: &docID, Data: json.RawMessage(`{"name":"Bob"}`)},
		{Type: MsgDelete, ID: "8", Collection: "users", DocumentID: &docID},
	}
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		require.NoError(t, err)

		var parsed ClientMessage
		require.NoError(t, json.Unmarshal(raw, &parsed))
		assert.Equal(t, msg.Type, parsed.Type)
		assert.Equal(t, msg.ID, parsed.ID)
	}
}

func TestMessageTypeTags(t *testing.T) {
	raw, err := json.Marshal(ClientMessage{Type: MsgQuery, ID: "1", Query: "q"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"query"`)

	raw, err = json.Marshal(PongMessage("2"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"pong"`)
	assert.Contains(t, string(raw), `"id":"2"`)
}

func TestErrorMessageShape(t *testing.T) {
	msg := ErrorMessage("err-1", "validation", "something went wrong")
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"error"`)
	assert.Contains(t, string(raw), `"code":"validation"`)
	assert.Contains(t, string(raw), "something went wrong")
}

func TestChangeMessageCarriesEvent(t *testing.T) {
	ev := ChangeEvent{
		SubscriptionID: "sub-1",
		Operation:      OpUpdate,
		Old:            json.RawMessage(`{"v":1}`),
		New:            json.RawMessage(`{"v":2}`),
		DocumentID:     uuid.New(),
		Collection:     "docs",
		ChangedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(ChangeMessage("srv-1", ev))
	require.NoError(t, err)

	var parsed ServerMessage
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.NotNil(t, parsed.Change)
	assert.Equal(t, "sub-1", parsed.Change.SubscriptionID)
	assert.Equal(t, OpUpdate, parsed.Change.Operation)
	assert.Equal(t, "docs", parsed.Change.Collection)
}

func TestCompiledFilterIsSQL(t *testing.T) {
	var nilFilter *CompiledFilter
	assert.False(t, nilFilter.IsSQL())
	assert.False(t, (&CompiledFilter{JSCode: "x => true"}).IsSQL())
	assert.True(t, (&CompiledFilter{JSCode: "x => true", SQL: "TRUE"}).IsSQL())
}

func TestQuerySpecIsChanges(t *testing.T) {
	spec := QuerySpec{Table: "t"}
	assert.False(t, spec.IsChanges())
	spec.Changes = &ChangesSpec{IncludeInitial: true}
	assert.True(t, spec.IsChanges())
}
