package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubSubMessageFormat(t *testing.T) {
	v := StringValue("world")
	change := Change{
		Key:       "hello",
		Operation: ChangeSet,
		NewValue:  &v,
		ChangedAt: time.Now().UTC(),
	}
	msg := string(change.PubSubMessage("hello"))
	assert.Equal(t, "*3\r\n$7\r\nmessage\r\n$5\r\nhello\r\n$15\r\nset hello world\r\n", msg)

	del := Change{Key: "hello", Operation: ChangeDelete}
	assert.Equal(t, "*3\r\n$7\r\nmessage\r\n$5\r\nhello\r\n$9\r\ndel hello\r\n",
		string(del.PubSubMessage("hello")))

	exp := Change{Key: "k", Operation: ChangeExpire}
	assert.Contains(t, string(exp.PubSubMessage("chan")), "expired k")

	flush := Change{Key: "*", Operation: ChangeFlush}
	assert.Contains(t, string(flush.PubSubMessage("chan")), "flushdb")
}

func TestSubscribeCounts(t *testing.T) {
	m := NewSubscriptionManager()
	client := uuid.New()
	m.RegisterClient(client)

	assert.Equal(t, 1, m.Subscribe(client, "channel1"))
	assert.Equal(t, 2, m.Subscribe(client, "channel2"))
	assert.Equal(t, 1, m.Unsubscribe(client, "channel1"))

	count, err := m.PSubscribe(client, "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.Equal(t, 1, m.PUnsubscribe(client, "user:*"))
	assert.Equal(t, 1, m.SubscriptionCount(client))
}

func TestBroadcastExactAndPattern(t *testing.T) {
	m := NewSubscriptionManager()

	exact := uuid.New()
	exactCh := m.RegisterClient(exact)
	m.Subscribe(exact, "user:1")

	pattern := uuid.New()
	patternCh := m.RegisterClient(pattern)
	_, err := m.PSubscribe(pattern, "user:*")
	require.NoError(t, err)

	other := uuid.New()
	otherCh := m.RegisterClient(other)
	m.Subscribe(other, "order:1")

	m.Broadcast(Change{Key: "user:1", Operation: ChangeSet, ChangedAt: time.Now().UTC()})

	select {
	case d := <-exactCh:
		assert.Equal(t, "user:1", d.Channel)
	case <-time.After(time.Second):
		t.Fatal("exact subscriber got nothing")
	}
	select {
	case d := <-patternCh:
		assert.Equal(t, "user:*", d.Channel)
	case <-time.After(time.Second):
		t.Fatal("pattern subscriber got nothing")
	}
	select {
	case <-otherCh:
		t.Fatal("unrelated subscriber received a delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastPrefixedKeyMatchesExactChannel(t *testing.T) {
	m := NewSubscriptionManager()
	client := uuid.New()
	ch := m.RegisterClient(client)
	m.Subscribe(client, "user")

	m.Broadcast(Change{Key: "user:42", Operation: ChangeDelete, ChangedAt: time.Now().UTC()})

	select {
	case d := <-ch:
		assert.Equal(t, "user", d.Channel)
		assert.Equal(t, "user:42", d.Change.Key)
	case <-time.After(time.Second):
		t.Fatal("prefixed key did not reach the channel subscriber")
	}
}

func TestGlobPatternMatching(t *testing.T) {
	m := NewSubscriptionManager()
	client := uuid.New()
	ch := m.RegisterClient(client)

	cases := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"*", "anything", true},
		{"foo*", "foobar", true},
		{"*bar", "foobar", true},
		{"foo*bar", "fooXXXbar", true},
		{"f?o", "foo", true},
		{"f?o", "fooo", false},
		{"user:*", "user:123", true},
		{"user:*", "order:123", false},
	}
	for i, c := range cases {
		pattern := c.pattern
		_, err := m.PSubscribe(client, pattern)
		require.NoError(t, err)

		m.Broadcast(Change{Key: c.key, Operation: ChangeSet, ChangedAt: time.Now().UTC()})

		got := false
	drain:
		for {
			select {
			case <-ch:
				got = true
			case <-time.After(20 * time.Millisecond):
				break drain
			}
		}
		assert.Equal(t, c.match, got, "case %d: glob(%q, %q)", i, c.pattern, c.key)
		m.PUnsubscribe(client, pattern)
	}
}

func TestRemoveClientDropsEverything(t *testing.T) {
	m := NewSubscriptionManager()
	client := uuid.New()
	ch := m.RegisterClient(client)
	m.Subscribe(client, "a")
	_, err := m.PSubscribe(client, "b:*")
	require.NoError(t, err)

	m.RemoveClient(client)
	assert.Equal(t, 0, m.SubscriptionCount(client))

	_, open := <-ch
	assert.False(t, open, "delivery channel should be closed")
}
