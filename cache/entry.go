// Package cache implements the Redis-wire cache: an in-memory store
// with TTL and eviction, the RESP protocol, pub/sub over cache
// mutations, snapshot persistence, and a pass-through proxy mode.
package cache

import (
	"encoding/json"
	"strconv"
	"time"
)

// ValueKind discriminates cached value types.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInteger
	KindJSON
)

// Value is a cached value: null, string, integer, or arbitrary JSON.
type Value struct {
	Kind ValueKind
	Str  string
	Int  int64
	JSON json.RawMessage
}

// NullValue is the zero cached value.
func NullValue() Value { return Value{Kind: KindNull} }

// StringValue wraps a plain string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntegerValue wraps an integer.
func IntegerValue(i int64) Value { return Value{Kind: KindInteger, Int: i} }

// ParseValue interprets a wire string the way Redis clients expect:
// JSON null/number/string/object decode to their kinds, everything
// else stays a plain string.
func ParseValue(s string) Value {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return StringValue(s)
	}
	switch t := v.(type) {
	case nil:
		return NullValue()
	case float64:
		if t == float64(int64(t)) {
			return IntegerValue(int64(t))
		}
		return Value{Kind: KindJSON, JSON: json.RawMessage(s)}
	case string:
		return StringValue(t)
	default:
		return Value{Kind: KindJSON, JSON: json.RawMessage(s)}
	}
}

// ApproximateSize estimates the value's in-memory footprint in bytes.
func (v Value) ApproximateSize() int {
	switch v.Kind {
	case KindString:
		return len(v.Str)
	case KindInteger:
		return 8
	case KindJSON:
		return len(v.JSON)
	default:
		return 0
	}
}

// RespString renders the value the way GET returns it on the wire.
func (v Value) RespString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindJSON:
		return string(v.JSON)
	default:
		return ""
	}
}

// AsInt64 interprets the value as an integer when possible.
func (v Value) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindInteger:
		return v.Int, true
	case KindString:
		i, err := strconv.ParseInt(v.Str, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// MarshalJSON serializes untagged: null, number, string, or raw JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindInteger:
		return json.Marshal(v.Int)
	case KindJSON:
		return v.JSON, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON reverses MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = NullValue()
	case float64:
		if t == float64(int64(t)) {
			*v = IntegerValue(int64(t))
		} else {
			*v = Value{Kind: KindJSON, JSON: append(json.RawMessage(nil), data...)}
		}
	case string:
		*v = StringValue(t)
	default:
		*v = Value{Kind: KindJSON, JSON: append(json.RawMessage(nil), data...)}
	}
	return nil
}

// Entry is one cached key with its bookkeeping metadata.
type Entry struct {
	Key         string
	Value       Value
	TTL         time.Duration // 0 = no expiry
	CreatedAt   time.Time
	AccessedAt  time.Time
	ExpiresAt   time.Time // zero = no expiry
	AccessCount uint64
	Size        int
}

// NewEntry builds an entry, computing its expiry and approximate size.
func NewEntry(key string, value Value, ttl time.Duration) *Entry {
	now := time.Now()
	e := &Entry{
		Key:        key,
		Value:      value,
		TTL:        ttl,
		CreatedAt:  now,
		AccessedAt: now,
		Size:       value.ApproximateSize() + len(key),
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// IsExpired reports whether the entry's expiry instant has passed.
func (e *Entry) IsExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// TTLRemaining returns the remaining lifetime, or false when the entry
// has no expiry.
func (e *Entry) TTLRemaining() (time.Duration, bool) {
	if e.ExpiresAt.IsZero() {
		return 0, false
	}
	d := time.Until(e.ExpiresAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Touch records an access.
func (e *Entry) Touch() {
	e.AccessedAt = time.Now()
	e.AccessCount++
}

// UpdateTTL replaces the entry's TTL; zero clears it.
func (e *Entry) UpdateTTL(ttl time.Duration) {
	e.TTL = ttl
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	} else {
		e.ExpiresAt = time.Time{}
	}
}

// SnapshotEntry is the persisted form of an entry: key, value, and
// remaining TTL in milliseconds.
type SnapshotEntry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
	TTLMs *int64 `json:"ttl_ms,omitempty"`
}

// ToSnapshot captures an entry with its remaining TTL.
func (e *Entry) ToSnapshot() SnapshotEntry {
	se := SnapshotEntry{Key: e.Key, Value: e.Value}
	if rem, ok := e.TTLRemaining(); ok {
		ms := rem.Milliseconds()
		se.TTLMs = &ms
	}
	return se
}
