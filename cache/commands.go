package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// CommandContext carries the per-connection state command handlers
// need.
type CommandContext struct {
	Store    Store
	Subs     *SubscriptionManager
	ClientID uuid.UUID
}

// ExecuteCommand dispatches one parsed command. Unknown commands and
// argument errors come back as RESP errors, never Go errors: protocol
// faults belong to the client, not the server.
func ExecuteCommand(ctx context.Context, c *CommandContext, cmd string, args []string) RespValue {
	switch cmd {
	case "PING":
		if len(args) == 1 {
			return RespBulk(args[0])
		}
		return RespPong()

	case "GET":
		if len(args) != 1 {
			return wrongArity(cmd)
		}
		entry, err := c.Store.Get(ctx, args[0])
		if err != nil {
			return storeError(err)
		}
		if entry == nil {
			return RespNull()
		}
		return RespBulk(entry.Value.RespString())

	case "SET":
		if len(args) < 2 {
			return wrongArity(cmd)
		}
		ttl := time.Duration(0)
		if len(args) >= 4 && equalsFold(args[2], "EX") {
			secs, err := strconv.Atoi(args[3])
			if err != nil || secs <= 0 {
				return RespErr("ERR invalid expire time in 'set' command")
			}
			ttl = time.Duration(secs) * time.Second
		} else if len(args) > 2 {
			return RespErr("ERR syntax error")
		}
		if err := c.Store.Set(ctx, args[0], ParseValue(args[1]), ttl); err != nil {
			return storeError(err)
		}
		return RespOK()

	case "DEL":
		if len(args) == 0 {
			return wrongArity(cmd)
		}
		var removed int64
		for _, key := range args {
			ok, err := c.Store.Delete(ctx, key)
			if err != nil {
				return storeError(err)
			}
			if ok {
				removed++
			}
		}
		return RespInt(removed)

	case "EXISTS":
		if len(args) == 0 {
			return wrongArity(cmd)
		}
		var present int64
		for _, key := range args {
			ok, err := c.Store.Exists(ctx, key)
			if err != nil {
				return storeError(err)
			}
			if ok {
				present++
			}
		}
		return RespInt(present)

	case "EXPIRE":
		if len(args) != 2 {
			return wrongArity(cmd)
		}
		secs, err := strconv.Atoi(args[1])
		if err != nil {
			return RespErr("ERR value is not an integer or out of range")
		}
		ok, err := c.Store.Expire(ctx, args[0], time.Duration(secs)*time.Second)
		if err != nil {
			return storeError(err)
		}
		return boolInt(ok)

	case "PERSIST":
		if len(args) != 1 {
			return wrongArity(cmd)
		}
		ok, err := c.Store.Persist(ctx, args[0])
		if err != nil {
			return storeError(err)
		}
		return boolInt(ok)

	case "TTL":
		if len(args) != 1 {
			return wrongArity(cmd)
		}
		ttl, err := c.Store.TTL(ctx, args[0])
		if err != nil {
			return storeError(err)
		}
		return RespInt(ttl)

	case "KEYS":
		if len(args) != 1 {
			return wrongArity(cmd)
		}
		keys, err := c.Store.Keys(ctx, args[0])
		if err != nil {
			return RespErr("ERR " + err.Error())
		}
		sort.Strings(keys)
		elems := make([]RespValue, len(keys))
		for i, k := range keys {
			elems[i] = RespBulk(k)
		}
		return RespArr(elems...)

	case "FLUSHDB":
		if err := c.Store.Flush(ctx); err != nil {
			return storeError(err)
		}
		return RespOK()

	case "DBSIZE":
		n, err := c.Store.DBSize(ctx)
		if err != nil {
			return storeError(err)
		}
		return RespInt(int64(n))

	case "INFO":
		stats, err := c.Store.Info(ctx)
		if err != nil {
			return storeError(err)
		}
		return RespBulk(formatInfo(stats))

	case "INCR":
		if len(args) != 1 {
			return wrongArity(cmd)
		}
		return incr(ctx, c, args[0], 1)

	case "DECR":
		if len(args) != 1 {
			return wrongArity(cmd)
		}
		return incr(ctx, c, args[0], -1)

	case "INCRBY":
		if len(args) != 2 {
			return wrongArity(cmd)
		}
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return RespErr("ERR value is not an integer or out of range")
		}
		return incr(ctx, c, args[0], delta)

	case "DECRBY":
		if len(args) != 2 {
			return wrongArity(cmd)
		}
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return RespErr("ERR value is not an integer or out of range")
		}
		return incr(ctx, c, args[0], -delta)

	case "SUBSCRIBE":
		if len(args) == 0 {
			return wrongArity(cmd)
		}
		var replies []RespValue
		for _, channel := range args {
			count := c.Subs.Subscribe(c.ClientID, channel)
			replies = append(replies, subscribeReply("subscribe", channel, count)...)
		}
		return RespValue{Kind: RespArray, Elems: replies}

	case "PSUBSCRIBE":
		if len(args) == 0 {
			return wrongArity(cmd)
		}
		var replies []RespValue
		for _, pattern := range args {
			count, err := c.Subs.PSubscribe(c.ClientID, pattern)
			if err != nil {
				return RespErr("ERR " + err.Error())
			}
			replies = append(replies, subscribeReply("psubscribe", pattern, count)...)
		}
		return RespValue{Kind: RespArray, Elems: replies}

	case "UNSUBSCRIBE":
		if len(args) == 0 {
			return wrongArity(cmd)
		}
		var replies []RespValue
		for _, channel := range args {
			count := c.Subs.Unsubscribe(c.ClientID, channel)
			replies = append(replies, subscribeReply("unsubscribe", channel, count)...)
		}
		return RespValue{Kind: RespArray, Elems: replies}

	case "PUNSUBSCRIBE":
		if len(args) == 0 {
			return wrongArity(cmd)
		}
		var replies []RespValue
		for _, pattern := range args {
			count := c.Subs.PUnsubscribe(c.ClientID, pattern)
			replies = append(replies, subscribeReply("punsubscribe", pattern, count)...)
		}
		return RespValue{Kind: RespArray, Elems: replies}

	default:
		return RespErr(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
}

func incr(ctx context.Context, c *CommandContext, key string, delta int64) RespValue {
	val, err := c.Store.Incr(ctx, key, delta)
	if err != nil {
		if errors.Is(err, ErrInvalidValue) {
			return RespErr("ERR value is not an integer or out of range")
		}
		return storeError(err)
	}
	return RespInt(val)
}

func subscribeReply(kind, channel string, count int) []RespValue {
	return []RespValue{RespBulk(kind), RespBulk(channel), RespInt(int64(count))}
}

func boolInt(ok bool) RespValue {
	if ok {
		return RespInt(1)
	}
	return RespInt(0)
}

func wrongArity(cmd string) RespValue {
	return RespErr(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}

func storeError(err error) RespValue {
	if errors.Is(err, ErrOutOfMemory) {
		return RespErr("OOM command not allowed when used memory > 'maxmemory'")
	}
	return RespErr("ERR " + err.Error())
}

func equalsFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// formatInfo renders INFO as key:value lines grouped into the sections
// clients expect.
func formatInfo(stats Stats) string {
	hitRate := stats.HitRate() * 100
	return fmt.Sprintf(
		"# Server\r\n"+
			"redis_version:7.0.0-squirreldb\r\n"+
			"redis_mode:standalone\r\n"+
			"\r\n# Memory\r\n"+
			"used_memory:%d\r\n"+
			"used_memory_human:%s\r\n"+
			"maxmemory:%d\r\n"+
			"\r\n# Stats\r\n"+
			"keyspace_hits:%d\r\n"+
			"keyspace_misses:%d\r\n"+
			"evicted_keys:%d\r\n"+
			"expired_keys:%d\r\n"+
			"hit_rate:%.2f%%\r\n"+
			"\r\n# Keyspace\r\n"+
			"db0:keys=%d\r\n",
		stats.MemoryUsed, humanBytes(stats.MemoryUsed), stats.MemoryLimit,
		stats.Hits, stats.Misses, stats.Evictions, stats.Expired, hitRate,
		stats.Keys,
	)
}

func humanBytes(n int) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.2fG", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.2fM", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.2fK", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
