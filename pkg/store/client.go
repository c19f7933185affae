// Package store is the key/value access layer described in spec.md §6: a
// thin, thread-safe client over the logical config/state databases, built
// so the rest of the core never hard-codes a DB index, socket path, or key
// separator — those come from DBConfig.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a connection to one logical database (CONFIG_DB or STATE_DB),
// resolved through DBConfig. It is safe for concurrent use by multiple
// goroutines, matching the "shared, thread-safe handle" spec.md §5
// requires.
type Client struct {
	rdb    *redis.Client
	ctx    context.Context
	params Params
}

// connectRetries/connectBackoff bound the "brief retry" spec.md §7 allows
// before a ConfigUnavailable condition is treated as startup-fatal.
const (
	connectRetries = 5
	connectBackoff = 200 * time.Millisecond
)

// Dial connects to the logical database named by params, retrying briefly
// on failure before giving up with ErrUnavailable.
func Dial(params Params) (*Client, error) {
	opts := &redis.Options{DB: params.ID}
	if params.UnixSocketPath != "" {
		opts.Network = "unix"
		opts.Addr = params.UnixSocketPath
	} else {
		opts.Network = "tcp"
		opts.Addr = fmt.Sprintf("%s:%d", params.Hostname, params.Port)
	}

	rdb := redis.NewClient(opts)
	ctx := context.Background()

	var err error
	for attempt := 0; attempt < connectRetries; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return &Client{rdb: rdb, ctx: ctx, params: params}, nil
		}
		time.Sleep(connectBackoff)
	}
	rdb.Close()
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, params.Name, err)
}

// Separator is the key separator configured for this logical database.
func (c *Client) Separator() string { return c.params.Separator }

// Key joins a table name and instance ID with this database's separator,
// e.g. Key("CONSOLE_PORT", "link-7") -> "CONSOLE_PORT|link-7".
func (c *Client) Key(table, id string) string {
	return table + c.params.Separator + id
}

// HGetAll reads every field of a hash key.
func (c *Client) HGetAll(key string) (map[string]string, error) {
	return c.rdb.HGetAll(c.ctx, key).Result()
}

// GetField reads a single hash field, returning ("", false, nil) if it is
// absent.
func (c *Client) GetField(key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(c.ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// GetInt reads a single hash field and parses it as an integer.
func (c *Client) GetInt(key, field string) (int, bool, error) {
	val, ok, err := c.GetField(key, field)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, err := strconv.Atoi(val)
	return n, true, err
}

// MergeFields writes fields into key via HSET, leaving every other field at
// that key untouched. This is the merge-not-replace write spec.md §4.4 and
// §9 require for the liveness key, which is shared with an unrelated
// component.
func (c *Client) MergeFields(key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.rdb.HSet(c.ctx, key, args...).Err()
}

// DeleteFields removes only the named fields from key, leaving any other
// field (owned by an unrelated component) untouched.
func (c *Client) DeleteFields(key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HDel(c.ctx, key, fields...).Err()
}

// Keys lists keys matching pattern (e.g. "CONSOLE_PORT|*").
func (c *Client) Keys(pattern string) ([]string, error) {
	return c.rdb.Keys(c.ctx, pattern).Result()
}

// ChangeKind is the keyspace-notification event name for a write that
// touched a watched key.
type ChangeKind string

const (
	ChangeHSet    ChangeKind = "hset"
	ChangeHDel    ChangeKind = "hdel"
	ChangeDel     ChangeKind = "del"
	ChangeExpired ChangeKind = "expired"
)

// Change is one notification delivered by SubscribeKeyspace.
type Change struct {
	Key  string
	Kind ChangeKind
}

// SubscribeKeyspace subscribes to Redis keyspace notifications for keys
// matching keyPattern (e.g. "CONSOLE_PORT|*"), which must be enabled on the
// server (notify-keyspace-events) by the deployment outside this process's
// control. This is the "key-space change-notification facility" spec.md §6
// requires the core select on. The returned close function must be called
// to release the subscription.
func (c *Client) SubscribeKeyspace(keyPattern string) (<-chan Change, func()) {
	channelPattern := fmt.Sprintf("__keyspace@%d__:%s", c.params.ID, keyPattern)
	pubsub := c.rdb.PSubscribe(c.ctx, channelPattern)

	out := make(chan Change, 16)
	raw := pubsub.Channel()
	go func() {
		defer close(out)
		prefix := fmt.Sprintf("__keyspace@%d__:", c.params.ID)
		for msg := range raw {
			key := msg.Channel
			if len(key) > len(prefix) {
				key = key[len(prefix):]
			}
			out <- Change{Key: key, Kind: ChangeKind(msg.Payload)}
		}
	}()

	return out, func() { pubsub.Close() }
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
