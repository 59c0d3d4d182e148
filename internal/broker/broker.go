// Package broker defines the Coordination Broker contract: an
// append-only log, a per-key hash map, atomic SET-NX-with-TTL, and
// channel pub/sub. A Redis-backed implementation and an in-memory fake
// satisfy the same interface.
package broker

import (
	"context"
	"time"
)

// LogEntry is one record read back from an append-only log.
type LogEntry struct {
	ID      string
	Payload []byte
}

// LogCursor tracks a consumer's read position on a log, advanced by
// ReadNew.
type LogCursor string

// CursorStart is the cursor value that reads a log from its beginning.
const CursorStart LogCursor = "0"

// CursorLatest is the cursor value that skips all entries already on
// the log and reads only ones appended from this moment on. Redis'
// XREAD accepts the literal "$" for exactly this "new entries only"
// semantics; the in-memory broker interprets the same sentinel.
const CursorLatest LogCursor = "$"

// Broker is the Coordination Broker's contract. Implementations must be
// safe for concurrent use by multiple goroutines and, for the Redis
// backend, multiple processes.
type Broker interface {
	// AppendLog appends payload to the named log and returns the
	// assigned entry ID.
	AppendLog(ctx context.Context, log string, payload []byte) (string, error)

	// ReadNew blocks until at least one new entry is appended to log
	// after cursor, or ctx is done, or block elapses with nothing new.
	// It returns the entries read and the cursor to resume from.
	ReadNew(ctx context.Context, log string, cursor LogCursor, block time.Duration) ([]LogEntry, LogCursor, error)

	// HashGet returns the value of field in the hash named key, and
	// whether it was present.
	HashGet(ctx context.Context, key, field string) (string, bool, error)

	// HashSet sets field to value in the hash named key.
	HashSet(ctx context.Context, key, field, value string) error

	// HashIncrBy atomically increments field in the hash named key by
	// delta and returns the resulting value.
	HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// SetNX atomically sets key to value with the given TTL iff key is
	// not already set, returning whether it acquired the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Expire refreshes the TTL on an existing key, used to renew
	// ownership leases acquired via SetNX. It returns whether the key
	// existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Get returns the current value of key, and whether it was
	// present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Keys returns every string key matching pattern, used by the
	// Transcode Worker's reclamation sweep to enumerate owner:* keys.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Delete removes a key outright, used to release ownership leases
	// early rather than waiting out their TTL.
	Delete(ctx context.Context, key string) error

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a Subscription delivering messages published
	// to channel from the moment Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases any resources held by the broker.
	Close() error
}

// Subscription delivers messages published to a channel.
type Subscription interface {
	// Messages returns the channel of incoming payloads. It is closed
	// when the subscription is closed.
	Messages() <-chan []byte

	// Close stops the subscription.
	Close() error
}
