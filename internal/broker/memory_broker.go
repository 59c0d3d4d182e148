package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// NewMemoryBroker returns an in-memory Broker suitable for tests and
// single-process deployments. It satisfies the same ordering and TTL
// semantics as the Redis backend but holds no state beyond the process.
func NewMemoryBroker() Broker {
	return &memoryBroker{
		logs:  make(map[string][]LogEntry),
		hash:  make(map[string]map[string]string),
		str:   make(map[string]memoryKey),
		subs:  make(map[string]map[*memorySubscription]struct{}),
		newed: make(map[string]chan struct{}),
	}
}

type memoryKey struct {
	value   string
	expires time.Time
}

type memoryBroker struct {
	mu    sync.Mutex
	seq   int64
	logs  map[string][]LogEntry
	hash  map[string]map[string]string
	str   map[string]memoryKey
	subs  map[string]map[*memorySubscription]struct{}
	newed map[string]chan struct{}
}

func (b *memoryBroker) Close() error { return nil }

func (b *memoryBroker) AppendLog(ctx context.Context, log string, payload []byte) (string, error) {
	b.mu.Lock()
	b.seq++
	id := strconv.FormatInt(b.seq, 10)
	b.logs[log] = append(b.logs[log], LogEntry{ID: id, Payload: append([]byte(nil), payload...)})
	notify := b.newed[log]
	b.mu.Unlock()
	if notify != nil {
		close(notify)
		b.mu.Lock()
		delete(b.newed, log)
		b.mu.Unlock()
	}
	return id, nil
}

func (b *memoryBroker) ReadNew(ctx context.Context, log string, cursor LogCursor, block time.Duration) ([]LogEntry, LogCursor, error) {
	deadline := time.Now().Add(block)
	latest := 0
	if cursor == CursorLatest {
		b.mu.Lock()
		latest = len(b.logs[log])
		b.mu.Unlock()
	}
	for {
		b.mu.Lock()
		entries := b.logs[log]
		idx := 0
		switch {
		case cursor == CursorLatest:
			idx = latest
		case cursor != CursorStart && cursor != "":
			for i, e := range entries {
				if e.ID == string(cursor) {
					idx = i + 1
					break
				}
			}
		}
		if idx < len(entries) {
			out := append([]LogEntry(nil), entries[idx:]...)
			next := LogCursor(out[len(out)-1].ID)
			b.mu.Unlock()
			return out, next, nil
		}
		wait := b.newed[log]
		if wait == nil {
			wait = make(chan struct{})
			b.newed[log] = wait
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, cursor, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, cursor, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, cursor, nil
		}
	}
}

func (b *memoryBroker) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.hash[key]
	if !ok {
		return "", false, nil
	}
	val, ok := fields[field]
	return val, ok, nil
}

func (b *memoryBroker) HashSet(ctx context.Context, key, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.hash[key]
	if !ok {
		fields = make(map[string]string)
		b.hash[key] = fields
	}
	fields[field] = value
	return nil
}

func (b *memoryBroker) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fields, ok := b.hash[key]
	if !ok {
		fields = make(map[string]string)
		b.hash[key] = fields
	}
	current, err := strconv.ParseInt(fields[field], 10, 64)
	if fields[field] != "" && err != nil {
		return 0, fmt.Errorf("hincrby %s/%s: existing value is not an integer", key, field)
	}
	current += delta
	fields[field] = strconv.FormatInt(current, 10)
	return current, nil
}

func (b *memoryBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictExpiredLocked(key)
	if _, ok := b.str[key]; ok {
		return false, nil
	}
	b.str[key] = memoryKey{value: value, expires: expiryFor(ttl)}
	return true, nil
}

func (b *memoryBroker) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictExpiredLocked(key)
	entry, ok := b.str[key]
	if !ok {
		return false, nil
	}
	entry.expires = expiryFor(ttl)
	b.str[key] = entry
	return true, nil
}

// expiryFor mirrors go-redis's SET/EXPIRE convention: a non-positive ttl
// means no expiration at all, not "expires immediately". owner:{streamId}
// keys (spec.md §4.2) rely on this to never expire on their own.
func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (b *memoryBroker) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictExpiredLocked(key)
	entry, ok := b.str[key]
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (b *memoryBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for key, entry := range b.str {
		if !entry.expires.IsZero() && time.Now().After(entry.expires) {
			continue
		}
		matched, err := filepath.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, key)
		}
	}
	return out, nil
}

func (b *memoryBroker) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.str, key)
	delete(b.hash, key)
	delete(b.logs, key)
	return nil
}

// evictExpiredLocked removes key if its TTL has elapsed. Caller holds b.mu.
func (b *memoryBroker) evictExpiredLocked(key string) {
	entry, ok := b.str[key]
	if ok && !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(b.str, key)
	}
}

func (b *memoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- append([]byte(nil), payload...):
		default:
			// Drop instead of blocking; subscribers are expected to
			// drain promptly.
		}
	}
	return nil
}

func (b *memoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{broker: b, channel: channel, ch: make(chan []byte, 64)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	once    sync.Once
	broker  *memoryBroker
	channel string
	ch      chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.channel], s)
		s.broker.mu.Unlock()
		close(s.ch)
	})
	return nil
}
