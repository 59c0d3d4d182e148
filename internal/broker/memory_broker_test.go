package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBrokerAppendAndReadNew(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	if _, err := b.AppendLog(ctx, "control", []byte("first")); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, cursor, err := b.ReadNew(ctx, "control", CursorStart, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "first" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	empty, _, err := b.ReadNew(ctx, "control", cursor, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("read (empty): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no new entries, got %d", len(empty))
	}

	if _, err := b.AppendLog(ctx, "control", []byte("second")); err != nil {
		t.Fatalf("append second: %v", err)
	}
	entries, _, err = b.ReadNew(ctx, "control", cursor, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "second" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMemoryBrokerReadNewBlocksUntilAppend(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	done := make(chan []LogEntry, 1)
	go func() {
		entries, _, err := b.ReadNew(ctx, "control", CursorStart, time.Second)
		if err != nil {
			t.Errorf("read: %v", err)
		}
		done <- entries
	}()

	time.Sleep(30 * time.Millisecond)
	if _, err := b.AppendLog(ctx, "control", []byte("woke")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case entries := <-done:
		if len(entries) != 1 || string(entries[0].Payload) != "woke" {
			t.Fatalf("unexpected entries: %+v", entries)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for blocked read to return")
	}
}

func TestMemoryBrokerHash(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	if _, ok, err := b.HashGet(ctx, "stream:s1", "status"); err != nil || ok {
		t.Fatalf("expected missing field, got ok=%v err=%v", ok, err)
	}
	if err := b.HashSet(ctx, "stream:s1", "status", "Live"); err != nil {
		t.Fatalf("hset: %v", err)
	}
	val, ok, err := b.HashGet(ctx, "stream:s1", "status")
	if err != nil || !ok || val != "Live" {
		t.Fatalf("unexpected hget result: %q ok=%v err=%v", val, ok, err)
	}

	count, err := b.HashIncrBy(ctx, "stream:s1", "chunkCount", 1)
	if err != nil || count != 1 {
		t.Fatalf("unexpected incr result: %d err=%v", count, err)
	}
	count, err = b.HashIncrBy(ctx, "stream:s1", "chunkCount", 4)
	if err != nil || count != 5 {
		t.Fatalf("unexpected incr result: %d err=%v", count, err)
	}
}

func TestMemoryBrokerSetNXAndExpire(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "owner:s1", "worker-a", 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to acquire, got ok=%v err=%v", ok, err)
	}
	ok, err = b.SetNX(ctx, "owner:s1", "worker-b", 30*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to fail while lease held, got ok=%v err=%v", ok, err)
	}

	val, present, err := b.Get(ctx, "owner:s1")
	if err != nil || !present || val != "worker-a" {
		t.Fatalf("unexpected Get result: %q present=%v err=%v", val, present, err)
	}

	time.Sleep(50 * time.Millisecond)
	ok, err = b.SetNX(ctx, "owner:s1", "worker-b", 30*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected SetNX to acquire after lease expiry, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryBrokerSetNXZeroTTLNeverExpires(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "owner:s2", "worker-a", 0)
	if err != nil || !ok {
		t.Fatalf("expected SetNX with zero ttl to acquire, got ok=%v err=%v", ok, err)
	}

	time.Sleep(20 * time.Millisecond)

	val, present, err := b.Get(ctx, "owner:s2")
	if err != nil || !present || val != "worker-a" {
		t.Fatalf("expected zero-ttl key to survive, got val=%q present=%v err=%v", val, present, err)
	}

	ok, err = b.SetNX(ctx, "owner:s2", "worker-b", 0)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to fail while zero-ttl lease held, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryBrokerKeysMatchesPattern(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	if _, err := b.SetNX(ctx, "owner:stream-1", "worker-a", 0); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if _, err := b.SetNX(ctx, "owner:stream-2", "worker-a", 0); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if _, err := b.SetNX(ctx, "heartbeat:worker-a", "1", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}

	keys, err := b.Keys(ctx, "owner:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 owner keys, got %v", keys)
	}
}

func TestMemoryBrokerPublishSubscribe(t *testing.T) {
	b := NewMemoryBroker()
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "progress:s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	if err := b.Publish(ctx, "progress:s1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != "hello" {
			t.Fatalf("unexpected message: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for published message")
	}
}
