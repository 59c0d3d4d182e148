package broker

import (
	"context"
	"testing"
	"time"

	"streamforge/internal/testsupport/redisstub"
)

func TestRedisBrokerOwnershipLease(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	b, err := NewRedisBroker(RedisConfig{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	ok, err := b.SetNX(ctx, "owner:stream-1", "worker-a", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected to acquire lease, got ok=%v err=%v", ok, err)
	}
	ok, err = b.SetNX(ctx, "owner:stream-1", "worker-b", time.Second)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail, got ok=%v err=%v", ok, err)
	}
	val, present, err := b.Get(ctx, "owner:stream-1")
	if err != nil || !present || val != "worker-a" {
		t.Fatalf("unexpected owner: %q present=%v err=%v", val, present, err)
	}
}

func TestRedisBrokerKeysMatchesPattern(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	b, err := NewRedisBroker(RedisConfig{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
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

func TestRedisBrokerHashCounters(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	b, err := NewRedisBroker(RedisConfig{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	if err := b.HashSet(ctx, "stream:s1", "status", "Live"); err != nil {
		t.Fatalf("hset: %v", err)
	}
	val, ok, err := b.HashGet(ctx, "stream:s1", "status")
	if err != nil || !ok || val != "Live" {
		t.Fatalf("unexpected hget: %q ok=%v err=%v", val, ok, err)
	}
	count, err := b.HashIncrBy(ctx, "stream:s1", "chunkCount", 3)
	if err != nil || count != 3 {
		t.Fatalf("unexpected hincrby: %d err=%v", count, err)
	}
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	b, err := NewRedisBroker(RedisConfig{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "progress:s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	time.Sleep(50 * time.Millisecond)
	if err := b.Publish(ctx, "progress:s1", []byte("segmentReady")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg) != "segmentReady" {
			t.Fatalf("unexpected message: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for published message")
	}
}

func TestRedisBrokerAppendAndReadNew(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	b, err := NewRedisBroker(RedisConfig{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	if _, err := b.AppendLog(ctx, "control", []byte("start")); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, _, err := b.ReadNew(ctx, "control", CursorStart, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Payload) != "start" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
