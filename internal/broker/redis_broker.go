package broker

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed broker implementation.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisBroker constructs a Broker backed by Redis. The caller is
// responsible for ensuring the Redis instance is reachable.
func NewRedisBroker(cfg RedisConfig) (Broker, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBroker{client: client, logger: logger}, nil
}

type redisBroker struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}

func (b *redisBroker) AppendLog(ctx context.Context, log string, payload []byte) (string, error) {
	reply, err := b.client.Do(ctx, "XADD", log, "*", "payload", string(payload)).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", log, err)
	}
	id, _ := asString(reply)
	if id == "" {
		return "", fmt.Errorf("xadd %s: empty id in reply", log)
	}
	return id, nil
}

func (b *redisBroker) ReadNew(ctx context.Context, log string, cursor LogCursor, block time.Duration) ([]LogEntry, LogCursor, error) {
	from := string(cursor)
	if from == "" {
		from = string(CursorStart)
	}
	blockMs := int(math.Max(float64(block.Milliseconds()), 1))
	reply, err := b.client.Do(
		ctx, "XREAD", "COUNT", "256", "BLOCK", strconv.Itoa(blockMs), "STREAMS", log, from,
	).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, cursor, nil
		}
		return nil, cursor, fmt.Errorf("xread %s: %w", log, err)
	}
	streams, ok := reply.([]interface{})
	if !ok || len(streams) == 0 {
		return nil, cursor, nil
	}
	var entries []LogEntry
	next := cursor
	for _, stream := range streams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			payload := extractPayload(fields)
			if id == "" {
				continue
			}
			entries = append(entries, LogEntry{ID: id, Payload: payload})
			next = LogCursor(id)
		}
	}
	return entries, next, nil
}

func (b *redisBroker) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := b.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget %s/%s: %w", key, field, err)
	}
	return val, true, nil
}

func (b *redisBroker) HashSet(ctx context.Context, key, field, value string) error {
	if err := b.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s/%s: %w", key, field, err)
	}
	return nil
}

func (b *redisBroker) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	val, err := b.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s/%s: %w", key, field, err)
	}
	return val, nil
}

func (b *redisBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (b *redisBroker) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := b.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("expire %s: %w", key, err)
	}
	return ok, nil
}

func (b *redisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (b *redisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (b *redisBroker) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (b *redisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *redisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	sub := &redisSubscription{pubsub: pubsub, ch: make(chan []byte, 64)}
	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSubscription) run() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout") || errors.Is(err, redis.Nil)
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
