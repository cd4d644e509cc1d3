package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"restops/internal/store"
)

const defaultPrefix = "restops"

// Store keeps rate-limit windows and idempotency keys in redis. Rate-limit
// records live in one sorted set per (function, key) scored by time, and
// idempotency keys expire on their own after the configured TTL.
type Store struct {
	client         redis.UniversalClient
	prefix         string
	requestTTL     time.Duration
	idempotencyTTL time.Duration
}

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func New(client redis.UniversalClient, requestTTL, idempotencyTTL time.Duration, opts ...Option) *Store {
	s := &Store{
		client:         client,
		prefix:         defaultPrefix,
		requestTTL:     requestTTL,
		idempotencyTTL: idempotencyTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis URL and verifies the server answers.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *Store) requestKey(functionName, key string) string {
	return s.prefix + ":rl:" + functionName + ":" + key
}

func (s *Store) idempotencyKey(key string) string {
	return s.prefix + ":idem:" + key
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMicro(), 10)
}

func (s *Store) CountRequests(ctx context.Context, functionName, key string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.requestKey(functionName, key), score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return int(n), nil
}

func (s *Store) RecordRequest(ctx context.Context, functionName, key string, at time.Time) error {
	k := s.requestKey(functionName, key)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(at.UTC().UnixMicro()), Member: uuid.NewString()})
	if s.requestTTL > 0 {
		pipe.Expire(ctx, k, s.requestTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// PruneRequests trims entries older than before from every window. Keys also
// expire through the request TTL, so this mostly matters for busy keys.
func (s *Store) PruneRequests(ctx context.Context, before time.Time) (int, error) {
	pruned := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":rl:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+score(before)).Result()
		if err != nil {
			return pruned, fmt.Errorf("prune requests: %w", err)
		}
		pruned += int(n)
	}
	if err := iter.Err(); err != nil {
		return pruned, fmt.Errorf("scan request keys: %w", err)
	}
	return pruned, nil
}

func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.idempotencyKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InsertKey(ctx context.Context, key string, at time.Time) error {
	ok, err := s.client.SetNX(ctx, s.idempotencyKey(key), score(at), s.idempotencyTTL).Result()
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	if !ok {
		return store.ErrDuplicate
	}
	return nil
}

// PruneKeys is a no-op: idempotency keys carry their own TTL.
func (s *Store) PruneKeys(ctx context.Context, _ time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, nil
}

var (
	_ store.RateLimitStore   = (*Store)(nil)
	_ store.IdempotencyStore = (*Store)(nil)
)
