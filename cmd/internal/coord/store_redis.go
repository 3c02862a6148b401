package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDelete deletes KEYS[1] only when it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const redisMGetChunk = 256

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore is a Store backed by Redis.
//
// Ownership model:
// - RedisStore owns the client created by NewRedisStore and closes it in Close.
// - NewRedisStoreFromClient borrows the client; Close still closes it.
type RedisStore struct {
	rdb *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore dials Redis and validates connectivity with a short ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("coord: missing redis addr")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, unavailable("ping", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return v, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	out := make([]*string, 0, len(keys))
	for start := 0; start < len(keys); start += redisMGetChunk {
		end := min(start+redisMGetChunk, len(keys))

		vals, err := s.rdb.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, unavailable("mget", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				out = append(out, nil)
				continue
			}
			out = append(out, &str)
		}
	}
	return out, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{key}, value).Int64()
	if err != nil {
		return false, unavailable("compare_and_delete", err)
	}
	return n == 1, nil
}

// Exec runs ops inside MULTI/EXEC.
func (s *RedisStore) Exec(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case OpSet:
				p.Set(ctx, op.Key, op.Value, max(op.TTL, 0))
			case OpDel:
				p.Del(ctx, op.Key)
			case OpSAdd:
				p.SAdd(ctx, op.Key, op.Value)
			case OpSRem:
				p.SRem(ctx, op.Key, op.Value)
			default:
				return fmt.Errorf("coord: unsupported op kind %d", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("exec", err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, set string) ([]string, error) {
	m, err := s.rdb.SMembers(ctx, set).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return m, nil
}

func (s *RedisStore) SCard(ctx context.Context, set string) (int64, error) {
	n, err := s.rdb.SCard(ctx, set).Result()
	if err != nil {
		return 0, unavailable("scard", err)
	}
	return n, nil
}

// Expire maps a non-positive ttl to PERSIST, as Set does for Exec.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl > 0 {
		ok, err = s.rdb.Expire(ctx, key, ttl).Result()
	} else {
		ok, err = s.rdb.Persist(ctx, key).Result()
		if err == nil && !ok {
			// PERSIST also answers 0 for a key without expiry.
			var n int64
			n, err = s.rdb.Exists(ctx, key).Result()
			ok = n == 1
		}
	}
	if err != nil {
		return false, unavailable("expire", err)
	}
	return ok, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("ttl", err)
	}
	// Redis reports -2 for a missing key and -1 for a key without expiry.
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)

	// Receive blocks until Redis confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, 64),
		done: make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: m.Channel, Payload: m.Payload}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}
