// Package redislock implements core.Locker on Redis so that several engine
// processes serialize work on the same customer.
//
// A lock is a key set with NX and a TTL holding a random token. Release
// deletes the key only if it still holds that token, so a holder whose TTL
// ran out cannot free somebody else's lock.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultTTL   = 30 * time.Second
	DefaultRetry = 50 * time.Millisecond
)

var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a Redis-backed core.Locker.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

type Option func(*Locker)

func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }
func WithRetry(d time.Duration) Option { return func(l *Locker) { l.retry = d } }
func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }
func WithLogger(lg *zap.Logger) Option { return func(l *Locker) { l.logger = lg } }

func New(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "settlement:lock:",
		ttl:    DefaultTTL,
		retry:  DefaultRetry,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Connect opens a client and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

// Lock blocks until key is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	full := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", full, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's ctx may already be cancelled; release regardless.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release.Run(rctx, l.client, []string{full}, token).Err(); err != nil {
			l.logger.Warn("lock release failed", zap.String("key", full), zap.Error(err))
		}
	}, nil
}
