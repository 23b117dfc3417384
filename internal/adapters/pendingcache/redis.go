package pendingcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tradeguard:pending:"

// Redis shares the pending set between processes trading the same account.
// Entries expire server-side with the TTL.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Dial parses url (redis://...) and pings the server.
func Dial(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pendingcache.Dial: parse url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pendingcache.Dial: ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Has(ctx context.Context, symbol string) (bool, error) {
	n, err := r.rdb.Exists(ctx, keyPrefix+symbol).Result()
	if err != nil {
		return false, fmt.Errorf("pendingcache.Has %s: %w", symbol, err)
	}
	return n > 0, nil
}

func (r *Redis) Put(ctx context.Context, symbol string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, keyPrefix+symbol, time.Now().UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("pendingcache.Put %s: %w", symbol, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
