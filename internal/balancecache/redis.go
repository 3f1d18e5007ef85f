package balancecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// putScript writes the balance only when the cached version is not newer.
//
// KEYS[1] balance hash
// ARGV[1] balance, ARGV[2] version, ARGV[3] ttl ms, ARGV[4] stored-at unix ms
const putScript = `
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'b', ARGV[1], 'v', ARGV[2], 't', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`

// RedisCache is a Cache shared by every API replica.
type RedisCache struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	put    *redis.Script
}

// NewRedisCache creates a Redis-backed cache. ttl <= 0 uses DefaultTTL.
func NewRedisCache(rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &RedisCache{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "wallet:balance:",
		put:    redis.NewScript(putScript),
	}

	// Preload the script SHA so the first Put avoids a full EVAL.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.put.Load(ctx, rdb).Err()
	}()

	return c
}

// key uses a hash tag so a wallet's entry always lands on one cluster slot.
func (c *RedisCache) key(walletID string) string {
	return c.prefix + "{" + walletID + "}"
}

func (c *RedisCache) Get(ctx context.Context, walletID string) (Entry, bool, error) {
	vals, err := c.rdb.HMGet(ctx, c.key(walletID), "b", "v", "t").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("balance cache get: %w", err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return Entry{}, false, nil
	}

	bal, err := decimal.NewFromString(fmt.Sprint(vals[0]))
	if err != nil {
		return Entry{}, false, nil
	}
	version, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return Entry{}, false, nil
	}
	var storedAt time.Time
	if vals[2] != nil {
		if ms, err := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64); err == nil {
			storedAt = time.UnixMilli(ms)
		}
	}

	// Redis expires the key itself; anything still present is fresh.
	return Entry{Balance: bal, Version: version, StoredAt: storedAt}, true, nil
}

func (c *RedisCache) Put(ctx context.Context, walletID string, balance decimal.Decimal, version int64) error {
	err := c.put.Run(ctx, c.rdb, []string{c.key(walletID)},
		balance.String(),
		version,
		c.ttl.Milliseconds(),
		time.Now().UnixMilli(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("balance cache put: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, walletID string) error {
	if err := c.rdb.Del(ctx, c.key(walletID)).Err(); err != nil {
		return fmt.Errorf("balance cache invalidate: %w", err)
	}
	return nil
}

// ConnectRedis opens a client from a redis:// URL and pings it.
func ConnectRedis(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = time.Second
	opts.ReadTimeout = 400 * time.Millisecond
	opts.WriteTimeout = 400 * time.Millisecond
	opts.PoolTimeout = 750 * time.Millisecond
	opts.MinRetryBackoff = 50 * time.Millisecond
	opts.MaxRetryBackoff = 200 * time.Millisecond
	opts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		_ = cn.ClientSetName(ctx, "topup-ledger").Err()
		return nil
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// PingContext reports whether Redis is reachable.
func (c *RedisCache) PingContext(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
