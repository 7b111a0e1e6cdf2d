package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisKeyPrefix   = "bastion:rl:"

	scanBatch = 256
)

// Every script reads the time from the Redis server so that instances with
// skewed clocks still agree on window boundaries. Records are hashes:
//
//	k kind, c count, p previous count, t tokens, l limit, w window ms,
//	ws window start ms, bu blocked-until ms (0 = none), fs first seen ms,
//	ls last seen ms
const luaNow = `
local clock = redis.call('TIME')
local now = tonumber(clock[1]) * 1000 + math.floor(tonumber(clock[2]) / 1000)
`

var fixedWindowScript = redis.NewScript(luaNow + `
local key = KEYS[1]
local size = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local aligned = ARGV[3] == '1'

local f = redis.call('HMGET', key, 'k', 'w', 'ws', 'c', 'fs')
local ws = tonumber(f[3])
local count = tonumber(f[4]) or 0
local fs = tonumber(f[5]) or now
if f[1] ~= 'fixed' or tonumber(f[2]) ~= size or ws == nil or now >= ws + size then
  ws = now
  if aligned then ws = now - (now % size) end
  count = 0
  fs = now
end

count = count + 1
local reset = ws + size - now
local allowed, remaining, retry, bu = 0, 0, 0, 0
if count <= limit then
  allowed = 1
  remaining = limit - count
else
  retry = reset
  bu = ws + size
end

redis.call('DEL', key)
redis.call('HSET', key, 'k', 'fixed', 'c', count, 'p', 0, 't', 0, 'l', limit, 'w', size,
  'ws', ws, 'bu', bu, 'fs', fs, 'ls', now)
redis.call('PEXPIRE', key, reset)
return {allowed, count, remaining, retry, reset}
`)

var slidingWindowScript = redis.NewScript(luaNow + `
local key = KEYS[1]
local size = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local start = now - (now % size)

local f = redis.call('HMGET', key, 'k', 'w', 'ws', 'c', 'p', 'fs')
local count, prev, fs = 0, 0, now
if f[1] == 'sliding' and tonumber(f[2]) == size then
  local ws = tonumber(f[3])
  fs = tonumber(f[6]) or now
  if ws == start then
    count = tonumber(f[4]) or 0
    prev = tonumber(f[5]) or 0
  elseif ws == start - size then
    prev = tonumber(f[4]) or 0
  end
end

local elapsed = now - start
local estimate = count + prev * (1 - elapsed / size)
count = count + 1

local allowed, remaining, retry, bu = 0, 0, 0, 0
if estimate < limit then
  allowed = 1
  remaining = math.floor(limit - estimate - 1)
  if remaining < 0 then remaining = 0 end
else
  local at
  if count < limit and prev > 0 then
    at = size * (1 - (limit - count) / prev) + 1
  else
    at = size + size * (1 - limit / count) + 1
  end
  retry = math.ceil(at) - elapsed
  if retry < 1 then retry = 1 end
  bu = now + retry
end

local reset = start + 2 * size - now
redis.call('DEL', key)
redis.call('HSET', key, 'k', 'sliding', 'c', count, 'p', prev, 't', 0, 'l', limit, 'w', size,
  'ws', start, 'bu', bu, 'fs', fs, 'ls', now)
redis.call('PEXPIRE', key, reset)
return {allowed, count, remaining, retry, reset}
`)

var tokenBucketScript = redis.NewScript(luaNow + `
local key = KEYS[1]
local size = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local f = redis.call('HMGET', key, 'k', 'w', 't', 'c', 'fs', 'ls')
local tokens, count, fs, last = limit, 0, now, now
if f[1] == 'token' and tonumber(f[2]) == size then
  tokens = tonumber(f[3]) or limit
  count = tonumber(f[4]) or 0
  fs = tonumber(f[5]) or now
  last = tonumber(f[6]) or now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(limit, tokens + limit * elapsed / size)
count = count + 1

local allowed, remaining, retry, bu = 0, 0, 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
  remaining = math.floor(tokens)
else
  retry = math.ceil((1 - tokens) * size / limit)
  bu = now + retry
end

local full = math.ceil((limit - tokens) * size / limit)
if full < 1 then full = 1 end
redis.call('DEL', key)
redis.call('HSET', key, 'k', 'token', 'c', count, 'p', 0, 't', string.format('%.17g', tokens),
  'l', limit, 'w', size, 'ws', fs, 'bu', bu, 'fs', fs, 'ls', now)
redis.call('PEXPIRE', key, full)
return {allowed, count, remaining, retry, full}
`)

// RedisConfig configures the shared backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Cluster      bool          `yaml:"cluster"`
	ClusterNodes []string      `yaml:"cluster_nodes"`
	PoolSize     int           `yaml:"pool_size"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// RedisStore keeps records in Redis so every limiter instance shares them.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := newRedisClient(conf)
	s := NewRedisStoreFromClient(client, conf.KeyPrefix)
	if err := s.pingWithRetry(ctx, conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. An empty prefix selects
// the default key prefix.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Increment(ctx context.Context, key string, w Window) (Counter, error) {
	aligned := "0"
	if w.Aligned {
		aligned = "1"
	}
	return s.run(ctx, fixedWindowScript, "fixed window", key, w, aligned)
}

func (s *RedisStore) Slide(ctx context.Context, key string, w Window) (Counter, error) {
	return s.run(ctx, slidingWindowScript, "sliding window", key, w)
}

func (s *RedisStore) Take(ctx context.Context, key string, w Window) (Counter, error) {
	return s.run(ctx, tokenBucketScript, "token bucket", key, w)
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, op, key string, w Window, extra ...any) (Counter, error) {
	if err := w.validate(key); err != nil {
		return Counter{}, err
	}

	args := append([]any{w.Size.Milliseconds(), w.Limit}, extra...)
	res, err := script.Run(ctx, s.client, []string{s.prefix + key}, args...).Int64Slice()
	if err != nil {
		return Counter{}, unavailable(op, err)
	}
	if len(res) != 5 {
		return Counter{}, fmt.Errorf("unexpected %s script result length %d", op, len(res))
	}

	return Counter{
		Allowed:    res[0] == 1,
		Count:      res[1],
		Remaining:  int(res[2]),
		RetryAfter: msDuration(res[3]),
		Reset:      msDuration(res[4]),
	}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Record{}, false, unavailable("peek", err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec, err := parseRecord(key, fields)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return unavailable("reset", err)
	}
	return nil
}

func (s *RedisStore) ResetAll(ctx context.Context, prefix string) (int, error) {
	removed := 0
	err := s.scanKeys(ctx, prefix, func(c redis.UniversalClient, keys []string) error {
		// Keys of one batch may hash to different cluster slots.
		for _, key := range keys {
			n, err := c.Unlink(ctx, key).Result()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return removed, unavailable("reset all", err)
	}
	return removed, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(Record) error) error {
	var fnErr error
	err := s.scanKeys(ctx, prefix, func(c redis.UniversalClient, keys []string) error {
		for _, key := range keys {
			fields, err := c.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				continue
			}
			rec, err := parseRecord(strings.TrimPrefix(key, s.prefix), fields)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				fnErr = err
				return err
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return unavailable("scan", err)
	}
	return nil
}

// scanKeys walks every key under prefix, visiting each master node when the
// client is a cluster client.
func (s *RedisStore) scanKeys(ctx context.Context, prefix string, fn func(redis.UniversalClient, []string) error) error {
	pattern := escapeGlob(s.prefix+prefix) + "*"
	walk := func(ctx context.Context, c redis.UniversalClient) error {
		var cursor uint64
		for {
			keys, next, err := c.Scan(ctx, cursor, pattern, scanBatch).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := fn(c, keys); err != nil {
					return err
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	}

	if cc, ok := s.client.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return walk(ctx, node)
		})
	}
	return walk(ctx, s.client)
}

// Close releases the client. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *RedisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := max(maxRetries+1, 1)
	backoff := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = s.client.Ping(ctx).Err(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.KeyPrefix == "" {
		conf.KeyPrefix = defaultRedisKeyPrefix
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else if conf.Addr == "" {
		return nil, fmt.Errorf("addr is required when cluster=false")
	}
	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

func parseRecord(key string, f map[string]string) (Record, error) {
	var firstErr error
	num := func(name string) int64 {
		v, ok := f[name]
		if !ok || v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			// Lua may format large integers in exponent form.
			fl, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parse field %s=%q: %w", name, v, err)
				}
				return 0
			}
			n = int64(fl)
		}
		return n
	}

	rec := Record{
		Key:         key,
		Kind:        Kind(f["k"]),
		Count:       num("c"),
		Previous:    num("p"),
		Limit:       int(num("l")),
		Window:      msDuration(num("w")),
		WindowStart: fromMillis(num("ws")),
		FirstSeen:   fromMillis(num("fs")),
		LastSeen:    fromMillis(num("ls")),
	}
	if bu := num("bu"); bu > 0 {
		rec.BlockedUntil = fromMillis(bu)
	}
	if t, ok := f["t"]; ok && t != "" {
		tokens, err := strconv.ParseFloat(t, 64)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("parse field t=%q: %w", t, err)
		}
		rec.Tokens = tokens
	}
	return rec, firstErr
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
