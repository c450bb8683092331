package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache entries within a Redis database.
const DefaultRedisPrefix = "mitmcache:"

// Each entry is a hash with the fields below.
const (
	fieldURL    = "url"
	fieldMethod = "method"
	fieldFlow   = "flow"
)

// storeScript writes the hash only if the key does not exist yet.
var storeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1], "url", ARGV[1], "method", ARGV[2], "flow", ARGV[3])
return 1
`)

// updateScript writes the hash only if the key already exists.
var updateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], "url", ARGV[1], "method", ARGV[2], "flow", ARGV[3])
return 1
`)

// RedisStorage keeps entries in Redis, one hash per cache key.
// Existence checks and writes run server-side in a single script,
// so concurrent stores for the same key cannot both succeed.
type RedisStorage struct {
	redis     *redis.Client
	prefix    string
	closeOnce *sync.Once
	closeErr  error
}

// NewRedisStorage creates a Redis backed storage using the given client.
// The storage takes ownership of the client and closes it on Close.
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{
		redis:     client,
		prefix:    prefix,
		closeOnce: &sync.Once{},
	}
}

func (r *RedisStorage) Get(ctx context.Context, key string) (Entry, bool, error) {
	fields, err := r.redis.HGetAll(ctx, r.prefix+key).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %q: %w: %w", key, ErrBackendUnavailable, err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	payload, ok := fields[fieldFlow]
	if !ok || payload == "" {
		return Entry{}, false, fmt.Errorf("redis get %q: %w: no payload", key, ErrCorrupt)
	}
	return Entry{
		Key:     key,
		URL:     fields[fieldURL],
		Method:  fields[fieldMethod],
		Payload: []byte(payload),
	}, true, nil
}

func (r *RedisStorage) Store(ctx context.Context, entry Entry) error {
	written, err := r.run(ctx, storeScript, entry)
	if err != nil {
		return fmt.Errorf("redis store %q: %w: %w", entry.Key, ErrBackendUnavailable, err)
	}
	if !written {
		return fmt.Errorf("redis store %q: %w", entry.Key, ErrDuplicateKey)
	}
	return nil
}

func (r *RedisStorage) Update(ctx context.Context, entry Entry) error {
	written, err := r.run(ctx, updateScript, entry)
	if err != nil {
		return fmt.Errorf("redis update %q: %w: %w", entry.Key, ErrBackendUnavailable, err)
	}
	if !written {
		return fmt.Errorf("redis update %q: %w", entry.Key, ErrNotFound)
	}
	return nil
}

func (r *RedisStorage) Purge(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis purge %q: %w: %w", key, ErrBackendUnavailable, err)
	}
	return nil
}

// Keys calls the given callback for each stored key.
func (r *RedisStorage) Keys(ctx context.Context, cb func(string)) error {
	iter := r.redis.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		cb(iter.Val()[len(r.prefix):])
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis keys: %w: %w", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.redis.Close()
		if errors.Is(r.closeErr, redis.ErrClosed) {
			r.closeErr = nil
		}
	})
	return r.closeErr
}

// run executes a write script and reports whether it wrote the entry.
func (r *RedisStorage) run(ctx context.Context, script *redis.Script, entry Entry) (bool, error) {
	n, err := script.Run(ctx, r.redis,
		[]string{r.prefix + entry.Key},
		entry.URL, entry.Method, entry.Payload,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
