package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

// MemoryBackend selects a private in-memory SQLite database.
const MemoryBackend = ":memory:"

// Create returns the backend selected by config:
//
//   - ":memory:" or "memory" for an in-memory SQLite database
//   - "sqlite://<path>", "file:<path>" or a plain path for an SQLite file
//   - "redis://..." or "rediss://..." for Redis (see redis.ParseURL)
//
// Any other configuration fails with ErrUnsupportedBackend.
func Create(ctx context.Context, config string) (Backend, error) {
	config = strings.TrimSpace(config)
	switch {
	case config == "":
		return nil, fmt.Errorf("%w: empty configuration", ErrUnsupportedBackend)
	case config == MemoryBackend || config == "memory":
		return createSQLite(MemoryBackend)
	case strings.HasPrefix(config, "sqlite://"):
		return createSQLite(strings.TrimPrefix(config, "sqlite://"))
	case strings.HasPrefix(config, "file:"):
		return createSQLite(config)
	}

	if scheme, _, found := strings.Cut(config, "://"); found {
		switch strings.ToLower(scheme) {
		case "redis", "rediss":
			return createRedis(ctx, config)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, scheme)
		}
	}
	return createSQLite(config)
}

// createSQLite keeps a failed open from turning into a non-nil Backend.
func createSQLite(filename string) (Backend, error) {
	s, err := NewSQLiteStorage(filename)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// createRedis connects to Redis. An optional "prefix" query parameter
// overrides DefaultRedisPrefix.
func createRedis(ctx context.Context, config string) (Backend, error) {
	u, err := url.Parse(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, err)
	}
	prefix := DefaultRedisPrefix
	query := u.Query()
	if query.Has("prefix") {
		prefix = query.Get("prefix")
		query.Del("prefix")
		u.RawQuery = query.Encode()
	}
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedBackend, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return NewRedisStorage(client, prefix), nil
}
