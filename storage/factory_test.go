package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, config := range []string{
		":memory:",
		"memory",
		filepath.Join(dir, "plain.db"),
		"sqlite://" + filepath.Join(dir, "scheme.db"),
		"file:" + filepath.Join(dir, "uri.db"),
	} {
		t.Run(config, func(t *testing.T) {
			b, err := Create(ctx, config)
			require.NoError(t, err)
			defer b.Close()
			_, ok := b.(*SQLiteStorage)
			assert.True(t, ok, "backend is %T", b)
		})
	}
}

func TestCreateUnsupported(t *testing.T) {
	for _, config := range []string{"", "  ", "ftp://example.com/cache", "memcached://localhost:11211"} {
		_, err := Create(context.Background(), config)
		assert.ErrorIs(t, err, ErrUnsupportedBackend, "config %q", config)
	}
}

func TestCreateRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Create(ctx, "redis://127.0.0.1:1/0")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCreateSQLiteFailureReturnsNilBackend(t *testing.T) {
	b, err := Create(context.Background(), filepath.Join(t.TempDir(), "missing", "cache.db"))
	assert.Error(t, err)
	// a typed nil inside the interface would pass assert.Nil
	assert.True(t, b == nil, "backend is %#v", b)
}
