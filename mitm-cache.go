// Package mitmcache is the caching addon of an intercepting proxy.
//
// The addon hooks into both phases of a flow. In the request phase it looks up
// the flow's cache key and, on a hit, installs the stored response so the origin
// is never contacted. On a miss it associates a key with the flow (the one the
// client sent, or a fresh one) and marks the flow for storing. In the response
// phase it writes the origin's response under that key.
//
// Keys are explicit: clients send them in the Mitm-Cache-Key header (the name is
// configurable) and learn generated keys from the same header on the response.
// URL, method and other headers never take part in lookups.
package mitmcache

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/always-cache/mitm-cache/flow"
	cachekey "github.com/always-cache/mitm-cache/pkg/cache-key"
	serializer "github.com/always-cache/mitm-cache/pkg/flow-serializer"
	"github.com/always-cache/mitm-cache/rfc9211"
	"github.com/always-cache/mitm-cache/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

// detailStorageError is reported in Cache-Status when a response could not be written.
const detailStorageError = "storage-error"

type Config struct {
	// Storage for cache entries.
	// If nil, the backend is created from Options.CacheFile by Configure.
	Storage storage.Backend
	// Initial options. Zero values are replaced by defaults.
	Options Options
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Cache is the caching addon. It is safe for concurrent use by many flows.
type Cache struct {
	mu       sync.RWMutex
	opts     Options
	storage  storage.Backend
	resolver cachekey.Resolver
	log      zerolog.Logger
	// ownsStorage is false when the backend was handed in through Config.
	ownsStorage bool
	// createStorage builds backends in Configure.
	createStorage func(ctx context.Context, config string) (storage.Backend, error)
}

// CreateCache initializes the addon.
func CreateCache(config Config) *Cache {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	c := &Cache{
		storage:       config.Storage,
		log:           logger.With().Str("addon", "cache").Logger(),
		createStorage: storage.Create,
	}
	c.setOptions(config.Options)
	return c
}

// Load records the options the addon runs with.
// The storage backend is only (re)created by Configure.
func (c *Cache) Load(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setOptions(opts)
}

// Configure applies the loaded options. The updated keys name the options that
// changed since the last call; the backend is created on the first call and
// recreated when the storage configuration changed.
// An error means the addon has no usable backend and must not be run.
func (c *Cache) Configure(updated []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.storage != nil && !slices.Contains(updated, OptionCacheFile) {
		return nil
	}
	if c.storage != nil && !c.ownsStorage {
		c.log.Warn().Msg("Storage was provided by the caller, ignoring cache_file change")
		return nil
	}

	backend, err := c.createStorage(context.Background(), c.opts.CacheFile)
	if err != nil {
		c.log.Error().Err(err).Str("cacheFile", c.opts.CacheFile).Msg("Could not create storage")
		return err
	}
	if c.storage != nil {
		if err := c.storage.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Could not close previous storage")
		}
	}
	c.storage = backend
	c.ownsStorage = true
	c.log.Info().Str("cacheFile", c.opts.CacheFile).Msgf("Using %T", backend)
	return nil
}

// Request is the request phase hook.
// On a hit it sets the flow's response, which tells the engine to skip the origin.
func (c *Cache) Request(f *flow.Flow) {
	backend, resolver, opts := c.state()
	logger := c.log.With().Str("flow", f.ID).Logger()
	if backend == nil {
		// the key header is ours, the origin never sees it
		resolver.Strip(f.Request.Header)
		logger.Warn().Msg("Storage not configured, passing request through")
		return
	}

	key, ok := resolver.Resolve(f)
	if ok {
		logger = logger.With().Str("key", key).Logger()
		if res := c.lookup(f.Request.Context(), backend, key, logger); res != nil {
			res.Request = f.Request
			resolver.Stamp(res.Header, key)
			res.Header.Set(opts.CacheFromOrigin, "false")
			cs := rfc9211.CacheStatus{Name: opts.CacheStatusName}
			cs.Hit()
			res.Header.Add(rfc9211.HeaderName, cs.String())

			f.Response = res
			f.Context.Key = key
			f.Context.ExpectStore = false
			CacheHits.Inc()
			logger.Info().Msg("Cache hit")
			return
		}
		CacheMisses.WithLabelValues(missReasonKeyMiss).Inc()
		logger.Debug().Msg("Cache miss")
	} else {
		key = cachekey.Generate()
		CacheMisses.WithLabelValues(missReasonNoKey).Inc()
		logger.Debug().Str("key", key).Msg("No cache key, generated one")
	}

	resolver.Strip(f.Request.Header)
	f.Context.Key = key
	f.Context.ExpectStore = true
}

// Response is the response phase hook.
// It stores the origin response of flows marked in the request phase and
// clears the flow context afterwards. Responses served from the cache are
// never written back.
func (c *Cache) Response(f *flow.Flow) {
	defer f.Context.Reset()

	if !f.Context.ExpectStore {
		return
	}
	backend, resolver, opts := c.state()
	logger := c.log.With().Str("flow", f.ID).Logger()
	if backend == nil {
		return
	}
	key, ok := resolver.Resolve(f)
	if !ok || f.Response == nil {
		logger.Debug().Msg("No cache key or response, not storing")
		return
	}
	logger = logger.With().Str("key", key).Logger()

	resolver.Stamp(f.Response.Header, key)
	payload, err := serializer.FlowToBytes(f.Request, f.Response)
	if err != nil {
		StorageErrors.WithLabelValues("encode").Inc()
		logger.Error().Err(err).Msg("Could not encode flow")
		return
	}
	entry := storage.Entry{
		Key:     key,
		Method:  f.Request.Method,
		URL:     f.Request.URL.String(),
		Payload: payload,
	}

	// the write should finish even if the client goes away
	ctx := context.WithoutCancel(f.Request.Context())
	stored := c.write(ctx, backend, entry, logger)

	f.Response.Header.Set(opts.CacheFromOrigin, "true")
	cs := rfc9211.CacheStatus{Name: opts.CacheStatusName, Stored: stored}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	if !stored {
		cs.Detail = detailStorageError
	}
	f.Response.Header.Add(rfc9211.HeaderName, cs.String())
}

// Done closes the storage backend. It is called once at shutdown.
func (c *Cache) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return
	}
	if err := c.storage.Close(); err != nil {
		c.log.Error().Err(err).Msg("Could not close storage")
	}
	c.storage = nil
}

// Storage returns the backend in use, or nil before Configure.
func (c *Cache) Storage() storage.Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storage
}

// Options returns the options in use.
func (c *Cache) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

func (c *Cache) state() (storage.Backend, cachekey.Resolver, Options) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storage, c.resolver, c.opts
}

// setOptions must be called with the lock held (or before the addon is shared).
func (c *Cache) setOptions(opts Options) {
	defaults := DefaultOptions()
	if opts.CacheKey == "" {
		opts.CacheKey = defaults.CacheKey
	}
	if opts.CacheFromOrigin == "" {
		opts.CacheFromOrigin = defaults.CacheFromOrigin
	}
	if opts.CacheFile == "" {
		opts.CacheFile = defaults.CacheFile
	}
	if opts.CacheStatusName == "" {
		opts.CacheStatusName = defaults.CacheStatusName
	}
	c.opts = opts
	c.resolver = cachekey.NewResolver(opts.CacheKey)
}

// lookup returns the stored response for key, or nil if there is none that can be used.
// Storage errors count as a miss. Entries that cannot be decoded are purged.
func (c *Cache) lookup(ctx context.Context, backend storage.Backend, key string, logger zerolog.Logger) *http.Response {
	var entry storage.Entry
	var found bool
	err := guard(func() (err error) {
		entry, found, err = backend.Get(ctx, key)
		return err
	})
	if errors.Is(err, storage.ErrCorrupt) {
		c.purgeCorrupt(ctx, backend, key, err, logger)
		return nil
	}
	if err != nil {
		StorageErrors.WithLabelValues("get").Inc()
		logger.Warn().Err(err).Msg("Could not read from cache, forwarding to origin")
		return nil
	}
	if !found {
		return nil
	}

	res, err := serializer.BytesToResponse(entry.Payload)
	if err != nil {
		c.purgeCorrupt(ctx, backend, key, err, logger)
		return nil
	}
	return res
}

func (c *Cache) purgeCorrupt(ctx context.Context, backend storage.Backend, key string, cause error, logger zerolog.Logger) {
	StorageErrors.WithLabelValues("decode").Inc()
	logger.Warn().Err(cause).Msg("Corrupt cache entry, purging")
	if err := guard(func() error { return backend.Purge(ctx, key) }); err != nil {
		StorageErrors.WithLabelValues("purge").Inc()
		logger.Error().Err(err).Msg("Could not purge corrupt entry")
	}
}

// write stores the entry, or updates it if the key is already taken.
// Losing a store race to another flow also ends in an update.
// It reports whether the entry was written; failures are logged, not returned.
func (c *Cache) write(ctx context.Context, backend storage.Backend, entry storage.Entry, logger zerolog.Logger) bool {
	var found bool
	err := guard(func() (err error) {
		_, found, err = backend.Get(ctx, entry.Key)
		return err
	})
	switch {
	case errors.Is(err, storage.ErrCorrupt):
		// the row is there, overwrite it
		found = true
	case err != nil:
		StorageErrors.WithLabelValues("get").Inc()
		logger.Error().Err(err).Msg("Could not check cache before writing")
		return false
	}

	if !found {
		err = guard(func() error { return backend.Store(ctx, entry) })
		if err == nil {
			CacheWrites.WithLabelValues("store").Inc()
			logger.Info().Msg("Cache stored")
			return true
		}
		if !errors.Is(err, storage.ErrDuplicateKey) {
			StorageErrors.WithLabelValues("store").Inc()
			logger.Error().Err(err).Msg("Could not store response")
			return false
		}
		logger.Debug().Msg("Key was stored concurrently, updating instead")
	}

	err = guard(func() error { return backend.Update(ctx, entry) })
	if err != nil {
		StorageErrors.WithLabelValues("update").Inc()
		logger.Error().Err(err).Msg("Could not update response")
		return false
	}
	CacheWrites.WithLabelValues("update").Inc()
	logger.Info().Msg("Cache updated")
	return true
}

// guard runs a storage call, turning a panic into an error.
func guard(f func() error) error {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = f() })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}
