package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	mitmcache "github.com/always-cache/mitm-cache"
	"github.com/always-cache/mitm-cache/storage"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// keyLister is implemented by backends that can enumerate their keys.
type keyLister interface {
	Keys(ctx context.Context, cb func(key string)) error
}

type entryInfo struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Size   int    `json:"size"`
}

// newRouter serves the admin routes and hands everything else to the proxy.
// Requests with an absolute URI are forward proxy traffic and always go to the proxy.
func newRouter(cache *mitmcache.Cache, proxy http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/_cache", func(r chi.Router) {
		r.Get("/", listKeys(cache))
		r.Get("/{key}", getEntry(cache))
		r.Delete("/{key}", purgeEntry(cache))
	})
	r.NotFound(proxy.ServeHTTP)
	r.MethodNotAllowed(proxy.ServeHTTP)

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.IsAbs() {
			proxy.ServeHTTP(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
}

func backendOrFail(cache *mitmcache.Cache, w http.ResponseWriter) storage.Backend {
	backend := cache.Storage()
	if backend == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
	}
	return backend
}

func listKeys(cache *mitmcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := backendOrFail(cache, w)
		if backend == nil {
			return
		}
		lister, ok := backend.(keyLister)
		if !ok {
			http.Error(w, "listing not supported by storage", http.StatusNotImplemented)
			return
		}
		keys := make([]string, 0)
		if err := lister.Keys(r.Context(), func(key string) { keys = append(keys, key) }); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not list keys")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, keys)
	}
}

func getEntry(cache *mitmcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := backendOrFail(cache, w)
		if backend == nil {
			return
		}
		key := chi.URLParam(r, "key")
		entry, found, err := backend.Get(r.Context(), key)
		if err != nil && !errors.Is(err, storage.ErrCorrupt) {
			hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("Could not read entry")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found && err == nil {
			http.Error(w, "no entry for key", http.StatusNotFound)
			return
		}
		writeJSON(w, r, entryInfo{
			Key:    key,
			Method: entry.Method,
			URL:    entry.URL,
			Size:   len(entry.Payload),
		})
	}
}

func purgeEntry(cache *mitmcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := backendOrFail(cache, w)
		if backend == nil {
			return
		}
		key := chi.URLParam(r, "key")
		if err := backend.Purge(r.Context(), key); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("Could not purge entry")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hlog.FromRequest(r).Info().Str("key", key).Msg("Purged entry")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}
