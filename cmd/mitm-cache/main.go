package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	mitmcache "github.com/always-cache/mitm-cache"
	"github.com/always-cache/mitm-cache/proxy"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	upstreamFlag       string
	cacheFileFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Options file (default: mitm-cache.yaml in the working directory, if present)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&upstreamFlag, "upstream", "", "Origin URL for reverse proxy mode (default: forward proxy)")
	flag.StringVar(&cacheFileFlag, "cache-file", "", "Storage: ':memory:', an SQLite file or a redis:// URL (overrides options file)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	v := mitmcache.NewViper(configFlag)
	opts, err := mitmcache.LoadOptions(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load options")
	}
	// flags win over the options file
	if cacheFileFlag != "" {
		v.Set(mitmcache.OptionCacheFile, cacheFileFlag)
		opts.CacheFile = cacheFileFlag
	}
	if upstreamFlag != "" {
		v.Set(mitmcache.OptionUpstream, upstreamFlag)
		opts.Upstream = upstreamFlag
	}

	cache := mitmcache.CreateCache(mitmcache.Config{Options: opts})
	if err := cache.Configure(nil); err != nil {
		log.Fatal().Err(err).Msg("Could not configure cache")
	}

	proxyConfig := proxy.Config{}
	if opts.Upstream != "" {
		upstream, err := url.Parse(opts.Upstream)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse upstream url")
		}
		proxyConfig.Upstream = upstream
	}
	p := proxy.New(proxyConfig, cache)

	if v.ConfigFileUsed() != "" {
		mitmcache.WatchOptions(v, opts, func(next mitmcache.Options, changed []string) {
			reloadOptions(cache, next, changed)
		})
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: newRouter(cache, p.Handler()),
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Info().Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	if opts.Upstream != "" {
		log.Info().Msgf("Proxying port %v to %s", portFlag, opts.Upstream)
	} else {
		log.Info().Msgf("Forward proxy listening on port %v", portFlag)
	}
	err = server.ListenAndServe()
	p.Shutdown()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// reloadOptions applies options changed in the options file.
// The proxy is built once, so an upstream change only takes effect after a restart.
func reloadOptions(cache *mitmcache.Cache, next mitmcache.Options, changed []string) {
	if slices.Contains(changed, mitmcache.OptionUpstream) {
		log.Warn().Str("upstream", next.Upstream).Msg("Upstream changed, restart to apply")
		changed = slices.DeleteFunc(slices.Clone(changed), func(key string) bool {
			return key == mitmcache.OptionUpstream
		})
		next.Upstream = cache.Options().Upstream
	}
	if len(changed) == 0 {
		return
	}
	cache.Load(next)
	if err := cache.Configure(changed); err != nil {
		log.Error().Err(err).Msg("Could not apply options, keeping previous storage")
	}
}
