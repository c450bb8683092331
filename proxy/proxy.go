// Package proxy is a small HTTP proxy engine that runs addons around each flow.
//
// Every request becomes a flow.Flow. Addons see the flow twice: in the request
// phase, before the origin is contacted, and in the response phase, after the
// origin replied. An addon that sets the flow's response during the request
// phase short-circuits the origin round trip.
//
// The engine handles plain HTTP only. It works as a forward proxy (absolute
// request URIs) or, with an upstream configured, as a reverse proxy.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/always-cache/mitm-cache/flow"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Addon hooks into both phases of every flow.
// Hooks are called concurrently for different flows.
type Addon interface {
	Request(f *flow.Flow)
	Response(f *flow.Flow)
}

// Closer is implemented by addons that hold resources until shutdown.
type Closer interface {
	Done()
}

type Config struct {
	// Origin for reverse proxy mode. If nil, requests must carry absolute URIs.
	Upstream *url.URL
	// Transport used for origin requests. http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Proxy struct {
	addons       []Addon
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
}

type flowKey struct{}

// New creates the engine. Addons run in the given order in both phases.
func New(config Config, addons ...Addon) *Proxy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	p := &Proxy{
		addons: addons,
		log:    logger,
	}
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	p.reverseproxy = httputil.ReverseProxy{
		Rewrite:        createRewrite(config.Upstream),
		Transport:      transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}
	return p
}

// Handler returns the engine wrapped in request logging middleware.
func (p *Proxy) Handler() http.Handler {
	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	})(p)
	h = hlog.RemoteAddrHandler("sourceIp")(h)
	return hlog.NewHandler(p.log)(h)
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := flow.New(r)
	logger := p.log.With().Str("flow", f.ID).Logger()
	logger.Trace().Msgf("Incoming request: %s %s", r.Method, r.URL.String())

	for _, a := range p.addons {
		a.Request(f)
		if f.Response != nil {
			break
		}
	}

	if f.Response != nil {
		logger.Trace().Msg("Response set in request phase, not contacting origin")
		p.runResponseHooks(f)
		p.send(w, f.Response, logger)
		return
	}

	ctx := context.WithValue(f.Request.Context(), flowKey{}, f)
	p.reverseproxy.ServeHTTP(w, f.Request.WithContext(ctx))
}

// Shutdown calls Done on every addon that has it.
func (p *Proxy) Shutdown() {
	for _, a := range p.addons {
		if c, ok := a.(Closer); ok {
			c.Done()
		}
	}
}

func (p *Proxy) runResponseHooks(f *flow.Flow) {
	for _, a := range p.addons {
		a.Response(f)
	}
}

// modifyResponse runs the response phase on the origin response before it is sent.
func (p *Proxy) modifyResponse(res *http.Response) error {
	f, ok := res.Request.Context().Value(flowKey{}).(*flow.Flow)
	if !ok {
		return nil
	}
	f.Response = res
	p.runResponseHooks(f)
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	p.log.Error().Err(err).Str("url", r.URL.String()).Msg("Error connecting to origin")
	http.Error(w, "Could not connect to origin", http.StatusBadGateway)
}

func (p *Proxy) send(w http.ResponseWriter, res *http.Response, logger zerolog.Logger) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func createRewrite(upstream *url.URL) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		if upstream != nil {
			pr.SetURL(upstream)
			return
		}
		if pr.Out.URL.Scheme == "" {
			pr.Out.URL.Scheme = "http"
		}
		if pr.Out.URL.Host == "" {
			pr.Out.URL.Host = pr.In.Host
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
