package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/always-cache/mitm-cache/flow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAddon records the phases it saw and optionally answers requests itself.
type recordingAddon struct {
	requests  atomic.Int32
	responses atomic.Int32
	answer    string
	done      bool
}

func (a *recordingAddon) Request(f *flow.Flow) {
	a.requests.Add(1)
	f.Request.Header.Del("X-Secret")
	if a.answer != "" {
		f.Response = &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"X-Answered": []string{"yes"}},
			Body:       io.NopCloser(strings.NewReader(a.answer)),
		}
	}
}

func (a *recordingAddon) Response(f *flow.Flow) {
	a.responses.Add(1)
	f.Response.Header.Set("X-Seen", "yes")
}

func (a *recordingAddon) Done() {
	a.done = true
}

func startOrigin(t *testing.T, count *atomic.Int32) *httptest.Server {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("X-Got-Secret", r.Header.Get("X-Secret"))
		w.Write([]byte("Hello, World!"))
	}))
	t.Cleanup(origin.Close)
	return origin
}

func TestForwardProxy(t *testing.T) {
	var originCount atomic.Int32
	origin := startOrigin(t, &originCount)
	addon := &recordingAddon{}
	p := New(Config{}, addon)

	req := httptest.NewRequest("GET", origin.URL+"/", nil)
	req.Header.Set("X-Secret", "shh")
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Hello, World!", rr.Body.String())
	assert.Equal(t, "yes", rr.Header().Get("X-Seen"))
	assert.Empty(t, rr.Header().Get("X-Got-Secret"), "header removed in request phase reached the origin")
	assert.EqualValues(t, 1, originCount.Load())
	assert.EqualValues(t, 1, addon.requests.Load())
	assert.EqualValues(t, 1, addon.responses.Load())
}

func TestReverseProxy(t *testing.T) {
	var originCount atomic.Int32
	origin := startOrigin(t, &originCount)
	upstream, err := url.Parse(origin.URL)
	require.NoError(t, err)
	p := New(Config{Upstream: upstream}, &recordingAddon{})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", "/anything", nil))

	assert.Equal(t, "Hello, World!", rr.Body.String())
	assert.EqualValues(t, 1, originCount.Load())
}

func TestResponseInRequestPhaseSkipsOrigin(t *testing.T) {
	var originCount atomic.Int32
	origin := startOrigin(t, &originCount)
	first := &recordingAddon{answer: "from addon"}
	second := &recordingAddon{}
	p := New(Config{}, first, second)

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", origin.URL+"/", nil))

	assert.Equal(t, "from addon", rr.Body.String())
	assert.Equal(t, "yes", rr.Header().Get("X-Answered"))
	assert.Equal(t, "yes", rr.Header().Get("X-Seen"))
	assert.EqualValues(t, 0, originCount.Load())
	// later addons do not see the request phase once a response is set
	assert.EqualValues(t, 0, second.requests.Load())
	assert.EqualValues(t, 1, second.responses.Load())
}

func TestOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	origin.Close()
	p := New(Config{}, &recordingAddon{})

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest("GET", origin.URL+"/", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestShutdownCallsDone(t *testing.T) {
	addon := &recordingAddon{}
	New(Config{}, addon).Shutdown()
	assert.True(t, addon.done)
}
