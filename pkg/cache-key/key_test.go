package cachekey

import (
	"net/http"
	"testing"

	"github.com/always-cache/mitm-cache/flow"
)

func makeFlow(reqKey, resKey string, withResponse bool) *flow.Flow {
	req, _ := http.NewRequest("GET", "http://localhost:65535/", nil)
	if reqKey != "" {
		req.Header.Set("Mitm-Cache-Key", reqKey)
	}
	f := flow.New(req)
	if withResponse {
		f.Response = &http.Response{StatusCode: 200, Header: make(http.Header)}
		if resKey != "" {
			f.Response.Header.Set("Mitm-Cache-Key", resKey)
		}
	}
	return f
}

func TestResolve(t *testing.T) {
	resolver := NewResolver("")
	tests := []struct {
		name    string
		flow    *flow.Flow
		wantKey string
		wantOk  bool
	}{
		{"request header, no response", makeFlow("2345", "", false), "2345", true},
		{"response header only", makeFlow("", "3456", true), "3456", true},
		{"no key, no response", makeFlow("", "", false), "", false},
		{"no key anywhere", makeFlow("", "", true), "", false},
		{"request wins over response", makeFlow("req", "res", true), "req", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ok := resolver.Resolve(tt.flow)
			if key != tt.wantKey || ok != tt.wantOk {
				t.Fatalf("Resolve() = (%q, %v), want (%q, %v)", key, ok, tt.wantKey, tt.wantOk)
			}
		})
	}
}

func TestResolveContextWins(t *testing.T) {
	f := makeFlow("from-header", "from-response", true)
	f.Context.Key = "from-context"
	if key, _ := NewResolver("").Resolve(f); key != "from-context" {
		t.Fatalf("Key is %s", key)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	f := makeFlow("", "", false)
	f.Request.Header.Set("mItM-cAcHe-KeY", "mixed")
	resolver := NewResolver("MITM-CACHE-KEY")
	if key, ok := resolver.Resolve(f); !ok || key != "mixed" {
		t.Fatalf("Key is %q", key)
	}
}

func TestResolveFirstValueWins(t *testing.T) {
	f := makeFlow("", "", false)
	f.Request.Header.Add("Mitm-Cache-Key", "first")
	f.Request.Header.Add("Mitm-Cache-Key", "second")
	if key, _ := NewResolver("").Resolve(f); key != "first" {
		t.Fatalf("Key is %s", key)
	}
}

func TestResolveEmptyHeaderIsAbsent(t *testing.T) {
	f := makeFlow("", "", false)
	f.Request.Header.Set("Mitm-Cache-Key", "")
	if _, ok := NewResolver("").Resolve(f); ok {
		t.Fatal("Empty header value should not resolve")
	}
}

func TestStripAndStamp(t *testing.T) {
	resolver := NewResolver("X-Key")
	h := http.Header{}
	resolver.Stamp(h, "abc")
	if h.Get("x-key") != "abc" {
		t.Fatalf("Header is %v", h)
	}
	resolver.Strip(h)
	if len(h) != 0 {
		t.Fatalf("Header is %v", h)
	}
}

func TestGenerateIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		key := Generate()
		if len(key) != 36 {
			t.Fatalf("Key %s is not a canonical UUID", key)
		}
		if _, ok := seen[key]; ok {
			t.Fatalf("Duplicate key %s", key)
		}
		seen[key] = struct{}{}
	}
}
