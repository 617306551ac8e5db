package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithTokenGuardsHandler(t *testing.T) {
	t.Parallel()
	var hits int
	h := withToken("s3cret", func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	})

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"bearer ok", "Bearer s3cret", "", http.StatusOK},
		{"bearer wrong", "Bearer nope", "", http.StatusUnauthorized},
		{"query ok", "", "s3cret", http.StatusOK},
		{"query wrong", "", "nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if tc.query != "" {
			q := req.URL.Query()
			q.Set("token", tc.query)
			req.URL.RawQuery = q.Encode()
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
	if hits != 2 {
		t.Fatalf("handler hits = %d, want 2", hits)
	}
}

func TestWithTokenEmptyPassesThrough(t *testing.T) {
	t.Parallel()
	h := withToken("", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want passthrough", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.1.2.3:6060":  false,
		"bad":            false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	base := Config{Addr: "127.0.0.1:6060", Token: "t"}
	if needsRestart(base, base) {
		t.Fatal("identical configs should not restart")
	}
	changed := base
	changed.Addr = "127.0.0.1:7070"
	if !needsRestart(base, changed) {
		t.Fatal("addr change should restart")
	}
	changed = base
	changed.Token = ""
	if !needsRestart(base, changed) {
		t.Fatal("token change should restart")
	}
}
