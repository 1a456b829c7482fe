package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"giftwatch/internal/engine"
	"giftwatch/pkg/logx"
)

type fixedStats struct{}

func (fixedStats) Statistics(context.Context) engine.Statistics {
	return engine.Statistics{Running: true, Source: "replay:/tmp/x", KnownGifts: 3, SentTotal: 7}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fixedStats{}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", Pprof: true})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health is public", "/healthz", "", http.StatusOK},
		{"stats without token", "/stats", "", http.StatusUnauthorized},
		{"stats with bearer", "/stats", "Bearer s3cret", http.StatusOK},
		{"stats with wrong bearer", "/stats", "Bearer nope", http.StatusUnauthorized},
		{"stats with query token", "/stats?token=s3cret", "", http.StatusOK},
		{"stats with bad query token", "/stats?token=x", "Bearer s3cret", http.StatusUnauthorized},
		{"metrics with bearer", "/metrics", "Bearer s3cret", http.StatusOK},
		{"pprof index", "/debug/pprof/", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestStatsJSON(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fixedStats{}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got engine.Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Running || got.KnownGifts != 3 || got.SentTotal != 7 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestPprofDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fixedStats{}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, fixedStats{}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
}

func TestStartServeStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fixedStats{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no listener address")
	}

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatal("listener still set after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
