package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "castbot/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "castbot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	health := func() map[string]any { return map[string]any{"sessions": 2} }
	return New(cfg, reg, health, logx.Nop())
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true}
	h := newTestService(t, cfg).Handler(cfg)

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{name: "healthz open", target: "/healthz", want: http.StatusOK},
		{name: "metrics without token", target: "/metrics", want: http.StatusUnauthorized},
		{name: "metrics wrong token", target: "/metrics?token=nope", want: http.StatusUnauthorized},
		{name: "metrics query token", target: "/metrics?token=s3cret", want: http.StatusOK},
		{name: "metrics bearer", target: "/metrics", header: "Bearer s3cret", want: http.StatusOK},
		{name: "pprof bearer", target: "/debug/pprof/", header: "Bearer s3cret", want: http.StatusOK},
		{name: "unknown", target: "/nope", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
			}
		})
	}
}

func TestHealthzBody(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true}
	rec := httptest.NewRecorder()
	newTestService(t, cfg).Handler(cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if body["status"] != "ok" || body["sessions"] != float64(2) {
		t.Fatalf("/healthz = %v", body)
	}
}

func TestMetricsExposition(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true}
	rec := httptest.NewRecorder()
	newTestService(t, cfg).Handler(cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "castbot_test_total 1") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestPprofRefusedOnPublicAddrWithoutToken(t *testing.T) {
	t.Parallel()

	cfg := Config{Enabled: true, Addr: ":8080", Pprof: true}
	h := newTestService(t, cfg).Handler(cfg)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof on public addr = %d, want 404", rec.Code)
	}

	cfg.AllowInsecure = true
	rec = httptest.NewRecorder()
	newTestService(t, cfg).Handler(cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof with allow_insecure = %d, want 200", rec.Code)
	}
}

func TestReconfigureStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestService(t, Config{})
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := waitForAddr(ctx, s)
	if addr == "" {
		t.Fatal("ops server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr() after disable = %q, want empty", got)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor still set after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func waitForAddr(ctx context.Context, s *Service) string {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a := s.Addr(); a != "" {
			return a
		}
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}
