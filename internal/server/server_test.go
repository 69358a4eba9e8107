package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/observability"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func startServer(t *testing.T, cfg Config) string {
	t.Helper()
	cfg.ListenAddr = freeAddr(t)
	s := New(cfg, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	t.Cleanup(func() {
		_ = s.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	base := "http://" + cfg.ListenAddr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			return base
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not become reachable")
	return ""
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	health := observability.NewHealthChecker(nil)
	health.AddCheck("workspace", func(context.Context) error { return nil })

	base := startServer(t, Config{Metrics: metrics, HealthChecker: health})

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Errorf("/healthz = %d %s", code, body)
	}
	if code, body := get(t, base+"/readyz"); code != http.StatusOK || !strings.Contains(body, "workspace") {
		t.Errorf("/readyz = %d %s", code, body)
	}
	code, body := get(t, base+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics = %d", code)
	}
	if !strings.Contains(body, "ngome_http_requests_total") {
		t.Errorf("/metrics does not expose http metrics:\n%s", body)
	}
}

func TestServer_ReadinessDegraded(t *testing.T) {
	health := observability.NewHealthChecker(nil)
	health.AddCheck("container_runtime", func(context.Context) error { return errors.New("no runtime") })

	base := startServer(t, Config{HealthChecker: health})

	code, body := get(t, base+"/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", code)
	}
	if !strings.Contains(body, "no runtime") {
		t.Errorf("/readyz body = %s", body)
	}
	if code, _ := get(t, base+"/metrics"); code == http.StatusOK {
		t.Error("/metrics served without a metrics collector")
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	if err := New(Config{}, nil).Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
