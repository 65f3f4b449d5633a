package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	m := prom.Metrics
	m.OrderPlaced("a")
	m.OrderPlaced("a")
	m.OrderPlaced("b")
	m.OrderFailed("b")
	m.Cycles.Inc()
	m.Deferrals.Inc()
	m.Halts.Inc()

	assertCounter(t, prom.ordersPlaced.WithLabelValues("a"), 2)
	assertCounter(t, prom.ordersPlaced.WithLabelValues("b"), 1)
	assertCounter(t, prom.ordersFailed.WithLabelValues("b"), 1)
	assertCounter(t, prom.cycles, 1)
	assertCounter(t, prom.deferrals, 1)
	assertCounter(t, prom.halts, 1)
}

func TestPrometheusGaugesAndHistograms(t *testing.T) {
	prom := NewPrometheus()
	m := prom.Metrics
	m.MarketState.Set(2)
	m.RateUsage.Set(17, "a", "minute")
	m.ObserveOpen(300 * time.Millisecond)
	m.ObserveClose(time.Second)

	if got := testutil.ToFloat64(prom.marketState); got != 2 {
		t.Fatalf("market state expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(prom.rateUsage.WithLabelValues("a", "minute")); got != 17 {
		t.Fatalf("rate usage expected 17, got %v", got)
	}
	if got := testutil.CollectAndCount(prom.openLatency); got != 1 {
		t.Fatalf("expected open latency series, got %d", got)
	}
}

func TestNoopMetricsAreSafe(t *testing.T) {
	m := NewNoop()
	m.OrderPlaced("a")
	m.OrderFailed("a")
	m.RateUsage.Set(1, "a", "day")
	m.ObserveOpen(time.Second)
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Cycles.Inc()
	var halted atomic.Bool
	health := func() error {
		if halted.Load() {
			return errors.New("halted: position mismatch")
		}
		return nil
	}
	srv := httptest.NewServer(NewRouter("/metrics", prom.Handler(), health))
	defer srv.Close()

	body := get(t, srv.URL+"/metrics", http.StatusOK)
	if !strings.Contains(body, "zs_hedge_bot_cycles_total 1") {
		t.Fatalf("expected cycles counter in output, got %q", body)
	}
	get(t, srv.URL+"/healthz", http.StatusOK)

	halted.Store(true)
	body = get(t, srv.URL+"/healthz", http.StatusServiceUnavailable)
	if !strings.Contains(body, "halted") {
		t.Fatalf("expected halt reason in body, got %q", body)
	}
}

func get(t *testing.T, url string, status int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != status {
		t.Fatalf("%s expected status %d, got %d", url, status, resp.StatusCode)
	}
	return string(data)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
