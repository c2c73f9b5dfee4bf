package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSlogLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: ParseLevel("warn")})))
	l.Info("hidden", "k", 1)
	l.Warn("levels reordered", "levels", "0.5,0.9")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "levels reordered") {
		t.Fatalf("unexpected log output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, " INFO ": slog.LevelInfo, "warn": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNilFallbacks(t *testing.T) {
	OrDiscard(nil).Error("dropped")
	OrNoop(nil).Observe(context.Background(), "op", true, time.Second)
	OrNoop(nil).Progress("op", 1, 1)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("NewPrometheusRecorder: %v", err)
	}
	ctx := context.Background()
	r.Observe(ctx, "fit_vi", true, 2*time.Second)
	r.Observe(ctx, "fit_vi", false, time.Second)
	r.Observe(ctx, "", true, time.Second)
	r.Progress("fit_vi", 100, -12.5)

	if got := promtest.ToFloat64(r.results.WithLabelValues("fit_vi", "success")); got != 1 {
		t.Fatalf("success count %v", got)
	}
	if got := promtest.ToFloat64(r.results.WithLabelValues("fit_vi", "error")); got != 1 {
		t.Fatalf("error count %v", got)
	}
	if got := promtest.ToFloat64(r.iteration.WithLabelValues("fit_vi")); got != 100 {
		t.Fatalf("iteration gauge %v", got)
	}
	if got := promtest.ToFloat64(r.objective.WithLabelValues("fit_vi")); got != -12.5 {
		t.Fatalf("objective gauge %v", got)
	}
	if _, err := NewPrometheusRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
