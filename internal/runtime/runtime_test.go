package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/natsserver"
	"go.opentelemetry.io/otel"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReadiness(t *testing.T) {
	rt := New(config.Default(), newLogger())

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("display without bus should be ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadinessReportsUnhealthyBus(t *testing.T) {
	srv, err := natsserver.StartEphemeral(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	busCfg := config.Default().Bus
	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	rt := New(config.Default(), newLogger())
	rt.bus = client
	rt.ready.Store(true)

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready with connected bus, got %d", rec.Code)
	}

	client.Close()
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "unhealthy: bus" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestLoadPalette(t *testing.T) {
	cfg := config.Default()
	rt := New(cfg, newLogger())
	if rt.loadPalette().Len() == 0 {
		t.Fatal("embedded palette should not be empty")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Palette.Path = path
	rt = New(cfg, newLogger())
	if rt.loadPalette().Len() != 0 {
		t.Fatal("broken palette should yield an empty table")
	}
}

func TestConnectBusFailureIsNotFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Embedded = false
	cfg.Bus.Servers = []string{"nats://127.0.0.1:1"}
	cfg.Bus.ConnectTimeout = 200
	rt := New(cfg, newLogger())

	if err := rt.connectBus(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
	if rt.bus != nil {
		t.Fatal("bus must stay nil on failure")
	}
}

func TestTraceWriter(t *testing.T) {
	cfg := config.Default()
	cfg.Display.Mode = "headless"
	w, closeFn, err := traceWriter(cfg)
	if err != nil || w != os.Stdout {
		t.Fatalf("headless traces should go to stdout: %v", err)
	}
	_ = closeFn()

	cfg.Telemetry.TraceFile = filepath.Join(t.TempDir(), "traces.log")
	w, closeFn, err = traceWriter(cfg)
	if err != nil {
		t.Fatalf("trace file: %v", err)
	}
	if _, err := w.Write([]byte("{}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(cfg.Telemetry.TraceFile); err != nil {
		t.Fatalf("trace file missing: %v", err)
	}
}

func TestFailedStartupShutsDownTelemetry(t *testing.T) {
	srv, err := natsserver.StartEphemeral(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Telemetry.TraceExporter = "none"
	cfg.Bus.Embedded = false
	cfg.Bus.Servers = []string{srv.ClientURL()}
	cfg.STT.Enabled = true
	cfg.STT.Mode = "whisper"

	rt := New(cfg, newLogger())
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected startup error for unknown recognizer")
	}
	if rt.tracerClose != nil {
		t.Fatal("telemetry shutdown must have run")
	}
	_, span := otel.Tracer("test").Start(context.Background(), "after-shutdown")
	defer span.End()
	if span.IsRecording() {
		t.Fatal("tracer provider still records after failed startup")
	}
	if rt.bus != nil && rt.bus.Healthy() {
		t.Fatal("bus must be closed after failed startup")
	}
}
