// Package runtime wires the bus, the speech services and the display
// together and serves health and metrics over HTTP.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/capability"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/display"
	"github.com/loqalabs/speechviz/internal/interpret"
	"github.com/loqalabs/speechviz/internal/listener"
	"github.com/loqalabs/speechviz/internal/natsserver"
	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/loqalabs/speechviz/internal/relay"
	"github.com/loqalabs/speechviz/internal/scene"
	"github.com/loqalabs/speechviz/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	stt      *stt.Service
	relay    *relay.Service
	listener *listener.Listener
}

type healthCheck struct {
	name string
	ok   func() bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled or the user quits the display.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	colors := r.loadPalette()
	interpreter := interpret.New(colors, r.logger)

	busErr := r.connectBus(ctx)
	if busErr == nil {
		if err := r.startServices(ctx, interpreter); err != nil {
			r.stopServices()
			r.closeTelemetry()
			return err
		}
	}

	var dir listener.Directory
	if r.registry != nil {
		dir = r.registry
	}
	r.listener = listener.New(ctx, r.cfg.Listener, r.bus, busErr, dir, r.cfg.Display.QueueSize, r.logger)

	if r.cfg.HTTP.Enabled {
		r.startHTTP(metricsHandler)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("display", r.cfg.Display.Mode),
		slog.Int("colors", colors.Len()),
		slog.Bool("bus", r.bus != nil))

	state := scene.NewState()
	opts := display.Options{
		FrameRate:    r.cfg.Display.FrameRate,
		UnitsPerCell: r.cfg.Display.UnitsPerCell,
		Autostart:    r.cfg.Display.Autostart,
	}
	var runErr error
	if r.cfg.Display.Mode == "headless" {
		runErr = display.RunHeadless(ctx, state, interpreter, r.listener, r.listener.Events(), opts, r.logger)
	} else {
		runErr = display.Run(ctx, state, interpreter, r.listener, r.listener.Events(), opts)
	}

	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	cancel()
	r.shutdown()
	if runErr != nil {
		return fmt.Errorf("display: %w", runErr)
	}
	return nil
}

func (r *Runtime) loadPalette() palette.Table {
	table, err := palette.Load(r.cfg.Palette.Path)
	if err != nil {
		r.logger.Warn("color table unavailable, colors will not match",
			slog.String("path", r.cfg.Palette.Path),
			slog.String("error", err.Error()))
	}
	return table
}

// connectBus starts the embedded broker when configured and connects to the
// bus. A failure leaves the display running without speech input.
func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		r.logger.Warn("embedded NATS server unavailable, using configured servers", slog.String("error", err.Error()))
	} else if embedded != nil {
		r.embedded = embedded
		busCfg.Servers = append([]string{embedded.ClientURL()}, busCfg.Servers...)
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.logger.Warn("speech input unavailable", slog.String("error", err.Error()))
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) startServices(ctx context.Context, interpreter *interpret.Interpreter) error {
	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}
	r.registry = registry

	if r.cfg.STT.Enabled {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("stt recognizer: %w", err)
		}
		r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, registry, r.logger)
		if err := r.stt.Start(); err != nil {
			return fmt.Errorf("stt service: %w", err)
		}
	}

	r.relay = relay.NewService(r.cfg.Relay, r.bus, interpreter, r.logger)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http listening", slog.String("addr", addr))
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.listener != nil {
		r.listener.Close()
	}
	r.stopServices()
	r.closeTelemetry()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

func (r *Runtime) stopServices() {
	if r.relay != nil {
		r.relay.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
}

func (r *Runtime) checks() []healthCheck {
	var checks []healthCheck
	if r.bus != nil {
		checks = append(checks, healthCheck{"bus", r.bus.Healthy})
	}
	if r.registry != nil {
		checks = append(checks, healthCheck{"registry", r.registry.Healthy})
	}
	if r.stt != nil {
		checks = append(checks, healthCheck{"stt", r.stt.Healthy})
	}
	if r.relay != nil {
		checks = append(checks, healthCheck{"relay", r.relay.Healthy})
	}
	return checks
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the display is running and every started
// component is healthy. A display without a bus is still ready.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	var failing []string
	for _, c := range r.checks() {
		if !c.ok() {
			failing = append(failing, c.name)
		}
	}
	if len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy: " + strings.Join(failing, ",")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
