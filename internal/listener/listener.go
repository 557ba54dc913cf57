// Package listener is the speech capability seen from the display: it starts
// and stops continuous recognition and queues transcripts and status changes
// for the single goroutine that owns the display state.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	StatusListening   = "Listening..."
	StatusStopped     = "Stopped listening"
	StatusDenied      = "Bus access denied: check credentials and permissions"
	noRecognizerHint  = " (no recognizer announced)"
	unavailablePrefix = "Speech recognition not available: "
)

type Kind int

const (
	KindTranscript Kind = iota
	KindStatus
)

// Event is queued for the display loop. Transcript events carry Text;
// status events carry the new status line in Text and the listening flag.
type Event struct {
	Kind      Kind
	Text      string
	Partial   bool
	SessionID string
	Listening bool
}

// Directory reports whether some node on the bus offers a capability.
type Directory interface {
	HasCapability(name string) bool
}

type Listener struct {
	cfg    config.ListenerConfig
	bus    *bus.Client
	reason error
	dir    Directory
	logger *slog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listening bool
	gen       uint64
	stop      context.CancelFunc
	sub       *nats.Subscription
}

// New creates a listener. A nil busClient means the capability is
// unavailable; reason explains why and is shown when the user tries to
// start listening.
func New(parent context.Context, cfg config.ListenerConfig, busClient *bus.Client, reason error, dir Directory, queueSize int, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(parent)
	if queueSize <= 0 {
		queueSize = 1
	}
	l := &Listener{
		cfg:    cfg,
		bus:    busClient,
		reason: reason,
		dir:    dir,
		logger: logger.With(slog.String("component", "listener")),
		events: make(chan Event, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if busClient != nil {
		busClient.OnAsyncError(l.handleAsyncError)
	}
	return l
}

// Events is the single-consumer queue of transcripts and status changes, in
// delivery order.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Available reports whether recognition can be started at all.
func (l *Listener) Available() bool {
	return l.bus != nil
}

func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// Toggle starts or stops listening and returns the resulting flag and
// status line. It never blocks on the event queue, so the queue's consumer
// may call it.
func (l *Listener) Toggle() (bool, string) {
	if l.Listening() {
		return l.Stop()
	}
	return l.Start()
}

func (l *Listener) Start() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listening {
		return true, StatusListening
	}
	// A denial seen while listening does not stick: permissions may have
	// been fixed since, and a still-denied subscription reports again.
	if l.bus == nil {
		return false, unavailableStatus(l.reason)
	}

	ctx, stop := context.WithCancel(l.ctx)
	l.gen++
	l.stop = stop
	l.listening = true

	l.wg.Add(1)
	go l.run(ctx, l.gen)

	status := StatusListening
	if l.dir != nil && l.cfg.RecognizerName != "" && !l.dir.HasCapability(l.cfg.RecognizerName) {
		status += noRecognizerHint
	}
	l.logger.Info("listening started", slog.String("subject", l.cfg.Subject))
	return true, status
}

// Stop clears the listening flag. Transcripts that already reached this
// node are still delivered.
func (l *Listener) Stop() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening {
		return false, StatusStopped
	}
	l.listening = false
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	l.logger.Info("listening stopped")
	return false, StatusStopped
}

// Close stops listening and waits for the session goroutine to exit.
func (l *Listener) Close() {
	l.Stop()
	l.cancel()
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context, gen uint64) {
	defer l.wg.Done()
	for {
		sessionID := uuid.NewString()
		sub, err := l.bus.Conn().SubscribeSync(l.cfg.Subject)
		if err != nil {
			l.fail(gen, fmt.Errorf("subscribe %s: %w", l.cfg.Subject, err))
			return
		}
		l.setSession(sub)
		l.logger.Debug("recognition session started", slog.String("session_id", sessionID))

		err = l.consume(ctx, sub)
		l.setSession(nil)
		if ctx.Err() != nil {
			l.drainPending(sub)
			_ = sub.Unsubscribe()
			return
		}
		_ = sub.Unsubscribe()

		if bus.IsAccessDenied(err) {
			l.deny(gen)
			return
		}
		if !l.current(gen) {
			return
		}
		l.logger.Info("recognition session ended, resuming",
			slog.String("session_id", sessionID),
			slog.String("error", errString(err)))
	}
}

func (l *Listener) setSession(sub *nats.Subscription) {
	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()
}

// session returns the subscription of the running session, if any.
func (l *Listener) session() *nats.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub
}

// consume delivers messages until ctx is cancelled or the subscription ends.
func (l *Listener) consume(ctx context.Context, sub *nats.Subscription) error {
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, nats.ErrSlowConsumer) {
				l.logger.Warn("transcripts dropped by slow consumer")
				continue
			}
			return err
		}
		l.deliver(msg)
	}
}

// drainPending flushes messages that were already buffered when listening
// stopped.
func (l *Listener) drainPending(sub *nats.Subscription) {
	for {
		msg, err := sub.NextMsg(0)
		if err != nil {
			return
		}
		l.deliver(msg)
	}
}

func (l *Listener) deliver(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		l.logger.Warn("failed to decode transcript", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	l.emit(Event{
		Kind:      KindTranscript,
		Text:      transcript.Text,
		Partial:   transcript.Partial,
		SessionID: transcript.SessionID,
	})
}

func (l *Listener) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

func (l *Listener) current(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening && l.gen == gen
}

// fail ends the session generation gen and reports why.
func (l *Listener) fail(gen uint64, err error) {
	l.mu.Lock()
	if !l.listening || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.listening = false
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	l.mu.Unlock()

	l.logger.Warn("recognition unavailable", slog.String("error", err.Error()))
	l.emit(Event{Kind: KindStatus, Text: unavailableStatus(err), Listening: false})
}

func (l *Listener) deny(gen uint64) {
	l.mu.Lock()
	if !l.listening || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.listening = false
	if l.stop != nil {
		l.stop()
		l.stop = nil
	}
	l.mu.Unlock()

	l.logger.Warn("recognition access denied")
	l.emit(Event{Kind: KindStatus, Text: StatusDenied, Listening: false})
}

func (l *Listener) handleAsyncError(err error) {
	// Publish violations belong to other components.
	if !bus.IsAccessDenied(err) || !strings.Contains(strings.ToLower(err.Error()), "subscription") {
		return
	}
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	l.deny(gen)
}

func unavailableStatus(reason error) string {
	if bus.IsAccessDenied(reason) {
		return StatusDenied
	}
	if reason == nil {
		return unavailablePrefix + "no bus connection"
	}
	return unavailablePrefix + reason.Error()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
