// Package relay republishes interpreted transcripts as speech.text,
// speech.color and speech.number events so other nodes can react to what
// the display shows.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/interpret"
	"github.com/loqalabs/speechviz/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Matcher turns a raw transcript into an interpretation.
type Matcher interface {
	Match(raw string) interpret.Result
}

type Service struct {
	cfg     config.RelayConfig
	bus     *bus.Client
	matcher Matcher
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription

	published metric.Int64Counter
}

func NewService(cfg config.RelayConfig, busClient *bus.Client, matcher Matcher, logger *slog.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		matcher: matcher,
		logger:  logger.With(slog.String("component", "relay")),
	}
	meter := otel.Meter("github.com/loqalabs/speechviz/relay")
	counter, err := meter.Int64Counter("speechviz.relay.published", metric.WithDescription("Speech events published by the relay"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		s.published = counter
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subjects := []string{protocol.SubjectTranscriptFinal}
	if s.cfg.IncludePartial {
		subjects = append(subjects, protocol.SubjectTranscriptPartial)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subject := range subjects {
		sub, err := s.bus.Conn().Subscribe(subject, s.handleTranscript)
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Drain()
			}
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("relay started", slog.Bool("include_partial", s.cfg.IncludePartial))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("relay failed to decode transcript", slogError(err))
		return
	}
	ctx, span := otel.Tracer("github.com/loqalabs/speechviz/relay").Start(context.Background(), "relay.transcript")
	defer span.End()

	r := s.matcher.Match(transcript.Text)
	span.SetAttributes(
		attribute.String("session_id", transcript.SessionID),
		attribute.Bool("partial", transcript.Partial),
		attribute.String("color", r.ColorName),
		attribute.Int("number", r.Number),
	)

	s.publish(ctx, protocol.SubjectSpeechText, protocol.SpeechText{
		SessionID: transcript.SessionID,
		Text:      r.Text,
	})
	if r.HasColor() {
		s.publish(ctx, protocol.SubjectSpeechColor, protocol.SpeechColor{
			SessionID: transcript.SessionID,
			Name:      r.ColorName,
			R:         r.Color.R,
			G:         r.Color.G,
			B:         r.Color.B,
		})
	}
	if r.HasNumber() {
		s.publish(ctx, protocol.SubjectSpeechNumber, protocol.SpeechNumber{
			SessionID: transcript.SessionID,
			Value:     r.Number,
		})
	}
}

func (s *Service) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("relay failed to marshal event", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("relay failed to publish event", slog.String("subject", subject), slogError(err))
		return
	}
	if s.published != nil {
		s.published.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
