package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/interpret"
	"github.com/loqalabs/speechviz/internal/natsserver"
	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/loqalabs/speechviz/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setup(t *testing.T, cfg config.RelayConfig) *bus.Client {
	t.Helper()
	srv, err := natsserver.StartEphemeral(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg := config.Default().Bus
	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	table := palette.New(map[string]palette.RGB{
		"blue":       {R: 3, G: 67, B: 223},
		"light blue": {R: 149, G: 208, B: 252},
	})
	svc := NewService(cfg, client, interpret.New(table, newLogger()), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("relay should be healthy after start")
	}
	return client
}

func subscribe(t *testing.T, client *bus.Client, subject string) *nats.Subscription {
	t.Helper()
	sub, err := client.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	return sub
}

func sendTranscript(t *testing.T, client *bus.Client, subject, text string) {
	t.Helper()
	data, _ := json.Marshal(protocol.Transcript{SessionID: "s1", Text: text, Partial: subject == protocol.SubjectTranscriptPartial})
	if err := client.Conn().Publish(subject, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestRelayPublishesColorAndNumber(t *testing.T) {
	client := setup(t, config.RelayConfig{Enabled: true})
	textSub := subscribe(t, client, protocol.SubjectSpeechText)
	colorSub := subscribe(t, client, protocol.SubjectSpeechColor)
	numberSub := subscribe(t, client, protocol.SubjectSpeechNumber)

	sendTranscript(t, client, protocol.SubjectTranscriptFinal, "  Light Blue and SEVEN ")

	msg, err := textSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("speech.text: %v", err)
	}
	var text protocol.SpeechText
	_ = json.Unmarshal(msg.Data, &text)
	if text.Text != "light blue and seven" || text.SessionID != "s1" {
		t.Fatalf("unexpected text event %+v", text)
	}

	msg, err = colorSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("speech.color: %v", err)
	}
	var color protocol.SpeechColor
	_ = json.Unmarshal(msg.Data, &color)
	if color.Name != "light blue" || color.R != 149 || color.G != 208 || color.B != 252 {
		t.Fatalf("unexpected color event %+v", color)
	}

	msg, err = numberSub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("speech.number: %v", err)
	}
	var number protocol.SpeechNumber
	_ = json.Unmarshal(msg.Data, &number)
	if number.Value != 7 {
		t.Fatalf("unexpected number event %+v", number)
	}
}

func TestRelayTextOnly(t *testing.T) {
	client := setup(t, config.RelayConfig{Enabled: true})
	textSub := subscribe(t, client, protocol.SubjectSpeechText)
	colorSub := subscribe(t, client, protocol.SubjectSpeechColor)

	sendTranscript(t, client, protocol.SubjectTranscriptFinal, "hello")

	if _, err := textSub.NextMsg(2 * time.Second); err != nil {
		t.Fatalf("speech.text: %v", err)
	}
	if _, err := colorSub.NextMsg(200 * time.Millisecond); err != nats.ErrTimeout {
		t.Fatalf("expected no color event, got %v", err)
	}
}

func TestRelayIgnoresPartialByDefault(t *testing.T) {
	client := setup(t, config.RelayConfig{Enabled: true})
	textSub := subscribe(t, client, protocol.SubjectSpeechText)

	sendTranscript(t, client, protocol.SubjectTranscriptPartial, "blue")
	if _, err := textSub.NextMsg(200 * time.Millisecond); err != nats.ErrTimeout {
		t.Fatalf("expected partial to be ignored, got %v", err)
	}
}

func TestRelayIncludePartial(t *testing.T) {
	client := setup(t, config.RelayConfig{Enabled: true, IncludePartial: true})
	colorSub := subscribe(t, client, protocol.SubjectSpeechColor)

	sendTranscript(t, client, protocol.SubjectTranscriptPartial, "blue")
	if _, err := colorSub.NextMsg(2 * time.Second); err != nil {
		t.Fatalf("expected partial to be relayed: %v", err)
	}
}

func TestDisabledRelayIsHealthy(t *testing.T) {
	svc := NewService(config.RelayConfig{}, nil, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled relay reports healthy")
	}
	svc.Close()
}
