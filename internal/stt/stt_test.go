package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/capability"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/natsserver"
	"github.com/loqalabs/speechviz/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingAdvertiser struct {
	mu   sync.Mutex
	caps []capability.Capability
}

func (a *recordingAdvertiser) Advertise(caps ...capability.Capability) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caps = append(a.caps, caps...)
	return nil
}

func TestMockRecognizer(t *testing.T) {
	r := NewMockRecognizer()
	cases := []struct {
		bytes int
		final bool
		want  string
	}{
		{0, true, "heard one second of audio"},
		{32000, true, "heard one second of audio"},
		{32001, true, "heard two seconds of audio"},
		{32000 * 3, false, "so far heard three seconds of audio"},
		{32000 * 60, true, "heard ten seconds of audio"},
	}
	for _, tc := range cases {
		got, err := r.Transcribe(context.Background(), make([]byte, tc.bytes), 16000, 1, tc.final)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if got.Text != tc.want {
			t.Fatalf("%d bytes: got %q, want %q", tc.bytes, got.Text, tc.want)
		}
	}
	if _, err := r.Transcribe(context.Background(), nil, 0, 1, true); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestNewRecognizer(t *testing.T) {
	cfg := config.Default().STT
	if _, err := NewRecognizer(cfg); err != nil {
		t.Fatalf("mock: %v", err)
	}
	cfg.Mode = "exec"
	cfg.Command = ""
	if _, err := NewRecognizer(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	cfg.Mode = "cloud"
	if _, err := NewRecognizer(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestExecArgs(t *testing.T) {
	cfg := config.Default().STT
	cfg.Mode = "exec"
	cfg.Command = `whisper-cli --threads 2 --prompt "colors and numbers"`
	cfg.ModelPath = "/models/base.bin"
	rec, err := NewExecRecognizer(cfg)
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	er := rec.(*execRecognizer)
	if er.cmd[0] != "whisper-cli" {
		t.Fatalf("unexpected command %v", er.cmd)
	}
	got := er.args("/tmp/a.wav", false)
	want := []string{"--threads", "2", "--prompt", "colors and numbers", "--audio", "/tmp/a.wav", "--model", "/models/base.bin", "--language", "en-US", "--partial"}
	if !slices.Equal(got, want) {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0xff, 0x7f}
	if err := writePCMToWav(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{1, -1, -32768, 32767}
	if !slices.Equal(buf.Data, want) {
		t.Fatalf("samples = %v, want %v", buf.Data, want)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d/%d", dec.SampleRate, dec.NumChans)
	}

	if err := writePCMToWav(f, []byte{0x01}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestServicePublishesFinalTranscript(t *testing.T) {
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
	defer client.Close()

	cfg := config.Default().STT
	cfg.Enabled = true
	cfg.PublishInterim = false
	adv := &recordingAdvertiser{}
	svc := NewService(context.Background(), cfg, client, NewMockRecognizer(), adv, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	if !svc.Healthy() {
		t.Fatal("service should be healthy")
	}
	if len(adv.caps) != 1 || adv.caps[0].Name != CapabilityName {
		t.Fatalf("unexpected advertised capabilities %+v", adv.caps)
	}

	sub, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i, final := range []bool{false, true} {
		data, _ := json.Marshal(protocol.AudioFrame{
			SessionID:  "mic-1",
			Sequence:   i,
			SampleRate: 16000,
			Channels:   1,
			PCM:        make([]byte, 32000),
			Final:      final,
		})
		if err := client.Conn().Publish(protocol.SubjectAudioFramePrefix+".mic-1", data); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("waiting for transcript: %v", err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.SessionID != "mic-1" || tr.Partial || tr.Text != "heard two seconds of audio" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	svc := NewService(context.Background(), config.STTConfig{}, nil, nil, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service reports healthy")
	}
	svc.Close()
}
