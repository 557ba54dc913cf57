package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/speechviz/internal/bus"
	"github.com/loqalabs/speechviz/internal/config"
	"github.com/loqalabs/speechviz/internal/natsserver"
	"github.com/loqalabs/speechviz/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRegistry(t *testing.T) (*Registry, *bus.Client) {
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

	reg, err := NewRegistry(context.Background(), config.Default().Node, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	return reg, client
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRegistryAnnouncesSelf(t *testing.T) {
	reg, _ := newRegistry(t)
	if !reg.Healthy() {
		t.Fatal("expected local node to be healthy after announce")
	}
	if !reg.HasCapability("display.canvas") {
		t.Fatal("expected default display capability")
	}
	if reg.HasCapability("stt.transcribe") {
		t.Fatal("no recognizer was announced")
	}
}

func TestAdvertiseAddsCapability(t *testing.T) {
	reg, _ := newRegistry(t)
	if err := reg.Advertise(Capability{Name: "stt.transcribe", Tier: "local"}); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := reg.Advertise(Capability{Name: "stt.transcribe"}); err != nil {
		t.Fatalf("advertise again: %v", err)
	}
	if !reg.HasCapability("stt.transcribe") {
		t.Fatal("expected advertised capability")
	}
	if got := len(reg.LocalCapabilities()); got != 2 {
		t.Fatalf("expected 2 local capabilities, got %d", got)
	}
}

func TestPeerPresence(t *testing.T) {
	reg, client := newRegistry(t)

	payload, _ := json.Marshal(presence{
		NodeID:       "recognizer-1",
		Role:         "stt",
		Capabilities: []Capability{{Name: "stt.transcribe"}},
		Timestamp:    time.Now().UTC(),
	})
	if err := client.Conn().Publish(protocol.SubjectNodeHeartbeatPrefix+".recognizer-1", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, func() bool { return reg.HasCapability("stt.transcribe") })

	nodes := reg.Query(WithCapabilityFilter("stt.transcribe"))
	if len(nodes) != 1 || nodes[0].ID != "recognizer-1" || nodes[0].Role != "stt" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
}

func TestNodesTimeOut(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.observe(presence{NodeID: "recognizer-1", Capabilities: []Capability{{Name: "stt.transcribe"}}})
	if !reg.HasCapability("stt.transcribe") {
		t.Fatal("expected peer capability")
	}

	later := time.Now().Add(time.Hour)
	reg.mu.Lock()
	reg.now = func() time.Time { return later }
	reg.mu.Unlock()
	reg.evaluateHealth()

	if reg.HasCapability("stt.transcribe") {
		t.Fatal("timed out node must not count")
	}
	peers := reg.Query(WithCapabilityFilter("stt.transcribe"))
	if len(peers) != 1 || peers[0].Healthy {
		t.Fatalf("expected one unhealthy peer, got %+v", peers)
	}
}
