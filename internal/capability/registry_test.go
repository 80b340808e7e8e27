package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "registry-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestWithAttributes(t *testing.T) {
	base := FromConfig([]config.NodeCapability{{Name: TTSStream, Tier: "balanced", Attributes: map[string]string{"a": "1"}}})
	caps := WithAttributes(base, TTSStream, map[string]string{"voices": "af_heart,am_adam"})
	if len(caps) != 1 || caps[0].Attributes["a"] != "1" || caps[0].Attributes["voices"] != "af_heart,am_adam" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
	if _, ok := base[0].Attributes["voices"]; ok {
		t.Fatal("input capabilities were modified")
	}
	added := WithAttributes(nil, "tts.request", map[string]string{"x": "y"})
	if len(added) != 1 || added[0].Name != "tts.request" {
		t.Fatalf("expected capability to be added, got %+v", added)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	client := startBus(t)
	ctx := context.Background()

	local := WithAttributes(nil, TTSStream, map[string]string{"concurrency": "2"})
	nodeCfg := config.NodeConfig{ID: "speech-a", Role: "speech", HeartbeatInterval: 50, HeartbeatTimeout: 1000}
	a, err := NewRegistry(ctx, nodeCfg, local, client, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	if !a.Healthy() {
		t.Fatal("local node should be healthy after announcing")
	}
	if got := a.Query(nil); len(got) != 1 || got[0].Capabilities[0].Attributes["concurrency"] != "2" {
		t.Fatalf("unexpected local node %+v", got)
	}

	peerCfg := config.NodeConfig{
		ID: "llm-b", Role: "llm", HeartbeatInterval: 50, HeartbeatTimeout: 1000,
		Capabilities: []config.NodeCapability{{Name: "llm.generate", Tier: "fast"}},
	}
	b, err := NewRegistry(ctx, peerCfg, nil, client, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		nodes := a.Query(WithTierFilter("fast"))
		if len(nodes) == 1 && nodes[0].ID == "llm-b" && nodes[0].Healthy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer never discovered, have %+v", a.Query(nil))
		}
		time.Sleep(20 * time.Millisecond)
	}
	if nodes := a.Query(WithCapabilityFilter(TTSStream)); len(nodes) != 1 || nodes[0].ID != "speech-a" {
		t.Fatalf("unexpected tts nodes %+v", nodes)
	}
	if all := a.Query(nil); len(all) != 2 || all[0].ID != "llm-b" {
		t.Fatalf("expected sorted nodes, got %+v", all)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSelectPrefersIdleNodeAndForgetsLeavers(t *testing.T) {
	client := startBus(t)
	ctx := context.Background()
	local := WithAttributes(nil, TTSStream, nil)

	newNode := func(id string, sessions int) *Registry {
		cfg := config.NodeConfig{ID: id, Role: "speech", HeartbeatInterval: 30, HeartbeatTimeout: 1000}
		r, err := NewRegistry(ctx, cfg, local, client, newLogger(),
			WithLoad(func() Load { return Load{Sessions: sessions} }))
		if err != nil {
			t.Fatalf("registry %s: %v", id, err)
		}
		return r
	}
	busy := newNode("speech-busy", 5)
	defer busy.Close()
	idle := newNode("speech-idle", 1)

	waitFor(t, "idle node to be preferred", func() bool {
		node, ok := busy.Select(TTSStream)
		return ok && node.ID == "speech-idle" && node.Load.Sessions == 1
	})
	if _, ok := busy.Select("llm.generate"); ok {
		t.Fatal("no node advertises llm.generate")
	}

	idle.Close()
	waitFor(t, "idle node to leave", func() bool {
		return len(busy.Query(WithCapabilityFilter(TTSStream))) == 1
	})
	if node, ok := busy.Select(TTSStream); !ok || node.ID != "speech-busy" {
		t.Fatalf("expected the remaining node, got %+v", node)
	}
}
