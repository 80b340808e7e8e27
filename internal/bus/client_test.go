package bus_test

import (
	"context"
	"encoding/json"
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
	client, err := bus.Connect(context.Background(), "bus-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishJSONAndStream(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	sub, err := client.Conn().SubscribeSync("test.subject")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.EnsureStream("TEST", []string{"test.subject"}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream("TEST", []string{"test.subject"}, 2*time.Hour); err != nil {
		t.Fatalf("update stream: %v", err)
	}
	if err := client.PublishJSON("test.subject", map[string]int{"n": 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(msg.Data, &got); err != nil || got["n"] != 7 {
		t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.StreamMessages("TEST")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stream retained %d messages", n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := bus.Connect(context.Background(), "", config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}
