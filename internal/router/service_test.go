package router

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
	"github.com/loqalabs/loqa-speech/internal/protocol"
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
	client, err := bus.Connect(context.Background(), "router-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRouterForwardsDeltasInOrder(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true, DefaultVoice: "af_heart", Target: "kitchen"}, client, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("router should be healthy")
	}

	sub, err := client.Conn().SubscribeSync(protocol.SubjectTTSText)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publish := func(subject string, v any) {
		t.Helper()
		if err := client.PublishJSON(subject, v); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "a", Prompt: "hi", Voice: "am_adam", TraceID: "t1"})
	publish(protocol.SubjectLLMResponsePartial, protocol.LLMResponse{SessionID: "a", Content: "Hello ", Partial: true})
	publish(protocol.SubjectLLMResponsePartial, protocol.LLMResponse{SessionID: "a", Content: "", Partial: true})
	publish(protocol.SubjectLLMResponsePartial, protocol.LLMResponse{SessionID: "a", Content: "there.", Partial: true})
	publish(protocol.SubjectLLMResponseFinal, protocol.LLMResponse{SessionID: "a"})
	publish(protocol.SubjectLLMResponseFinal, protocol.LLMResponse{SessionID: "b", Content: "Unrequested."})

	want := []protocol.TTSText{
		{SessionID: "a", Text: "Hello ", Voice: "am_adam", Target: "kitchen", TraceID: "t1"},
		{SessionID: "a", Text: "there.", Voice: "am_adam", Target: "kitchen", TraceID: "t1"},
		{SessionID: "a", Final: true, Voice: "am_adam", Target: "kitchen", TraceID: "t1"},
		{SessionID: "b", Text: "Unrequested.", Final: true, Voice: "af_heart", Target: "kitchen"},
	}
	for i, w := range want {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("delta %d: %v", i, err)
		}
		var got protocol.TTSText
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != w {
			t.Fatalf("delta %d: got %+v want %+v", i, got, w)
		}
	}

	svc.mu.Lock()
	left := len(svc.sessions)
	svc.mu.Unlock()
	if left != 0 {
		t.Fatalf("finished sessions were not forgotten: %d", left)
	}
}

func TestRouterDisabled(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{}, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled router reports healthy")
	}
	svc.Close()
}
