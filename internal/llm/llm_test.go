package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
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

func collect(t *testing.T, g Generator, req Request) (string, []Chunk) {
	t.Helper()
	var chunks []Chunk
	var b strings.Builder
	err := g.Generate(context.Background(), req, func(c Chunk) error {
		chunks = append(chunks, c)
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return b.String(), chunks
}

func TestMockGeneratorStreamsWords(t *testing.T) {
	text, chunks := collect(t, NewMockGenerator(0), Request{SessionID: "s1", Prompt: "why is the sky blue"})
	if text != "This is a mock answer to: why is the sky blue. It arrives one word at a time." {
		t.Fatalf("unexpected text %q", text)
	}
	last := chunks[len(chunks)-1]
	if last.Partial || last.Content != "" {
		t.Fatalf("expected empty final chunk, got %+v", last)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if !c.Partial || c.SessionID != "s1" {
			t.Fatalf("unexpected partial %+v", c)
		}
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "llm.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat > /dev/null\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return script
}

func TestExecGeneratorStreamsLines(t *testing.T) {
	g, err := NewExecGenerator(writeScript(t, `echo '{"content":"Hello "}'
echo '{"content":"from exec.","done":true,"completion_tokens":3}'
`))
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	text, chunks := collect(t, g, Request{SessionID: "s1", Prompt: "hi"})
	if text != "Hello from exec." || len(chunks) != 2 {
		t.Fatalf("unexpected exec output %q %+v", text, chunks)
	}
	if !chunks[0].Partial || chunks[1].Partial || chunks[1].CompletionTokens != 3 || chunks[1].SessionID != "s1" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestExecGeneratorFinishesWithoutDoneLine(t *testing.T) {
	g, err := NewExecGenerator(writeScript(t, `echo '{"content":"Only line."}'
`))
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	text, chunks := collect(t, g, Request{Prompt: "hi"})
	if text != "Only line." || len(chunks) != 2 || chunks[1].Partial || chunks[1].Content != "" {
		t.Fatalf("unexpected exec output %q %+v", text, chunks)
	}
}

func TestExecGeneratorReportsStderr(t *testing.T) {
	g, err := NewExecGenerator(writeScript(t, "echo 'model missing' >&2\nexit 3\n"))
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	err = g.Generate(context.Background(), Request{Prompt: "hi"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if _, err := NewExecGenerator("  "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestOllamaGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream || req.Model != "fast-model" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		for _, part := range []string{"Hel", "lo."} {
			fmt.Fprintf(w, "{\"response\":%q,\"done\":false}\n", part)
		}
		fmt.Fprint(w, "{\"response\":\"\",\"done\":true,\"eval_count\":2,\"prompt_eval_count\":5}\n")
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL+"/", "fast-model", "big-model")
	text, chunks := collect(t, g, Request{Prompt: "hi", Tier: "fast"})
	if text != "Hello." || len(chunks) != 3 {
		t.Fatalf("unexpected ollama output %q (%d chunks)", text, len(chunks))
	}
	if final := chunks[2]; final.Partial || final.CompletionTokens != 2 || final.PromptTokens != 5 {
		t.Fatalf("unexpected final chunk %+v", final)
	}

	err := g.Generate(context.Background(), Request{Prompt: "hi", Tier: "balanced"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewGenerator(t *testing.T) {
	for _, mode := range []string{"", "mock", "ollama"} {
		if _, err := NewGenerator(config.LLMConfig{Mode: mode, Endpoint: "http://localhost:11434"}); err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
	}
	if _, err := NewGenerator(config.LLMConfig{Mode: "gpt"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if err := consumer(Chunk{SessionID: req.SessionID, Content: "Partial ", Partial: true}); err != nil {
		return err
	}
	return errors.New("model crashed")
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
	client, err := bus.Connect(context.Background(), "llm-test", cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func runService(t *testing.T, g Generator) []protocol.LLMResponse {
	t.Helper()
	client := startBus(t)
	svc := NewService(context.Background(), config.LLMConfig{Enabled: true, MaxTokens: 64}, client, g, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()

	sub, err := client.Conn().SubscribeSync("llm.response.*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectLLMRequest, protocol.LLMRequest{SessionID: "s1", Prompt: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var responses []protocol.LLMResponse
	for {
		msg, err := sub.NextMsg(3 * time.Second)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		var resp protocol.LLMResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Partial != (msg.Subject == protocol.SubjectLLMResponsePartial) {
			t.Fatalf("response %+v on %s", resp, msg.Subject)
		}
		responses = append(responses, resp)
		if !resp.Partial {
			return responses
		}
	}
}

func TestServiceStreamsResponses(t *testing.T) {
	responses := runService(t, NewMockGenerator(time.Millisecond))
	var b strings.Builder
	for _, r := range responses {
		b.WriteString(r.Content)
	}
	if !strings.HasPrefix(b.String(), "This is a mock answer to: hello.") {
		t.Fatalf("unexpected content %q", b.String())
	}
	if final := responses[len(responses)-1]; final.SessionID != "s1" || final.Error != "" {
		t.Fatalf("unexpected final %+v", final)
	}
}

func TestServiceReportsFailureAsFinal(t *testing.T) {
	responses := runService(t, failingGenerator{})
	if len(responses) != 2 || responses[0].Content != "Partial " {
		t.Fatalf("unexpected responses %+v", responses)
	}
	if final := responses[1]; final.Partial || final.Error != "model crashed" {
		t.Fatalf("unexpected final %+v", final)
	}
}
