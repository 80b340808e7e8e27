package llm

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk is streamed model output. Content is the text produced since the
// previous chunk. Exactly one chunk per generation has Partial unset, and it
// may be empty.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig returns the configured defaults for a tier, falling back
// to the default tier when tier is empty.
func OptionsFromConfig(cfg config.LLMConfig, tier string) Request {
	return Request{Tier: cmp.Or(tier, cfg.DefaultTier), MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// NewGenerator selects the backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockGenerator(20 * time.Millisecond), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// decodeLines calls fn with every non-blank JSON line of r until fn or the
// reader fails.
func decodeLines[T any](r io.Reader, fn func(T) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return fmt.Errorf("decode stream line: %w", err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return scanner.Err()
}
