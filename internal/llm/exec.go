package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs a command per prompt. The command reads a JSON request on
// stdin and streams JSON lines on stdout, one delta per line:
//
//	{"content": "Hello ", "done": false}
//	{"content": "there.", "done": true, "completion_tokens": 2}
//
// A stream that ends without a done line still finishes the generation.
type execGenerator struct {
	argv []string
	mu   sync.Mutex
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Tier        string  `json:"tier,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execLine struct {
	Content          string `json:"content"`
	Done             bool   `json:"done"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		Tier:        req.Tier,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	final := false
	streamErr := decodeLines(stdout, func(line execLine) error {
		if final {
			return nil
		}
		final = line.Done
		return consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          line.Content,
			Partial:          !line.Done,
			PromptTokens:     line.PromptTokens,
			CompletionTokens: line.CompletionTokens,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		})
	})
	if streamErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()
	switch {
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("llm command failed: %w", waitErr)
	case !final:
		return consumer(Chunk{SessionID: req.SessionID, Latency: time.Since(start), TraceID: req.TraceID})
	}
	return nil
}
