package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator streams a canned answer word by word, waiting delay between words.
func NewMockGenerator(delay time.Duration) Generator { return &mockGenerator{delay: delay} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	content := "This is a mock answer to: " + strings.TrimSpace(req.Prompt) + ". It arrives one word at a time."
	words := strings.Fields(content)
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if i < len(words)-1 {
			word += " "
		}
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          word,
			Partial:          true,
			CompletionTokens: i + 1,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Partial:          false,
		CompletionTokens: len(words),
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}
