package llm

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const fallbackModel = "llama3.2:latest"

type ollamaGenerator struct {
	endpoint string
	// models maps a tier to a model; "" holds the model for unknown tiers
	models map[string]string
	client *http.Client
}

// NewOllamaGenerator streams completions from an Ollama /api/generate endpoint.
func NewOllamaGenerator(endpoint, fastModel, balancedModel string) Generator {
	fallback := cmp.Or(balancedModel, fastModel, fallbackModel)
	return &ollamaGenerator{
		endpoint: strings.TrimRight(endpoint, "/"),
		models: map[string]string{
			"fast":     cmp.Or(fastModel, fallback),
			"balanced": cmp.Or(balancedModel, fallback),
			"":         fallback,
		},
		client: &http.Client{},
	}
}

func (g *ollamaGenerator) model(tier string) string {
	if m, ok := g.models[tier]; ok {
		return m
	}
	return g.models[""]
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaLine struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	body, err := json.Marshal(ollamaRequest{
		Model:   g.model(req.Tier),
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Options: ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	errDone := errors.New("done")
	final := false
	err = decodeLines(resp.Body, func(line ollamaLine) error {
		if line.Error != "" {
			return fmt.Errorf("ollama: %s", line.Error)
		}
		final = line.Done
		if err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          line.Response,
			Partial:          !line.Done,
			PromptTokens:     line.PromptEvalCount,
			CompletionTokens: line.EvalCount,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		}); err != nil {
			return err
		}
		if line.Done {
			return errDone
		}
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, errDone) {
		return err
	}
	if !final {
		return errors.New("ollama stream ended without a final response")
	}
	return nil
}
