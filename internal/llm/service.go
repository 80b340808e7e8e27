package llm

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

const generateTimeout = 60 * time.Second

// Service answers llm.request messages with streamed llm.response.* messages.
// Every request ends with exactly one final response, also when generation fails.
type Service struct {
	cfg        config.LLMConfig
	bus        *bus.Client
	generator  Generator
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	firstDelta metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
	hist, err := otel.Meter("github.com/loqalabs/loqa-speech/llm").Float64Histogram("loqa.llm.first_delta_ms",
		metric.WithDescription("Time from prompt to the first streamed delta"), metric.WithUnit("ms"))
	if err != nil {
		s.logger.Warn("failed to create llm histogram", slogError(err))
	}
	s.firstDelta = hist
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

// requestFor merges a bus request over the configured defaults.
func (s *Service) requestFor(msg protocol.LLMRequest) Request {
	req := OptionsFromConfig(s.cfg, msg.Tier)
	req.SessionID = msg.SessionID
	req.Prompt = msg.Prompt
	req.System = msg.System
	req.TraceID = msg.TraceID
	if msg.MaxTokens > 0 {
		req.MaxTokens = msg.MaxTokens
	}
	if msg.Temperature != 0 {
		req.Temperature = msg.Temperature
	}
	return req
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, generateTimeout)
		defer cancel()
		s.generate(ctx, s.requestFor(req))
	}()
}

func (s *Service) generate(ctx context.Context, req Request) {
	out := &responder{svc: s, req: req, start: time.Now()}
	err := s.generator.Generate(ctx, req, out.publish)
	logger := s.logger.With(slog.String("session_id", req.SessionID))
	if err != nil {
		logger.Warn("llm generation failed", slogError(err))
		out.finish(err.Error())
		return
	}
	out.finish("")
	logger.Info("llm generation complete",
		slog.Int("deltas", out.deltas),
		slog.Duration("latency", time.Since(out.start)))
}

// responder publishes one generation and guarantees its single final response.
type responder struct {
	svc    *Service
	req    Request
	start  time.Time
	deltas int
	final  bool
}

func (r *responder) publish(chunk Chunk) error {
	if r.final {
		return nil
	}
	if chunk.Partial && chunk.Content == "" {
		return nil
	}
	if chunk.Content != "" {
		if r.deltas == 0 && r.svc.firstDelta != nil {
			r.svc.firstDelta.Record(context.Background(), float64(time.Since(r.start).Milliseconds()),
				metric.WithAttributes(attribute.String("tier", cmp.Or(r.req.Tier, "default"))))
		}
		r.deltas++
	}
	r.final = !chunk.Partial
	return r.send(chunk, "")
}

// finish publishes an empty final response unless the generator already sent one.
func (r *responder) finish(failure string) {
	if r.final {
		return
	}
	r.final = true
	_ = r.send(Chunk{SessionID: r.req.SessionID, TraceID: r.req.TraceID, Latency: time.Since(r.start)}, failure)
}

func (r *responder) send(chunk Chunk, failure string) error {
	msg := protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		Content:          chunk.Content,
		Partial:          chunk.Partial,
		TraceID:          chunk.TraceID,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Error:            failure,
		Timestamp:        time.Now().UTC(),
	}
	subject := protocol.SubjectLLMResponsePartial
	if !chunk.Partial {
		subject = protocol.SubjectLLMResponseFinal
	}
	if err := r.svc.bus.PublishJSON(subject, msg); err != nil {
		r.svc.logger.Warn("failed to publish llm chunk", slogError(err))
		return err
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
