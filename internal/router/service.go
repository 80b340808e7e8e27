package router

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service turns streamed model output into tts.text deltas, so an answer is
// spoken sentence by sentence while it is still being generated.
type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	logger   *slog.Logger
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[string]*sessionState
	mu       sync.Mutex
}

type sessionState struct {
	Voice   string
	TraceID string
	Deltas  int
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	// one subscription keeps requests, partials and finals in publish order
	sub, err := s.bus.Conn().Subscribe("llm.>", s.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe llm subjects: %w", err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Service) dispatch(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectLLMRequest:
		s.handleLLMRequest(msg)
	case protocol.SubjectLLMResponsePartial, protocol.SubjectLLMResponseFinal:
		s.handleLLMResponse(msg)
	}
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

// handleLLMRequest remembers the voice a prompt asked for.
func (s *Service) handleLLMRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode llm request", slogError(err))
		return
	}
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}
	s.mu.Lock()
	s.sessions[req.SessionID] = &sessionState{Voice: voice, TraceID: req.TraceID}
	s.mu.Unlock()
}

func (s *Service) handleLLMResponse(msg *nats.Msg) {
	if s.ctx.Err() != nil {
		return
	}
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.logger.Warn("router failed to decode llm response", slogError(err))
		return
	}
	final := !resp.Partial
	if resp.Partial && resp.Content == "" {
		return
	}

	s.mu.Lock()
	state := s.sessions[resp.SessionID]
	if state == nil {
		state = &sessionState{Voice: s.cfg.DefaultVoice}
		s.sessions[resp.SessionID] = state
	}
	state.Deltas++
	if final {
		delete(s.sessions, resp.SessionID)
	}
	delta := protocol.TTSText{
		SessionID: resp.SessionID,
		Text:      resp.Content,
		Final:     final,
		Voice:     state.Voice,
		Target:    s.cfg.Target,
		TraceID:   cmp.Or(resp.TraceID, state.TraceID),
	}
	deltas := state.Deltas
	s.mu.Unlock()

	if resp.Error != "" {
		s.logger.Warn("llm response failed; finishing speech with what was received",
			slog.String("session_id", resp.SessionID), slog.String("error", resp.Error))
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSText, delta); err != nil {
		s.logger.Warn("router failed to publish tts text", slogError(err))
		return
	}
	if final {
		s.logger.Debug("routed llm answer to speech", slog.String("session_id", resp.SessionID), slog.Int("deltas", deltas))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
