// Package service exposes synthesis on the NATS bus. Whole texts arrive on
// tts.request and incremental deltas on tts.text; ordered audio leaves on
// tts.audio and a status on tts.done when each run ends.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 2 * time.Minute

type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	manager *session.Manager
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the open tts.text run of one bus session.
type stream struct {
	session *session.Session
	run     *session.Run
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, manager *session.Manager, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		manager: manager,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With(slog.String("component", "tts-service")),
		streams: make(map[string]*stream),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectTTSRequest: s.handleRequest,
		protocol.SubjectTTSText:    s.handleText,
	} {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Close stops accepting work, cancels open runs and waits for them to report.
func (s *Service) Close() {
	s.drain()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

// Streams counts open tts.text runs.
func (s *Service) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	sink := s.newSink(req.SessionID, req.Target)
	if req.Text == "" {
		sink.fail(errors.New("text is required"))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		sess := s.manager.Open(ctx, "bus:"+req.SessionID)
		defer s.manager.Release(sess)
		if err := configure(sess, req.Voice, req.Language, req.Speed); err != nil {
			sink.fail(err)
			return
		}
		run, err := sess.Begin(ctx, sink)
		if err != nil {
			sink.fail(err)
			return
		}
		if err := run.Speak(req.Text); err != nil {
			run.Cancel(err)
		}
		<-run.Done()
	}()
}

func (s *Service) handleText(msg *nats.Msg) {
	var delta protocol.TTSText
	if err := json.Unmarshal(msg.Data, &delta); err != nil {
		s.logger.Warn("failed to decode tts text", slogError(err))
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	st, err := s.streamFor(delta)
	if err != nil {
		s.newSink(delta.SessionID, delta.Target).fail(err)
		return
	}
	if delta.Text != "" {
		if err := st.run.Write(delta.Text); err != nil {
			s.logger.Warn("tts text rejected", slog.String("session_id", delta.SessionID), slogError(err))
		}
	}
	if delta.Final {
		s.mu.Lock()
		if s.streams[delta.SessionID] == st {
			delete(s.streams, delta.SessionID)
		}
		s.mu.Unlock()
		if err := st.run.Finish(); err != nil {
			st.run.Cancel(err)
		}
	}
}

// streamFor returns the open run for the delta's session, starting one on the first delta.
func (s *Service) streamFor(delta protocol.TTSText) (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[delta.SessionID]; ok {
		return st, nil
	}

	sess := s.manager.Open(s.ctx, "bus:"+delta.SessionID)
	if err := configure(sess, delta.Voice, delta.Language, 0); err != nil {
		s.manager.Release(sess)
		return nil, err
	}
	run, err := sess.Begin(s.ctx, s.newSink(delta.SessionID, delta.Target))
	if err != nil {
		s.manager.Release(sess)
		return nil, err
	}
	st := &stream{session: sess, run: run}
	s.streams[delta.SessionID] = st

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-run.Done()
		s.mu.Lock()
		if s.streams[delta.SessionID] == st {
			delete(s.streams, delta.SessionID)
		}
		s.mu.Unlock()
		s.manager.Release(sess)
	}()
	return st, nil
}

func configure(sess *session.Session, voice, language string, speed float64) error {
	if voice != "" {
		if _, err := sess.SetVoice(voice); err != nil {
			return err
		}
	}
	if language != "" {
		if err := sess.SetLanguage(language); err != nil {
			return err
		}
	}
	if speed > 0 {
		return sess.SetSpeed(speed)
	}
	return nil
}

func (s *Service) newSink(sessionID, target string) *busSink {
	return &busSink{
		bus:       s.bus,
		sessionID: sessionID,
		target:    target,
		started:   time.Now(),
		logger:    s.logger.With(slog.String("session_id", sessionID)),
	}
}

// busSink publishes one run: a chunk per sentence, a final marker and a status.
type busSink struct {
	bus       *bus.Client
	sessionID string
	target    string
	started   time.Time
	logger    *slog.Logger

	delivered int
	failed    int
}

func (b *busSink) Open(ctx context.Context) error { return nil }

func (b *busSink) Deliver(ctx context.Context, d pipeline.Delivery) error {
	chunk := protocol.AudioChunk{
		SessionID:  b.sessionID,
		Sequence:   d.Seq,
		Total:      d.Total,
		SampleRate: d.Audio.SampleRate,
		Channels:   d.Audio.Channels,
		PCM:        d.Audio.PCM,
		Text:       d.Text,
		Target:     b.target,
	}
	b.delivered++
	if d.Failed() {
		b.failed++
		chunk.Error = d.Err.Error()
	}
	return b.bus.PublishJSON(protocol.SubjectTTSAudio, chunk)
}

func (b *busSink) Close(ctx context.Context, err error) error {
	final := protocol.AudioChunk{
		SessionID: b.sessionID,
		Sequence:  b.delivered,
		Total:     b.delivered,
		Final:     true,
		Target:    b.target,
	}
	if perr := b.bus.PublishJSON(protocol.SubjectTTSAudio, final); perr != nil {
		b.logger.Warn("failed to publish final chunk", slogError(perr))
	}
	b.publishStatus(err)
	return nil
}

// fail reports a request that never started a run.
func (b *busSink) fail(err error) {
	b.logger.Warn("tts request rejected", slogError(err))
	b.publishStatus(err)
}

func (b *busSink) publishStatus(err error) {
	status := protocol.TTSStatus{
		SessionID: b.sessionID,
		Status:    protocol.StatusCompleted,
		Sentences: b.delivered,
		Failed:    b.failed,
		LatencyMS: time.Since(b.started).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, session.ErrTransportClosed):
		status.Status = protocol.StatusCancelled
		status.Error = err.Error()
	default:
		status.Status = protocol.StatusFailed
		status.Error = err.Error()
	}
	if perr := b.bus.PublishJSON(protocol.SubjectTTSDone, status); perr != nil {
		b.logger.Warn("failed to publish tts status", slogError(perr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
