// Package session drives synthesis runs for one client: voice selection, the
// Idle/VoiceSelected/Streaming state machine and delivery to a Sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

var (
	ErrBusy            = errors.New("busy")
	ErrTransportClosed = errors.New("transport closed")
	ErrNotArmed        = errors.New("session must be re-armed after an error")
	ErrNoVoice         = errors.New("no voice available")
	ErrClosed          = errors.New("session closed")
)

type State int

const (
	Idle State = iota
	VoiceSelected
	Streaming
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case VoiceSelected:
		return "voice_selected"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Sink receives one run's output. Open is called when the session starts
// streaming and Close exactly once when the run ends.
type Sink interface {
	Open(ctx context.Context) error
	Deliver(ctx context.Context, d pipeline.Delivery) error
	Close(ctx context.Context, err error) error
}

// Options are shared by every session a Manager creates.
type Options struct {
	Catalog     *tts.Catalog
	Factory     tts.Factory
	Concurrency int
	Language    string
	Speed       float64
	Segmenter   []segment.Option
	Events      *eventstore.Store
	Logger      *slog.Logger
	// OnTransition observes every state change. It runs with the session
	// locked and must not call back into it.
	OnTransition func(sessionID string, from, to State)
}

type Session struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	voice     tts.VoiceConfig
	voiceName string
	language  string
	speed     float64
	run       *Run
	workers   []tts.Synthesizer
	closed    bool
}

// New creates a session in Idle. An empty id gets a random one.
func New(id string, opts Options) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Catalog == nil {
		opts.Catalog = tts.NewCatalog(tts.DefaultVoices, "")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Session{
		id:       id,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		language: opts.Language,
		speed:    opts.Speed,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Voice returns the selected voice spec, or the catalog default when none is selected.
func (s *Session) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voiceName == "" {
		return s.opts.Catalog.Default()
	}
	return s.voiceName
}

func (s *Session) Voices() []string { return s.opts.Catalog.Voices() }

// SetVoice resolves spec against the catalog. On error the session is unchanged.
// A voice set while streaming applies to sentences not yet segmented.
func (s *Session) SetVoice(spec string) (tts.VoiceConfig, error) {
	v, err := s.opts.Catalog.Resolve(spec)
	if err != nil {
		return tts.VoiceConfig{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tts.VoiceConfig{}, ErrClosed
	}
	if s.state == Error {
		s.mu.Unlock()
		return tts.VoiceConfig{}, ErrNotArmed
	}
	s.voice, s.voiceName = v, spec
	if s.state == Idle {
		s.transitionLocked(VoiceSelected)
	}
	if s.run != nil {
		s.run.p.SetVoice(v)
	}
	s.mu.Unlock()

	s.opts.Events.Record(context.Background(), s.id, "", eventstore.TypeVoiceChanged, map[string]string{"voice": spec})
	return v, nil
}

// SetLanguage sets the hint used by subsequent runs.
func (s *Session) SetLanguage(hint string) error {
	lang, err := tts.NormalizeLanguage(hint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.language = lang
	s.mu.Unlock()
	return nil
}

// SetSpeed sets the speed factor used by subsequent runs. Zero keeps the backend default.
func (s *Session) SetSpeed(speed float64) error {
	if speed < 0 {
		return fmt.Errorf("speed must not be negative, got %v", speed)
	}
	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
	return nil
}

// Begin starts streaming into sink. In Idle the catalog default voice is selected first.
func (s *Session) Begin(ctx context.Context, sink Sink) (*Run, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.state == Streaming:
		s.mu.Unlock()
		return nil, ErrBusy
	case s.state == Error:
		s.mu.Unlock()
		return nil, ErrNotArmed
	}
	if s.state == Idle || s.voice.IsZero() {
		name := s.opts.Catalog.Default()
		v, err := s.opts.Catalog.Resolve(name)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrNoVoice, err)
		}
		s.voice, s.voiceName = v, name
		s.transitionLocked(VoiceSelected)
	}
	workers, err := s.workersLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	runID := uuid.NewString()
	p := pipeline.New(ctx, workers,
		pipeline.WithVoice(s.voice),
		pipeline.WithLanguage(s.language),
		pipeline.WithSegmenterOptions(s.opts.Segmenter...),
		pipeline.WithSchedulerOptions(pipeline.WithSessionID(s.id), pipeline.WithSpeed(s.speed)),
		pipeline.WithLogger(s.logger.With(slog.String("run_id", runID))),
		pipeline.WithOutputBuffer(len(workers)),
	)
	run := newRun(ctx, runID, s, p, sink)
	s.run = run
	s.transitionLocked(Streaming)
	s.mu.Unlock()

	if err := sink.Open(ctx); err != nil {
		p.Cancel()
		p.Wait()
		run.end(fmt.Errorf("open sink: %w", err))
		return nil, err
	}
	s.opts.Events.Record(ctx, s.id, runID, eventstore.TypeSynthesisStarted, map[string]string{"voice": s.Voice()})
	go run.forward()
	return run, nil
}

// Active returns the streaming run, if any.
func (s *Session) Active() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Rearm returns a Completed or failed session to Idle. The voice selection is cleared.
func (s *Session) Rearm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Streaming {
		return ErrBusy
	}
	s.voice, s.voiceName = tts.VoiceConfig{}, ""
	if s.state != Idle {
		s.transitionLocked(Idle)
	}
	return nil
}

// Fail moves the session to Error and cancels the active run with cause.
// A run that completed before the cancel took effect still leaves the session in Error.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run != nil {
		run.Cancel(cause)
		<-run.Done()
	}
	s.mu.Lock()
	s.transitionLocked(Error)
	s.mu.Unlock()
}

// Close cancels any active run and rejects further use.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	run := s.run
	s.mu.Unlock()
	if run != nil {
		run.Cancel(ErrTransportClosed)
		<-run.Done()
	}
}

// finish is called once per run after its sink has been closed.
func (s *Session) finish(run *Run, err error) {
	s.mu.Lock()
	if s.run == run {
		s.run = nil
	}
	if err == nil {
		s.transitionLocked(Completed)
		s.transitionLocked(VoiceSelected)
	} else {
		s.transitionLocked(Error)
	}
	s.mu.Unlock()

	stats := run.Stats()
	payload := map[string]any{
		"sentences": stats.Sentences,
		"failed":    stats.Failed,
		"bytes":     stats.AudioBytes,
	}
	if err != nil {
		payload["error"] = err.Error()
		s.opts.Events.Record(context.Background(), s.id, run.id, eventstore.TypeSynthesisFailed, payload)
		return
	}
	s.opts.Events.Record(context.Background(), s.id, run.id, eventstore.TypeSynthesisCompleted, payload)
}

func (s *Session) workersLocked() ([]tts.Synthesizer, error) {
	if s.workers != nil {
		return s.workers, nil
	}
	if s.opts.Factory == nil {
		return nil, errors.New("session has no synthesizer factory")
	}
	workers := make([]tts.Synthesizer, 0, s.opts.Concurrency)
	for i := 0; i < s.opts.Concurrency; i++ {
		w, err := s.opts.Factory()
		if err != nil {
			return nil, fmt.Errorf("create synthesizer: %w", err)
		}
		workers = append(workers, w)
	}
	s.workers = workers
	return workers, nil
}

func (s *Session) transitionLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug("session state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(s.id, from, to)
	}
}
