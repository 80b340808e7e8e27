package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// Manager creates sessions that share a catalog, a synthesizer factory and
// the event store.
type Manager struct {
	opts   Options
	cfg    config.SessionConfig
	logger *slog.Logger

	active   atomic.Int64
	mu       sync.Mutex
	sessions map[string]*Session

	meter       metric.Meter
	transitions metric.Int64Counter
	metricsOnce sync.Once
}

func NewManager(opts Options, cfg config.SessionConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session-manager")),
		sessions: make(map[string]*Session),
		meter:    otel.Meter("github.com/loqalabs/loqa-speech/session"),
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	hook := opts.OnTransition
	opts.OnTransition = func(id string, from, to State) {
		m.recordTransition(id, from, to)
		if hook != nil {
			hook(id, from, to)
		}
	}
	m.opts = opts
	m.registerMetrics()
	return m
}

func (m *Manager) Catalog() *tts.Catalog { return m.opts.Catalog }

func (m *Manager) Config() config.SessionConfig { return m.cfg }

// Open creates a session for client, which is only recorded.
func (m *Manager) Open(ctx context.Context, client string) *Session {
	s := New(uuid.NewString(), m.opts)
	if err := m.opts.Events.OpenSession(ctx, s.ID(), client); err != nil {
		m.logger.Warn("failed to record session", slog.String("session_id", s.ID()), slogError(err))
	}
	m.opts.Events.Record(ctx, s.ID(), "", eventstore.TypeSessionOpened, map[string]string{"client": client})

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.active.Add(1)
	m.logger.Info("session opened", slog.String("session_id", s.ID()), slog.String("client", client))
	return s
}

// Release closes the session and forgets it.
func (m *Manager) Release(s *Session) {
	s.Close()
	m.mu.Lock()
	_, known := m.sessions[s.ID()]
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	if !known {
		return
	}
	m.active.Add(-1)
	ctx := context.Background()
	m.opts.Events.Record(ctx, s.ID(), "", eventstore.TypeSessionClosed, nil)
	if err := m.opts.Events.CloseSession(ctx, s.ID()); err != nil {
		m.logger.Warn("failed to close session record", slog.String("session_id", s.ID()), slogError(err))
	}
	m.logger.Info("session closed", slog.String("session_id", s.ID()))
}

// Active counts open sessions.
func (m *Manager) Active() int { return int(m.active.Load()) }

// Shutdown releases every open session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		m.Release(s)
	}
}

func (m *Manager) recordTransition(id string, from, to State) {
	if m.transitions != nil {
		m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", to.String())))
	}
	if to == Error {
		m.logger.Warn("session entered error state", slog.String("session_id", id), slog.String("from", from.String()))
	}
	m.opts.Events.Record(context.Background(), id, "", eventstore.TypeStateChanged,
		map[string]string{"from": from.String(), "to": to.String()})
}

func (m *Manager) registerMetrics() {
	m.metricsOnce.Do(func() {
		gauge, err := m.meter.Int64ObservableGauge("loqa.sessions.active", metric.WithDescription("Open speech sessions"))
		if err != nil {
			m.logger.Warn("failed to create session gauge", slogError(err))
			return
		}
		if _, err := m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, m.active.Load())
			return nil
		}, gauge); err != nil {
			m.logger.Warn("failed to register session gauge", slogError(err))
		}
		m.transitions, err = m.meter.Int64Counter("loqa.sessions.transitions", metric.WithDescription("Session state transitions"))
		if err != nil {
			m.logger.Warn("failed to create transition counter", slogError(err))
		}
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
