package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	es, err := Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Persistent() {
		t.Fatal("ephemeral store must not persist")
	}
	if err := es.OpenSession(context.Background(), "s", "client"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	es.Record(context.Background(), "s", "", TypeSynthesisStarted, nil)
	events, err := es.ListSessionEvents(context.Background(), "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("ephemeral store returned %v, %v", events, err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.OpenSession(ctx, "session-123", "127.0.0.1"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	es.Record(ctx, "session-123", "run-1", TypeSynthesisStarted, map[string]int{"chars": 8})
	es.Record(ctx, "session-123", "run-1", TypeSentenceFailed, map[string]any{"index": 1})
	es.Record(ctx, "session-123", "run-1", TypeSynthesisCompleted, nil)
	if err := es.CloseSession(ctx, "session-123"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != TypeSynthesisStarted || string(events[0].Payload) != `{"chars":8}` || events[0].RunID != "run-1" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("timestamp not restored")
	}

	counts, err := es.CountByType(ctx, "session-123")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[TypeSentenceFailed] != 1 || counts[TypeSynthesisCompleted] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "old-session", "client"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	es.Record(ctx, "old-session", "", TypeVoiceChanged, map[string]string{"voice": "af_heart"})

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.OpenSession(ctx, "new-session", "client"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	es.Record(ctx, "new-session", "", TypeVoiceChanged, map[string]string{"voice": "am_adam"})
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if events, _ := es.ListSessionEvents(ctx, "old-session", 10); len(events) != 0 {
		t.Fatalf("expected old session pruned, have %d events", len(events))
	}
	if events, _ := es.ListSessionEvents(ctx, "new-session", 10); len(events) != 1 {
		t.Fatalf("expected new session kept, have %d events", len(events))
	}
}
