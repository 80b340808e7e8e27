package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// Speech is the synthesis stack shared by the daemon and the local modes.
type Speech struct {
	Options session.Options
	Cache   *tts.CacheStore
	Events  *eventstore.Store
}

// NewSpeech opens the event store, the synthesis cache and the backend factory
// described by cfg.
func NewSpeech(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Speech, error) {
	events, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	var cache *tts.CacheStore
	if cfg.Cache.Enabled {
		cache, err = tts.NewCacheStore(cfg.Cache.MaxEntries, cfg.Cache.Compress)
		if err != nil {
			_ = events.Close()
			return nil, err
		}
	}

	factory, err := tts.NewFactory(cfg.TTS, cache)
	if err != nil {
		_ = events.Close()
		if cache != nil {
			cache.Close()
		}
		return nil, fmt.Errorf("tts backend: %w", err)
	}

	catalog := tts.BuildCatalog(ctx, cfg.TTS, logger)
	logger.Info("speech stack ready",
		slog.String("mode", cfg.TTS.Mode),
		slog.Int("voices", len(catalog.Voices())),
		slog.String("default_voice", catalog.Default()),
		slog.Int("concurrency", cfg.TTS.Concurrency),
		slog.Bool("cache", cache != nil),
		slog.Bool("events", events.Persistent()))

	return &Speech{
		Options: session.Options{
			Catalog:     catalog,
			Factory:     factory,
			Concurrency: cfg.TTS.Concurrency,
			Language:    cfg.TTS.Language,
			Speed:       cfg.TTS.Speed,
			Segmenter:   SegmenterOptions(cfg.Segmenter),
			Events:      events,
			Logger:      logger,
		},
		Cache:  cache,
		Events: events,
	}, nil
}

func (s *Speech) Close() error {
	var errs []error
	if s.Cache != nil {
		hits, misses := s.Cache.Stats()
		s.Options.Logger.Debug("synthesis cache closed", slog.Int64("hits", hits), slog.Int64("misses", misses))
		s.Cache.Close()
	}
	if err := s.Events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event store: %w", err))
	}
	return errors.Join(errs...)
}

func SegmenterOptions(cfg config.SegmenterConfig) []segment.Option {
	opts := []segment.Option{
		segment.WithParagraphBreaks(cfg.ParagraphBreaks),
		segment.WithTerminalPeriod(cfg.TerminalPeriod),
		segment.WithMaxRunes(cfg.MaxRunes),
	}
	if len(cfg.Abbreviations) > 0 {
		opts = append(opts, segment.WithAbbreviations(cfg.Abbreviations))
	}
	return opts
}
