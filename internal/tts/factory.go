package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// Factory builds one synthesizer per worker. Backends are not assumed to be
// safe for concurrent use, so every worker gets its own instance while the
// cache is shared.
type Factory func() (Synthesizer, error)

// NewFactory returns a factory for the configured backend mode.
func NewFactory(cfg config.TTSConfig, cache *CacheStore) (Factory, error) {
	var base func() (Synthesizer, error)
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		latency := time.Duration(cfg.MockLatencyMS) * time.Millisecond
		base = func() (Synthesizer, error) {
			return NewMockSynth(cfg.SampleRate, cfg.Channels, latency), nil
		}
	case "exec":
		if _, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels); err != nil {
			return nil, err
		}
		base = func() (Synthesizer, error) {
			return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		}
	case "http":
		base = func() (Synthesizer, error) {
			return NewHTTPSynth(cfg.Endpoint, cfg.Model, cfg.SampleRate, cfg.Channels), nil
		}
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}

	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	lead := time.Duration(cfg.InitialSilenceMS) * time.Millisecond
	return func() (Synthesizer, error) {
		synth, err := base()
		if err != nil {
			return nil, err
		}
		synth = TrimSilence(WithTimeout(synth, timeout), cfg.TrimSilenceDB)
		if cache != nil {
			synth = cache.Wrap(synth)
		}
		return LeadSilence(synth, lead), nil
	}, nil
}

// BuildCatalog resolves the voice set: configured voices win, then whatever the
// backend reports, then the stock list.
func BuildCatalog(ctx context.Context, cfg config.TTSConfig, logger *slog.Logger) *Catalog {
	if len(cfg.Voices) > 0 {
		return NewCatalog(cfg.Voices, cfg.Voice)
	}
	if strings.EqualFold(cfg.Mode, "http") {
		lister, ok := NewHTTPSynth(cfg.Endpoint, cfg.Model, cfg.SampleRate, cfg.Channels).(VoiceLister)
		if ok {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			voices, err := lister.Voices(ctx)
			if err == nil && len(voices) > 0 {
				return NewCatalog(voices, cfg.Voice)
			}
			if err != nil {
				logger.Warn("voice listing failed; using stock voices", slog.String("error", err.Error()))
			}
		}
	}
	return NewCatalog(DefaultVoices, cfg.Voice)
}
