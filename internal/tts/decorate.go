package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// WithTimeout bounds each synthesis call.
func WithTimeout(next Synthesizer, d time.Duration) Synthesizer {
	if d <= 0 {
		return next
	}
	return SynthesizerFunc(func(ctx context.Context, req SynthRequest) (AudioSegment, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		seg, err := next.Synthesize(ctx, req)
		if err != nil && ctx.Err() == context.DeadlineExceeded {
			return seg, fmt.Errorf("synthesis timed out after %s: %w", d, err)
		}
		return seg, err
	})
}

// TrimSilence trims leading and trailing audio quieter than db below peak.
// The result depends only on the request text and voice, so it may sit
// beneath a cache.
func TrimSilence(next Synthesizer, db float64) Synthesizer {
	if db <= 0 {
		return next
	}
	return SynthesizerFunc(func(ctx context.Context, req SynthRequest) (AudioSegment, error) {
		seg, err := next.Synthesize(ctx, req)
		if err == nil {
			seg.PCM = audio.TrimSilence(seg.PCM, seg.Channels, db)
		}
		return seg, err
	})
}

// LeadSilence prepends lead of silence to the first sentence of a run. It
// depends on the sentence position and must wrap any cache, never sit under it.
func LeadSilence(next Synthesizer, lead time.Duration) Synthesizer {
	if lead <= 0 {
		return next
	}
	return SynthesizerFunc(func(ctx context.Context, req SynthRequest) (AudioSegment, error) {
		seg, err := next.Synthesize(ctx, req)
		if err != nil || req.Seq != 0 {
			return seg, err
		}
		pad := audio.Silence(audio.Format{SampleRate: seg.SampleRate, Channels: seg.Channels}, lead)
		seg.PCM = append(pad, seg.PCM...)
		return seg, nil
	})
}
