package tts

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

const (
	mockPerRune  = 30 * time.Millisecond
	mockMaxAudio = 8 * time.Second
)

type mockSynth struct {
	format  audio.Format
	latency time.Duration
}

// NewMockSynth renders a short tone whose length follows the text length.
func NewMockSynth(sampleRate, channels int, latency time.Duration) Synthesizer {
	return &mockSynth{format: audio.Format{SampleRate: sampleRate, Channels: channels}, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (AudioSegment, error) {
	select {
	case <-ctx.Done():
		return AudioSegment{}, ctx.Err()
	case <-time.After(m.latency):
	}
	length := min(time.Duration(utf8.RuneCountInString(req.Text))*mockPerRune, mockMaxAudio)
	if req.Speed > 0 {
		length = time.Duration(float64(length) / req.Speed)
	}
	return AudioSegment{
		Seq:        req.Seq,
		SampleRate: m.format.SampleRate,
		Channels:   m.format.Channels,
		PCM:        audio.Tone(m.format, 220+float64(req.Seq%8)*55, length),
	}, nil
}
