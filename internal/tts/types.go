package tts

import (
	"context"
	"time"
)

// Sentence is one segment of input text, numbered in input order.
type Sentence struct {
	Seq      int
	Text     string
	Language string
	Voice    VoiceConfig
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Seq       int
	Text      string
	Voice     VoiceConfig
	Language  string
	Speed     float64
}

// AudioSegment holds 16-bit little-endian interleaved PCM for one sentence.
type AudioSegment struct {
	Seq        int
	SampleRate int
	Channels   int
	PCM        []byte
}

// Duration reports the playback length of the segment.
func (a AudioSegment) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.PCM) / (2 * a.Channels)
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (AudioSegment, error)
}

// VoiceLister is implemented by backends that can enumerate their voices.
type VoiceLister interface {
	Voices(ctx context.Context) ([]string, error)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, req SynthRequest) (AudioSegment, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req SynthRequest) (AudioSegment, error) {
	return f(ctx, req)
}
