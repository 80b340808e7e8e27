package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/session"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = audio.Format{SampleRate: 24000, Channels: 1}

type recordingSynth struct {
	texts chan string
}

func (r *recordingSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
	r.texts <- req.Text
	return tts.NewMockSynth(testFormat.SampleRate, testFormat.Channels, 0).Synthesize(ctx, req)
}

func newRunner(t *testing.T, synth tts.Synthesizer, voice string) *Runner {
	t.Helper()
	return New(Config{
		Session: session.Options{
			Catalog:     tts.NewCatalog(tts.DefaultVoices, "af_heart"),
			Factory:     func() (tts.Synthesizer, error) { return synth, nil },
			Concurrency: 1,
		},
		Voice:  voice,
		Format: testFormat,
		Logger: newLogger(),
	})
}

func decodeWAV(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatalf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return len(buf.Data)
}

func TestPipeStreamsSentencesAcrossLines(t *testing.T) {
	synth := &recordingSynth{texts: make(chan string, 16)}
	r := newRunner(t, synth, "af_sarah.4+af_nicole.6")
	out := filepath.Join(t.TempDir(), "pipe.wav")

	in := strings.NewReader("Hello there. How are\nyou today? I am fine\n")
	if err := r.Pipe(context.Background(), in, out, true); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	close(synth.texts)
	var got []string
	for text := range synth.texts {
		got = append(got, text)
	}
	want := []string{"Hello there.", "How are\nyou today?", "I am fine."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected sentences %q", got)
	}
	if samples := decodeWAV(t, out); samples == 0 {
		t.Fatal("pipe output has no samples")
	}
}

func TestPipeWithPlayback(t *testing.T) {
	r := newRunner(t, tts.NewMockSynth(testFormat.SampleRate, 1, 0), "")
	r.cfg.Playback = "cat"
	out := filepath.Join(t.TempDir(), "pipe.wav")
	if err := r.Pipe(context.Background(), strings.NewReader("Play this.\n"), out, false); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if decodeWAV(t, out) == 0 {
		t.Fatal("expected audio")
	}
}

func TestPipeInvalidEncodingFailsRun(t *testing.T) {
	r := newRunner(t, tts.NewMockSynth(testFormat.SampleRate, 1, 0), "")
	out := filepath.Join(t.TempDir(), "pipe.wav")
	err := r.Pipe(context.Background(), strings.NewReader("Fine.\n\xff\xfe\n"), out, true)
	if !errors.Is(err, segment.ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestStreamWritesHeaderThenPCM(t *testing.T) {
	r := newRunner(t, tts.NewMockSynth(testFormat.SampleRate, 1, 0), "")
	var out bytes.Buffer
	in := strings.NewReader("Hi.\n\n\xff\nBye. Again.\n")
	if err := r.Stream(context.Background(), in, &out); err != nil {
		t.Fatalf("stream: %v", err)
	}
	data := out.Bytes()
	if len(data) <= 44 || string(data[:4]) != "RIFF" || string(data[36:40]) != "data" {
		t.Fatalf("missing stream header, got %d bytes", len(data))
	}
	if (len(data)-44)%2 != 0 {
		t.Fatalf("pcm payload not sample aligned: %d", len(data)-44)
	}

	// the invalid line is skipped and the lines around it are spoken
	mock := tts.NewMockSynth(testFormat.SampleRate, 1, 0)
	var want int
	for _, text := range []string{"Hi.", "Bye.", "Again."} {
		seg, err := mock.Synthesize(context.Background(), tts.SynthRequest{Text: text})
		if err != nil {
			t.Fatalf("mock: %v", err)
		}
		want += len(seg.PCM)
	}
	if got := len(data) - 44; got != want {
		t.Fatalf("expected %d pcm bytes, got %d", want, got)
	}
}

func TestFileWritesOneWAVPerLine(t *testing.T) {
	r := newRunner(t, tts.NewMockSynth(testFormat.SampleRate, 1, 0), "am_adam")
	dir := t.TempDir()
	pattern := filepath.Join(dir, "line_{line}.wav")

	n, err := r.File(context.Background(), strings.NewReader("First line.\n\n  \nSecond line.\n"), pattern)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 files, got %d", n)
	}
	for _, name := range []string{"line_0.wav", "line_3.wav"} {
		if decodeWAV(t, filepath.Join(dir, name)) == 0 {
			t.Fatalf("%s has no samples", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "line_1.wav")); !os.IsNotExist(err) {
		t.Fatalf("blank line produced a file: %v", err)
	}
}

func TestTextWritesSingleFile(t *testing.T) {
	r := newRunner(t, tts.NewMockSynth(testFormat.SampleRate, 1, 0), "")
	out := filepath.Join(t.TempDir(), "nested", "out.wav")
	if err := r.Text(context.Background(), "One sentence. And another.", out); err != nil {
		t.Fatalf("text: %v", err)
	}
	if decodeWAV(t, out) == 0 {
		t.Fatal("expected audio")
	}
	if err := r.Text(context.Background(), "   ", out); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestUnknownVoiceRejected(t *testing.T) {
	r := newRunner(t, tts.NewMockSynth(testFormat.SampleRate, 1, 0), "nobody")
	err := r.Text(context.Background(), "Hello.", filepath.Join(t.TempDir(), "x.wav"))
	if !errors.Is(err, tts.ErrUnknownVoice) {
		t.Fatalf("expected ErrUnknownVoice, got %v", err)
	}
}
