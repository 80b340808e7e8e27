package local

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
)

// fileSink writes a run to a WAV file and, optionally, a playback process.
type fileSink struct {
	path     string
	format   audio.Format
	playback string
	logger   *slog.Logger

	wav    *audio.WAVFile
	player *audio.Player
	failed int
}

func (f *fileSink) Open(ctx context.Context) error {
	wav, err := audio.CreateWAV(f.path, f.format)
	if err != nil {
		return err
	}
	f.wav = wav
	if f.playback == "" {
		return nil
	}
	player, err := audio.NewPlayer(f.playback, f.format)
	if err == nil {
		err = player.Start(ctx)
	}
	if err != nil {
		f.logger.Warn("playback unavailable, writing file only", slogError(err))
		return nil
	}
	f.player = player
	return nil
}

func (f *fileSink) Deliver(ctx context.Context, d pipeline.Delivery) error {
	if d.Failed() {
		f.failed++
		return nil
	}
	if err := f.wav.Write(d.Audio.PCM); err != nil {
		return err
	}
	if f.player != nil {
		if err := f.player.Write(d.Audio.PCM); err != nil {
			f.logger.Warn("playback stopped", slogError(err))
			_ = f.player.Close()
			f.player = nil
		}
	}
	return nil
}

func (f *fileSink) Close(ctx context.Context, err error) error {
	var errs []error
	if f.wav != nil {
		errs = append(errs, f.wav.Close())
		written := f.wav.Written()
		f.logger.Info("wrote audio",
			slog.String("path", f.path),
			slog.String("size", humanize.Bytes(uint64(written))),
			slog.Duration("duration", f.format.Duration(int(written)).Round(time.Millisecond)),
			slog.Int("failed_sentences", f.failed),
		)
	}
	if f.player != nil {
		errs = append(errs, f.player.Close())
	}
	return errors.Join(errs...)
}

// streamSink appends raw PCM to an open-ended WAV stream.
type streamSink struct {
	out io.Writer
}

func (s *streamSink) Open(ctx context.Context) error { return nil }

func (s *streamSink) Deliver(ctx context.Context, d pipeline.Delivery) error {
	if d.Failed() {
		return nil
	}
	if _, err := s.out.Write(d.Audio.PCM); err != nil {
		return err
	}
	if fl, ok := s.out.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

func (s *streamSink) Close(ctx context.Context, err error) error { return nil }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
