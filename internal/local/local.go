// Package local runs synthesis against stdin, files and stdout instead of a
// network peer. Every mode drives the same session state machine as the
// websocket protocol.
package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/session"
)

const (
	DefaultPipeOutput  = "tmp/pipe_output.wav"
	DefaultTextOutput  = "tmp/output.wav"
	DefaultFilePattern = "tmp/output_{line}.wav"
)

type Config struct {
	Session  session.Options
	Voice    string
	Language string
	Format   audio.Format
	Playback string
	Logger   *slog.Logger
}

type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	return &Runner{cfg: cfg, logger: logger.With(slog.String("component", "local"))}
}

func (r *Runner) newSession(extra ...segment.Option) (*session.Session, error) {
	opts := r.cfg.Session
	opts.Segmenter = append(slices.Clone(opts.Segmenter), extra...)
	s := session.New("", opts)
	if err := r.arm(s); err != nil {
		return nil, err
	}
	return s, nil
}

// arm applies the configured voice and language to an Idle session.
func (r *Runner) arm(s *session.Session) error {
	if r.cfg.Voice != "" {
		if _, err := s.SetVoice(r.cfg.Voice); err != nil {
			return fmt.Errorf("voice %q: %w", r.cfg.Voice, err)
		}
	}
	if r.cfg.Language != "" {
		if err := s.SetLanguage(r.cfg.Language); err != nil {
			return err
		}
	}
	return nil
}

// Pipe streams stdin into one run, sentence by sentence, as lines arrive. Audio
// goes to output and to the playback command unless silent. EOF flushes the
// remaining text with a closing period.
func (r *Runner) Pipe(ctx context.Context, in io.Reader, output string, silent bool) error {
	if output == "" {
		output = DefaultPipeOutput
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := r.newSession(segment.WithTerminalPeriod(true))
	if err != nil {
		return err
	}
	defer s.Close()

	sink := &fileSink{path: output, format: r.cfg.Format, logger: r.logger}
	if !silent {
		sink.playback = r.cfg.Playback
	}
	run, err := s.Begin(ctx, sink)
	if err != nil {
		return err
	}
	r.logger.Info("pipe mode ready", slog.String("voice", s.Voice()), slog.String("output", output), slog.Bool("silent", silent))

	lines, readErr := readLines(ctx, in)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					run.Cancel(err)
					<-run.Done()
					return fmt.Errorf("read input: %w", err)
				}
				if err := run.Finish(); err != nil {
					run.Cancel(err)
				}
				<-run.Done()
				r.summarize(run)
				return run.Err()
			}
			if err := run.Write(line); err != nil {
				<-run.Done()
				return err
			}
		case <-run.Done():
			return run.Err()
		case <-ctx.Done():
			run.Cancel(ctx.Err())
			<-run.Done()
			return ctx.Err()
		}
	}
}

// Stream speaks each input line as its own utterance and writes a WAV stream
// to out: one header, then PCM as it is produced. A failed line is logged and
// the session is re-armed for the next.
func (r *Runner) Stream(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := r.newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := audio.WriteStreamHeader(out, r.cfg.Format); err != nil {
		return fmt.Errorf("write stream header: %w", err)
	}
	sink := &streamSink{out: out}
	r.logger.Info("stream mode ready", slog.String("voice", s.Voice()))

	lines, readErr := readLines(ctx, in)
	for line := range lines {
		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		run, err := s.Begin(ctx, sink)
		if err != nil {
			return err
		}
		if err := run.Speak(text); err != nil {
			run.Cancel(err)
		}
		<-run.Done()
		if err := run.Err(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("line failed", slog.String("run_id", run.ID()), slogError(err))
			if err := s.Rearm(); err != nil {
				return err
			}
			if err := r.arm(s); err != nil {
				return err
			}
			continue
		}
		r.logger.Debug("line spoken", slog.Int("sentences", run.Stats().Sentences))
	}
	if err := <-readErr; err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return ctx.Err()
}

// File writes one WAV per non-empty input line. The {line} placeholder in
// pattern is replaced by the zero-based line number. It returns the number of
// files written.
func (r *Runner) File(ctx context.Context, in io.Reader, pattern string) (int, error) {
	if pattern == "" {
		pattern = DefaultFilePattern
	}
	s, err := r.newSession()
	if err != nil {
		return 0, err
	}
	defer s.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	written := 0
	for i := 0; scanner.Scan(); i++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		path := strings.ReplaceAll(pattern, "{line}", strconv.Itoa(i))
		if err := r.speakTo(ctx, s, text, path); err != nil {
			return written, fmt.Errorf("line %d: %w", i, err)
		}
		written++
	}
	if err := scanner.Err(); err != nil {
		return written, fmt.Errorf("read input: %w", err)
	}
	return written, nil
}

// Text synthesizes text into a single WAV file.
func (r *Runner) Text(ctx context.Context, text, output string) error {
	if output == "" {
		output = DefaultTextOutput
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("text is required")
	}
	s, err := r.newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	started := time.Now()
	if err := r.speakTo(ctx, s, text, output); err != nil {
		return err
	}
	elapsed := time.Since(started)
	r.logger.Info("text synthesized",
		slog.Duration("elapsed", elapsed),
		slog.Float64("words_per_second", float64(len(strings.Fields(text)))/elapsed.Seconds()),
	)
	return nil
}

func (r *Runner) speakTo(ctx context.Context, s *session.Session, text, path string) error {
	run, err := s.Begin(ctx, &fileSink{path: path, format: r.cfg.Format, logger: r.logger})
	if err != nil {
		return err
	}
	if err := run.Speak(text); err != nil {
		run.Cancel(err)
	}
	<-run.Done()
	if err := run.Err(); err != nil {
		if rerr := s.Rearm(); rerr == nil {
			_ = r.arm(s)
		}
		return err
	}
	return nil
}

func (r *Runner) summarize(run *session.Run) {
	st := run.Stats()
	r.logger.Info("pipe finished",
		slog.Int("sentences", st.Sentences),
		slog.Int("failed", st.Failed),
		slog.Duration("audio", st.AudioDuration.Round(time.Millisecond)),
		slog.Duration("elapsed", st.Elapsed.Round(time.Millisecond)),
	)
}

// readLines delivers input line by line, newline included. The error channel
// receives the terminal read error (nil on EOF) after lines is closed.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(lines)
		rd := bufio.NewReader(in)
		for {
			line, err := rd.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					errc <- err
				}
				return
			}
		}
	}()
	return lines, errc
}
