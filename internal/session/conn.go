package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// Transport moves JSON messages to and from one client. Write must be safe for
// concurrent use. Read returns io.EOF when the client closes cleanly.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, v any) error
	Close() error
}

type conn struct {
	session   *Session
	transport Transport
	format    string
	maxQueue  int
	limiter   *rate.Limiter
	logger    *slog.Logger

	run   *Run
	queue []protocol.ClientCommand
}

// Serve runs the command protocol on t until the client goes away or ctx ends.
func (m *Manager) Serve(ctx context.Context, t Transport, client string) error {
	s := m.Open(ctx, client)
	defer m.Release(s)

	limit := rate.Inf
	if m.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(m.cfg.RequestsPerSecond)
	}
	c := &conn{
		session:   s,
		transport: t,
		format:    strings.ToLower(m.cfg.ChunkFormat),
		maxQueue:  m.cfg.MaxQueuedRequests,
		limiter:   rate.NewLimiter(limit, max(m.cfg.Burst, 1)),
		logger:    m.logger.With(slog.String("session_id", s.ID())),
	}
	return c.serve(ctx)
}

func (c *conn) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cmds := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := c.transport.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case cmds <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var runDone <-chan struct{}
		if c.run != nil {
			runDone = c.run.Done()
		}
		select {
		case data := <-cmds:
			c.handle(ctx, data)
		case <-runDone:
			c.afterRun(ctx)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				c.abort()
				return nil
			}
			c.fail(err)
			return err
		case <-ctx.Done():
			c.abort()
			return ctx.Err()
		}
	}
}

func (c *conn) handle(ctx context.Context, data []byte) {
	var cmd protocol.ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.replyError(ctx, fmt.Sprintf("invalid message: %v", err))
		return
	}
	switch cmd.Command {
	case protocol.CommandListVoices:
		c.reply(ctx, protocol.VoicesMessage{Type: protocol.TypeVoices, Voice: c.session.Voice(), Voices: c.session.Voices()})
	case protocol.CommandSetVoice:
		c.setVoice(ctx, cmd.Voice)
	case protocol.CommandSynthesize:
		c.synthesize(ctx, cmd)
	default:
		c.replyError(ctx, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

func (c *conn) setVoice(ctx context.Context, spec string) {
	if _, err := c.session.opts.Catalog.Resolve(spec); err != nil {
		c.replyError(ctx, err.Error())
		return
	}
	if c.session.State() == Error {
		c.rearm()
	}
	if _, err := c.session.SetVoice(spec); err != nil {
		c.replyError(ctx, err.Error())
		return
	}
	c.reply(ctx, protocol.VoiceChangedMessage{Type: protocol.TypeVoiceChanged, Voice: spec})
}

func (c *conn) synthesize(ctx context.Context, cmd protocol.ClientCommand) {
	if strings.TrimSpace(cmd.Text) == "" {
		c.replyError(ctx, "text is required")
		return
	}
	if !c.limiter.Allow() {
		c.replyError(ctx, "rate limit exceeded")
		return
	}
	if c.run != nil {
		if len(c.queue) >= c.maxQueue {
			c.replyError(ctx, ErrBusy.Error())
			return
		}
		c.queue = append(c.queue, cmd)
		return
	}
	c.start(ctx, cmd)
}

func (c *conn) start(ctx context.Context, cmd protocol.ClientCommand) {
	if c.session.State() == Error {
		c.rearm()
	}
	if cmd.Language != "" {
		if err := c.session.SetLanguage(cmd.Language); err != nil {
			c.replyError(ctx, err.Error())
			return
		}
	}
	sink := &wireSink{transport: c.transport, format: c.format}
	run, err := c.session.Begin(ctx, sink)
	if err != nil {
		c.replyError(ctx, err.Error())
		return
	}
	c.run = run
	if err := run.Speak(cmd.Text); err != nil {
		run.Cancel(err)
	}
}

func (c *conn) afterRun(ctx context.Context) {
	run := c.run
	c.run = nil
	st := run.Stats()
	c.logger.Info("synthesis finished",
		slog.String("run_id", run.ID()),
		slog.Int("sentences", st.Sentences),
		slog.Int("failed", st.Failed),
		slog.Duration("audio", st.AudioDuration),
		slog.Duration("elapsed", st.Elapsed),
	)
	if err := run.Err(); err != nil {
		c.logger.Warn("synthesis run failed", slog.String("run_id", run.ID()), slogError(err))
	}
	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.start(ctx, next)
	}
}

// rearm recovers from a failed run while keeping the client's voice.
func (c *conn) rearm() {
	voice := c.session.Voice()
	if err := c.session.Rearm(); err != nil {
		return
	}
	if _, err := c.session.SetVoice(voice); err != nil {
		c.logger.Warn("failed to restore voice after error", slogError(err))
	}
}

// fail abandons queued work and leaves the session in Error after a transport fault.
func (c *conn) fail(err error) {
	c.logger.Warn("transport failed", slogError(err))
	c.queue = nil
	c.run = nil
	c.session.Fail(fmt.Errorf("%w: %w", ErrTransportClosed, err))
}

func (c *conn) abort() {
	c.queue = nil
	if c.run != nil {
		c.run.Cancel(ErrTransportClosed)
		<-c.run.Done()
		c.run = nil
	}
}

func (c *conn) reply(ctx context.Context, v any) {
	if err := c.transport.Write(ctx, v); err != nil {
		c.logger.Debug("reply dropped", slogError(err))
	}
}

func (c *conn) replyError(ctx context.Context, msg string) {
	c.reply(ctx, protocol.ErrorMessage{Type: protocol.TypeError, Message: msg})
}

// wireSink streams one run to a protocol client.
type wireSink struct {
	transport Transport
	format    string
}

func (w *wireSink) Open(ctx context.Context) error {
	return w.transport.Write(ctx, protocol.StatusMessage{Type: protocol.TypeSynthesisStarted})
}

func (w *wireSink) Deliver(ctx context.Context, d pipeline.Delivery) error {
	if d.Failed() {
		index := d.Seq
		return w.transport.Write(ctx, protocol.ErrorMessage{Type: protocol.TypeError, Message: d.Err.Error(), Index: &index})
	}
	payload, format, err := encodeChunk(d.Audio, w.format)
	if err != nil {
		index := d.Seq
		return w.transport.Write(ctx, protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error(), Index: &index})
	}
	return w.transport.Write(ctx, protocol.AudioChunkMessage{
		Type:       protocol.TypeAudioChunk,
		Chunk:      base64.StdEncoding.EncodeToString(payload),
		Index:      d.Seq,
		Total:      d.Total,
		SampleRate: d.Audio.SampleRate,
		Format:     format,
	})
}

func (w *wireSink) Close(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return w.transport.Write(ctx, protocol.StatusMessage{Type: protocol.TypeSynthesisCompleted})
	case errors.Is(err, ErrTransportClosed):
		return nil
	default:
		_ = w.transport.Write(ctx, protocol.ErrorMessage{Type: protocol.TypeError, Message: err.Error()})
		return nil
	}
}

func encodeChunk(seg tts.AudioSegment, format string) ([]byte, string, error) {
	if format == "pcm" {
		return seg.PCM, "pcm", nil
	}
	data, err := audio.EncodeWAV(seg.PCM, audio.Format{SampleRate: seg.SampleRate, Channels: seg.Channels})
	return data, "wav", err
}
