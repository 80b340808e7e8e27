package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
)

// Stats summarizes a finished or running synthesis run.
type Stats struct {
	Sentences     int
	Failed        int
	AudioBytes    int
	AudioDuration time.Duration
	Elapsed       time.Duration
}

// Run is one Streaming episode of a session.
type Run struct {
	id      string
	ctx     context.Context
	session *Session
	p       *pipeline.Pipeline
	sink    Sink
	started time.Time
	done    chan struct{}

	mu    sync.Mutex
	cause error
	err   error
	stats Stats
}

func newRun(ctx context.Context, id string, s *Session, p *pipeline.Pipeline, sink Sink) *Run {
	return &Run{
		id:      id,
		ctx:     ctx,
		session: s,
		p:       p,
		sink:    sink,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (r *Run) ID() string { return r.id }

// Write feeds streamed text.
func (r *Run) Write(chunk string) error { return r.p.Write(chunk) }

// Speak submits a complete text and finishes the input.
func (r *Run) Speak(text string) error { return r.p.Speak(text) }

// Finish flushes buffered text. The run completes once every sentence is delivered.
func (r *Run) Finish() error { return r.p.Close() }

// Cancel abandons the run. The sink is closed with cause.
func (r *Run) Cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	r.mu.Lock()
	if r.cause == nil {
		r.cause = cause
	}
	r.mu.Unlock()
	r.p.Cancel()
}

// Done is closed after the sink has been closed and the session updated.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err is valid after Done.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	if st.Elapsed == 0 {
		st.Elapsed = time.Since(r.started)
	}
	return st
}

// Total is the number of sentences segmented so far.
func (r *Run) Total() int { return r.p.Total() }

// Pending counts sentences submitted but not yet delivered or discarded.
func (r *Run) Pending() int { return r.p.Pending() }

func (r *Run) forward() {
	logger := r.session.logger.With(slog.String("run_id", r.id))
	var deliverErr error
	for d := range r.p.Output() {
		if deliverErr != nil {
			continue
		}
		r.mu.Lock()
		r.stats.Sentences++
		if d.Failed() {
			r.stats.Failed++
		} else {
			r.stats.AudioBytes += len(d.Audio.PCM)
			r.stats.AudioDuration += d.Audio.Duration()
		}
		r.mu.Unlock()

		if d.Failed() {
			logger.Warn("sentence failed", slog.Int("index", d.Seq), slog.String("error", d.Err.Error()))
			r.session.opts.Events.Record(r.ctx, r.session.id, r.id, eventstore.TypeSentenceFailed,
				map[string]any{"index": d.Seq, "error": d.Err.Error()})
		}
		if err := r.sink.Deliver(r.ctx, d); err != nil {
			deliverErr = err
			r.Cancel(err)
		}
	}
	r.p.Wait()
	r.end(r.outcome(deliverErr))
}

// end closes the sink and hands the outcome to the session.
func (r *Run) end(err error) {
	if cerr := r.sink.Close(r.ctx, err); cerr != nil && err == nil {
		err = cerr
	}
	r.mu.Lock()
	r.err = err
	r.stats.Elapsed = time.Since(r.started)
	r.mu.Unlock()
	r.session.finish(r, err)
	close(r.done)
}

func (r *Run) outcome(deliverErr error) error {
	r.mu.Lock()
	cause := r.cause
	r.mu.Unlock()
	switch {
	case deliverErr != nil:
		return deliverErr
	case cause != nil:
		return cause
	case r.p.Err() != nil:
		return r.p.Err()
	case r.p.Cancelled():
		if err := context.Cause(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return ErrTransportClosed
	}
	return nil
}
