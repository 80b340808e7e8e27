package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-speech/internal/tts"
)

type SchedulerOption func(*Scheduler)

func WithSessionID(id string) SchedulerOption {
	return func(s *Scheduler) { s.sessionID = id }
}

func WithSpeed(speed float64) SchedulerOption {
	return func(s *Scheduler) { s.speed = speed }
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// Scheduler runs sentences through a fixed pool of synthesizers. Jobs start in
// submission order but may finish in any order.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	submit  chan *Job
	work    chan *Job
	results chan *Job

	mu     sync.Mutex
	closed bool

	pending atomic.Int64
	group   *errgroup.Group
	done    chan struct{}

	sessionID string
	speed     float64
	logger    *slog.Logger
	inst      *instruments
}

// NewScheduler starts one worker per synthesizer. Each worker owns its instance.
func NewScheduler(parent context.Context, workers []tts.Synthesizer, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		submit:  make(chan *Job),
		work:    make(chan *Job),
		results: make(chan *Job),
		done:    make(chan struct{}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		inst:    loadInstruments(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "tts-scheduler"))

	s.group = &errgroup.Group{}
	s.group.Go(func() error {
		s.dispatch()
		return nil
	})
	for i, synth := range workers {
		s.group.Go(func() error {
			s.runWorker(i, synth)
			return nil
		})
	}
	go func() {
		_ = s.group.Wait()
		close(s.results)
		close(s.done)
	}()
	return s
}

// Submit queues a sentence. It never blocks on worker availability.
func (s *Scheduler) Submit(sentence tts.Sentence) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	job := newJob(sentence)
	s.pending.Add(1)
	select {
	case s.submit <- job:
		return job, nil
	case <-s.ctx.Done():
		s.resolve(job, Cancelled)
		return nil, ErrSchedulerClosed
	}
}

// Results delivers every finished job. It is closed once the scheduler has stopped.
func (s *Scheduler) Results() <-chan *Job { return s.results }

// Pending counts jobs that have been submitted but not yet published or discarded.
func (s *Scheduler) Pending() int { return int(s.pending.Load()) }

// Close stops admission and lets queued jobs finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.submit)
	}
}

// Cancel stops admission, discards queued jobs and drops in-flight results.
func (s *Scheduler) Cancel() {
	s.Close()
	s.cancel()
}

// Wait blocks until every goroutine has exited.
func (s *Scheduler) Wait() {
	<-s.done
	s.cancel()
}

// Done is closed once the scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) dispatch() {
	defer close(s.work)
	var queue []*Job
	in := s.submit
	for in != nil || len(queue) > 0 {
		var out chan *Job
		var head *Job
		if len(queue) > 0 {
			out, head = s.work, queue[0]
		}
		select {
		case job, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, job)
		case out <- head:
			queue[0] = nil
			queue = queue[1:]
		case <-s.ctx.Done():
			for _, job := range queue {
				s.resolve(job, Cancelled)
			}
			return
		}
	}
}

func (s *Scheduler) runWorker(id int, synth tts.Synthesizer) {
	for job := range s.work {
		if s.ctx.Err() != nil {
			s.resolve(job, Cancelled)
			continue
		}
		s.synthesize(id, synth, job)
		if job.State() == Cancelled {
			continue
		}
		select {
		case s.results <- job:
			s.pending.Add(-1)
		case <-s.ctx.Done():
			job.setState(Cancelled)
			s.pending.Add(-1)
		}
	}
}

func (s *Scheduler) synthesize(worker int, synth tts.Synthesizer, job *Job) {
	job.setState(Running)
	ctx, span := s.inst.tracer.Start(s.ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("session_id", s.sessionID),
		attribute.Int("sequence", job.Seq()),
		attribute.Int("worker", worker),
	))
	defer span.End()

	started := time.Now()
	seg, err := synth.Synthesize(ctx, tts.SynthRequest{
		SessionID: s.sessionID,
		Seq:       job.Seq(),
		Text:      job.Sentence.Text,
		Voice:     job.Sentence.Voice,
		Language:  job.Sentence.Language,
		Speed:     s.speed,
	})
	elapsed := time.Since(started)

	switch {
	case s.ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		s.resolve(job, Cancelled)
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job.Err = fmt.Errorf("%w: %w", ErrSynthesisFailure, err)
		job.setState(Failed)
		s.logger.Warn("sentence synthesis failed",
			slog.String("session_id", s.sessionID),
			slog.Int("sequence", job.Seq()),
			slog.String("error", err.Error()),
		)
	default:
		seg.Seq = job.Seq()
		job.Audio = seg
		job.setState(Done)
	}
	s.inst.recordJob(s.ctx, job.State())
	s.inst.recordDuration(s.ctx, elapsed, job.State())
}

// resolve finishes a job that will never reach Results.
func (s *Scheduler) resolve(job *Job, state State) {
	job.setState(state)
	s.pending.Add(-1)
	s.inst.recordJob(context.Background(), state)
}
