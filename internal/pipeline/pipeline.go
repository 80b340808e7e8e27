// Package pipeline connects segmentation, pooled synthesis and ordered delivery.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

// Delivery is an emission plus the number of sentences known when it was sent.
type Delivery struct {
	Emission
	Total int
}

type options struct {
	segment   []segment.Option
	sched     []SchedulerOption
	voice     tts.VoiceConfig
	language  string
	logger    *slog.Logger
	outBuffer int
}

type Option func(*options)

func WithSegmenterOptions(opts ...segment.Option) Option {
	return func(o *options) { o.segment = append(o.segment, opts...) }
}

func WithSchedulerOptions(opts ...SchedulerOption) Option {
	return func(o *options) { o.sched = append(o.sched, opts...) }
}

func WithVoice(v tts.VoiceConfig) Option {
	return func(o *options) { o.voice = v }
}

func WithLanguage(lang string) Option {
	return func(o *options) { o.language = lang }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOutputBuffer sizes the delivery channel.
func WithOutputBuffer(n int) Option {
	return func(o *options) { o.outBuffer = n }
}

// Pipeline is one synthesis run. Input methods may be called from one goroutine
// while another consumes Output.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seg      *segment.Segmenter
	finished bool
	err      error

	sched *Scheduler
	seq   *Sequencer
	out   chan Delivery
	done  chan struct{}

	known      atomic.Int64
	abandoned  atomic.Bool
	started    time.Time
	firstAudio sync.Once
	inst       *instruments
	logger     *slog.Logger
}

func New(parent context.Context, workers []tts.Synthesizer, opts ...Option) *Pipeline {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(parent)
	seg := segment.New(o.segment...)
	seg.SetVoice(o.voice)
	seg.SetLanguage(o.language)

	p := &Pipeline{
		ctx:     ctx,
		cancel:  cancel,
		seg:     seg,
		sched:   NewScheduler(ctx, workers, append([]SchedulerOption{WithSchedulerLogger(o.logger)}, o.sched...)...),
		seq:     NewSequencer(),
		out:     make(chan Delivery, o.outBuffer),
		done:    make(chan struct{}),
		started: time.Now(),
		inst:    loadInstruments(),
		logger:  o.logger,
	}
	go p.loop()
	return p
}

// Write feeds a chunk of streamed text and dispatches every completed sentence.
func (p *Pipeline) Write(chunk string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return ErrInputClosed
	}
	sents, err := p.seg.Feed(chunk)
	if err != nil {
		p.failLocked(err)
		return err
	}
	return p.submitLocked(sents)
}

// Speak dispatches a complete text and closes the input. Every sentence is
// counted before the first is submitted, so each Delivery carries the final total.
func (p *Pipeline) Speak(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return ErrInputClosed
	}
	sents, err := p.seg.Feed(text)
	if err != nil {
		p.failLocked(err)
		return err
	}
	if last, ok := p.seg.Flush(); ok {
		sents = append(sents, last)
	}
	err = p.submitLocked(sents)
	p.finished = true
	p.sched.Close()
	return err
}

// Close flushes buffered text and finishes the input.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return nil
	}
	p.finished = true
	var err error
	if last, ok := p.seg.Flush(); ok {
		err = p.submitLocked([]tts.Sentence{last})
	}
	p.sched.Close()
	return err
}

// Cancel abandons the run. Nothing is delivered afterwards.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	p.abandoned.Store(true)
	p.cancel()
	p.sched.Cancel()
}

// SetVoice applies to sentences segmented after the call.
func (p *Pipeline) SetVoice(v tts.VoiceConfig) {
	p.mu.Lock()
	p.seg.SetVoice(v)
	p.mu.Unlock()
}

func (p *Pipeline) SetLanguage(lang string) {
	p.mu.Lock()
	p.seg.SetLanguage(lang)
	p.mu.Unlock()
}

// Output is closed after the last delivery, or as soon as the run is cancelled.
func (p *Pipeline) Output() <-chan Delivery { return p.out }

// Err reports the fault that stopped the run, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Cancelled reports whether the run was abandoned.
func (p *Pipeline) Cancelled() bool { return p.abandoned.Load() }

// Total is the number of sentences submitted so far.
func (p *Pipeline) Total() int { return int(p.known.Load()) }

// Pending counts submitted jobs that are neither delivered nor discarded.
func (p *Pipeline) Pending() int { return p.sched.Pending() }

// Wait blocks until the output loop and every worker have exited.
func (p *Pipeline) Wait() {
	<-p.done
	p.sched.Wait()
}

func (p *Pipeline) submitLocked(sents []tts.Sentence) error {
	p.known.Add(int64(len(sents)))
	for _, s := range sents {
		if _, err := p.sched.Submit(s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) failLocked(err error) {
	if p.err == nil {
		p.err = err
	}
	p.finished = true
	p.abandoned.Store(true)
	p.logger.Error("segmentation failed; cancelling run", slog.String("error", err.Error()))
	p.cancel()
	p.sched.Cancel()
}

func (p *Pipeline) loop() {
	defer close(p.done)
	defer p.cancel()
	defer close(p.out)
	if !p.forward() {
		p.abandoned.Store(true)
	}
}

// forward reports false when the run was cut short by cancellation.
func (p *Pipeline) forward() bool {
	for job := range p.sched.Results() {
		for _, em := range p.seq.Resolve(job) {
			if !p.send(em) {
				return false
			}
		}
	}
	if p.ctx.Err() != nil {
		return false
	}
	for em := range p.seq.Drain() {
		if !p.send(em) {
			return false
		}
	}
	return true
}

func (p *Pipeline) send(em Emission) bool {
	if p.ctx.Err() != nil {
		return false
	}
	d := Delivery{Emission: em, Total: int(p.known.Load())}
	select {
	case p.out <- d:
	case <-p.ctx.Done():
		return false
	}
	if !em.Failed() {
		p.firstAudio.Do(func() {
			p.inst.recordFirstAudio(p.ctx, time.Since(p.started))
		})
	}
	return true
}
