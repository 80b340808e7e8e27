package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

func sentence(seq int, text string) tts.Sentence {
	return tts.Sentence{Seq: seq, Text: text}
}

func doneJob(seq int, text string) *Job {
	j := newJob(sentence(seq, text))
	j.Audio = tts.AudioSegment{Seq: seq, PCM: []byte(text)}
	j.setState(Done)
	return j
}

func echoSynth() tts.Synthesizer {
	return tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
		return tts.AudioSegment{Seq: req.Seq, SampleRate: 24000, Channels: 1, PCM: []byte(req.Text)}, nil
	})
}

func collect(t *testing.T, out <-chan Delivery) []Delivery {
	t.Helper()
	var got []Delivery
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, d)
		case <-timeout:
			t.Fatalf("timed out after %d deliveries", len(got))
		}
	}
}

func TestSequencerOrderIndependence(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}}
	texts := []string{"A", "B", "C"}
	for _, order := range orders {
		seq := NewSequencer()
		var got []string
		for _, i := range order {
			for _, em := range seq.Resolve(doneJob(i, texts[i])) {
				got = append(got, em.Text)
			}
		}
		if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
			t.Fatalf("order %v emitted %v", order, got)
		}
		if seq.Buffered() != 0 || seq.Next() != 3 {
			t.Fatalf("order %v left state next=%d buffered=%d", order, seq.Next(), seq.Buffered())
		}
	}
}

func TestSequencerFailureOccupiesSlot(t *testing.T) {
	seq := NewSequencer()
	failed := newJob(sentence(1, "B"))
	failed.Err = ErrSynthesisFailure
	failed.setState(Failed)

	if got := seq.Resolve(doneJob(2, "C")); len(got) != 0 {
		t.Fatalf("emitted early: %v", got)
	}
	if got := seq.Resolve(failed); len(got) != 0 {
		t.Fatalf("emitted early: %v", got)
	}
	got := seq.Resolve(doneJob(0, "A"))
	if len(got) != 3 || got[0].Failed() || !got[1].Failed() || got[2].Failed() {
		t.Fatalf("unexpected emissions %+v", got)
	}
}

func TestSequencerIgnoresDuplicates(t *testing.T) {
	seq := NewSequencer()
	seq.Resolve(doneJob(0, "A"))
	if got := seq.Resolve(doneJob(0, "A")); len(got) != 0 {
		t.Fatalf("duplicate emitted: %v", got)
	}
	seq.Resolve(doneJob(3, "D"))
	if got := seq.Resolve(doneJob(3, "D")); len(got) != 0 || seq.Buffered() != 1 {
		t.Fatalf("buffered duplicate handled wrong: %v buffered=%d", got, seq.Buffered())
	}
}

func TestSequencerDrainAndReset(t *testing.T) {
	seq := NewSequencer()
	seq.Resolve(doneJob(4, "E"))
	seq.Resolve(doneJob(2, "C"))
	var got []int
	for em := range seq.Drain() {
		got = append(got, em.Seq)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 4 {
		t.Fatalf("drain yielded %v", got)
	}
	if seq.Buffered() != 0 || seq.Next() != 5 {
		t.Fatalf("drain left next=%d buffered=%d", seq.Next(), seq.Buffered())
	}
	seq.Reset()
	if seq.Next() != 0 {
		t.Fatal("reset must rewind next")
	}
	if got := seq.Resolve(doneJob(0, "A")); len(got) != 1 {
		t.Fatalf("expected emission after reset, got %v", got)
	}
}

func TestSchedulerFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []int
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
		mu.Lock()
		order = append(order, req.Seq)
		mu.Unlock()
		return tts.AudioSegment{Seq: req.Seq}, nil
	})
	s := NewScheduler(context.Background(), []tts.Synthesizer{synth})
	for i := 0; i < 10; i++ {
		if _, err := s.Submit(sentence(i, "x")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	s.Close()
	var results int
	for job := range s.Results() {
		if job.State() != Done {
			t.Fatalf("job %d in state %s", job.Seq(), job.State())
		}
		results++
	}
	s.Wait()
	if results != 10 {
		t.Fatalf("expected 10 results, got %d", results)
	}
	for i, seq := range order {
		if seq != i {
			t.Fatalf("single worker ran out of order: %v", order)
		}
	}
	if _, err := s.Submit(sentence(10, "late")); !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestSchedulerRunsWorkersConcurrently(t *testing.T) {
	const workers = 3
	var running, peak atomic.Int32
	release := make(chan struct{})
	synth := func() tts.Synthesizer {
		return tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return tts.AudioSegment{Seq: req.Seq}, nil
		})
	}
	s := NewScheduler(context.Background(), []tts.Synthesizer{synth(), synth(), synth()})
	for i := 0; i < 6; i++ {
		if _, err := s.Submit(sentence(i, "x")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for peak.Load() < workers && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	s.Close()
	for range s.Results() {
	}
	s.Wait()
	if peak.Load() != workers {
		t.Fatalf("expected %d concurrent calls, peak was %d", workers, peak.Load())
	}
}

func TestSchedulerCancelDiscardsQueuedJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return tts.AudioSegment{}, ctx.Err()
	})
	s := NewScheduler(context.Background(), []tts.Synthesizer{synth})
	var jobs []*Job
	for i := 0; i < 5; i++ {
		job, err := s.Submit(sentence(i, "x"))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		jobs = append(jobs, job)
	}
	<-started
	s.Cancel()
	for job := range s.Results() {
		t.Fatalf("cancelled scheduler published job %d", job.Seq())
	}
	s.Wait()
	if s.Pending() != 0 {
		t.Fatalf("expected no pending jobs, have %d", s.Pending())
	}
	for _, job := range jobs {
		if job.State() != Cancelled {
			t.Fatalf("job %d in state %s", job.Seq(), job.State())
		}
	}
}

func TestSchedulerWrapsFailures(t *testing.T) {
	boom := errors.New("model exploded")
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
		return tts.AudioSegment{}, boom
	})
	s := NewScheduler(context.Background(), []tts.Synthesizer{synth}, WithSessionID("abc"), WithSpeed(1.5))
	if _, err := s.Submit(sentence(0, "x")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.Close()
	job := <-s.Results()
	s.Wait()
	if job.State() != Failed || !errors.Is(job.Err, ErrSynthesisFailure) || !errors.Is(job.Err, boom) {
		t.Fatalf("unexpected job state=%s err=%v", job.State(), job.Err)
	}
}

func TestPipelineFailureIsolation(t *testing.T) {
	delays := map[int]time.Duration{0: 60 * time.Millisecond, 1: 30 * time.Millisecond, 2: 0}
	synth := func() tts.Synthesizer {
		return tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
			time.Sleep(delays[req.Seq])
			if req.Seq == 1 {
				return tts.AudioSegment{}, errors.New("voice unavailable")
			}
			return tts.AudioSegment{Seq: req.Seq, PCM: []byte(req.Text)}, nil
		})
	}
	p := New(context.Background(), []tts.Synthesizer{synth(), synth(), synth()})
	if err := p.Speak("One. Two. Three."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	got := collect(t, p.Output())
	p.Wait()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, d := range got {
		if d.Seq != i || d.Total != 3 {
			t.Fatalf("delivery %d: seq=%d total=%d", i, d.Seq, d.Total)
		}
	}
	if got[0].Failed() || !got[1].Failed() || got[2].Failed() {
		t.Fatalf("expected [audio, failure, audio], got %+v", got)
	}
	if !errors.Is(got[1].Err, ErrSynthesisFailure) {
		t.Fatalf("failure not classified: %v", got[1].Err)
	}
}

func TestPipelineIncrementalWrites(t *testing.T) {
	voice := tts.VoiceConfig{ID: "am_adam", Styles: []tts.StyleWeight{{Name: "am_adam", Weight: 1}}}
	var voices sync.Map
	synth := tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
		voices.Store(req.Seq, req.Voice.ID)
		return tts.AudioSegment{Seq: req.Seq, PCM: []byte(req.Text)}, nil
	})
	p := New(context.Background(), []tts.Synthesizer{synth},
		WithSegmenterOptions(segment.WithMaxRunes(0)),
		WithOutputBuffer(8),
	)
	for _, chunk := range []string{"Hel", "lo the", "re. How", " are", " you? Fine"} {
		if err := p.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	p.SetVoice(voice)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Write("more"); !errors.Is(err, ErrInputClosed) {
		t.Fatalf("expected ErrInputClosed, got %v", err)
	}
	got := collect(t, p.Output())
	p.Wait()
	want := []string{"Hello there.", "How are you?", "Fine"}
	if len(got) != len(want) {
		t.Fatalf("got %d deliveries", len(got))
	}
	for i := range want {
		if string(got[i].Audio.PCM) != want[i] {
			t.Fatalf("delivery %d = %q, want %q", i, got[i].Audio.PCM, want[i])
		}
	}
	if v, _ := voices.Load(2); v != "am_adam" {
		t.Fatalf("voice change not applied to later sentence: %v", v)
	}
	if v, _ := voices.Load(0); v == "am_adam" {
		t.Fatal("voice change leaked into earlier sentence")
	}
	if p.Total() != 3 || p.Cancelled() {
		t.Fatalf("total=%d cancelled=%v", p.Total(), p.Cancelled())
	}
}

func TestPipelineCancelAfterFirstDelivery(t *testing.T) {
	release := make(chan struct{})
	synth := func() tts.Synthesizer {
		return tts.SynthesizerFunc(func(ctx context.Context, req tts.SynthRequest) (tts.AudioSegment, error) {
			if req.Seq > 0 {
				select {
				case <-release:
				case <-ctx.Done():
					return tts.AudioSegment{}, ctx.Err()
				}
			}
			return tts.AudioSegment{Seq: req.Seq, PCM: []byte{1, 2}}, nil
		})
	}
	p := New(context.Background(), []tts.Synthesizer{synth(), synth()})
	if err := p.Speak("Hi. Bye. Again."); err != nil {
		t.Fatalf("speak: %v", err)
	}
	first := <-p.Output()
	if first.Seq != 0 {
		t.Fatalf("expected index 0 first, got %d", first.Seq)
	}
	p.Cancel()
	close(release)
	for d := range p.Output() {
		t.Fatalf("delivery %d after cancel", d.Seq)
	}
	p.Wait()
	if p.Pending() != 0 {
		t.Fatalf("cancelled run left %d pending jobs", p.Pending())
	}
	if !p.Cancelled() {
		t.Fatal("run should report cancellation")
	}
}

func TestPipelineInvalidEncodingCancelsRun(t *testing.T) {
	p := New(context.Background(), []tts.Synthesizer{echoSynth()})
	if err := p.Write("fine so far "); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Write("bad \xfe"); !errors.Is(err, segment.ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	_ = collect(t, p.Output())
	p.Wait()
	if !errors.Is(p.Err(), segment.ErrInvalidEncoding) || !p.Cancelled() {
		t.Fatalf("err=%v cancelled=%v", p.Err(), p.Cancelled())
	}
}

func TestPipelineEmptyInput(t *testing.T) {
	p := New(context.Background(), []tts.Synthesizer{echoSynth()})
	if err := p.Speak("   "); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if got := collect(t, p.Output()); len(got) != 0 {
		t.Fatalf("expected no deliveries, got %d", len(got))
	}
	p.Wait()
}
