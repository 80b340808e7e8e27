package pipeline

import (
	"context"
	"iter"
	"maps"
	"slices"

	"github.com/loqalabs/loqa-speech/internal/tts"
)

// Emission is one sentence slot in output order. A failed slot carries Err
// instead of audio.
type Emission struct {
	Seq   int
	Text  string
	Audio tts.AudioSegment
	Err   error
}

func (e Emission) Failed() bool { return e.Err != nil }

// Sequencer restores input order over jobs that finish in any order.
// It is owned by a single goroutine.
type Sequencer struct {
	next    int
	pending map[int]Emission
}

func NewSequencer() *Sequencer {
	return &Sequencer{pending: make(map[int]Emission)}
}

// Resolve records a finished job and returns every emission that is now in order.
// Sequence numbers already emitted are ignored.
func (s *Sequencer) Resolve(job *Job) []Emission {
	seq := job.Seq()
	if seq < s.next {
		return nil
	}
	if _, dup := s.pending[seq]; dup {
		return nil
	}
	s.pending[seq] = emissionFor(job)

	var out []Emission
	for {
		em, ok := s.pending[s.next]
		if !ok {
			return out
		}
		delete(s.pending, s.next)
		out = append(out, em)
		s.next++
	}
}

// Drain yields whatever is still buffered, in ascending order, skipping gaps.
func (s *Sequencer) Drain() iter.Seq[Emission] {
	return func(yield func(Emission) bool) {
		for _, seq := range slices.Sorted(maps.Keys(s.pending)) {
			em := s.pending[seq]
			delete(s.pending, seq)
			s.next = seq + 1
			if !yield(em) {
				return
			}
		}
	}
}

// Next is the sequence number expected next.
func (s *Sequencer) Next() int { return s.next }

func (s *Sequencer) Buffered() int { return len(s.pending) }

func (s *Sequencer) Reset() {
	s.next = 0
	clear(s.pending)
}

func emissionFor(job *Job) Emission {
	em := Emission{Seq: job.Seq(), Text: job.Sentence.Text}
	switch job.State() {
	case Done:
		em.Audio = job.Audio
	case Cancelled:
		em.Err = context.Canceled
	default:
		em.Err = job.Err
		if em.Err == nil {
			em.Err = ErrSynthesisFailure
		}
	}
	return em
}
