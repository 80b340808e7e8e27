package pipeline

import (
	"sync/atomic"

	"github.com/loqalabs/loqa-speech/internal/tts"
)

type State int32

const (
	Pending State = iota
	Running
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job maps one sentence to one audio segment. Audio and Err are written by the
// worker before the job is published on the results channel.
type Job struct {
	Sentence tts.Sentence
	Audio    tts.AudioSegment
	Err      error

	state atomic.Int32
}

func newJob(s tts.Sentence) *Job {
	return &Job{Sentence: s}
}

func (j *Job) Seq() int { return j.Sentence.Seq }

func (j *Job) State() State { return State(j.state.Load()) }

func (j *Job) setState(s State) { j.state.Store(int32(s)) }
