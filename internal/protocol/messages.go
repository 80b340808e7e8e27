package protocol

import "time"

// TTSRequest asks the node to speak a complete text.
type TTSRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Language  string  `json:"language,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Target    string  `json:"target,omitempty"`
	TraceID   string  `json:"trace_id,omitempty"`
}

// TTSText is an incremental text delta for a streaming run. The run for a session
// starts with its first delta and finishes after the delta marked Final.
type TTSText struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Voice     string `json:"voice,omitempty"`
	Language  string `json:"language,omitempty"`
	Target    string `json:"target,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// AudioChunk carries the audio for one sentence, in order. A chunk with Final set
// and no PCM ends the stream.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	Total      int    `json:"total"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm,omitempty"`
	Text       string `json:"text,omitempty"`
	Error      string `json:"error,omitempty"`
	Final      bool   `json:"final"`
	Target     string `json:"target,omitempty"`
}

// TTSStatus is published on SubjectTTSDone when a run ends.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Sentences int       `json:"sentences"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// LLMRequest is a prompt for the language model service.
type LLMRequest struct {
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Voice       string    `json:"voice,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LLMResponse is streamed model output. Content is the delta since the previous
// response for the session; the final response may carry none.
type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	TraceID          string    `json:"trace_id,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest         = "tts.request"
	SubjectTTSText            = "tts.text"
	SubjectTTSAudio           = "tts.audio"
	SubjectTTSDone            = "tts.done"
	SubjectLLMRequest         = "llm.request"
	SubjectLLMResponsePartial = "llm.response.partial"
	SubjectLLMResponseFinal   = "llm.response.final"
)
