package protocol

// Commands accepted on the websocket session.
const (
	CommandListVoices = "list_voices"
	CommandSetVoice   = "set_voice"
	CommandSynthesize = "synthesize"
)

// Message types sent on the websocket session.
const (
	TypeVoices             = "voices"
	TypeVoiceChanged       = "voice_changed"
	TypeSynthesisStarted   = "synthesis_started"
	TypeAudioChunk         = "audio_chunk"
	TypeSynthesisCompleted = "synthesis_completed"
	TypeError              = "error"
)

// ClientCommand is any message a websocket client sends.
type ClientCommand struct {
	Command  string `json:"command"`
	Voice    string `json:"voice,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
}

type VoicesMessage struct {
	Type   string   `json:"type"`
	Voice  string   `json:"voice"`
	Voices []string `json:"voices"`
}

type VoiceChangedMessage struct {
	Type  string `json:"type"`
	Voice string `json:"voice"`
}

// StatusMessage covers synthesis_started and synthesis_completed.
type StatusMessage struct {
	Type string `json:"type"`
}

type AudioChunkMessage struct {
	Type       string `json:"type"`
	Chunk      string `json:"chunk"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

// ErrorMessage reports a rejected command or, with Index set, a sentence that
// could not be synthesized.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Index   *int   `json:"index,omitempty"`
}
