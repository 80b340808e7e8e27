package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type httpSynth struct {
	endpoint   string
	model      string
	sampleRate int
	channels   int
	client     *http.Client
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
	LangCode       string  `json:"lang_code,omitempty"`
}

type voicesResponse struct {
	Voices []string `json:"voices"`
}

// NewHTTPSynth talks to an OpenAI-compatible speech server (Kokoro-FastAPI and friends)
// and requests raw PCM.
func NewHTTPSynth(endpoint, model string, sampleRate, channels int) Synthesizer {
	return &httpSynth{
		endpoint:   strings.TrimRight(endpoint, "/"),
		model:      model,
		sampleRate: sampleRate,
		channels:   channels,
		client:     &http.Client{},
	}
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (AudioSegment, error) {
	body, err := json.Marshal(speechRequest{
		Model:          h.model,
		Input:          req.Text,
		Voice:          remoteVoice(req.Voice),
		ResponseFormat: "pcm",
		Speed:          req.Speed,
		LangCode:       req.Language,
	})
	if err != nil {
		return AudioSegment{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return AudioSegment{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return AudioSegment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return AudioSegment{}, fmt.Errorf("speech server returned status %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return AudioSegment{}, err
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return AudioSegment{Seq: req.Seq, SampleRate: h.sampleRate, Channels: h.channels, PCM: pcm}, nil
}

// Voices lists the server's voices.
func (h *httpSynth) Voices(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/v1/audio/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech server returned status %s", resp.Status)
	}
	var out voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	return out.Voices, nil
}

// remoteVoice renders a mix as "a(0.4)+b(0.6)", the weighted syntax these servers accept.
func remoteVoice(v VoiceConfig) string {
	if !v.Mixed() {
		return v.Primary()
	}
	parts := make([]string, 0, len(v.Styles))
	for _, s := range v.Styles {
		parts = append(parts, s.Name+"("+strconv.FormatFloat(s.Weight, 'f', 3, 64)+")")
	}
	return strings.Join(parts, "+")
}
