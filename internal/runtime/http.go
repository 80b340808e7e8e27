package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/segment"
	"github.com/loqalabs/loqa-speech/internal/session"
)

// speechRequest follows the OpenAI audio/speech request body.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
	Language       string  `json:"language"`
}

type voicesResponse struct {
	Voices  []string `json:"voices"`
	Default string   `json:"default"`
}

type capabilitiesResponse struct {
	NodeID    string                  `json:"node_id"`
	Local     []capability.Capability `json:"local"`
	Nodes     []capability.NodeInfo   `json:"nodes"`
	Preferred string                  `json:"preferred,omitempty"`
}

func (r *Runtime) routes(ctx context.Context) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.Handle("/ws", r.manager.Handler(ctx))
	mux.HandleFunc("GET /v1/audio/voices", r.handleVoices)
	mux.HandleFunc("POST /v1/audio/speech", r.handleSpeech)
	mux.HandleFunc("GET /v1/capabilities", r.handleCapabilities)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	catalog := r.manager.Catalog()
	writeJSON(w, http.StatusOK, voicesResponse{Voices: catalog.Voices(), Default: catalog.Default()})
}

func (r *Runtime) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	resp := capabilitiesResponse{NodeID: r.cfg.Node.ID, Local: r.localCapabilities()}
	if r.registry != nil {
		resp.Nodes = r.registry.Query(capability.WithCapabilityFilter(capability.TTSStream))
		if node, ok := r.registry.Select(capability.TTSStream); ok {
			resp.Preferred = node.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSpeech synthesizes a whole text and answers with the ordered audio.
// Sentences that fail are left out and counted in X-Failed-Sentences.
func (r *Runtime) handleSpeech(w http.ResponseWriter, req *http.Request) {
	if limit := r.cfg.Session.MaxMessageBytes; limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}
	var body speechRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(body.Input) == "" {
		httpError(w, http.StatusBadRequest, "input is required")
		return
	}
	format := strings.ToLower(body.ResponseFormat)
	switch format {
	case "":
		format = "wav"
	case "wav", "pcm":
	default:
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unsupported response_format %q", body.ResponseFormat))
		return
	}

	sess := r.manager.Open(req.Context(), "http:"+req.RemoteAddr)
	defer r.manager.Release(sess)
	if body.Voice != "" {
		if _, err := sess.SetVoice(body.Voice); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Language != "" {
		if err := sess.SetLanguage(body.Language); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Speed != 0 {
		if err := sess.SetSpeed(body.Speed); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sink := &collectSink{}
	run, err := sess.Begin(req.Context(), sink)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := run.Speak(body.Input); err != nil {
		run.Cancel(err)
	}
	<-run.Done()
	if err := run.Err(); err != nil {
		if errors.Is(err, session.ErrTransportClosed) || errors.Is(err, context.Canceled) {
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, segment.ErrInvalidEncoding) {
			status = http.StatusBadRequest
		}
		httpError(w, status, err.Error())
		return
	}
	if sink.format.SampleRate == 0 {
		httpError(w, http.StatusInternalServerError, "no sentence could be synthesized")
		return
	}

	payload, contentType := sink.pcm, "audio/pcm"
	if format == "wav" {
		payload, err = audio.EncodeWAV(sink.pcm, sink.format)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		contentType = "audio/wav"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set("X-Sample-Rate", strconv.Itoa(sink.format.SampleRate))
	w.Header().Set("X-Sentences", strconv.Itoa(sink.sentences))
	w.Header().Set("X-Failed-Sentences", strconv.Itoa(sink.failed))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		r.logger.Warn("failed to write speech response", slogError(err))
	}
}

// collectSink concatenates a run's audio in delivery order.
type collectSink struct {
	pcm       []byte
	format    audio.Format
	sentences int
	failed    int
}

func (c *collectSink) Open(context.Context) error { return nil }

func (c *collectSink) Deliver(_ context.Context, d pipeline.Delivery) error {
	c.sentences++
	if d.Failed() {
		c.failed++
		return nil
	}
	if c.format.SampleRate == 0 {
		c.format = audio.Format{SampleRate: d.Audio.SampleRate, Channels: d.Audio.Channels}
	}
	c.pcm = append(c.pcm, d.Audio.PCM...)
	return nil
}

func (c *collectSink) Close(context.Context, error) error { return nil }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
