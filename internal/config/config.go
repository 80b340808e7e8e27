package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	TTS         TTSConfig        `yaml:"tts"`
	Cache       CacheConfig      `yaml:"cache"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	Session     SessionConfig    `yaml:"session"`
	Playback    PlaybackConfig   `yaml:"playback"`
	LLM         LLMConfig        `yaml:"llm"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// TTSConfig selects and tunes the synthesis backend.
type TTSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Mode             string   `yaml:"mode"` // mock, exec, http
	Command          string   `yaml:"command"`
	Endpoint         string   `yaml:"endpoint"`
	Model            string   `yaml:"model"`
	Voice            string   `yaml:"voice"`
	Voices           []string `yaml:"voices"`
	Language         string   `yaml:"language"`
	SampleRate       int      `yaml:"sample_rate"`
	Channels         int      `yaml:"channels"`
	Speed            float64  `yaml:"speed"`
	Concurrency      int      `yaml:"concurrency"`
	TimeoutMS        int      `yaml:"timeout_ms"`
	MockLatencyMS    int      `yaml:"mock_latency_ms"`
	TrimSilenceDB    float64  `yaml:"trim_silence_db"`
	InitialSilenceMS int      `yaml:"initial_silence_ms"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
	Compress   bool `yaml:"compress"`
}

type SegmenterConfig struct {
	Abbreviations   []string `yaml:"abbreviations"`
	MaxRunes        int      `yaml:"max_runes"`
	ParagraphBreaks bool     `yaml:"paragraph_breaks"`
	TerminalPeriod  bool     `yaml:"terminal_period"`
}

// SessionConfig tunes the websocket session protocol.
type SessionConfig struct {
	ChunkFormat       string  `yaml:"chunk_format"` // wav, pcm
	MaxQueuedRequests int     `yaml:"max_queued_requests"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	ReadTimeoutMS     int     `yaml:"read_timeout_ms"`
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`
}

type PlaybackConfig struct {
	Command string `yaml:"command"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

type RouterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultVoice string `yaml:"default_voice"`
	Target       string `yaml:"target"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-speech-1",
			Role:              "speech",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "tts.stream", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speech-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		TTS: TTSConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "http://localhost:8880",
			Model:         "kokoro",
			Voice:         "af_heart",
			Language:      "en-us",
			SampleRate:    24000,
			Channels:      1,
			Speed:         1.0,
			Concurrency:   1,
			MockLatencyMS: 50,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 512,
			Compress:   true,
		},
		Segmenter: SegmenterConfig{
			MaxRunes:        400,
			ParagraphBreaks: true,
		},
		Session: SessionConfig{
			ChunkFormat:       "wav",
			MaxQueuedRequests: 8,
			RequestsPerSecond: 5,
			Burst:             10,
			ReadTimeoutMS:     60000,
			MaxMessageBytes:   1 << 20,
		},
		Playback: PlaybackConfig{
			Command: "aplay -q -t raw -f S16_LE -c {channels} -r {sample_rate}",
		},
		LLM: LLMConfig{
			Enabled:       false,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			MaxTokens:     256,
			Temperature:   0.7,
		},
		Router: RouterConfig{
			Enabled: false,
			Target:  "default",
		},
	}
}

// Load reads path over the defaults, applies LOQA_* environment overrides and
// validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, validate(cfg)
}

// LoadOptional behaves like Load but falls back to defaults when the file is absent.
func LoadOptional(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		path = ""
	}
	return Load(path)
}

const envPrefix = "LOQA_"

func applyEnvOverrides(cfg *Config) {
	override(&cfg.RuntimeName, "RUNTIME_NAME")
	override(&cfg.Environment, "RUNTIME_ENVIRONMENT")

	override(&cfg.HTTP.Bind, "HTTP_BIND")
	override(&cfg.HTTP.Port, "HTTP_PORT")

	t := &cfg.Telemetry
	override(&t.LogLevel, "TELEMETRY_LOG_LEVEL")
	override(&t.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")
	override(&t.OTLPInsecure, "TELEMETRY_OTLP_INSECURE")
	override(&t.PrometheusBind, "TELEMETRY_PROMETHEUS_BIND")

	b := &cfg.Bus
	override(&b.Enabled, "BUS_ENABLED")
	override(&b.Embedded, "BUS_EMBEDDED")
	override(&b.Port, "BUS_PORT")
	override(&b.StoreDir, "BUS_STORE_DIR")
	override(&b.Servers, "BUS_SERVERS")
	override(&b.Username, "BUS_USERNAME")
	override(&b.Password, "BUS_PASSWORD")
	override(&b.Token, "BUS_TOKEN")
	override(&b.TLSInsecure, "BUS_TLS_INSECURE")
	override(&b.ConnectTimeout, "BUS_CONNECT_TIMEOUT_MS")

	n := &cfg.Node
	override(&n.ID, "NODE_ID")
	override(&n.Role, "NODE_ROLE")
	override(&n.HeartbeatInterval, "NODE_HEARTBEAT_INTERVAL_MS")
	override(&n.HeartbeatTimeout, "NODE_HEARTBEAT_TIMEOUT_MS")

	e := &cfg.EventStore
	override(&e.Path, "EVENT_STORE_PATH")
	override(&e.RetentionMode, "EVENT_STORE_RETENTION_MODE")
	override(&e.RetentionDays, "EVENT_STORE_RETENTION_DAYS")
	override(&e.MaxSessions, "EVENT_STORE_MAX_SESSIONS")
	override(&e.VacuumOnStart, "EVENT_STORE_VACUUM_ON_START")

	s := &cfg.TTS
	override(&s.Enabled, "TTS_ENABLED")
	override(&s.Mode, "TTS_MODE")
	override(&s.Command, "TTS_COMMAND")
	override(&s.Endpoint, "TTS_ENDPOINT")
	override(&s.Model, "TTS_MODEL")
	override(&s.Voice, "TTS_VOICE")
	override(&s.Voices, "TTS_VOICES")
	override(&s.Language, "TTS_LANGUAGE")
	override(&s.SampleRate, "TTS_SAMPLE_RATE")
	override(&s.Channels, "TTS_CHANNELS")
	override(&s.Speed, "TTS_SPEED")
	override(&s.Concurrency, "TTS_CONCURRENCY")
	override(&s.TimeoutMS, "TTS_TIMEOUT_MS")
	override(&s.MockLatencyMS, "TTS_MOCK_LATENCY_MS")
	override(&s.TrimSilenceDB, "TTS_TRIM_SILENCE_DB")
	override(&s.InitialSilenceMS, "TTS_INITIAL_SILENCE_MS")

	override(&cfg.Cache.Enabled, "CACHE_ENABLED")
	override(&cfg.Cache.MaxEntries, "CACHE_MAX_ENTRIES")
	override(&cfg.Cache.Compress, "CACHE_COMPRESS")

	override(&cfg.Segmenter.Abbreviations, "SEGMENTER_ABBREVIATIONS")
	override(&cfg.Segmenter.MaxRunes, "SEGMENTER_MAX_RUNES")
	override(&cfg.Segmenter.ParagraphBreaks, "SEGMENTER_PARAGRAPH_BREAKS")
	override(&cfg.Segmenter.TerminalPeriod, "SEGMENTER_TERMINAL_PERIOD")

	override(&cfg.Session.ChunkFormat, "SESSION_CHUNK_FORMAT")
	override(&cfg.Session.MaxQueuedRequests, "SESSION_MAX_QUEUED_REQUESTS")
	override(&cfg.Session.RequestsPerSecond, "SESSION_REQUESTS_PER_SECOND")
	override(&cfg.Session.Burst, "SESSION_BURST")
	override(&cfg.Session.ReadTimeoutMS, "SESSION_READ_TIMEOUT_MS")

	override(&cfg.Playback.Command, "PLAYBACK_COMMAND")

	l := &cfg.LLM
	override(&l.Enabled, "LLM_ENABLED")
	override(&l.Mode, "LLM_MODE")
	override(&l.Endpoint, "LLM_ENDPOINT")
	override(&l.Command, "LLM_COMMAND")
	override(&l.ModelFast, "LLM_MODEL_FAST")
	override(&l.ModelBalanced, "LLM_MODEL_BALANCED")
	override(&l.DefaultTier, "LLM_DEFAULT_TIER")
	override(&l.MaxTokens, "LLM_MAX_TOKENS")
	override(&l.Temperature, "LLM_TEMPERATURE")

	override(&cfg.Router.Enabled, "ROUTER_ENABLED")
	override(&cfg.Router.DefaultVoice, "ROUTER_DEFAULT_VOICE")
	override(&cfg.Router.Target, "ROUTER_TARGET")
}

// override replaces *target with the parsed value of LOQA_<key>. Blank and
// unparsable values leave the target alone; lists are comma separated.
func override[T string | int | bool | float64 | []string](target *T, key string) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return
	}
	var (
		parsed any
		err    error
	)
	switch any(*target).(type) {
	case string:
		parsed = value
	case int:
		parsed, err = strconv.Atoi(strings.TrimSpace(value))
	case bool:
		parsed, err = strconv.ParseBool(strings.TrimSpace(value))
	case float64:
		parsed, err = strconv.ParseFloat(strings.TrimSpace(value), 64)
	case []string:
		var items []string
		for item := range strings.SplitSeq(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if len(items) == 0 {
			return
		}
		parsed = items
	}
	if err == nil {
		*target = parsed.(T)
	}
}

// validate reports every invalid setting at once.
func validate(cfg Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	oneOf := func(field, value string, allowed ...string) {
		check(slices.Contains(allowed, value), "%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
	}

	check(cfg.RuntimeName != "", "runtime_name must not be empty")
	check(cfg.HTTP.Port > 0 && cfg.HTTP.Port <= 65535, "http.port must be between 1 and 65535")
	check(cfg.Telemetry.PrometheusBind != "", "telemetry.prometheus_bind must not be empty")

	if b, n := cfg.Bus, cfg.Node; b.Enabled {
		// a negative embedded port selects a free one
		check(!b.Embedded || (b.Port != 0 && b.Port <= 65535), "bus.port must be between 1 and 65535, or negative for a random port")
		check(b.Embedded || len(b.Servers) > 0, "bus.servers must not be empty when embedded mode is disabled")
		check(n.ID != "", "node.id must not be empty")
		check(n.HeartbeatInterval > 0, "node.heartbeat_interval_ms must be positive")
		check(n.HeartbeatTimeout > n.HeartbeatInterval, "node.heartbeat_timeout_ms must be greater than the heartbeat interval")
	}

	check(cfg.EventStore.Path != "", "event_store.path must not be empty")
	oneOf("event_store.retention_mode", cfg.EventStore.RetentionMode, "ephemeral", "session", "persistent")
	check(cfg.EventStore.RetentionDays >= 0, "event_store.retention_days must be >= 0")

	if t := cfg.TTS; t.Enabled {
		oneOf("tts.mode", t.Mode, "mock", "exec", "http")
		check(t.Mode != "exec" || t.Command != "", "tts.command must be set when mode=exec")
		check(t.Mode != "http" || t.Endpoint != "", "tts.endpoint must be set when mode=http")
		check(t.SampleRate > 0, "tts.sample_rate must be positive")
		check(t.Channels == 1 || t.Channels == 2, "tts.channels must be 1 or 2")
		check(t.Concurrency >= 1, "tts.concurrency must be >= 1")
		check(t.Speed > 0, "tts.speed must be positive")
		check(t.TimeoutMS >= 0, "tts.timeout_ms must be >= 0")
		check(t.InitialSilenceMS >= 0, "tts.initial_silence_ms must be >= 0")
	}
	check(!cfg.Cache.Enabled || cfg.Cache.MaxEntries > 0, "cache.max_entries must be >= 1 when the cache is enabled")
	check(cfg.Segmenter.MaxRunes >= 0, "segmenter.max_runes must be >= 0")

	oneOf("session.chunk_format", cfg.Session.ChunkFormat, "wav", "pcm")
	check(cfg.Session.MaxQueuedRequests >= 0, "session.max_queued_requests must be >= 0")
	check(cfg.Session.RequestsPerSecond >= 0, "session.requests_per_second must be >= 0")

	if l := cfg.LLM; l.Enabled {
		oneOf("llm.mode", l.Mode, "mock", "ollama", "exec")
		check(l.Mode != "ollama" || l.Endpoint != "", "llm.endpoint must be set when mode=ollama")
		check(l.Mode != "exec" || l.Command != "", "llm.command must be set when mode=exec")
		check(l.MaxTokens >= 0, "llm.max_tokens must be >= 0")
		check(cfg.Bus.Enabled, "llm requires bus.enabled")
	}
	check(!cfg.Router.Enabled || cfg.Bus.Enabled, "router requires bus.enabled")

	return errors.Join(errs...)
}
