package tts

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

var (
	ErrUnknownVoice    = errors.New("unknown voice")
	ErrInvalidStyle    = errors.New("invalid voice style")
	ErrInvalidLanguage = errors.New("invalid language hint")
)

// FallbackVoice is used when neither the configuration nor the backend names a voice.
const FallbackVoice = "af_heart"

// DefaultVoices mirrors the stock Kokoro voice pack.
var DefaultVoices = []string{
	"af_alloy", "af_aoede", "af_bella", "af_heart", "af_jessica", "af_kore", "af_nicole",
	"af_nova", "af_river", "af_sarah", "af_sky", "am_adam", "am_echo", "am_eric",
	"am_fenrir", "am_liam", "am_michael", "am_onyx", "am_puck", "bf_alice", "bf_emma",
	"bf_isabella", "bf_lily", "bm_daniel", "bm_fable", "bm_george", "bm_lewis",
	"ef_dora", "em_alex", "ff_siwis", "jf_alpha", "zf_xiaobei", "zm_yunjian",
}

// StyleWeight is one named style in a mix.
type StyleWeight struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// VoiceConfig is a resolved voice: its identifier plus normalized style weights.
type VoiceConfig struct {
	ID     string        `json:"id"`
	Styles []StyleWeight `json:"styles,omitempty"`
}

func (v VoiceConfig) IsZero() bool { return v.ID == "" && len(v.Styles) == 0 }

// Mixed reports whether more than one style contributes.
func (v VoiceConfig) Mixed() bool { return len(v.Styles) > 1 }

// Primary returns the heaviest style, or the ID when no styles are set.
func (v VoiceConfig) Primary() string {
	if len(v.Styles) == 0 {
		return v.ID
	}
	best := v.Styles[0]
	for _, s := range v.Styles[1:] {
		if s.Weight > best.Weight {
			best = s
		}
	}
	return best.Name
}

// ParseVoice parses a voice specification such as "af_heart" or "af_sarah.4+af_nicole.6".
// Digits after the last dot of a style are tenths. Weights are normalized to sum to 1.
func ParseVoice(spec string) (VoiceConfig, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return VoiceConfig{}, fmt.Errorf("%w: empty voice", ErrInvalidStyle)
	}

	var styles []StyleWeight
	for _, part := range strings.Split(spec, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			return VoiceConfig{}, fmt.Errorf("%w: empty style in %q", ErrInvalidStyle, spec)
		}
		name, weight := part, 1.0
		if idx := strings.LastIndexByte(part, '.'); idx >= 0 {
			portion := part[idx+1:]
			parsed, err := strconv.ParseFloat(portion, 64)
			if err != nil || portion == "" || strings.TrimLeft(portion, "0123456789") != "" {
				return VoiceConfig{}, fmt.Errorf("%w: bad weight in %q", ErrInvalidStyle, part)
			}
			name, weight = part[:idx], parsed*0.1
		}
		if name == "" || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
			return VoiceConfig{}, fmt.Errorf("%w: bad style name %q", ErrInvalidStyle, part)
		}
		if i := slices.IndexFunc(styles, func(s StyleWeight) bool { return s.Name == name }); i >= 0 {
			styles[i].Weight += weight
			continue
		}
		styles = append(styles, StyleWeight{Name: name, Weight: weight})
	}

	var total float64
	for _, s := range styles {
		total += s.Weight
	}
	if total <= 0 {
		return VoiceConfig{}, fmt.Errorf("%w: weights of %q sum to zero", ErrInvalidStyle, spec)
	}
	kept := styles[:0]
	for _, s := range styles {
		if s.Weight == 0 {
			continue
		}
		s.Weight /= total
		kept = append(kept, s)
	}
	return VoiceConfig{ID: spec, Styles: kept}, nil
}

// NormalizeLanguage canonicalizes a BCP 47 language hint to the lowercase form
// backends expect ("en-US" becomes "en-us"). An empty hint stays empty.
func NormalizeLanguage(hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return "", nil
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidLanguage, hint, err)
	}
	return strings.ToLower(tag.String()), nil
}

// Catalog is the set of voices a node can synthesize with.
type Catalog struct {
	voices       []string
	index        map[string]struct{}
	defaultVoice string
}

// NewCatalog builds a catalog. The default voice is preferred when present, otherwise
// the first listed voice, otherwise FallbackVoice.
func NewCatalog(voices []string, preferred string) *Catalog {
	c := &Catalog{index: make(map[string]struct{}, len(voices))}
	for _, v := range voices {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := c.index[v]; dup {
			continue
		}
		c.index[v] = struct{}{}
		c.voices = append(c.voices, v)
	}
	switch {
	case preferred != "" && c.Has(preferred):
		c.defaultVoice = preferred
	case len(c.voices) > 0:
		c.defaultVoice = c.voices[0]
	default:
		c.defaultVoice = FallbackVoice
	}
	return c
}

func (c *Catalog) Voices() []string { return slices.Clone(c.voices) }

func (c *Catalog) Has(name string) bool {
	_, ok := c.index[name]
	return ok
}

func (c *Catalog) Default() string { return c.defaultVoice }

// Resolve parses spec and checks every style against the catalog.
func (c *Catalog) Resolve(spec string) (VoiceConfig, error) {
	v, err := ParseVoice(spec)
	if err != nil {
		return VoiceConfig{}, err
	}
	for _, s := range v.Styles {
		if !c.Has(s.Name) {
			return VoiceConfig{}, fmt.Errorf("%w: %s", ErrUnknownVoice, s.Name)
		}
	}
	return v, nil
}
