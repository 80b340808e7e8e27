// Package segment splits streamed text into sentences as soon as each boundary
// is certain. Results do not depend on how the input was chunked.
package segment

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/loqalabs/loqa-speech/internal/tts"
)

// ErrInvalidEncoding is returned when a chunk is not valid UTF-8.
var ErrInvalidEncoding = errors.New("segment: invalid utf-8 input")

// DefaultAbbreviations never end a sentence when followed by a single dot.
var DefaultAbbreviations = []string{
	"mr", "mrs", "ms", "dr", "prof", "sr", "jr", "st", "vs",
	"pp", "vol", "fig", "approx", "cf", "e.g", "i.e",
}

const DefaultMaxRunes = 400

type Option func(*Segmenter)

// WithAbbreviations replaces the abbreviation allow-list. Entries are matched
// case-insensitively and without their trailing dot.
func WithAbbreviations(list []string) Option {
	return func(s *Segmenter) {
		s.abbrevs = make(map[string]struct{}, len(list))
		for _, a := range list {
			a = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(a), "."))
			if a != "" {
				s.abbrevs[a] = struct{}{}
			}
		}
	}
}

// WithMaxRunes force-splits sentences longer than n runes. Zero disables the limit.
func WithMaxRunes(n int) Option {
	return func(s *Segmenter) { s.maxRunes = max(n, 0) }
}

// WithParagraphBreaks treats a blank line as a boundary.
func WithParagraphBreaks(on bool) Option {
	return func(s *Segmenter) { s.paragraphs = on }
}

// WithTerminalPeriod makes Flush append "." to a remainder without terminal punctuation.
func WithTerminalPeriod(on bool) Option {
	return func(s *Segmenter) { s.terminalPeriod = on }
}

// Segmenter is not safe for concurrent use.
type Segmenter struct {
	buf []rune
	// runes before pos are known not to end a sentence
	pos int
	seq int

	abbrevs        map[string]struct{}
	maxRunes       int
	paragraphs     bool
	terminalPeriod bool

	voice    tts.VoiceConfig
	language string
}

func New(opts ...Option) *Segmenter {
	s := &Segmenter{maxRunes: DefaultMaxRunes, paragraphs: true}
	WithAbbreviations(DefaultAbbreviations)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetVoice stamps sentences created after the call.
func (s *Segmenter) SetVoice(v tts.VoiceConfig) { s.voice = v }

// SetLanguage stamps sentences created after the call.
func (s *Segmenter) SetLanguage(lang string) { s.language = lang }

// Emitted reports how many sentences have been produced since the last Reset.
func (s *Segmenter) Emitted() int { return s.seq }

// Buffered returns the undecided text.
func (s *Segmenter) Buffered() string { return string(s.buf) }

// Reset discards buffered text and restarts numbering at zero.
func (s *Segmenter) Reset() {
	s.buf = s.buf[:0]
	s.pos = 0
	s.seq = 0
}

// Feed appends chunk and returns every sentence whose boundary is now certain.
func (s *Segmenter) Feed(chunk string) ([]tts.Sentence, error) {
	if !utf8.ValidString(chunk) {
		return nil, ErrInvalidEncoding
	}
	s.buf = append(s.buf, []rune(chunk)...)

	var out []tts.Sentence
	emit := func(cut int) {
		if sent, ok := s.cut(cut); ok {
			out = append(out, sent)
		}
	}

	for s.pos < len(s.buf) {
		if s.maxRunes > 0 && s.pos >= s.maxRunes {
			emit(s.forcedCut())
			continue
		}
		r := s.buf[s.pos]
		switch {
		case isTerminal(r):
			end, dots := s.terminalRun(s.pos)
			if end == len(s.buf) {
				return out, nil
			}
			switch {
			case hasFullwidth(s.buf[s.pos:end]):
				emit(end)
			case !unicode.IsSpace(s.buf[end]):
				s.pos = end
			case dots == 1 && end-s.pos == 1 && s.isAbbreviation(s.pos):
				s.pos = end
			default:
				emit(end)
			}
		case r == '\n' && s.paragraphs:
			j := s.pos + 1
			for j < len(s.buf) && isHorizontalSpace(s.buf[j]) {
				j++
			}
			if j == len(s.buf) {
				return out, nil
			}
			if s.buf[j] == '\n' {
				emit(j + 1)
				continue
			}
			s.pos = j
		default:
			s.pos++
		}
	}
	return out, nil
}

// Flush emits the remainder, if any, as the final sentence.
func (s *Segmenter) Flush() (tts.Sentence, bool) {
	text := strings.TrimSpace(string(s.buf))
	s.buf = s.buf[:0]
	s.pos = 0
	if !speakable(text) {
		return tts.Sentence{}, false
	}
	if s.terminalPeriod && !endsWithTerminal(text) {
		text += "."
	}
	return s.sentence(text)
}

func (s *Segmenter) cut(n int) (tts.Sentence, bool) {
	text := string(s.buf[:n])
	s.buf = append(s.buf[:0], s.buf[n:]...)
	s.pos = 0
	return s.sentence(text)
}

func (s *Segmenter) sentence(text string) (tts.Sentence, bool) {
	text = norm.NFC.String(strings.TrimSpace(text))
	if !speakable(text) {
		return tts.Sentence{}, false
	}
	sent := tts.Sentence{Seq: s.seq, Text: text, Language: s.language, Voice: s.voice}
	s.seq++
	return sent, true
}

// forcedCut picks the split point for an over-long sentence: the last whitespace
// inside the limit, or the limit itself.
func (s *Segmenter) forcedCut() int {
	for i := s.maxRunes - 1; i > 0; i-- {
		if unicode.IsSpace(s.buf[i]) {
			return i
		}
	}
	return s.maxRunes
}

// terminalRun returns the index just past the run of terminals and closers starting
// at i, along with the number of terminals in it.
func (s *Segmenter) terminalRun(i int) (end, terminals int) {
	end = i
	for end < len(s.buf) && isTerminal(s.buf[end]) {
		end++
		terminals++
	}
	for end < len(s.buf) && isCloser(s.buf[end]) {
		end++
	}
	return end, terminals
}

// isAbbreviation reports whether the dot at i belongs to the token before it.
func (s *Segmenter) isAbbreviation(i int) bool {
	start := i
	for start > 0 && !unicode.IsSpace(s.buf[start-1]) {
		start--
	}
	token := strings.TrimLeftFunc(string(s.buf[start:i]), isOpener)
	if token == "" {
		return false
	}
	if _, ok := s.abbrevs[strings.ToLower(token)]; ok {
		return true
	}
	if utf8.RuneCountInString(token) == 1 {
		r, _ := utf8.DecodeRuneInString(token)
		return unicode.IsUpper(r) && r != 'I'
	}
	if !strings.Contains(token, ".") {
		return false
	}
	for _, part := range strings.Split(token, ".") {
		if utf8.RuneCountInString(part) != 1 || !unicode.IsLetter([]rune(part)[0]) {
			return false
		}
	}
	return true
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '‼', '⁇', '⁈', '⁉', '؟', '۔', '।', '॥':
		return true
	}
	return isFullwidth(r)
}

func isFullwidth(r rune) bool {
	switch r {
	case '。', '！', '？', '｡':
		return true
	}
	return false
}

func hasFullwidth(rs []rune) bool {
	for _, r := range rs {
		if isFullwidth(r) {
			return true
		}
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '”', '’', '」', '』', '）', '】', '〕', '》', '〉':
		return true
	}
	return false
}

func isOpener(r rune) bool {
	switch r {
	case '"', '\'', '(', '[', '{', '«', '“', '‘', '「', '『', '（', '【', '〔', '《', '〈':
		return true
	}
	return false
}

func isHorizontalSpace(r rune) bool {
	return r != '\n' && unicode.IsSpace(r)
}

// speakable rejects text made only of punctuation and spaces.
func speakable(text string) bool {
	return strings.IndexFunc(text, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSymbol(r)
	}) >= 0
}

func endsWithTerminal(text string) bool {
	trimmed := strings.TrimRightFunc(text, isCloser)
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	return isTerminal(r)
}
