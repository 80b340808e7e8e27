package segment

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/tts"
)

func segmentAll(t *testing.T, s *Segmenter, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		sents, err := s.Feed(c)
		if err != nil {
			t.Fatalf("feed %q: %v", c, err)
		}
		for _, sent := range sents {
			out = append(out, sent.Text)
		}
	}
	if last, ok := s.Flush(); ok {
		out = append(out, last.Text)
	}
	return out
}


func TestBoundaryCases(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"decimal", "It costs $3.14 today.", []string{"It costs $3.14 today."}},
		{"title", "Dr. Smith arrived.", []string{"Dr. Smith arrived."}},
		{"year range", "The war lasted 1990-1999.", []string{"The war lasted 1990-1999."}},
		{"exclamation", "Hello! How are you?", []string{"Hello!", "How are you?"}},
		{"pages", "See pp. 12-14. Then stop.", []string{"See pp. 12-14.", "Then stop."}},
		{"initial", "J. R. R. Tolkien wrote it. Read it.", []string{"J. R. R. Tolkien wrote it.", "Read it."}},
		{"pronoun", "So did I. Then we left.", []string{"So did I.", "Then we left."}},
		{"initialism", "The U.S. Army marched. It rained.", []string{"The U.S. Army marched.", "It rained."}},
		{"quoted", `He said "Stop." Then he left.`, []string{`He said "Stop."`, "Then he left."}},
		{"paren", "(It was late.) We went home.", []string{"(It was late.)", "We went home."}},
		{"ellipsis", "Wait... what happened?", []string{"Wait...", "what happened?"}},
		{"interrobang", "Really?! Yes.", []string{"Really?!", "Yes."}},
		{"cjk", "你好。今天天气很好！我们走吧？", []string{"你好。", "今天天气很好！", "我们走吧？"}},
		{"cjk quote", "他说：「好。」然后走了。", []string{"他说：「好。」", "然后走了。"}},
		{"hindi", "नमस्ते। आप कैसे हैं?", []string{"नमस्ते।", "आप कैसे हैं?"}},
		{"accents", "Café au lait. Crème brûlée.", []string{"Café au lait.", "Crème brûlée."}},
		{"paragraph", "Heading\n\nBody text", []string{"Heading", "Body text"}},
		{"url-ish", "Visit example.com today.", []string{"Visit example.com today."}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := segmentAll(t, New(), tc.in)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChunkingIndependence(t *testing.T) {
	text := `Dr. Smith paid $3.14. "Really?" she asked. The U.S. team won!` +
		"\n\nNew paragraph here... 你好。世界！ See pp. 12-14. Done"
	want := segmentAll(t, New(), text)
	if len(want) < 6 {
		t.Fatalf("expected several sentences, got %q", want)
	}

	runes := []rune(text)
	for size := 1; size <= 7; size++ {
		var chunks []string
		for i := 0; i < len(runes); i += size {
			chunks = append(chunks, string(runes[i:min(i+size, len(runes))]))
		}
		if got := segmentAll(t, New(), chunks...); !slices.Equal(got, want) {
			t.Fatalf("chunk size %d: got %q, want %q", size, got, want)
		}
	}
}

func TestSequenceNumbers(t *testing.T) {
	s := New()
	sents, err := s.Feed("One.  \n\n  Two. Three. ")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(sents) != 3 {
		t.Fatalf("expected 3 sentences, got %+v", sents)
	}
	for i, sent := range sents {
		if sent.Seq != i {
			t.Fatalf("sentence %d has seq %d", i, sent.Seq)
		}
	}
	if s.Emitted() != 3 {
		t.Fatalf("emitted %d", s.Emitted())
	}
}

func TestFlush(t *testing.T) {
	s := New()
	sents, err := s.Feed("First sentence. trailing fragment")
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(sents) != 1 || sents[0].Text != "First sentence." {
		t.Fatalf("unexpected sentences %+v", sents)
	}
	last, ok := s.Flush()
	if !ok || last.Text != "trailing fragment" || last.Seq != 1 {
		t.Fatalf("unexpected flush %+v %v", last, ok)
	}
	if _, ok := s.Flush(); ok {
		t.Fatal("second flush must be empty")
	}

	s = New(WithTerminalPeriod(true))
	_, _ = s.Feed("no punctuation")
	if last, _ := s.Flush(); last.Text != "no punctuation." {
		t.Fatalf("terminal period not appended: %q", last.Text)
	}
	_, _ = s.Feed(`already "done!"`)
	if last, _ := s.Flush(); last.Text != `already "done!"` {
		t.Fatalf("terminal period appended twice: %q", last.Text)
	}
}

func TestEmptySentencesDropped(t *testing.T) {
	s := New()
	sents, _ := s.Feed(" . ! Hello. ")
	if len(sents) != 1 || sents[0].Text != "Hello." || sents[0].Seq != 0 {
		t.Fatalf("unexpected sentences %+v", sents)
	}
	if _, ok := s.Flush(); ok {
		t.Fatal("whitespace-only remainder must not flush")
	}
}

func TestMaxRunes(t *testing.T) {
	s := New(WithMaxRunes(10))
	got := segmentAll(t, s, "aaaa bbbb cccc dddd")
	want := []string{"aaaa bbbb", "cccc dddd"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	got = segmentAll(t, New(WithMaxRunes(4)), "abcdefghij")
	if !slices.Equal(got, []string{"abcd", "efgh", "ij"}) {
		t.Fatalf("hard split got %q", got)
	}
	for _, sent := range got {
		if utf8.RuneCountInString(sent) > 4 {
			t.Fatalf("sentence %q exceeds limit", sent)
		}
	}
}

func TestParagraphBreaksDisabled(t *testing.T) {
	got := segmentAll(t, New(WithParagraphBreaks(false)), "Heading\n\nBody text")
	if len(got) != 1 {
		t.Fatalf("expected a single sentence, got %q", got)
	}
}

func TestCustomAbbreviations(t *testing.T) {
	got := segmentAll(t, New(WithAbbreviations([]string{"Approx."})), "Dr. Who. Approx. ten.")
	want := []string{"Dr.", "Who.", "Approx. ten."}
	if !slices.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInvalidEncoding(t *testing.T) {
	s := New()
	_, _ = s.Feed("Hello ")
	if _, err := s.Feed("bad \xff byte."); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	if s.Buffered() != "Hello " {
		t.Fatalf("invalid chunk must not be buffered, have %q", s.Buffered())
	}
}

func TestNormalizesNFC(t *testing.T) {
	got := segmentAll(t, New(), "Café.")
	if got[0] != "Café." {
		t.Fatalf("expected composed form, got %q", got[0])
	}
}

func TestResetAndStamping(t *testing.T) {
	s := New()
	voice := tts.VoiceConfig{ID: "am_adam", Styles: []tts.StyleWeight{{Name: "am_adam", Weight: 1}}}
	s.SetVoice(voice)
	s.SetLanguage("en-us")
	sents, _ := s.Feed("One. Two")
	if sents[0].Voice.ID != "am_adam" || sents[0].Language != "en-us" {
		t.Fatalf("sentence not stamped: %+v", sents[0])
	}
	s.Reset()
	if s.Buffered() != "" || s.Emitted() != 0 {
		t.Fatal("reset must clear buffer and counter")
	}
	sents, _ = s.Feed("Again. ")
	if len(sents) != 1 || sents[0].Seq != 0 || strings.Contains(sents[0].Text, "Two") {
		t.Fatalf("unexpected sentences after reset %+v", sents)
	}
}
