package sanitize_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/Lincept/personality-tts/internal/sanitize"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// collect pushes every token through s, calls Finish, and returns all emitted
// utterances in order.
func collect(s *sanitize.Sanitizer, tokens ...string) []sanitize.Utterance {
	var out []sanitize.Utterance
	for _, tok := range tokens {
		out = append(out, s.Push(tok)...)
	}
	return append(out, s.Finish()...)
}

// texts projects the Text field of each utterance.
func texts(us []sanitize.Utterance) []string {
	out := make([]string, len(us))
	for i, u := range us {
		out[i] = u.Text
	}
	return out
}

// splitRunes cuts s into tokens of width runes each, never splitting inside a
// codepoint.
func splitRunes(s string, width int) []string {
	runes := []rune(s)
	var tokens []string
	for len(runes) > 0 {
		n := width
		if n > len(runes) {
			n = len(runes)
		}
		tokens = append(tokens, string(runes[:n]))
		runes = runes[n:]
	}
	return tokens
}

// normalize removes all whitespace. Fragments are trimmed at their flush
// boundaries, so content comparisons against the batch strip must ignore
// where whitespace fell.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// ─── TestPush_FlushOnSentenceEnd ─────────────────────────────────────────────

// TestPush_FlushOnSentenceEnd verifies that a trailing period flushes the
// buffered sentence and that the end-of-stream flush on an empty buffer is
// suppressed.
func TestPush_FlushOnSentenceEnd(t *testing.T) {
	t.Parallel()

	s := sanitize.New()
	got := collect(s, " It", " is", " about", " three", " pm", ".")

	if len(got) != 1 {
		t.Fatalf("utterance count: want 1, got %d (%q)", len(got), texts(got))
	}
	if got[0].Text != "It is about three pm." {
		t.Errorf("utterance text: want %q, got %q", "It is about three pm.", got[0].Text)
	}
	if got[0].Terminal {
		t.Error("flush triggered by punctuation must not be marked terminal")
	}
}

// ─── TestPush_MarkupStripped ─────────────────────────────────────────────────

// TestPush_MarkupStripped verifies that bold markers and list bullets are
// removed and that each list item becomes its own utterance.
func TestPush_MarkupStripped(t *testing.T) {
	t.Parallel()

	s := sanitize.New()
	got := texts(collect(s, "**Hi** there.\n- item one\n- item two\n"))

	want := []string{"Hi there.", "item one", "item two"}
	if len(got) != len(want) {
		t.Fatalf("utterance count: want %d, got %d (%q)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("utterance %d: want %q, got %q", i, want[i], got[i])
		}
	}
}

// ─── TestPush_MarkerSplitAcrossTokens ────────────────────────────────────────

// TestPush_MarkerSplitAcrossTokens verifies that a '**' pair still strips when
// token boundaries fall between the two asterisks.
func TestPush_MarkerSplitAcrossTokens(t *testing.T) {
	t.Parallel()

	s := sanitize.New()
	got := texts(collect(s, "*", "*bold*", "* done."))

	if len(got) != 1 {
		t.Fatalf("utterance count: want 1, got %d (%q)", len(got), got)
	}
	if got[0] != "bold done." {
		t.Errorf("utterance text: want %q, got %q", "bold done.", got[0])
	}
}

// ─── TestStrip ───────────────────────────────────────────────────────────────

// TestStrip exercises the batch strip across the marker inventory, including
// the look-alikes that must survive.
func TestStrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold pair", "**bold**", "bold"},
		{"underscore pair", "say __this__ aloud", "say this aloud"},
		{"inline code", "run `go doc` now", "run go doc now"},
		{"fence delimiters", "```\ncode()\n```", "\ncode()\n"},
		{"heading", "# Title\nbody", "Title\nbody"},
		{"deep heading", "### Deep dive", "Deep dive"},
		{"bullets", "- one\n* two\n+ three", "one\ntwo\nthree"},
		{"numbered list", "1. first\n12. twelfth", "first\ntwelfth"},
		{"decoration brackets", "【note】 and 「quote」", "note and quote"},
		{"decimal at line start", "2.5 kg of flour", "2.5 kg of flour"},
		{"year at line start", "2026 was warm", "2026 was warm"},
		{"mid-line dash", "five - three", "five - three"},
		{"mid-line asterisk", "a * b", "a * b"},
		{"hashtag", "#topic trending", "#topic trending"},
		{"single underscores", "snake_case_name", "snake_case_name"},
		{"triple star", "***x***", "*x*"},
		{"indented bullet", "  - indented item", "  indented item"},
		{"trailing lone star", "dangling *", "dangling *"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := sanitize.Strip(tc.in); got != tc.want {
				t.Errorf("Strip(%q): want %q, got %q", tc.in, tc.want, got)
			}
		})
	}
}

// ─── TestPush_PauseNeedsMinLength ────────────────────────────────────────────

// TestPush_PauseNeedsMinLength verifies that a comma flushes only once the
// buffer has reached the minimum flush length.
func TestPush_PauseNeedsMinLength(t *testing.T) {
	t.Parallel()

	s := sanitize.New()

	if got := s.Push("Well, "); len(got) != 0 {
		t.Fatalf("short comma fragment flushed early: %q", texts(got))
	}
	got := s.Push("let me think, hm")
	if len(got) != 1 {
		t.Fatalf("utterance count after long comma: want 1, got %d (%q)", len(got), texts(got))
	}
	if got[0].Text != "Well, let me think," {
		t.Errorf("utterance text: want %q, got %q", "Well, let me think,", got[0].Text)
	}

	fin := s.Finish()
	if len(fin) != 1 || fin[0].Text != "hm" || !fin[0].Terminal {
		t.Errorf("final flush: want terminal %q, got %+v", "hm", fin)
	}
}

// ─── TestPush_MaxLengthFlush ─────────────────────────────────────────────────

// TestPush_MaxLengthFlush verifies the forced flush at the length cap: cut at
// the most recent pause mark when one falls in the last quarter of the buffer,
// otherwise flush the whole buffer.
func TestPush_MaxLengthFlush(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string // exactly 20 runes, no sentence terminators
		want []string
	}{
		{
			name: "pause in last quarter",
			in:   strings.Repeat("a", 16) + "," + "bbb",
			want: []string{strings.Repeat("a", 16) + ",", "bbb"},
		},
		{
			name: "no pause anywhere",
			in:   strings.Repeat("x", 20),
			want: []string{strings.Repeat("x", 20)},
		},
		{
			name: "pause too early",
			in:   "ab," + strings.Repeat("c", 17),
			want: []string{"ab," + strings.Repeat("c", 17)},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// MinFlushLen above the cap disables the pause rule so only the
			// length cap can flush.
			s := sanitize.New(sanitize.WithMaxFlushLen(20), sanitize.WithMinFlushLen(50))
			got := texts(collect(s, tc.in))
			if len(got) != len(tc.want) {
				t.Fatalf("utterance count: want %d, got %d (%q)", len(tc.want), len(got), got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("utterance %d: want %q, got %q", i, tc.want[i], got[i])
				}
			}
		})
	}
}

// ─── TestFinish_Terminal ─────────────────────────────────────────────────────

// TestFinish_Terminal verifies that an unterminated buffer is flushed at end
// of stream with the terminal flag, and that Finish on an empty or
// whitespace-only buffer emits nothing.
func TestFinish_Terminal(t *testing.T) {
	t.Parallel()

	s := sanitize.New()
	if got := s.Push("no terminator here"); len(got) != 0 {
		t.Fatalf("unexpected flush before Finish: %q", texts(got))
	}
	got := s.Finish()
	if len(got) != 1 {
		t.Fatalf("Finish utterances: want 1, got %d", len(got))
	}
	if got[0].Text != "no terminator here" || !got[0].Terminal {
		t.Errorf("Finish: want terminal %q, got %+v", "no terminator here", got[0])
	}

	empty := sanitize.New()
	if got := empty.Finish(); len(got) != 0 {
		t.Errorf("Finish on empty sanitizer: want nothing, got %q", texts(got))
	}

	blank := sanitize.New()
	blank.Push("   \n  ")
	if got := blank.Finish(); len(got) != 0 {
		t.Errorf("Finish on whitespace-only stream: want nothing, got %q", texts(got))
	}
}

// ─── TestPush_CJKPunctuation ─────────────────────────────────────────────────

// TestPush_CJKPunctuation verifies that full-width terminators flush without a
// following space and that full-width pause marks respect the minimum length.
func TestPush_CJKPunctuation(t *testing.T) {
	t.Parallel()

	s := sanitize.New()
	got := texts(collect(s, "你好。", "这是一个很长的句子，需要分段处理！"))

	want := []string{"你好。", "这是一个很长的句子，", "需要分段处理！"}
	if len(got) != len(want) {
		t.Fatalf("utterance count: want %d, got %d (%q)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("utterance %d: want %q, got %q", i, want[i], got[i])
		}
	}
}

// ─── TestPush_SplitInvariance ────────────────────────────────────────────────

// TestPush_SplitInvariance verifies that the emitted utterances do not depend
// on how the stream is cut into tokens, and that their concatenation carries
// exactly the content of the batch strip of the whole stream (fragments are
// trimmed at their boundaries, so the comparison ignores whitespace).
func TestPush_SplitInvariance(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"**Hi** there.\n- item one\n- item two\n",
		"# Report\nAll systems nominal, no faults found. 【end】",
		"你好，世界。这是一个很长的句子，需要分段处理！",
		"Mixed `code` and __emphasis__, with a dangling *",
		"no punctuation at all just a plain run of words",
		"1. first step\n2. second step\n",
	}

	for n, in := range inputs {
		n, in := n, in
		t.Run(fmt.Sprintf("input%d", n), func(t *testing.T) {
			t.Parallel()

			var reference []string
			for width := 1; width <= 7; width++ {
				s := sanitize.New()
				got := texts(collect(s, splitRunes(in, width)...))

				if width == 1 {
					reference = got
				} else if len(got) != len(reference) {
					t.Fatalf("width %d: utterance count %d differs from width 1 count %d", width, len(got), len(reference))
				} else {
					for i := range got {
						if got[i] != reference[i] {
							t.Errorf("width %d utterance %d: want %q, got %q", width, i, reference[i], got[i])
						}
					}
				}

				joined := normalize(strings.Join(got, " "))
				stripped := normalize(sanitize.Strip(in))
				if joined != stripped {
					t.Errorf("width %d: concatenated output %q != stripped stream %q", width, joined, stripped)
				}
			}
		})
	}
}
