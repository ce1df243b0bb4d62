// Package sanitize converts the raw LLM token stream into utterances a
// streaming TTS session can speak.
//
// Language models decorate their output with markdown the synthesiser would
// read aloud ("asterisk asterisk"), and they emit text in token-sized pieces
// that are far too small to synthesise individually. The sanitizer solves
// both: it strips speech-hostile markup incrementally and accumulates the
// cleaned text into a rolling buffer, flushing a fragment whenever a sentence
// boundary, a strong pause, or the length cap is reached. Fragments reach TTS
// while the model is still generating, which is where the pipeline's
// first-audio latency comes from.
//
// Only the TTS feed is sanitised. The on-screen transcript keeps the raw
// tokens, markup and all.
package sanitize

import "strings"

const (
	// DefaultMinFlushLen is the minimum buffered length, in codepoints, before
	// a pause punctuation mark may flush a fragment. Prevents stub fragments
	// like "Well," from being synthesised on their own.
	DefaultMinFlushLen = 10

	// DefaultMaxFlushLen is the buffered length, in codepoints, at which a
	// fragment is flushed even without punctuation. Bounds the synthesis
	// latency of run-on sentences.
	DefaultMaxFlushLen = 100
)

// Utterance is one flushed, TTS-ready fragment.
type Utterance struct {
	// Text is the cleaned fragment, trimmed of surrounding whitespace.
	Text string

	// Terminal marks the fragment produced by the end-of-stream flush. At
	// most one utterance per reply carries it.
	Terminal bool
}

// Sanitizer accumulates LLM tokens for one assistant reply. It is not safe
// for concurrent use; the pipeline owns one per turn and feeds it from a
// single goroutine.
type Sanitizer struct {
	minFlush int
	maxFlush int

	strip stripper
	buf   []rune
}

// Option is a functional option for configuring a Sanitizer.
type Option func(*Sanitizer)

// WithMinFlushLen overrides the minimum buffered length required before a
// pause punctuation mark flushes. Values below 1 are ignored.
func WithMinFlushLen(n int) Option {
	return func(s *Sanitizer) {
		if n >= 1 {
			s.minFlush = n
		}
	}
}

// WithMaxFlushLen overrides the buffered length at which a fragment is
// force-flushed. Values below 1 are ignored.
func WithMaxFlushLen(n int) Option {
	return func(s *Sanitizer) {
		if n >= 1 {
			s.maxFlush = n
		}
	}
}

// New constructs a Sanitizer with the default flush lengths, then applies
// opts.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		minFlush: DefaultMinFlushLen,
		maxFlush: DefaultMaxFlushLen,
		strip:    newStripper(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Push feeds one raw token and returns any fragments it completed, in order.
// The returned slice is nil when nothing flushed.
func (s *Sanitizer) Push(token string) []Utterance {
	var cleaned []rune
	for _, r := range token {
		cleaned = s.strip.feed(r, cleaned)
	}
	return s.ingest(cleaned)
}

// Finish flushes the remaining buffer at end of stream. The fragment, if any
// survives trimming, carries Terminal=true. After Finish the sanitizer is
// exhausted; create a new one for the next reply.
func (s *Sanitizer) Finish() []Utterance {
	out := s.ingest(s.strip.finish(nil))
	if u, ok := s.fragment(len(s.buf), true); ok {
		out = append(out, u)
	}
	s.buf = s.buf[:0]
	return out
}

// ingest appends cleaned runes to the rolling buffer one at a time, applying
// the flush rules at each step:
//
//   - a sentence terminator flushes unconditionally;
//   - a pause mark flushes once the buffer holds at least minFlush runes;
//   - at maxFlush runes the buffer is cut at the most recent pause mark in
//     its last quarter, or flushed whole when no pause mark is that recent.
func (s *Sanitizer) ingest(cleaned []rune) []Utterance {
	var out []Utterance
	for _, r := range cleaned {
		s.buf = append(s.buf, r)
		switch {
		case isTerminator(r):
			if u, ok := s.fragment(len(s.buf), false); ok {
				out = append(out, u)
			}
			s.buf = s.buf[:0]
		case isPause(r) && len(s.buf) >= s.minFlush:
			if u, ok := s.fragment(len(s.buf), false); ok {
				out = append(out, u)
			}
			s.buf = s.buf[:0]
		case len(s.buf) >= s.maxFlush:
			cut := len(s.buf)
			for i := len(s.buf) - 1; i >= len(s.buf)-s.maxFlush/4; i-- {
				if isPause(s.buf[i]) {
					cut = i + 1
					break
				}
			}
			if u, ok := s.fragment(cut, false); ok {
				out = append(out, u)
			}
			s.buf = s.buf[:copy(s.buf, s.buf[cut:])]
		}
	}
	return out
}

// fragment trims the first n buffered runes into an Utterance. Fragments that
// are empty after trimming are suppressed.
func (s *Sanitizer) fragment(n int, terminal bool) (Utterance, bool) {
	text := strings.TrimSpace(string(s.buf[:n]))
	if text == "" {
		return Utterance{}, false
	}
	return Utterance{Text: text, Terminal: terminal}, true
}

// isTerminator reports whether r ends a sentence. Newlines count: list items
// and headings carry no closing punctuation, and the splitter must not fuse
// them with the following line.
func isTerminator(r rune) bool {
	switch r {
	case '.', '?', '!', '。', '！', '？', '\n':
		return true
	}
	return false
}

// isPause reports whether r is a strong pause mark.
func isPause(r rune) bool {
	switch r {
	case ',', '，', ';', '；', ':', '：':
		return true
	}
	return false
}
