package sanitize

// stripper is an incremental markdown stripper. It consumes raw runes one at
// a time and emits the cleaned text, holding back at most one marker run when
// the classification depends on input that has not arrived yet (a lone '*'
// may turn out to be the first half of '**', a line-start digit run may turn
// out to be a numbered list marker).
//
// Feeding the same text through one rune at a time or all at once produces
// identical output, which is what keeps the streaming sanitizer equivalent to
// a batch strip of the full reply.
type stripper struct {
	// atLineStart is true at the beginning of the stream, after a newline,
	// and through any leading spaces or tabs. Bullet, heading, and numbered
	// list markers are only recognised here.
	atLineStart bool

	class         pendClass
	pend          []rune
	pendLineStart bool
}

// pendClass identifies what the held-back run could still become.
type pendClass int

const (
	pendNone       pendClass = iota
	pendStar                 // '*': second half of '**', or a "* " bullet at line start
	pendUnderscore           // '_': second half of '__'
	pendDash                 // '-' at line start: "- " bullet
	pendPlus                 // '+' at line start: "+ " bullet
	pendDigits               // digit run at line start, optionally plus '.': "N. " marker
	pendHash                 // '#' run at line start: heading marker
)

func newStripper() stripper {
	return stripper{atLineStart: true}
}

// feed consumes one raw rune, appends any cleaned output to dst, and returns
// the extended slice.
func (st *stripper) feed(r rune, dst []rune) []rune {
	switch st.class {
	case pendStar:
		if r == '*' {
			st.clearPending() // paired '**'
			return dst
		}
		if st.pendLineStart && (r == ' ' || r == '\t') {
			st.clearPending() // "* " bullet
			st.atLineStart = false
			return dst
		}
		return st.emitPending(r, dst)

	case pendUnderscore:
		if r == '_' {
			st.clearPending() // paired '__'
			return dst
		}
		return st.emitPending(r, dst)

	case pendDash, pendPlus:
		if r == ' ' || r == '\t' {
			st.clearPending() // "- " / "+ " bullet
			st.atLineStart = false
			return dst
		}
		return st.emitPending(r, dst)

	case pendDigits:
		last := st.pend[len(st.pend)-1]
		if last != '.' && r >= '0' && r <= '9' {
			st.pend = append(st.pend, r)
			return dst
		}
		if last != '.' && r == '.' {
			st.pend = append(st.pend, r)
			return dst
		}
		if last == '.' && (r == ' ' || r == '\t') {
			st.clearPending() // "N. " numbered list marker
			st.atLineStart = false
			return dst
		}
		return st.emitPending(r, dst)

	case pendHash:
		if r == '#' {
			st.pend = append(st.pend, r)
			return dst
		}
		if r == ' ' || r == '\t' {
			st.clearPending() // heading marker, drop the run and one space
			st.atLineStart = false
			return dst
		}
		return st.emitPending(r, dst)
	}

	switch {
	case r == '`' || r == '【' || r == '】' || r == '「' || r == '」':
		// Backticks (inline code and fence delimiters) and decoration
		// brackets are dropped wherever they appear.
		return dst
	case r == '*':
		st.setPending(pendStar, r)
		return dst
	case r == '_':
		st.setPending(pendUnderscore, r)
		return dst
	case st.atLineStart && r == '-':
		st.setPending(pendDash, r)
		return dst
	case st.atLineStart && r == '+':
		st.setPending(pendPlus, r)
		return dst
	case st.atLineStart && r >= '0' && r <= '9':
		st.setPending(pendDigits, r)
		return dst
	case st.atLineStart && r == '#':
		st.setPending(pendHash, r)
		return dst
	}

	dst = append(dst, r)
	if r == '\n' {
		st.atLineStart = true
	} else if r != ' ' && r != '\t' {
		st.atLineStart = false
	}
	return dst
}

// finish resolves any held-back run at end of stream. A trailing lone marker
// was not part of a pair, so it is emitted as-is.
func (st *stripper) finish(dst []rune) []rune {
	dst = append(dst, st.pend...)
	st.clearPending()
	return dst
}

// emitPending flushes the held-back run as ordinary text and reprocesses r in
// the ground state.
func (st *stripper) emitPending(r rune, dst []rune) []rune {
	dst = append(dst, st.pend...)
	st.clearPending()
	st.atLineStart = false
	return st.feed(r, dst)
}

func (st *stripper) setPending(c pendClass, r rune) {
	st.class = c
	st.pend = append(st.pend[:0], r)
	st.pendLineStart = st.atLineStart
}

func (st *stripper) clearPending() {
	st.class = pendNone
	st.pend = st.pend[:0]
}

// Strip removes speech-hostile markup from s: paired '**' and '__', all
// backticks, heading marker runs, bullet and numbered list markers at line
// starts, and the decoration brackets 【】「」. The remaining text, including
// whitespace, is returned unchanged.
//
// Strip is the batch equivalent of the streaming sanitizer's first stage;
// both run the same state machine, so for any input the concatenated cleaned
// stream equals Strip of the concatenated input.
func Strip(s string) string {
	st := newStripper()
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = st.feed(r, out)
	}
	out = st.finish(out)
	return string(out)
}
