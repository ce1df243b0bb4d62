package asr

import "time"

// Transcript represents one recognition event from an ASR session. Both
// partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content so far.
	Text string

	// IsFinal indicates whether this is a final (authoritative) result.
	// A final terminates the current utterance.
	IsFinal bool

	// Sequence orders events within the session. Strictly increasing; once a
	// sequence number has been emitted as final, no later event reuses it.
	Sequence uint64

	// Confidence is the provider's overall confidence (0.0–1.0). Zero when
	// the provider does not report one.
	Confidence float64

	// Start marks when the utterance began, relative to session start.
	Start time.Duration

	// End marks when the transcribed audio ends, relative to session start.
	End time.Duration
}
