package store

// Stores is the top-level container for the storage backends the reply
// pipeline depends on.
type Stores struct {
	Sessions    SessionStore
	Transcripts TranscriptStore
}
