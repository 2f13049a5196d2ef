// Package stream decodes the chunked audio-generation response: a sequence of
// typed events (metadata, audio, narrative, complete) carried over one
// long-lived HTTP response.
package stream

// Kind discriminates the chunk variants.
type Kind string

const (
	KindMetadata  Kind = "metadata"
	KindAudio     Kind = "audio"
	KindNarrative Kind = "narrative"
	KindComplete  Kind = "complete"
)

func (k Kind) known() bool {
	switch k {
	case KindMetadata, KindAudio, KindNarrative, KindComplete:
		return true
	}
	return false
}

// Chunk is one decoded event. Which fields are set depends on Type:
//
//	metadata:  Format, TotalDuration
//	audio:     Data, Sequence (0 when the server sends none)
//	narrative: Text
//	complete:  AudioURL, Duration
//
// Progress is an optional server-reported completion estimate (0-100) that
// may accompany any chunk.
type Chunk struct {
	Type          Kind     `json:"type"`
	Format        string   `json:"format,omitempty"`
	TotalDuration float64  `json:"totalDuration,omitempty"`
	Data          string   `json:"data,omitempty"`
	Sequence      int      `json:"sequence,omitempty"`
	Text          string   `json:"text,omitempty"`
	AudioURL      string   `json:"audioUrl,omitempty"`
	Duration      float64  `json:"duration,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
}

// Handler receives each chunk in arrival order. Returning an error aborts
// the stream.
type Handler func(Chunk) error

// Completion is what the terminal complete chunk carried.
type Completion struct {
	AudioURL string
	Duration float64
}
