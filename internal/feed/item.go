package feed

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a tour item.
type Status string

const (
	StatusUploading           Status = "uploading"
	StatusProcessing          Status = "processing"
	StatusGeneratingNarrative Status = "generating_narrative"
	StatusGeneratingAudio     Status = "generating_audio"
	StatusStreamingAudio      Status = "streaming_audio"
	StatusReady               Status = "ready"
	StatusError               Status = "error"
)

// rank orders the non-terminal states; a status may only move forward.
var rank = map[Status]int{
	StatusUploading:           0,
	StatusProcessing:          1,
	StatusGeneratingNarrative: 2,
	StatusGeneratingAudio:     3,
	StatusStreamingAudio:      4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Terminal reports whether s is ready or error.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// Pending reports whether an item in state s is still being worked on.
func (s Status) Pending() bool {
	return !s.Terminal()
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return rank[to] >= rank[from]
}

// TransitionError is returned when a patch asks for an illegal status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Metadata describes the photographed object.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Year        string `json:"year,omitempty"`
	Material    string `json:"material,omitempty"`
	Description string `json:"description,omitempty"`
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Item is one photographed object moving through recognition, narrative and
// audio generation.
type Item struct {
	ID                    string    `json:"id"`
	Photos                []string  `json:"photos"`
	Metadata              *Metadata `json:"metadata,omitempty"`
	Status                Status    `json:"status"`
	ObjectID              string    `json:"objectId,omitempty"`
	RecognitionConfidence float64   `json:"recognitionConfidence,omitempty"`
	NarrativeText         string    `json:"narrativeText,omitempty"`
	AudioChunks           []string  `json:"audioChunks,omitempty"`
	AudioStreamProgress   float64   `json:"audioStreamProgress"`
	AudioURL              string    `json:"audioUrl,omitempty"`
	Duration              float64   `json:"duration,omitempty"`
	Error                 string    `json:"error,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	out := it
	out.Photos = slices.Clone(it.Photos)
	out.AudioChunks = slices.Clone(it.AudioChunks)
	if it.Metadata != nil {
		m := *it.Metadata
		out.Metadata = &m
	}
	return out
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status                *Status
	Error                 *string
	Metadata              *Metadata
	ObjectID              *string
	RecognitionConfidence *float64
	NarrativeText         *string
	// AudioChunks replaces the whole chunk list; used to reset it at the
	// start of a stream attempt.
	AudioChunks *[]string
	// AppendAudio is appended after AudioChunks is applied.
	AppendAudio         []string
	AudioStreamProgress *float64
	AudioURL            *string
	Duration            *float64
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}

// apply validates p against it and merges it. Nothing is written when an
// error is returned.
func (p Patch) apply(it *Item, now time.Time) error {
	if it.Status.Terminal() {
		return ErrTerminal
	}
	if p.Status != nil {
		to := *p.Status
		if !CanTransition(it.Status, to) {
			return &TransitionError{From: it.Status, To: to}
		}
		if to == StatusError && (p.Error == nil || *p.Error == "") {
			return ErrMissingMessage
		}
	}

	if p.Metadata != nil {
		m := *p.Metadata
		it.Metadata = &m
	}
	if p.ObjectID != nil {
		it.ObjectID = *p.ObjectID
	}
	if p.RecognitionConfidence != nil {
		it.RecognitionConfidence = clampPercent(*p.RecognitionConfidence)
	}
	if p.NarrativeText != nil {
		it.NarrativeText = *p.NarrativeText
	}

	reset := p.AudioChunks != nil
	if reset {
		it.AudioChunks = append(make([]string, 0, len(*p.AudioChunks)), *p.AudioChunks...)
	}
	if len(p.AppendAudio) > 0 {
		it.AudioChunks = append(it.AudioChunks, p.AppendAudio...)
	}
	if p.AudioStreamProgress != nil {
		v := clampPercent(*p.AudioStreamProgress)
		// Progress never moves backwards within one stream attempt.
		if reset || v >= it.AudioStreamProgress {
			it.AudioStreamProgress = v
		}
	}
	if p.AudioURL != nil {
		it.AudioURL = *p.AudioURL
	}
	if p.Duration != nil {
		it.Duration = *p.Duration
	}

	if p.Status != nil {
		it.Status = *p.Status
		switch it.Status {
		case StatusReady:
			it.Error = ""
		case StatusError:
			it.Error = *p.Error
		}
	}
	it.UpdatedAt = now
	return nil
}

func clampPercent(v float64) float64 {
	return min(max(v, 0), 100)
}
