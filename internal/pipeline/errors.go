package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageRecognition Stage = "recognition"
	StageNarrative   Stage = "narrative"
	StageStream      Stage = "stream"
	StageCancelled   Stage = "cancelled"
)

// ErrCancelled is the cause recorded when a submission is cancelled.
var ErrCancelled = errors.New("cancelled")

// SubmitError reports a failed submission. Its message is the one stored on
// the item.
type SubmitError struct {
	Stage  Stage
	ItemID string
	Err    error
}

func (e *SubmitError) Error() string {
	return e.Err.Error()
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Describe returns the message with its stage, for logs.
func (e *SubmitError) Describe() string {
	return fmt.Sprintf("%s failed for item %s: %v", e.Stage, e.ItemID, e.Err)
}
