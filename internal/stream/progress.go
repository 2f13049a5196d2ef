package stream

// DefaultProgressStep is the percentage credited per audio chunk sequence number.
const DefaultProgressStep = 5.0

const (
	// heuristicCap is the ceiling for the sequence-based estimate.
	heuristicCap = 95.0
	// overrideCap keeps overridden progress below 100 until complete.
	overrideCap = 99.0
)

// ProgressFunc computes progress from the chunk being handled and the number
// of audio chunks received so far, including this one. It returns false to
// fall back to the default estimate.
type ProgressFunc func(c Chunk, received int) (float64, bool)

// ServerProgress uses the progress value the server attaches to chunks.
func ServerProgress(c Chunk, _ int) (float64, bool) {
	if c.Progress == nil {
		return 0, false
	}
	return *c.Progress, true
}

// Estimator turns a chunk sequence into a rough, non-decreasing completion
// percentage: min(sequence*step, 95) for audio chunks, 100 on complete.
// It is not safe for concurrent use; each stream attempt owns one.
type Estimator struct {
	step     float64
	override ProgressFunc
	received int
	last     float64
}

// NewEstimator creates an Estimator. A step <= 0 uses DefaultProgressStep;
// override may be nil.
func NewEstimator(step float64, override ProgressFunc) *Estimator {
	if step <= 0 {
		step = DefaultProgressStep
	}
	return &Estimator{step: step, override: override}
}

// Observe accounts for c and returns the current estimate.
func (e *Estimator) Observe(c Chunk) float64 {
	switch c.Type {
	case KindComplete:
		e.last = 100
		return e.last
	case KindAudio:
		e.received++
	}

	if e.override != nil {
		if v, ok := e.override(c, e.received); ok {
			e.raise(min(v, overrideCap))
			return e.last
		}
	}

	if c.Type == KindAudio {
		seq := c.Sequence
		if seq <= 0 {
			seq = e.received
		}
		e.raise(min(float64(seq)*e.step, heuristicCap))
	}
	return e.last
}

// Value returns the last estimate.
func (e *Estimator) Value() float64 {
	return e.last
}

func (e *Estimator) raise(v float64) {
	if v > e.last {
		e.last = v
	}
}
