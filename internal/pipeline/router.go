package pipeline

import (
	"context"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/stream"
)

// router applies the chunks of one stream attempt to one item. Each Submit
// call owns its router; the item id never changes after construction.
type router struct {
	o         *Orchestrator
	ctx       context.Context
	itemID    string
	estimator *stream.Estimator
	mode      NarrativeMode
	observer  func(itemID string, c stream.Chunk)

	narrative    string
	hasNarrative bool
	audioChunks  int
}

func (r *router) handle(c stream.Chunk) error {
	progress := r.estimator.Observe(c)
	r.o.metrics.chunk(r.ctx, string(c.Type))

	switch c.Type {
	case stream.KindAudio:
		r.audioChunks++
		r.o.update(r.itemID, feed.Patch{
			AppendAudio:         []string{c.Data},
			AudioStreamProgress: feed.Ptr(progress),
		})

	case stream.KindNarrative:
		if r.mode == NarrativeAppend {
			r.narrative += c.Text
		} else {
			r.narrative = c.Text
		}
		r.hasNarrative = true
		r.o.update(r.itemID, feed.Patch{
			NarrativeText:       feed.Ptr(r.narrative),
			AudioStreamProgress: feed.Ptr(progress),
		})

	case stream.KindMetadata:
		if r.observer != nil {
			r.observer(r.itemID, c)
		}

	case stream.KindComplete:
		// Recorded by Submit in the final update.
	}
	return nil
}
