package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/service"
	"github.com/kalambet/docent/internal/stream"
)

// Recognizer identifies the object in a set of photos.
type Recognizer interface {
	Recognize(ctx context.Context, photos []string, meta *feed.Metadata) (service.Recognition, error)
}

// Narrator produces narrative text for a recognised object.
type Narrator interface {
	Narrate(ctx context.Context, objectID, narrativeContext string) (string, error)
}

// AudioStreamer streams generated audio, calling fn for each chunk.
type AudioStreamer interface {
	StreamAudio(ctx context.Context, req service.AudioRequest, fn stream.Handler) (stream.Completion, error)
}

// NarrativeMode decides how narrative chunks combine.
type NarrativeMode string

const (
	// NarrativeReplace keeps the latest narrative chunk (last write wins).
	NarrativeReplace NarrativeMode = "replace"
	// NarrativeAppend concatenates narrative chunks in arrival order.
	NarrativeAppend NarrativeMode = "append"
)

// Config tunes an Orchestrator. Zero values select defaults.
type Config struct {
	Voice         string
	ProgressStep  float64
	Progress      stream.ProgressFunc
	NarrativeMode NarrativeMode
	// MaxConcurrent bounds SubmitAll. Defaults to 4.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Orchestrator drives photo submissions through recognition and audio
// generation, recording every step in a feed.Store.
type Orchestrator struct {
	store    *feed.Store
	rec      Recognizer
	narrator Narrator
	audio    AudioStreamer
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer

	mu       sync.Mutex
	active   int
	inflight map[string]context.CancelCauseFunc
}

// NewOrchestrator wires an Orchestrator. narrator may be nil when only the
// streaming flow is used.
func NewOrchestrator(store *feed.Store, rec Recognizer, narrator Narrator, audio AudioStreamer, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.NarrativeMode == "" {
		cfg.NarrativeMode = NarrativeReplace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		rec:      rec,
		narrator: narrator,
		audio:    audio,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(logger),
		tracer:   otel.Tracer(instrumentationName),
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

// Store returns the item store the orchestrator writes to.
func (o *Orchestrator) Store() *feed.Store {
	return o.store
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	voice      string
	progress   stream.ProgressFunc
	narrative  NarrativeMode
	onMetadata func(itemID string, c stream.Chunk)
	context    string
}

// WithVoice selects the narration voice.
func WithVoice(voice string) SubmitOption {
	return func(s *submitOptions) { s.voice = voice }
}

// WithProgressFunc overrides the progress estimate for this submission.
func WithProgressFunc(fn stream.ProgressFunc) SubmitOption {
	return func(s *submitOptions) { s.progress = fn }
}

// WithNarrativeMode overrides how narrative chunks combine.
func WithNarrativeMode(mode NarrativeMode) SubmitOption {
	return func(s *submitOptions) { s.narrative = mode }
}

// WithMetadataObserver receives the stream's metadata chunk, which is not
// stored on the item.
func WithMetadataObserver(fn func(itemID string, c stream.Chunk)) SubmitOption {
	return func(s *submitOptions) { s.onMetadata = fn }
}

// WithNarrativeContext passes audience or tone hints to the narrative step
// of Generate.
func WithNarrativeContext(text string) SubmitOption {
	return func(s *submitOptions) { s.context = text }
}

func (o *Orchestrator) options(opts []SubmitOption) submitOptions {
	so := submitOptions{
		voice:     o.cfg.Voice,
		progress:  o.cfg.Progress,
		narrative: o.cfg.NarrativeMode,
	}
	for _, opt := range opts {
		opt(&so)
	}
	return so
}

// Submit runs one photo submission: create the item, recognise the object,
// stream audio (narrative may arrive on the way) and mark the item ready. On
// failure the item ends in the error state and a *SubmitError is returned.
// The returned id is valid in both cases.
//
// Chunks are routed by the item id captured here, so overlapping calls never
// write to each other's items.
func (o *Orchestrator) Submit(ctx context.Context, photos []string, meta *feed.Metadata, opts ...SubmitOption) (string, error) {
	id, ctx, done := o.admit(ctx, photos, meta)
	defer done()
	return id, o.runStream(ctx, id, photos, meta, o.options(opts))
}

// Start is Submit without waiting: the item exists when Start returns and
// the outcome arrives on the channel, which is closed afterwards.
func (o *Orchestrator) Start(ctx context.Context, photos []string, meta *feed.Metadata, opts ...SubmitOption) (string, <-chan error) {
	id, ctx, done := o.admit(ctx, photos, meta)
	so := o.options(opts)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer done()
		errc <- o.runStream(ctx, id, photos, meta, so)
	}()
	return id, errc
}

func (o *Orchestrator) runStream(ctx context.Context, id string, photos []string, meta *feed.Metadata, so submitOptions) error {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(attribute.String("item_id", id)))
	defer span.End()

	o.update(id, feed.Patch{Status: feed.Ptr(feed.StatusUploading)})

	rec, err := o.rec.Recognize(ctx, photos, meta)
	if err != nil {
		return o.fail(ctx, span, "stream", start, id, StageRecognition, err)
	}
	span.SetAttributes(attribute.String("object_id", rec.ObjectID))

	o.update(id, feed.Patch{
		Status:                feed.Ptr(feed.StatusStreamingAudio),
		ObjectID:              feed.Ptr(rec.ObjectID),
		RecognitionConfidence: feed.Ptr(rec.Confidence),
		AudioStreamProgress:   feed.Ptr(0.0),
		AudioChunks:           &[]string{},
	})

	r := &router{
		o:         o,
		ctx:       ctx,
		itemID:    id,
		estimator: stream.NewEstimator(o.cfg.ProgressStep, so.progress),
		mode:      so.narrative,
		observer:  so.onMetadata,
	}
	done, err := o.audio.StreamAudio(ctx, service.AudioRequest{
		ObjectID: rec.ObjectID,
		Voice:    so.voice,
		Metadata: meta,
	}, r.handle)
	if err != nil {
		return o.fail(ctx, span, "stream", start, id, StageStream, err)
	}

	final := feed.Patch{
		Status:              feed.Ptr(feed.StatusReady),
		AudioURL:            feed.Ptr(done.AudioURL),
		AudioStreamProgress: feed.Ptr(100.0),
	}
	if done.Duration > 0 {
		final.Duration = feed.Ptr(done.Duration)
	}
	if r.hasNarrative {
		final.NarrativeText = feed.Ptr(r.narrative)
	}
	o.update(id, final)

	o.metrics.finished(ctx, "stream", "", time.Since(start).Seconds())
	o.logger.Info("item ready", "item_id", id, "object_id", rec.ObjectID, "chunks", r.audioChunks)
	return nil
}

// Generate runs the non-streaming flow: recognise, then request the
// narrative text, then mark the item ready. No audio is produced.
func (o *Orchestrator) Generate(ctx context.Context, photos []string, meta *feed.Metadata, opts ...SubmitOption) (string, error) {
	so := o.options(opts)
	start := time.Now()

	id, ctx, done := o.admit(ctx, photos, meta)
	defer done()

	ctx, span := o.tracer.Start(ctx, "pipeline.Generate", trace.WithAttributes(attribute.String("item_id", id)))
	defer span.End()

	if o.narrator == nil {
		return id, o.fail(ctx, span, "narrative", start, id, StageNarrative, errors.New("narrative generation is not configured"))
	}

	o.update(id, feed.Patch{Status: feed.Ptr(feed.StatusProcessing)})
	rec, err := o.rec.Recognize(ctx, photos, meta)
	if err != nil {
		return id, o.fail(ctx, span, "narrative", start, id, StageRecognition, err)
	}

	o.update(id, feed.Patch{
		Status:                feed.Ptr(feed.StatusGeneratingNarrative),
		ObjectID:              feed.Ptr(rec.ObjectID),
		RecognitionConfidence: feed.Ptr(rec.Confidence),
	})

	text, err := o.narrator.Narrate(ctx, rec.ObjectID, narrativeContext(meta, so.context))
	if err != nil {
		return id, o.fail(ctx, span, "narrative", start, id, StageNarrative, err)
	}

	o.update(id, feed.Patch{
		Status:        feed.Ptr(feed.StatusReady),
		NarrativeText: feed.Ptr(text),
	})
	o.metrics.finished(ctx, "narrative", "", time.Since(start).Seconds())
	o.logger.Info("item ready", "item_id", id, "object_id", rec.ObjectID, "flow", "narrative")
	return id, nil
}

// Submission is one entry of a SubmitAll batch.
type Submission struct {
	Photos   []string
	Metadata *feed.Metadata
}

// Outcome is the result of one batch entry.
type Outcome struct {
	ItemID string
	Err    error
}

// SubmitAll runs the submissions concurrently, at most Config.MaxConcurrent
// at a time, and returns their outcomes in input order. One failure does not
// stop the others.
func (o *Orchestrator) SubmitAll(ctx context.Context, subs []Submission, opts ...SubmitOption) []Outcome {
	out := make([]Outcome, len(subs))
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrent)
	for i, s := range subs {
		g.Go(func() error {
			id, err := o.Submit(ctx, s.Photos, s.Metadata, opts...)
			out[i] = Outcome{ItemID: id, Err: err}
			return nil
		})
	}
	g.Wait()
	return out
}

// Cancel aborts the in-flight submission for an item. It reports whether
// one was running. The item ends in the error state.
func (o *Orchestrator) Cancel(itemID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[itemID]
	o.mu.Unlock()
	if ok {
		cancel(ErrCancelled)
	}
	return ok
}

// CancelAll aborts every in-flight submission.
func (o *Orchestrator) CancelAll() int {
	o.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(o.inflight))
	for _, c := range o.inflight {
		cancels = append(cancels, c)
	}
	o.mu.Unlock()
	for _, c := range cancels {
		c(ErrCancelled)
	}
	return len(cancels)
}

// InFlight returns the number of running submissions.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// admit creates the item and registers the submission. done must be called
// once the submission has finished.
func (o *Orchestrator) admit(ctx context.Context, photos []string, meta *feed.Metadata) (string, context.Context, func()) {
	o.begin()
	id := o.store.Create(photos, meta)
	ctx, finish := o.track(ctx, id)
	return id, ctx, func() {
		finish()
		o.end()
	}
}

// begin and end keep the advisory busy flag set while any submission runs.
func (o *Orchestrator) begin() {
	o.mu.Lock()
	o.active++
	o.mu.Unlock()
	o.store.SetBusy(true)
	o.metrics.inflight.Add(context.Background(), 1)
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.active--
	idle := o.active == 0
	o.mu.Unlock()
	if idle {
		o.store.SetBusy(false)
	}
	o.metrics.inflight.Add(context.Background(), -1)
}

func (o *Orchestrator) track(ctx context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	o.mu.Lock()
	o.inflight[id] = cancel
	o.mu.Unlock()
	return ctx, func() {
		o.mu.Lock()
		delete(o.inflight, id)
		o.mu.Unlock()
		cancel(nil)
	}
}

func (o *Orchestrator) update(id string, p feed.Patch) {
	if err := o.store.Update(id, p); err != nil {
		o.logger.Debug("item update rejected", "item_id", id, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, flow string, start time.Time, id string, stage Stage, err error) error {
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		stage, err = StageCancelled, ErrCancelled
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "unknown error"
	}
	o.update(id, feed.Patch{Status: feed.Ptr(feed.StatusError), Error: feed.Ptr(msg)})

	serr := &SubmitError{Stage: stage, ItemID: id, Err: err}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	o.metrics.finished(ctx, flow, stage, time.Since(start).Seconds())
	o.logger.Warn("submission failed", "item_id", id, "stage", stage, "error", err)
	return serr
}

// narrativeContext folds caller metadata into the hint sent to the narrator.
func narrativeContext(meta *feed.Metadata, extra string) string {
	var parts []string
	if meta != nil {
		for _, kv := range [][2]string{
			{"title", meta.Title},
			{"artist", meta.Artist},
			{"year", meta.Year},
			{"material", meta.Material},
			{"description", meta.Description},
		} {
			if kv[1] != "" {
				parts = append(parts, kv[0]+": "+kv[1])
			}
		}
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, "\n")
}
