// Package pipeline runs one recording at a time through transcription,
// classification and the note router.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-notes/internal/capture"
	"github.com/loqalabs/loqa-notes/internal/classify"
	"github.com/loqalabs/loqa-notes/internal/notes"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/loqalabs/loqa-notes/internal/router"
	"github.com/loqalabs/loqa-notes/internal/stt"
)

var (
	// ErrBusy is returned when a run is already in flight. Requests are not
	// queued.
	ErrBusy = errors.New("pipeline busy")
	// ErrNotRecording is returned by StopRecording outside the Recording state.
	ErrNotRecording = errors.New("pipeline is not recording")
)

const (
	DefaultTranscribeTimeout = 60 * time.Second
	DefaultClassifyTimeout   = 60 * time.Second
)

// Classifier produces a decision for a transcript.
type Classifier interface {
	Classify(ctx context.Context, transcript string, summaries []notes.Summary) (classify.Decision, error)
}

// Applier commits a decision.
type Applier interface {
	Apply(ctx context.Context, d classify.Decision) (router.Result, error)
}

// NoteSource exposes what the pipeline reads from the repository.
type NoteSource interface {
	Summaries() []notes.Summary
	Language() string
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Recorder   *capture.Recorder
	Recognizer stt.Recognizer
	Classifier Classifier
	Router     Applier
	Notes      NoteSource
	Notifier   Notifier
	Logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithTimeouts(transcribe, classify time.Duration) Option {
	return func(p *Pipeline) {
		if transcribe > 0 {
			p.transcribeTimeout = transcribe
		}
		if classify > 0 {
			p.classifyTimeout = classify
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) { p.clock = clock }
}

type Pipeline struct {
	deps              Deps
	logger            *slog.Logger
	tracer            trace.Tracer
	metrics           *pipelineMetrics
	clock             func() time.Time
	transcribeTimeout time.Duration
	classifyTimeout   time.Duration

	mu      sync.Mutex
	state   State
	run     *run
	entropy io.Reader
}

type run struct {
	id        string
	sessionID string
	started   time.Time
	ctx       context.Context
	span      trace.Span
}

func New(deps Deps, opts ...Option) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		deps:              deps,
		logger:            logger.With(slog.String("component", "pipeline")),
		tracer:            otel.Tracer("github.com/loqalabs/loqa-notes/pipeline"),
		clock:             time.Now,
		transcribeTimeout: DefaultTranscribeTimeout,
		classifyTimeout:   DefaultClassifyTimeout,
		entropy:           ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.deps.Notifier == nil {
		p.deps.Notifier = LogNotifier{Logger: p.logger}
	}
	metrics, err := newMetrics(p)
	if err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	p.metrics = metrics
	return p
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartRecording moves Idle → Recording. It fails with ErrBusy while another
// run is in flight and with capture.ErrPermissionDenied when the source
// refuses access; both produce a failed outcome.
func (p *Pipeline) StartRecording(ctx context.Context, src capture.Source, sessionID string) error {
	_, err := p.start(ctx, src, sessionID)
	return err
}

// StopRecording finishes the active recording and runs it to completion. The
// outcome is always returned and notified; err is set for failed outcomes.
func (p *Pipeline) StopRecording(ctx context.Context) (protocol.Outcome, error) {
	p.mu.Lock()
	if p.state != Recording || p.run == nil {
		p.mu.Unlock()
		return protocol.Outcome{}, ErrNotRecording
	}
	r := p.run
	p.mu.Unlock()

	outcome, err := p.finish(ctx, r)
	p.complete(r, outcome)
	return outcome, err
}

// Process records src in one step. Used for uploaded and local files.
func (p *Pipeline) Process(ctx context.Context, src capture.Source, sessionID string) (protocol.Outcome, error) {
	if outcome, err := p.start(ctx, src, sessionID); err != nil {
		return outcome, err
	}
	return p.StopRecording(ctx)
}

func (p *Pipeline) start(ctx context.Context, src capture.Source, sessionID string) (protocol.Outcome, error) {
	p.mu.Lock()
	if p.state != Idle {
		id := p.newRunIDLocked()
		p.mu.Unlock()
		outcome := p.failed(id, sessionID, protocol.ErrorBusy, ErrBusy)
		p.deps.Notifier.Notify(ctx, outcome)
		p.metrics.recordOutcome(ctx, outcome)
		return outcome, ErrBusy
	}
	runCtx, span := p.tracer.Start(context.WithoutCancel(ctx), "pipeline.run")
	r := &run{
		id:        p.newRunIDLocked(),
		sessionID: sessionID,
		started:   p.clock(),
		ctx:       runCtx,
		span:      span,
	}
	span.SetAttributes(attribute.String("run.id", r.id))
	p.state = Recording
	p.run = r
	p.mu.Unlock()

	if err := p.deps.Recorder.Start(ctx, src); err != nil {
		code := protocol.ErrorInternal
		if errors.Is(err, capture.ErrPermissionDenied) {
			code = protocol.ErrorPermissionDenied
		}
		outcome := p.failed(r.id, sessionID, code, err)
		p.complete(r, outcome)
		return outcome, err
	}
	p.logger.Info("recording started", slog.String("run_id", r.id), slog.String("session_id", sessionID))
	return protocol.Outcome{}, nil
}

func (p *Pipeline) finish(ctx context.Context, r *run) (protocol.Outcome, error) {
	res, err := p.deps.Recorder.Stop(ctx)
	if err != nil {
		return p.failed(r.id, r.sessionID, protocol.ErrorInternal, err), err
	}
	if !res.Success {
		return p.outcome(r, protocol.OutcomeDiscarded), nil
	}
	clip := res.Clip
	defer func() {
		if err := clip.Release(); err != nil {
			p.logger.Warn("failed to release recording", slog.String("run_id", r.id), slog.String("error", err.Error()))
		}
	}()

	p.setState(Transcribing)
	transcript, err := p.transcribe(ctx, r, clip)
	if err != nil {
		return p.failed(r.id, r.sessionID, protocol.ErrorTranscription, err), err
	}
	if transcript.Blank() {
		return p.outcome(r, protocol.OutcomeNoSpeech), nil
	}

	p.setState(Classifying)
	decision, err := p.classify(ctx, r, transcript.Text)
	if err != nil {
		return p.failed(r.id, r.sessionID, protocol.ErrorClassification, err), err
	}

	p.setState(Applying)
	applied, err := p.apply(ctx, r, decision)
	if err != nil {
		return p.failed(r.id, r.sessionID, protocol.ErrorInternal, err), err
	}

	outcome := p.outcome(r, applied.Kind)
	outcome.NoteID = applied.Note.ID
	outcome.Title = applied.Note.Title
	outcome.Fallback = applied.Fallback
	outcome.StaleReference = applied.StaleReference
	outcome.EmptyContent = applied.EmptyContent
	return outcome, nil
}

func (p *Pipeline) transcribe(ctx context.Context, r *run, clip *capture.Clip) (stt.TranscriptResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()
	ctx = trace.ContextWithSpan(ctx, r.span)
	ctx, span := p.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()
	start := time.Now()

	lang := p.deps.Notes.Language()
	span.SetAttributes(attribute.String("language", lang), attribute.Int64("clip.duration_ms", clip.Duration.Milliseconds()))
	result, err := p.deps.Recognizer.Transcribe(ctx, clip, lang)
	p.metrics.recordStage(ctx, "transcribe", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return stt.TranscriptResult{}, err
	}
	span.SetAttributes(attribute.Int("transcript.length", len(result.Text)))
	return result, nil
}

func (p *Pipeline) classify(ctx context.Context, r *run, transcript string) (classify.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, p.classifyTimeout)
	defer cancel()
	ctx = trace.ContextWithSpan(ctx, r.span)
	ctx, span := p.tracer.Start(ctx, "pipeline.classify")
	defer span.End()
	start := time.Now()

	// the note set as it is when classification begins
	summaries := p.deps.Notes.Summaries()
	span.SetAttributes(attribute.Int("notes.count", len(summaries)))
	decision, err := p.deps.Classifier.Classify(ctx, transcript, summaries)
	p.metrics.recordStage(ctx, "classify", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return classify.Decision{}, err
	}
	span.SetAttributes(attribute.String("decision.action", string(decision.Action)), attribute.Bool("decision.fallback", decision.Fallback))
	return decision, nil
}

func (p *Pipeline) apply(ctx context.Context, r *run, d classify.Decision) (router.Result, error) {
	ctx = trace.ContextWithSpan(ctx, r.span)
	ctx, span := p.tracer.Start(ctx, "pipeline.apply")
	defer span.End()
	start := time.Now()

	res, err := p.deps.Router.Apply(ctx, d)
	p.metrics.recordStage(ctx, "apply", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return router.Result{}, err
	}
	span.SetAttributes(attribute.String("note.id", res.Note.ID), attribute.Bool("stale_reference", res.StaleReference))
	return res, nil
}

// complete returns to Idle and publishes the outcome.
func (p *Pipeline) complete(r *run, outcome protocol.Outcome) {
	p.mu.Lock()
	if p.run == r {
		p.run = nil
		p.state = Idle
	}
	p.mu.Unlock()

	r.span.SetAttributes(attribute.String("outcome.kind", string(outcome.Kind)))
	if outcome.Kind == protocol.OutcomeFailed {
		r.span.SetStatus(codes.Error, outcome.Error)
	}
	r.span.End()

	p.deps.Notifier.Notify(r.ctx, outcome)
	p.metrics.recordOutcome(r.ctx, outcome)
	p.metrics.recordRun(r.ctx, p.clock().Sub(r.started))
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) newRunIDLocked() string {
	return ulid.MustNew(ulid.Timestamp(p.clock()), p.entropy).String()
}

func (p *Pipeline) outcome(r *run, kind protocol.OutcomeKind) protocol.Outcome {
	return protocol.Outcome{
		RunID:     r.id,
		SessionID: r.sessionID,
		Kind:      kind,
		Timestamp: p.clock().UTC(),
	}
}

func (p *Pipeline) failed(runID, sessionID, code string, err error) protocol.Outcome {
	return protocol.Outcome{
		RunID:     runID,
		SessionID: sessionID,
		Kind:      protocol.OutcomeFailed,
		Error:     code,
		Detail:    err.Error(),
		Timestamp: p.clock().UTC(),
	}
}

// ErrorCode maps a pipeline error to the code used in failed outcomes.
func ErrorCode(err error) string {
	var terr *stt.TranscriptionError
	var cerr *classify.ClassificationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return protocol.ErrorBusy
	case errors.Is(err, capture.ErrPermissionDenied):
		return protocol.ErrorPermissionDenied
	case errors.As(err, &terr):
		return protocol.ErrorTranscription
	case errors.As(err, &cerr):
		return protocol.ErrorClassification
	default:
		return protocol.ErrorInternal
	}
}
