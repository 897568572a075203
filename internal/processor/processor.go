// Package processor resolves a URL to an archived snapshot. Depots are queried
// one at a time in registry order; when none holds a snapshot and at least one
// reported the URL as missing, submitters are asked in priority order to
// capture it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/depot"
	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/metrics"
	"github.com/JakeFAU/timetravel/internal/progress"
)

const tracerName = "github.com/JakeFAU/timetravel/internal/processor"

// State is the position of a Processor in its resolution sequence.
type State string

// Processor states. DoneFound, DoneSubmitted and Failed are terminal.
const (
	StateResolvingDepots State = "RESOLVING_DEPOTS"
	StateDoneFound       State = "DONE_FOUND"
	StateSubmitting      State = "SUBMITTING"
	StateDoneSubmitted   State = "DONE_SUBMITTED"
	StateFailed          State = "FAILED"
)

// Terminal reports whether s ends the sequence.
func (s State) Terminal() bool {
	return s == StateDoneFound || s == StateDoneSubmitted || s == StateFailed
}

// SubmitterFactory builds fresh submitters, in priority order, for one URL.
type SubmitterFactory interface {
	Submitters(url string) []memento.Submitter
}

// Deps are the shared collaborators of every Processor. Registry is required.
type Deps struct {
	Registry   *depot.Registry
	Submitters SubmitterFactory
	Emitter    progress.Emitter
	Logger     *zap.Logger
	Tracer     trace.Tracer
	// MaxStatusChecks bounds polling per submitter; zero polls until the
	// submitter reports done or ctx ends.
	MaxStatusChecks int
	// ResolutionID tags progress events; empty outside the service.
	ResolutionID string
}

// Processor runs one resolution for one URL.
type Processor struct {
	originalURL string
	url         string
	deps        Deps
	logger      *zap.Logger
	tracer      trace.Tracer

	mu    sync.Mutex
	state State
	ran   bool
}

// New validates and normalizes rawURL and returns a Processor for it.
func New(rawURL string, deps Deps) (*Processor, error) {
	if deps.Registry == nil {
		return nil, errors.New("processor requires a depot registry")
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Processor{
		originalURL: rawURL,
		url:         normalized,
		deps:        deps,
		logger:      logger.With(zap.String("url", normalized)),
		tracer:      tracer,
		state:       StateResolvingDepots,
	}, nil
}

// URL returns the normalized URL sent to archives.
func (p *Processor) URL() string {
	return p.url
}

// State returns the current state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.logger.Debug("processor state", zap.String("state", string(s)))
}

// FallbackURL returns a manual-search link for the URL. It is available
// whatever the outcome of Process.
func (p *Processor) FallbackURL() string {
	return p.deps.Registry.FallbackURL(p.url)
}

// Process resolves the URL. notifier, when not nil, receives one event
// before each submitter is tried; delivery is ordered and never delays the
// resolution. The returned error is an *Error of KindExhausted, or the
// context error when ctx ends first.
func (p *Processor) Process(ctx context.Context, notifier memento.Notifier) (memento.Result, error) {
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return memento.Result{}, ErrAlreadyProcessed
	}
	p.ran = true
	p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "processor.Process",
		trace.WithAttributes(attribute.String("timetravel.url", p.url)))
	defer span.End()

	start := time.Now()
	p.emit(progress.Event{Stage: progress.StageResolveStart})
	p.logger.Info("resolving url")

	result, err := p.run(ctx, notifier)
	dur := time.Since(start)
	if err != nil {
		p.setState(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveResolution(string(memento.StatusFailed))
		p.emit(progress.Event{
			Stage:   progress.StageResolveError,
			Outcome: "failed",
			Dur:     dur,
			Note:    err.Error(),
		})
		p.logger.Warn("resolution failed", zap.Error(err), zap.Duration("dur", dur))
		return memento.Result{}, err
	}

	outcome := memento.StatusFound
	if result.Submitted() {
		outcome = memento.StatusSubmitted
	}
	span.SetAttributes(attribute.String("timetravel.snapshot_url", result.SnapshotURL()))
	metrics.ObserveResolution(string(outcome))
	p.emit(progress.Event{
		Stage:   progress.StageResolveDone,
		Archive: result.DepotUsedName + result.SubmittedName,
		Outcome: string(outcome),
		Dur:     dur,
	})
	p.logger.Info("resolution finished",
		zap.String("snapshot_url", result.SnapshotURL()),
		zap.String("outcome", string(outcome)),
		zap.Duration("dur", dur),
	)
	return result, nil
}

func (p *Processor) run(ctx context.Context, notifier memento.Notifier) (memento.Result, error) {
	escalationCode := 0
	lastCode := UnknownCode
	for _, d := range p.deps.Registry.Depots() {
		if err := ctx.Err(); err != nil {
			return memento.Result{}, fmt.Errorf("resolve %s: %w", p.url, err)
		}
		result, err := p.lookup(ctx, d)
		if err == nil {
			p.setState(StateDoneFound)
			return result, nil
		}
		var perr *Error
		if errors.As(err, &perr) {
			lastCode = perr.Code
			if perr.Escalates() && escalationCode == 0 {
				escalationCode = perr.Code
			}
		}
	}
	// A lookup cut short by ctx looks like an unreachable depot.
	if err := ctx.Err(); err != nil {
		return memento.Result{}, fmt.Errorf("resolve %s: %w", p.url, err)
	}
	if escalationCode == 0 {
		return memento.Result{}, &Error{
			Kind: KindExhausted,
			Code: lastCode,
			URL:  p.url,
			Msg:  "no depot holds a memento and none reported the url as missing",
		}
	}

	p.setState(StateSubmitting)
	result, err := p.submit(ctx, notifier)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return memento.Result{}, fmt.Errorf("resolve %s: %w", p.url, ctxErr)
		}
		return memento.Result{}, &Error{
			Kind: KindExhausted,
			Code: escalationCode,
			URL:  p.url,
			Msg:  "no submitter produced a snapshot",
			Err:  err,
		}
	}
	p.setState(StateDoneSubmitted)
	return result, nil
}

// UseDepot queries a single named depot. It does not touch the Processor's
// state and may be called before or after Process.
func (p *Processor) UseDepot(ctx context.Context, name string) (memento.Result, error) {
	d, ok := p.deps.Registry.Get(name)
	if !ok {
		return memento.Result{}, fmt.Errorf("%w: %q", ErrUnknownDepot, name)
	}
	return p.lookup(ctx, d)
}

// lookup queries one depot and classifies the outcome.
func (p *Processor) lookup(ctx context.Context, d *depot.Depot) (memento.Result, error) {
	ctx, span := p.tracer.Start(ctx, "depot.LatestMemento",
		trace.WithAttributes(attribute.String("timetravel.depot", d.Name())))
	defer span.End()

	start := time.Now()
	m, err := d.LatestMemento(ctx, p.url)
	dur := time.Since(start)

	var (
		perr    *Error
		outcome string
		code    = m.Status
	)
	switch {
	case err != nil:
		code = UnknownCode
		outcome = "unavailable"
		perr = &Error{Kind: KindDepotUnavailable, Code: code, URL: p.url,
			Msg: fmt.Sprintf("depot %s unreachable", d.Name()), Err: err}
	case m.Found():
		outcome = "found"
	case m.Status >= 500:
		outcome = "unavailable"
		perr = &Error{Kind: KindDepotUnavailable, Code: code, URL: p.url,
			Msg: fmt.Sprintf("depot %s unavailable", d.Name())}
	case m.Status >= 300:
		outcome = "miss"
		perr = &Error{Kind: KindDepotMiss, Code: code, URL: p.url,
			Msg: fmt.Sprintf("depot %s has no memento", d.Name())}
	default:
		outcome = "malformed"
		perr = &Error{Kind: KindMalformedResponse, Code: code, URL: p.url,
			Msg: fmt.Sprintf("depot %s answered without a memento url", d.Name())}
	}

	span.SetAttributes(attribute.Int("http.status_code", code), attribute.String("timetravel.outcome", outcome))
	metrics.ObserveDepotLookup(d.Name(), outcome)
	p.emit(progress.Event{
		Stage:       progress.StageDepotDone,
		Archive:     d.Name(),
		StatusClass: progress.ClassifyStatus(code),
		Outcome:     outcome,
		Dur:         dur,
	})

	if perr != nil {
		span.SetStatus(codes.Error, perr.Msg)
		p.logger.Info("depot lookup failed",
			zap.String("depot", d.Name()),
			zap.String("kind", string(perr.Kind)),
			zap.Int("code", code),
			zap.Error(perr.Err),
		)
		return memento.Result{}, perr
	}
	result := memento.Result{
		OriginalURL:   p.originalURL,
		FoundURL:      m.URL,
		DepotUsedName: d.Name(),
		Timestamp:     m.Timestamp,
	}
	if err := result.Validate(); err != nil {
		return memento.Result{}, &Error{Kind: KindMalformedResponse, Code: code, URL: p.url,
			Msg: fmt.Sprintf("depot %s produced an invalid result", d.Name()), Err: err}
	}
	p.logger.Info("depot lookup found memento",
		zap.String("depot", d.Name()),
		zap.String("memento_url", m.URL),
	)
	return result, nil
}

// submit tries each submitter in turn. It returns the last failure when none
// produced a snapshot.
func (p *Processor) submit(ctx context.Context, notifier memento.Notifier) (memento.Result, error) {
	if p.deps.Submitters == nil {
		return memento.Result{}, errors.New("no submitters configured")
	}
	submitters := p.deps.Submitters.Submitters(p.url)
	if len(submitters) == 0 {
		return memento.Result{}, errors.New("no submitters configured")
	}

	notify := p.startNotifier(notifier, len(submitters))
	defer notify.close()

	var lastErr error
	for _, s := range submitters {
		name := s.Name()
		notify.send(memento.SubmissionEvent{OriginalURL: p.url, SubmitterName: name})
		p.emit(progress.Event{Stage: progress.StageSubmitStart, Archive: name})

		res, err := p.runSubmitter(ctx, s)
		result := memento.Result{
			OriginalURL:   p.originalURL,
			SubmittedURL:  res.FinalURL,
			SubmittedName: name,
			Timestamp:     res.Timestamp,
		}
		switch {
		case err != nil:
		case res.FinalURL == "":
			err = &Error{Kind: KindMalformedResponse, Code: codeOrUnknown(res.StatusCode), URL: p.url,
				Msg: fmt.Sprintf("%s finished without a snapshot url", name)}
		default:
			if verr := result.Validate(); verr != nil {
				err = &Error{Kind: KindMalformedResponse, Code: codeOrUnknown(res.StatusCode), URL: p.url,
					Msg: fmt.Sprintf("%s produced an invalid result", name), Err: verr}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return memento.Result{}, err
			}
			lastErr = &Error{Kind: KindSubmissionFailure, Code: CodeOf(err), URL: p.url,
				Msg: fmt.Sprintf("submit to %s", name), Err: err}
			metrics.ObserveSubmission(name, "failed")
			p.emit(progress.Event{Stage: progress.StageSubmitDone, Archive: name, Outcome: "failed", Note: err.Error()})
			p.logger.Warn("submitter failed", zap.String("submitter", name), zap.Error(err))
			continue
		}

		metrics.ObserveSubmission(name, "submitted")
		p.emit(progress.Event{Stage: progress.StageSubmitDone, Archive: name, Outcome: "submitted"})
		return result, nil
	}
	return memento.Result{}, lastErr
}

// runSubmitter submits and polls s until it reports done.
func (p *Processor) runSubmitter(ctx context.Context, s memento.Submitter) (memento.SubmissionResult, error) {
	ctx, span := p.tracer.Start(ctx, "submitter.Run",
		trace.WithAttributes(attribute.String("timetravel.submitter", s.Name())))
	defer span.End()

	res, err := s.Submit(ctx)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	checks := 0
	for !res.IsDone {
		if limit := p.deps.MaxStatusChecks; limit > 0 && checks >= limit {
			return res, fmt.Errorf("%s pending after %d checks: %w", s.Name(), checks, ErrStatusChecksExhausted)
		}
		if err := wait(ctx, s.WaitBetweenStatus()); err != nil {
			return res, err
		}
		checks++
		res, err = s.CheckStatus(ctx)
		if err != nil {
			span.RecordError(err)
			return res, err
		}
	}
	span.SetAttributes(attribute.Int("timetravel.status_checks", checks))
	return res, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func codeOrUnknown(code int) int {
	if code == 0 {
		return UnknownCode
	}
	return code
}

func (p *Processor) emit(evt progress.Event) {
	evt.ResolutionID = p.deps.ResolutionID
	evt.URL = p.url
	evt.TS = time.Now().UTC()
	p.deps.Emitter.Emit(evt)
}

// notifyPump delivers submission events in order on its own goroutine. The
// channel holds one slot per submitter, so send never blocks.
type notifyPump struct {
	events chan memento.SubmissionEvent
}

func (p *Processor) startNotifier(notifier memento.Notifier, size int) notifyPump {
	if notifier == nil {
		return notifyPump{}
	}
	events := make(chan memento.SubmissionEvent, size)
	go func() {
		for evt := range events {
			notifier.Notify(evt)
		}
	}()
	return notifyPump{events: events}
}

func (n notifyPump) send(evt memento.SubmissionEvent) {
	if n.events == nil {
		return
	}
	select {
	case n.events <- evt:
	default:
	}
}

func (n notifyPump) close() {
	if n.events != nil {
		close(n.events)
	}
}
