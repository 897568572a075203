// Package worker runs queued resolutions through the processor and records
// their outcome.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/metrics"
	"github.com/JakeFAU/timetravel/internal/processor"
)

// Config controls Worker behavior.
type Config struct {
	// BlobPrefix is prepended to receipt object paths.
	BlobPrefix string
	// Topic receives one completion event per resolution. Empty disables
	// publishing.
	Topic string
	// Timeout bounds a single resolution; zero means no bound.
	Timeout time.Duration
}

// Completion is published once a resolution reaches a terminal status.
type Completion struct {
	ResolutionID string                   `json:"resolution_id"`
	URL          string                   `json:"url"`
	Status       memento.ResolutionStatus `json:"status"`
	Result       *memento.Result          `json:"result,omitempty"`
	ErrorText    string                   `json:"error_text,omitempty"`
	ErrorCode    int                      `json:"error_code,omitempty"`
	FallbackURL  string                   `json:"fallback_url,omitempty"`
	ReceiptURI   string                   `json:"receipt_uri,omitempty"`
	FinishedAt   time.Time                `json:"finished_at"`
}

// Receipt is the JSON document written to the blob store for successful
// resolutions.
type Receipt struct {
	ResolutionID string         `json:"resolution_id"`
	Result       memento.Result `json:"result"`
	FallbackURL  string         `json:"fallback_url"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}

// Worker consumes queue items and resolves them.
type Worker struct {
	queue     memento.Queue
	store     memento.ResolutionStore
	blobStore memento.BlobStore
	publisher memento.Publisher
	clock     memento.Clock
	deps      processor.Deps
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. deps is the template every processor is built
// from; its ResolutionID is set per item.
func New(
	queue memento.Queue,
	store memento.ResolutionStore,
	blobStore memento.BlobStore,
	publisher memento.Publisher,
	clock memento.Clock,
	deps processor.Deps,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		blobStore: blobStore,
		publisher: publisher,
		clock:     clock,
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, memento.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued resolution", zap.String("resolution_id", item.ResolutionID))
		metrics.IncActiveWorkers()
		w.Handle(ctx, item)
		metrics.DecActiveWorkers()
	}
}

// Handle resolves one item and persists the outcome.
func (w *Worker) Handle(ctx context.Context, item memento.QueueItem) {
	logger := w.logger.With(zap.String("resolution_id", item.ResolutionID), zap.String("url", item.URL))
	if err := w.store.UpdateResolution(ctx, memento.ResolutionUpdate{
		ID:     item.ResolutionID,
		Status: memento.StatusResolving,
		At:     w.clock.Now(),
	}); err != nil {
		logger.Error("update resolution status failed", zap.Error(err))
		return
	}

	runCtx := ctx
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	deps := w.deps
	deps.ResolutionID = item.ResolutionID
	proc, err := processor.New(item.URL, deps)
	if err != nil {
		w.finish(ctx, logger, item, memento.Result{}, err, "")
		return
	}

	notifier := &statusNotifier{ctx: ctx, worker: w, id: item.ResolutionID, logger: logger}
	var result memento.Result
	if item.Depot != "" {
		result, err = proc.UseDepot(runCtx, item.Depot)
	} else {
		result, err = proc.Process(runCtx, notifier)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.done = true
	w.finish(ctx, logger, item, result, err, proc.FallbackURL())
}

func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	item memento.QueueItem,
	result memento.Result,
	resolveErr error,
	fallbackURL string,
) {
	now := w.clock.Now().UTC()
	update := memento.ResolutionUpdate{ID: item.ResolutionID, FallbackURL: fallbackURL, At: now}
	completion := Completion{
		ResolutionID: item.ResolutionID,
		URL:          item.URL,
		FallbackURL:  fallbackURL,
		FinishedAt:   now,
	}

	if resolveErr == nil {
		update.Status = memento.StatusFound
		if result.Submitted() {
			update.Status = memento.StatusSubmitted
		}
		update.Result = &result
		uri, err := w.writeReceipt(ctx, item.ResolutionID, result, fallbackURL, now)
		if err != nil {
			logger.Error("write receipt failed", zap.Error(err))
		}
		update.ReceiptURI = uri
		completion.Result = &result
		completion.ReceiptURI = uri
	} else {
		update.Status = memento.StatusFailed
		if errors.Is(resolveErr, context.Canceled) {
			update.Status = memento.StatusCanceled
		}
		update.ErrorText = resolveErr.Error()
		update.ErrorCode = processor.CodeOf(resolveErr)
		completion.ErrorText = update.ErrorText
		completion.ErrorCode = update.ErrorCode
		logger.Warn("resolution failed", zap.Error(resolveErr), zap.String("fallback_url", fallbackURL))
	}
	completion.Status = update.Status

	if err := w.store.UpdateResolution(ctx, update); err != nil {
		logger.Error("final resolution update failed", zap.Error(err))
		return
	}
	if err := w.publish(ctx, completion); err != nil {
		logger.Error("publish completion failed", zap.Error(err))
	}
}

func (w *Worker) receiptPath(id string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return id + ".json"
	}
	return fmt.Sprintf("%s/%s.json", prefix, id)
}

func (w *Worker) writeReceipt(
	ctx context.Context,
	id string,
	result memento.Result,
	fallbackURL string,
	at time.Time,
) (string, error) {
	if w.blobStore == nil {
		return "", nil
	}
	data, err := json.Marshal(Receipt{ResolutionID: id, Result: result, FallbackURL: fallbackURL, ResolvedAt: at})
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	uri, err := w.blobStore.PutObject(ctx, w.receiptPath(id), "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put receipt: %w", err)
	}
	return uri, nil
}

func (w *Worker) publish(ctx context.Context, completion Completion) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, completion)
	if err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	w.logger.Info("completion published",
		zap.String("resolution_id", completion.ResolutionID),
		zap.String("status", string(completion.Status)),
		zap.String("message_id", id),
	)
	return nil
}

// statusNotifier records the active submitter. Updates stop once the
// resolution is finished so a late notification never overwrites the
// terminal status.
type statusNotifier struct {
	ctx    context.Context
	worker *Worker
	id     string
	logger *zap.Logger

	mu   sync.Mutex
	done bool
}

func (n *statusNotifier) Notify(evt memento.SubmissionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done {
		return
	}
	if err := n.worker.store.UpdateResolution(n.ctx, memento.ResolutionUpdate{
		ID:        n.id,
		Status:    memento.StatusSubmitting,
		Submitter: evt.SubmitterName,
		At:        n.worker.clock.Now(),
	}); err != nil {
		n.logger.Warn("record submitter failed", zap.String("submitter", evt.SubmitterName), zap.Error(err))
	}
}
