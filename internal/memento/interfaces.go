package memento

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrQueueClosed is returned by Queue.Dequeue once the queue is closed and
// drained.
var ErrQueueClosed = errors.New("queue closed")

// Fetcher issues a single HTTP request and returns the response without
// treating any status code as an error.
type Fetcher interface {
	Fetch(ctx context.Context, request Request) (Response, error)
}

// Submitter asks one archival service to capture a URL. Implementations are
// stateful and bound to a single URL.
type Submitter interface {
	// Name is the display label of the archival service.
	Name() string
	// WaitBetweenStatus is the poll interval; zero means no wait is needed.
	WaitBetweenStatus() time.Duration
	// Submit performs the initial archival request. Ordinary HTTP failures are
	// reported through the result; an error means a protocol anomaly.
	Submit(ctx context.Context) (SubmissionResult, error)
	// CheckStatus returns the latest result without re-submitting.
	CheckStatus(ctx context.Context) (SubmissionResult, error)
}

// Notifier receives submission progress. Implementations must not block.
type Notifier interface {
	Notify(evt SubmissionEvent)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(evt SubmissionEvent)

// Notify calls f(evt).
func (f NotifierFunc) Notify(evt SubmissionEvent) {
	f(evt)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces resolution IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ResolutionStore persists resolution requests and their outcomes.
type ResolutionStore interface {
	CreateResolution(ctx context.Context, res Resolution) error
	UpdateResolution(ctx context.Context, update ResolutionUpdate) error
	GetResolution(ctx context.Context, id string) (Resolution, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for resolution requests.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}
