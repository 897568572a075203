package submission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/timetravel/internal/memento"
)

// scriptedFetcher replays responses in order and records every request.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses []memento.Response
	errs      []error
	requests  []memento.Request
}

func (f *scriptedFetcher) Fetch(_ context.Context, req memento.Request) (memento.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.requests)
	f.requests = append(f.requests, req)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return memento.Response{}, f.errs[idx]
	}
	if idx >= len(f.responses) {
		return memento.Response{}, errors.New("no scripted response")
	}
	return f.responses[idx], nil
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
