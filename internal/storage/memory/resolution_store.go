// Package memory keeps resolutions and blobs in process memory for
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/timetravel/internal/memento"
)

// ResolutionStore is an in-memory memento.ResolutionStore.
type ResolutionStore struct {
	mu          sync.RWMutex
	resolutions map[string]memento.Resolution
}

// NewResolutionStore constructs a ResolutionStore.
func NewResolutionStore() *ResolutionStore {
	return &ResolutionStore{resolutions: make(map[string]memento.Resolution)}
}

// CreateResolution stores a new resolution.
func (s *ResolutionStore) CreateResolution(_ context.Context, res memento.Resolution) error {
	if res.ID == "" {
		return fmt.Errorf("resolution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resolutions[res.ID]; exists {
		return fmt.Errorf("resolution %s already exists", res.ID)
	}
	s.resolutions[res.ID] = res
	return nil
}

// UpdateResolution applies a status transition. Empty fields of update keep
// the stored values.
func (s *ResolutionStore) UpdateResolution(_ context.Context, update memento.ResolutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resolutions[update.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", update.ID, memento.ErrResolutionNotFound)
	}
	if update.Status != "" {
		res.Status = update.Status
	}
	if update.Submitter != "" {
		res.Submitter = update.Submitter
	}
	if update.Result != nil {
		result := *update.Result
		res.Result = &result
	}
	if update.ErrorText != "" {
		res.ErrorText = update.ErrorText
	}
	if update.ErrorCode != 0 {
		res.ErrorCode = update.ErrorCode
	}
	if update.FallbackURL != "" {
		res.FallbackURL = update.FallbackURL
	}
	if update.ReceiptURI != "" {
		res.ReceiptURI = update.ReceiptURI
	}
	at := update.At.UTC()
	if update.Status == memento.StatusResolving && res.Started == nil {
		res.Started = &at
	}
	if update.Status.Terminal() && res.Finished == nil {
		res.Finished = &at
	}
	s.resolutions[update.ID] = res
	return nil
}

// GetResolution fetches a resolution by ID.
func (s *ResolutionStore) GetResolution(_ context.Context, id string) (memento.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resolutions[id]
	if !ok {
		return memento.Resolution{}, fmt.Errorf("get %s: %w", id, memento.ErrResolutionNotFound)
	}
	return res, nil
}
