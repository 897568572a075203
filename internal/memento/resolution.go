package memento

import (
	"errors"
	"time"
)

// ErrResolutionNotFound signals that no resolution exists for an ID.
var ErrResolutionNotFound = errors.New("resolution not found")

// ResolutionStatus is the lifecycle state of a resolution request.
type ResolutionStatus string

// Resolution statuses persisted in the resolution store.
const (
	StatusQueued     ResolutionStatus = "queued"
	StatusResolving  ResolutionStatus = "resolving"
	StatusSubmitting ResolutionStatus = "submitting"
	StatusFound      ResolutionStatus = "found"
	StatusSubmitted  ResolutionStatus = "submitted"
	StatusFailed     ResolutionStatus = "failed"
	StatusCanceled   ResolutionStatus = "canceled"
)

// Terminal reports whether no further transitions happen from s.
func (s ResolutionStatus) Terminal() bool {
	switch s {
	case StatusFound, StatusSubmitted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Resolution is the persisted record of one resolution request.
type Resolution struct {
	ID          string           `json:"id"`
	URL         string           `json:"url"`
	Depot       string           `json:"depot,omitempty"`
	Status      ResolutionStatus `json:"status"`
	Submitter   string           `json:"submitter,omitempty"`
	Result      *Result          `json:"result,omitempty"`
	ErrorText   string           `json:"error_text,omitempty"`
	ErrorCode   int              `json:"error_code,omitempty"`
	FallbackURL string           `json:"fallback_url,omitempty"`
	ReceiptURI  string           `json:"receipt_uri,omitempty"`
	Submitted   time.Time        `json:"submitted_at"`
	Started     *time.Time       `json:"started_at,omitempty"`
	Finished    *time.Time       `json:"finished_at,omitempty"`
}

// ResolutionUpdate carries a status transition. Empty fields leave the stored
// value untouched.
type ResolutionUpdate struct {
	ID          string
	Status      ResolutionStatus
	Submitter   string
	Result      *Result
	ErrorText   string
	ErrorCode   int
	FallbackURL string
	ReceiptURI  string
	At          time.Time
}

// QueueItem wraps a resolution ready to run.
type QueueItem struct {
	ResolutionID string
	URL          string
	Depot        string
	Attempt      int
	Submitted    int64
}
