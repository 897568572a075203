package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event records.
type Stage string

// Resolution milestones, in the order a processor emits them.
const (
	StageResolveStart Stage = "RESOLVE_START"
	StageDepotDone    Stage = "DEPOT_DONE"
	StageSubmitStart  Stage = "SUBMIT_START"
	StageSubmitDone   Stage = "SUBMIT_DONE"
	StageResolveDone  Stage = "RESOLVE_DONE"
	StageResolveError Stage = "RESOLVE_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Status classes recorded for depot lookups.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a resolution.
type Event struct {
	// ResolutionID is empty when the processor runs outside the service.
	ResolutionID string
	TS           time.Time
	Stage        Stage
	URL          string
	// Archive names the depot or submitter the event concerns.
	Archive     string
	StatusClass StatusClass
	// Outcome is "found", "miss", "unavailable", "submitted" or "failed".
	Outcome string
	Dur     time.Duration
	Note    string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.URL == "" {
		return errors.New("url is required")
	}
	switch e.Stage {
	case StageResolveStart, StageResolveDone, StageResolveError:
	case StageDepotDone:
		if e.Archive == "" {
			return errors.New("depot done requires archive")
		}
		if e.StatusClass == "" {
			return errors.New("depot done requires status class")
		}
	case StageSubmitStart, StageSubmitDone:
		if e.Archive == "" {
			return fmt.Errorf("%s requires archive", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes. Transport failures (code <= 0)
// land in StatusOther.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
