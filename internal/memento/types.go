// Package memento defines the types shared by the depot client, the submission
// adapters, the processor and the service plumbing around them.
package memento

import (
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Memento is the outcome of one depot query. URL is empty on a miss.
type Memento struct {
	Status    int        `json:"status"`
	URL       string     `json:"url,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Found reports whether the depot produced a usable snapshot.
func (m Memento) Found() bool {
	return m.Status < 400 && m.URL != ""
}

// SubmissionResult is the outcome of one submission step: the initial submit
// or a later status check. StatusCode is zero until a response was received.
type SubmissionResult struct {
	StatusCode int        `json:"status_code,omitempty"`
	IsDone     bool       `json:"is_done"`
	FinalURL   string     `json:"final_url,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// Result is what a successful resolution hands back to callers. Exactly one
// of FoundURL or SubmittedURL is populated.
type Result struct {
	OriginalURL   string     `json:"original_url"`
	FoundURL      string     `json:"found_url,omitempty"`
	DepotUsedName string     `json:"depot_used_name,omitempty"`
	SubmittedURL  string     `json:"submitted_url,omitempty"`
	SubmittedName string     `json:"submitted_name,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// Found reports whether the result came from an existing memento.
func (r Result) Found() bool {
	return r.FoundURL != ""
}

// Submitted reports whether the result came from a new capture.
func (r Result) Submitted() bool {
	return r.SubmittedURL != ""
}

// SnapshotURL returns whichever snapshot URL is populated.
func (r Result) SnapshotURL() string {
	if r.FoundURL != "" {
		return r.FoundURL
	}
	return r.SubmittedURL
}

// Validate enforces the one-of shape of a Result.
func (r Result) Validate() error {
	switch {
	case r.OriginalURL == "":
		return errors.New("original url is required")
	case r.FoundURL == "" && r.SubmittedURL == "":
		return errors.New("result has neither a found nor a submitted url")
	case r.FoundURL != "" && r.SubmittedURL != "":
		return errors.New("result has both a found and a submitted url")
	case r.FoundURL != "" && (r.DepotUsedName == "" || r.SubmittedName != ""):
		return errors.New("found result must name only the depot")
	case r.SubmittedURL != "" && (r.SubmittedName == "" || r.DepotUsedName != ""):
		return errors.New("submitted result must name only the submitter")
	}
	return nil
}

// SubmissionEvent is emitted right before a submission adapter is attempted.
type SubmissionEvent struct {
	OriginalURL   string `json:"original_url"`
	SubmitterName string `json:"submitter_name"`
}

// Request describes one outbound HTTP request issued to an archive.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	// Form, when set, is sent as an application/x-www-form-urlencoded body.
	Form url.Values
}

// Response is the raw outcome of a Request. Every status code is a response,
// never an error; callers inspect StatusCode themselves.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
