package dc

import "fmt"

// SubmissionError means the remote service rejected a file or was unreachable
// at submit time. The remote either accepted the file or it didn't, so the
// worker treats this as terminal and never resubmits on its own.
type SubmissionError struct {
	Filename   string // Name of the file that was being submitted
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *SubmissionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("submission of %s rejected (HTTP %d): %s", e.Filename, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("submission of %s failed: %s", e.Filename, e.APIMessage)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PollError means a status poll failed. Polls are cheap and repeated, so the
// worker retries these with backoff before giving up on the record.
type PollError struct {
	RemoteID   string // Remote identifier that was being polled
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *PollError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("poll of %s failed (HTTP %d): %s", e.RemoteID, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("poll of %s failed: %s", e.RemoteID, e.APIMessage)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// FetchError means a result stream could not be opened or broke mid-transfer,
// including truncation against an announced length. Transient: the worker
// discards the partial file and retries through a fresh link, bounded.
type FetchError struct {
	Operation  string // The step that failed (e.g. "open_stream", "read_stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch failed during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("fetch failed during %s: %s", e.Operation, e.APIMessage)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
