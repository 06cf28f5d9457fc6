package dc

import (
	"context"
	"io"

	"github.com/italolelis/debrid_downloader/internal/storage"
)

// RemoteState is the coarse processing state reported by the remote service.
type RemoteState string

const (
	// RemotePending means the remote side is still processing the submission.
	RemotePending RemoteState = "pending"
	// RemoteReady means the resulting files can be fetched now.
	RemoteReady RemoteState = "ready"
	// RemoteErrored means the remote side gave up on the submission.
	RemoteErrored RemoteState = "errored"
)

// Submission is one file handed to the remote service for processing.
type Submission struct {
	Filename   string
	SourceType storage.SourceType
	Data       []byte
}

// RemoteStatus is a poll snapshot. DownloadLinks is non-empty exactly when
// State is RemoteReady; Message carries the remote failure reason when
// State is RemoteErrored.
type RemoteStatus struct {
	State         RemoteState
	DownloadLinks []string
	Message       string
}

// FileStream is an open result stream. Size is -1 when the remote does not
// announce a length; Filename is the server-suggested name and may be empty.
// The caller owns Body and must close it.
type FileStream struct {
	Body     io.ReadCloser
	Size     int64
	Filename string
}

// Client is the remote processing service. Implementations gate every call
// through the API rate limiter and wrap failures in the typed errors of this
// package so the worker can tell terminal from transient faults.
type Client interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	PollStatus(ctx context.Context, source storage.SourceType, remoteID string) (*RemoteStatus, error)
	FetchFile(ctx context.Context, link string) (*FileStream, error)
}
