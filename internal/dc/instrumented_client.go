package dc

import (
	"context"

	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/italolelis/debrid_downloader/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented debrid client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Submit submits a file to the remote service with telemetry.
func (c *InstrumentedClient) Submit(ctx context.Context, sub Submission) (string, error) {
	var result string

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "submit", func(ctx context.Context) error {
		result, err = c.client.Submit(ctx, sub)

		return err
	})

	status := "success"
	if instrumentedErr != nil {
		status = "error"
	}

	c.telemetry.RecordSubmission(ctx, string(sub.SourceType), status)

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

// PollStatus polls remote processing state with telemetry.
func (c *InstrumentedClient) PollStatus(ctx context.Context, source storage.SourceType, remoteID string) (*RemoteStatus, error) {
	var result *RemoteStatus

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "poll_status", func(ctx context.Context) error {
		result, err = c.client.PollStatus(ctx, source, remoteID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// FetchFile opens a result stream with telemetry.
func (c *InstrumentedClient) FetchFile(ctx context.Context, link string) (*FileStream, error) {
	var result *FileStream

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch_file", func(ctx context.Context) error {
		result, err = c.client.FetchFile(ctx, link)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
