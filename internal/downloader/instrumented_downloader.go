package downloader

import (
	"context"

	"github.com/italolelis/debrid_downloader/internal/dc"
	"github.com/italolelis/debrid_downloader/internal/telemetry"
)

// InstrumentedDownloader wraps Downloader with telemetry.
type InstrumentedDownloader struct {
	downloader *Downloader
	telemetry  *telemetry.Telemetry
}

// NewInstrumentedDownloader creates a new instrumented downloader.
func NewInstrumentedDownloader(d *Downloader, tel *telemetry.Telemetry) *InstrumentedDownloader {
	return &InstrumentedDownloader{
		downloader: d,
		telemetry:  tel,
	}
}

// Save streams a fetched file to local storage with telemetry.
func (i *InstrumentedDownloader) Save(ctx context.Context, stream *dc.FileStream, req SaveRequest) (string, error) {
	var result string

	var err error

	instrumentedErr := i.telemetry.InstrumentTransfer(ctx, "save", func(ctx context.Context) error {
		result, err = i.downloader.Save(ctx, stream, req)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}
