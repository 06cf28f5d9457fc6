package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/italolelis/debrid_downloader/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, d *storage.Download) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.CreateDownload(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id int64) (*storage.Download, error) {
	var result *storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]*storage.Download, error) {
	var result []*storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetDownloadsByStatus(ctx context.Context, statuses ...storage.Status) ([]*storage.Download, error) {
	var result []*storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads_by_status", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloadsByStatus(ctx, statuses...)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) MarkSubmitting(ctx context.Context, id int64) (bool, error) {
	return r.instrumentTransition(ctx, "mark_submitting", func(ctx context.Context) (bool, error) {
		return r.repo.MarkSubmitting(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) MarkSubmitted(ctx context.Context, id int64, remoteID string) (bool, error) {
	return r.instrumentTransition(ctx, "mark_submitted", func(ctx context.Context) (bool, error) {
		return r.repo.MarkSubmitted(ctx, id, remoteID)
	})
}

func (r *InstrumentedDownloadRepository) SetDownloadURL(ctx context.Context, id int64, url string) (bool, error) {
	return r.instrumentTransition(ctx, "set_download_url", func(ctx context.Context) (bool, error) {
		return r.repo.SetDownloadURL(ctx, id, url)
	})
}

func (r *InstrumentedDownloadRepository) MarkDownloading(ctx context.Context, id int64) (bool, error) {
	return r.instrumentTransition(ctx, "mark_downloading", func(ctx context.Context) (bool, error) {
		return r.repo.MarkDownloading(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id int64, progress int, speedBPS int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, progress, speedBPS)
	})
}

func (r *InstrumentedDownloadRepository) ReturnToSubmitted(ctx context.Context, id int64) (bool, error) {
	return r.instrumentTransition(ctx, "return_to_submitted", func(ctx context.Context) (bool, error) {
		return r.repo.ReturnToSubmitted(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) MarkCompleted(ctx context.Context, id int64, localPath string) (bool, error) {
	return r.instrumentTransition(ctx, "mark_completed", func(ctx context.Context) (bool, error) {
		return r.repo.MarkCompleted(ctx, id, localPath)
	})
}

func (r *InstrumentedDownloadRepository) MarkFailed(ctx context.Context, id int64, message string) (bool, error) {
	return r.instrumentTransition(ctx, "mark_failed", func(ctx context.Context) (bool, error) {
		return r.repo.MarkFailed(ctx, id, message)
	})
}

func (r *InstrumentedDownloadRepository) MarkCancelled(ctx context.Context, id int64) (bool, error) {
	return r.instrumentTransition(ctx, "mark_cancelled", func(ctx context.Context) (bool, error) {
		return r.repo.MarkCancelled(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) instrumentTransition(
	ctx context.Context, operation string, fn func(ctx context.Context) (bool, error),
) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)

		return err
	})

	return result, err
}
