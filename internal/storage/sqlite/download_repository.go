package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/debrid_downloader/internal/storage"
)

const downloadColumns = `id, filename, source_type, category, status, progress, speed_bps,
	remote_id, download_url, source_path, local_path, error, created_at, updated_at`

// DownloadRepository stores download records in SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

func (r *DownloadRepository) CreateDownload(ctx context.Context, d *storage.Download) error {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (filename, source_type, category, status, source_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Filename, string(d.SourceType), d.Category, string(storage.StatusQueued), d.SourcePath, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read new download id: %w", err)
	}

	d.ID = id
	d.Status = storage.StatusQueued
	d.CreatedAt = now
	d.UpdatedAt = now

	return nil
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id int64) (*storage.Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return d, err
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]*storage.Download, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDownloads(rows)
}

// GetDownloadsByStatus returns matching downloads oldest-first, which is the
// dispatch order of the worker.
func (r *DownloadRepository) GetDownloadsByStatus(ctx context.Context, statuses ...storage.Status) ([]*storage.Download, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses))

	for _, s := range statuses {
		args = append(args, string(s))
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDownloads(rows)
}

func (r *DownloadRepository) MarkSubmitting(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(storage.StatusSubmitting), time.Now().UTC(), id, string(storage.StatusQueued))
}

func (r *DownloadRepository) MarkSubmitted(ctx context.Context, id int64, remoteID string) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, remote_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(storage.StatusSubmitted), remoteID, time.Now().UTC(), id, string(storage.StatusSubmitting))
}

// SetDownloadURL caches the remote readiness link on a submitted record so the
// next scheduling tick can dispatch the transfer.
func (r *DownloadRepository) SetDownloadURL(ctx context.Context, id int64, url string) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET download_url = ?, updated_at = ? WHERE id = ? AND status = ?`,
		url, time.Now().UTC(), id, string(storage.StatusSubmitted))
}

// MarkDownloading resets progress on entry; this is the only place progress
// moves backwards.
func (r *DownloadRepository) MarkDownloading(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, progress = 0, speed_bps = 0, updated_at = ? WHERE id = ? AND status = ?`,
		string(storage.StatusDownloading), time.Now().UTC(), id, string(storage.StatusSubmitted))
}

// UpdateProgress persists transfer progress. The status guard keeps late
// writes from resurrecting a record that was cancelled mid-transfer, and the
// progress guard keeps the value monotonic while downloading.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id int64, progress int, speedBPS int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET progress = ?, speed_bps = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND progress <= ?`,
		progress, speedBPS, time.Now().UTC(), id, string(storage.StatusDownloading), progress)

	return err
}

// ReturnToSubmitted sends an interrupted transfer back through the poll path.
// The cached link is cleared because it may have expired.
func (r *DownloadRepository) ReturnToSubmitted(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, download_url = '', speed_bps = 0, updated_at = ? WHERE id = ? AND status = ?`,
		string(storage.StatusSubmitted), time.Now().UTC(), id, string(storage.StatusDownloading))
}

func (r *DownloadRepository) MarkCompleted(ctx context.Context, id int64, localPath string) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, local_path = ?, download_url = '', progress = 100, speed_bps = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(storage.StatusCompleted), localPath, time.Now().UTC(), id, string(storage.StatusDownloading))
}

func (r *DownloadRepository) MarkFailed(ctx context.Context, id int64, message string) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, error = ?, speed_bps = 0, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(storage.StatusFailed), message, time.Now().UTC(), id,
		string(storage.StatusCompleted), string(storage.StatusFailed), string(storage.StatusCancelled))
}

func (r *DownloadRepository) MarkCancelled(ctx context.Context, id int64) (bool, error) {
	return r.transition(ctx,
		`UPDATE downloads SET status = ?, speed_bps = 0, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(storage.StatusCancelled), time.Now().UTC(), id,
		string(storage.StatusCompleted), string(storage.StatusFailed), string(storage.StatusCancelled))
}

// DeleteDownload removes a terminal record. Records that are still moving
// must be cancelled first.
func (r *DownloadRepository) DeleteDownload(ctx context.Context, id int64) error {
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT status FROM downloads WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if err != nil {
		return err
	}

	if !storage.Status(status).Terminal() {
		return storage.ErrNotTerminal
	}

	_, err = r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)

	return err
}

func (r *DownloadRepository) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*storage.Download, error) {
	var (
		d          storage.Download
		sourceType string
		status     string
	)

	if err := row.Scan(
		&d.ID, &d.Filename, &sourceType, &d.Category, &status, &d.Progress, &d.SpeedBPS,
		&d.RemoteID, &d.DownloadURL, &d.SourcePath, &d.LocalPath, &d.Error, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.SourceType = storage.SourceType(sourceType)
	d.Status = storage.Status(status)

	return &d, nil
}

func collectDownloads(rows *sql.Rows) ([]*storage.Download, error) {
	var downloads []*storage.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, d)
	}

	return downloads, rows.Err()
}
