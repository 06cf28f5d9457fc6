package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a download id does not exist.
	ErrNotFound = errors.New("download not found")
	// ErrNotTerminal is returned when deleting a download that is still moving.
	ErrNotTerminal = errors.New("download is not in a terminal status")
)

// Status is the lifecycle state of a download.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusSubmitting  Status = "submitting"
	StatusSubmitted   Status = "submitted"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal downloads are never
// advanced again; they stay listed until explicitly deleted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SourceType is the kind of file handed to the remote service.
type SourceType string

const (
	SourceNZB     SourceType = "nzb"
	SourceTorrent SourceType = "torrent"
)

// ParseSourceType validates a user-supplied source type.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceNZB:
		return SourceNZB, nil
	case SourceTorrent:
		return SourceTorrent, nil
	}

	return "", fmt.Errorf("unknown source type %q", s)
}

// Download is the sole persistent entity: one file's journey from submission
// to local availability.
type Download struct {
	ID          int64
	Filename    string
	SourceType  SourceType
	Category    string
	Status      Status
	Progress    int
	SpeedBPS    int64
	RemoteID    string
	DownloadURL string
	SourcePath  string
	LocalPath   string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DownloadReadRepository serves the API and the worker's scheduling scans.
type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id int64) (*Download, error)
	GetDownloads(ctx context.Context) ([]*Download, error)
	GetDownloadsByStatus(ctx context.Context, statuses ...Status) ([]*Download, error)
}

// DownloadWriteRepository mutates download records. Every transition method
// is conditional on the current status and reports whether the row actually
// changed, so a lost race (typically against a user cancel) is a no-op
// instead of a double transition.
type DownloadWriteRepository interface {
	CreateDownload(ctx context.Context, d *Download) error
	MarkSubmitting(ctx context.Context, id int64) (bool, error)
	MarkSubmitted(ctx context.Context, id int64, remoteID string) (bool, error)
	SetDownloadURL(ctx context.Context, id int64, url string) (bool, error)
	MarkDownloading(ctx context.Context, id int64) (bool, error)
	UpdateProgress(ctx context.Context, id int64, progress int, speedBPS int64) error
	ReturnToSubmitted(ctx context.Context, id int64) (bool, error)
	MarkCompleted(ctx context.Context, id int64, localPath string) (bool, error)
	MarkFailed(ctx context.Context, id int64, message string) (bool, error)
	MarkCancelled(ctx context.Context, id int64) (bool, error)
	DeleteDownload(ctx context.Context, id int64) error
}

// DownloadRepository is the full store contract.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// SettingsRepository is the key/value settings store. Values written here
// override env configuration at the next process start.
type SettingsRepository interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error
}
