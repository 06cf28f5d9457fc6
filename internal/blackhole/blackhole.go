package blackhole

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/debrid_downloader/internal/intake"
	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/storage"
)

// settleTime is how long a dropped file must sit unmodified before it is
// picked up. Files are not written atomically, a sweep can catch one mid-copy.
const settleTime = 500 * time.Millisecond

// Watcher feeds source files dropped into a directory to the intake queue.
// Files may sit in the drop root or in a category subdirectory
// (radarr/sonarr/whisparr), which decides the category of the record.
type Watcher struct {
	svc      *intake.Service
	dir      string
	interval time.Duration
}

func NewWatcher(svc *intake.Service, dir string, interval time.Duration) *Watcher {
	return &Watcher{svc: svc, dir: dir, interval: interval}
}

// Run scans the drop directory until the context is cancelled. Files dropped
// while the process was down are picked up by the initial sweep.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "blackhole watcher shutting down")

			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	err := filepath.WalkDir(w.dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// the drop directory may not exist yet
			if os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}

			return walkErr
		}

		if entry.IsDir() {
			if path != w.dir && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasPrefix(entry.Name(), ".") {
			return nil
		}

		sourceType, ok := sourceTypeForExt(filepath.Ext(entry.Name()))
		if !ok {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		if time.Since(info.ModTime()) < settleTime {
			return nil
		}

		w.ingest(ctx, path, entry.Name(), sourceType)

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "blackhole scan failed", "dir", w.dir, "err", err)
	}
}

func (w *Watcher) ingest(ctx context.Context, path, name string, sourceType storage.SourceType) {
	logger := logctx.LoggerFromContext(ctx).With("path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WarnContext(ctx, "failed to read dropped file", "err", err)

		return
	}

	d, err := w.svc.Enqueue(ctx, intake.Request{
		Filename:   name,
		SourceType: sourceType,
		Category:   w.categoryFor(path),
		Data:       data,
	})
	if err != nil {
		var contentErr *intake.InvalidContentError
		if errors.As(err, &contentErr) {
			// set the file aside so it is not rescanned forever
			rejected := path + ".rejected"
			if renameErr := os.Rename(path, rejected); renameErr != nil {
				logger.WarnContext(ctx, "failed to set aside rejected file", "err", renameErr)
			}

			logger.ErrorContext(ctx, "dropped file rejected", "reason", contentErr.Reason, "moved_to", rejected)

			return
		}

		logger.ErrorContext(ctx, "failed to enqueue dropped file, will retry", "err", err)

		return
	}

	// the spool copy is the durable source from here on
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnContext(ctx, "failed to remove ingested file", "err", err)
	}

	logger.InfoContext(ctx, "dropped file queued",
		"download_id", d.ID,
		"source_type", sourceType,
		"category", d.Category,
	)
}

// categoryFor maps the file's location under the drop root to an import
// category: any path segment naming a known application wins.
func (w *Watcher) categoryFor(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return ""
	}

	for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
		switch strings.ToLower(part) {
		case "radarr", "sonarr", "whisparr":
			return strings.ToLower(part)
		}
	}

	return ""
}

func sourceTypeForExt(ext string) (storage.SourceType, bool) {
	switch strings.ToLower(ext) {
	case ".torrent":
		return storage.SourceTorrent, true
	case ".nzb":
		return storage.SourceNZB, true
	}

	return "", false
}
