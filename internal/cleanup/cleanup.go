package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/storage"
)

// DeleteExpiredSpoolFiles removes spool files older than keepDuration. Files
// still referenced by a record that has not finished moving are kept no
// matter their age, so a long queue cannot lose its source files.
func DeleteExpiredSpoolFiles(ctx context.Context, records []*storage.Download, spoolDir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	inUse := make(map[string]bool)
	for _, rec := range records {
		if rec.SourcePath != "" && !rec.Status.Terminal() {
			inUse[rec.SourcePath] = true
		}
	}

	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing spooled yet
		}

		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := filepath.Join(spoolDir, entry.Name())
		if inUse[filePath] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat file", "file", filePath, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) > keepDuration {
			if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
				logger.Error("Failed to delete expired spool file", "file", filePath, "err", err)

				return err
			}

			logger.Info("Deleted expired spool file", "file", filePath)
		}
	}

	return nil
}
