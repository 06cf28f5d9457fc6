package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/debrid_downloader/internal/cleanup"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("spooled"), 0o644))

	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))

	return path
}

func TestDeleteExpiredSpoolFiles(t *testing.T) {
	spoolDir := t.TempDir()

	expired := writeAged(t, spoolDir, "a_old.torrent", 48*time.Hour)
	fresh := writeAged(t, spoolDir, "b_fresh.torrent", time.Hour)
	held := writeAged(t, spoolDir, "c_held.nzb", 48*time.Hour)
	released := writeAged(t, spoolDir, "d_done.nzb", 48*time.Hour)

	records := []*storage.Download{
		{ID: 1, SourcePath: held, Status: storage.StatusSubmitted},
		{ID: 2, SourcePath: released, Status: storage.StatusFailed},
	}

	err := cleanup.DeleteExpiredSpoolFiles(context.Background(), records, spoolDir, 24*time.Hour)
	require.NoError(t, err)

	assert.NoFileExists(t, expired, "unreferenced old files are removed")
	assert.FileExists(t, fresh, "files inside the retention window are kept")
	assert.FileExists(t, held, "files of records still moving are kept at any age")
	assert.NoFileExists(t, released, "terminal records no longer hold their spool files")
}

func TestDeleteExpiredSpoolFilesMissingDir(t *testing.T) {
	err := cleanup.DeleteExpiredSpoolFiles(context.Background(), nil, filepath.Join(t.TempDir(), "nope"), time.Hour)
	assert.NoError(t, err)
}
