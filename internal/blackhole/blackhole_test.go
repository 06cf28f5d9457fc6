package blackhole_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/debrid_downloader/internal/blackhole"
	"github.com/italolelis/debrid_downloader/internal/intake"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/italolelis/debrid_downloader/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

type testEnv struct {
	repo    *sqlite.DownloadRepository
	dropDir string
}

func startWatcher(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewDownloadRepository(db)
	svc := intake.NewService(repo, filepath.Join(dir, "spool"))

	env := &testEnv{repo: repo, dropDir: filepath.Join(dir, "drop")}
	require.NoError(t, os.MkdirAll(env.dropDir, 0o755))

	watcher := blackhole.NewWatcher(svc, env.dropDir, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return env
}

func validTorrent(t *testing.T, name string) []byte {
	t.Helper()

	data, err := bencode.EncodeBytes(map[string]interface{}{
		"announce": "http://tracker.test/announce",
		"info":     map[string]interface{}{"name": name, "length": int64(1)},
	})
	require.NoError(t, err)

	return data
}

const nzbDoc = `<?xml version="1.0"?><nzb><file subject="s"></file></nzb>`

func drop(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func (env *testEnv) records(t *testing.T) []*storage.Download {
	t.Helper()

	records, err := env.repo.GetDownloads(context.Background())
	require.NoError(t, err)

	return records
}

func TestWatcherQueuesDroppedFiles(t *testing.T) {
	env := startWatcher(t)

	moviePath := drop(t, env.dropDir, filepath.Join("radarr", "movie.torrent"), validTorrent(t, "Some.Movie.2024"))
	showPath := drop(t, env.dropDir, filepath.Join("sonarr", "show.nzb"), []byte(nzbDoc))
	loosePath := drop(t, env.dropDir, "loose.torrent", validTorrent(t, "Loose.Release"))

	require.Eventually(t, func() bool {
		return len(env.records(t)) == 3
	}, 5*time.Second, 10*time.Millisecond, "dropped files should be queued")

	byFilename := make(map[string]*storage.Download)
	for _, d := range env.records(t) {
		byFilename[d.Filename] = d
	}

	movie := byFilename["Some.Movie.2024"]
	require.NotNil(t, movie)
	assert.Equal(t, storage.SourceTorrent, movie.SourceType)
	assert.Equal(t, "radarr", movie.Category)
	assert.Equal(t, storage.StatusQueued, movie.Status)

	show := byFilename["show.nzb"]
	require.NotNil(t, show)
	assert.Equal(t, storage.SourceNZB, show.SourceType)
	assert.Equal(t, "sonarr", show.Category)

	loose := byFilename["Loose.Release"]
	require.NotNil(t, loose)
	assert.Empty(t, loose.Category)

	// ingested files are removed so they are not queued twice
	require.Eventually(t, func() bool {
		for _, p := range []string{moviePath, showPath, loosePath} {
			if _, err := os.Stat(p); !os.IsNotExist(err) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// no duplicates after further sweeps
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.records(t), 3)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	env := startWatcher(t)

	junk := drop(t, env.dropDir, "notes.txt", []byte("keep me"))
	hidden := drop(t, env.dropDir, ".partial.torrent", validTorrent(t, "x"))
	tracked := drop(t, env.dropDir, "real.torrent", validTorrent(t, "Real.Release"))

	require.Eventually(t, func() bool {
		return len(env.records(t)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.FileExists(t, junk)
	assert.FileExists(t, hidden)
	assert.NoFileExists(t, tracked)
}

func TestWatcherSetsAsideRejectedFiles(t *testing.T) {
	env := startWatcher(t)

	bad := drop(t, env.dropDir, "broken.torrent", []byte("not a torrent at all"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(bad + ".rejected")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "invalid files should be set aside")

	assert.NoFileExists(t, bad)
	assert.Empty(t, env.records(t))

	// the set-aside file is not rescanned
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.records(t))
}

func TestWatcherDetectsNestedCategories(t *testing.T) {
	env := startWatcher(t)

	drop(t, env.dropDir, filepath.Join("whisparr", "season1", "ep.nzb"), []byte(nzbDoc))

	require.Eventually(t, func() bool {
		records := env.records(t)
		return len(records) == 1 && records[0].Category == "whisparr"
	}, 5*time.Second, 10*time.Millisecond)
}
