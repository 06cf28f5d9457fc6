package intake_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/debrid_downloader/internal/intake"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/italolelis/debrid_downloader/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func newTestService(t *testing.T) (*intake.Service, *sqlite.DownloadRepository, string) {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewDownloadRepository(db)
	spoolDir := filepath.Join(dir, "spool")

	return intake.NewService(repo, spoolDir), repo, spoolDir
}

func encodeTorrent(t *testing.T, name string) []byte {
	t.Helper()

	data, err := bencode.EncodeBytes(map[string]interface{}{
		"announce": "http://tracker.test/announce",
		"info": map[string]interface{}{
			"name":         name,
			"length":       int64(1024),
			"piece length": int64(262144),
		},
	})
	require.NoError(t, err)

	return data
}

const nzbDoc = `<?xml version="1.0" encoding="UTF-8"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <file poster="poster" date="1234" subject="release.part01"></file>
</nzb>`

func TestEnqueueTorrent(t *testing.T) {
	svc, _, spoolDir := newTestService(t)

	d, err := svc.Enqueue(context.Background(), intake.Request{
		Filename:   "upload.torrent",
		SourceType: storage.SourceTorrent,
		Category:   "Radarr",
		Data:       encodeTorrent(t, "Some.Movie.2024.1080p"),
	})
	require.NoError(t, err)

	assert.Equal(t, storage.StatusQueued, d.Status)
	assert.Equal(t, "Some.Movie.2024.1080p", d.Filename, "display name comes from the metainfo")
	assert.Equal(t, "radarr", d.Category)

	require.NotEmpty(t, d.SourcePath)
	assert.Equal(t, spoolDir, filepath.Dir(d.SourcePath))

	spooled, err := os.ReadFile(d.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, encodeTorrent(t, "Some.Movie.2024.1080p"), spooled)
}

func TestEnqueueTorrentWithoutName(t *testing.T) {
	svc, _, _ := newTestService(t)

	data, err := bencode.EncodeBytes(map[string]interface{}{
		"info": map[string]interface{}{"length": int64(1)},
	})
	require.NoError(t, err)

	d, err := svc.Enqueue(context.Background(), intake.Request{
		Filename:   "upload.torrent",
		SourceType: storage.SourceTorrent,
		Data:       data,
	})
	require.NoError(t, err)
	assert.Equal(t, "upload.torrent", d.Filename, "uploaded filename is the fallback display name")
}

func TestEnqueueNZB(t *testing.T) {
	svc, _, _ := newTestService(t)

	d, err := svc.Enqueue(context.Background(), intake.Request{
		Filename:   "show.s01e01.nzb",
		SourceType: storage.SourceNZB,
		Category:   "sonarr",
		Data:       []byte(nzbDoc),
	})
	require.NoError(t, err)

	assert.Equal(t, "show.s01e01.nzb", d.Filename)
	assert.Equal(t, storage.SourceNZB, d.SourceType)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	svc, repo, spoolDir := newTestService(t)

	tests := []struct {
		name   string
		req    intake.Request
		reason string
	}{
		{
			name:   "empty file",
			req:    intake.Request{Filename: "x.torrent", SourceType: storage.SourceTorrent},
			reason: "file is empty",
		},
		{
			name: "unknown category",
			req: intake.Request{
				Filename:   "x.torrent",
				SourceType: storage.SourceTorrent,
				Category:   "lidarr",
				Data:       encodeTorrent(t, "x"),
			},
			reason: "unknown category",
		},
		{
			name: "broken bencode",
			req: intake.Request{
				Filename:   "x.torrent",
				SourceType: storage.SourceTorrent,
				Data:       []byte("d8:announce"),
			},
			reason: "invalid bencode structure",
		},
		{
			name: "bencode root not a dictionary",
			req: intake.Request{
				Filename:   "x.torrent",
				SourceType: storage.SourceTorrent,
				Data:       []byte("4:spam"),
			},
			reason: "root must be a dictionary",
		},
		{
			name: "missing info dictionary",
			req: intake.Request{
				Filename:   "x.torrent",
				SourceType: storage.SourceTorrent,
				Data:       []byte("d8:announce4:spame"),
			},
			reason: "missing required 'info' dictionary",
		},
		{
			name: "nzb that is not xml",
			req: intake.Request{
				Filename:   "x.nzb",
				SourceType: storage.SourceNZB,
				Data:       []byte("definitely not xml"),
			},
			reason: "invalid nzb document",
		},
		{
			name: "xml with wrong root element",
			req: intake.Request{
				Filename:   "x.nzb",
				SourceType: storage.SourceNZB,
				Data:       []byte(`<?xml version="1.0"?><rss></rss>`),
			},
			reason: `unexpected root element "rss"`,
		},
		{
			name: "unknown source type",
			req: intake.Request{
				Filename:   "x.bin",
				SourceType: storage.SourceType("magnet"),
				Data:       []byte("x"),
			},
			reason: "unknown source type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), tt.req)
			require.Error(t, err)

			var contentErr *intake.InvalidContentError
			require.ErrorAs(t, err, &contentErr)
			assert.Contains(t, contentErr.Reason, tt.reason)
		})
	}

	// no records, no stray spool files
	records, err := repo.GetDownloads(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = os.Stat(spoolDir)
	assert.True(t, os.IsNotExist(err), "rejected uploads must not create spool files")
}

func TestEnqueueSanitizesSpoolName(t *testing.T) {
	svc, _, _ := newTestService(t)

	d, err := svc.Enqueue(context.Background(), intake.Request{
		Filename:   "../weird name?.nzb",
		SourceType: storage.SourceNZB,
		Data:       []byte(nzbDoc),
	})
	require.NoError(t, err)

	base := filepath.Base(d.SourcePath)
	assert.NotContains(t, base, "..")
	assert.NotContains(t, base, "?")
	assert.NotContains(t, base, " ")
	assert.FileExists(t, d.SourcePath)
}
