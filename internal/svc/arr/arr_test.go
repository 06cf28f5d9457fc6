package arr_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/italolelis/debrid_downloader/internal/svc/arr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDownloads(t *testing.T) {
	type command struct {
		Name       string `json:"name"`
		Path       string `json:"path"`
		ImportMode string `json:"importMode"`
	}

	var got command
	var gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v3/command", r.URL.Path)

		gotKey = r.Header.Get("X-Api-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := arr.NewClient("secret", server.URL+"/", arr.MoviesScanCommand)

	err := client.ScanDownloads(context.Background(), "/downloads/radarr/movie.mkv")
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, arr.MoviesScanCommand, got.Name)
	assert.Equal(t, "/downloads/radarr/movie.mkv", got.Path)
	assert.Equal(t, "Move", got.ImportMode)
}

func TestScanDownloadsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := arr.NewClient("wrong", server.URL, arr.EpisodesScanCommand)

	err := client.ScanDownloads(context.Background(), "/downloads/sonarr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status: 401")
}

func TestScannersRouteByCategory(t *testing.T) {
	var sonarrHits, radarrHits atomic.Int32

	sonarr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sonarrHits.Add(1)
	}))
	defer sonarr.Close()

	radarr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		radarrHits.Add(1)
	}))
	defer radarr.Close()

	scanners := arr.Scanners{
		"sonarr": arr.NewClient("k", sonarr.URL, arr.EpisodesScanCommand),
		"radarr": arr.NewClient("k", radarr.URL, arr.MoviesScanCommand),
	}

	ctx := context.Background()

	require.NoError(t, scanners.ScanFor(ctx, "Radarr", "/downloads/radarr/movie.mkv"))
	assert.Equal(t, int32(1), radarrHits.Load())
	assert.Equal(t, int32(0), sonarrHits.Load())

	require.NoError(t, scanners.ScanFor(ctx, "sonarr", "/downloads/sonarr/episode.mkv"))
	assert.Equal(t, int32(1), sonarrHits.Load())

	// unmapped categories are a silent no-op
	require.NoError(t, scanners.ScanFor(ctx, "books", "/downloads/books"))
	assert.Equal(t, int32(1), radarrHits.Load())
	assert.Equal(t, int32(1), sonarrHits.Load())
}
