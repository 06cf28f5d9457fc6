package torbox_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/debrid_downloader/internal/dc"
	"github.com/italolelis/debrid_downloader/internal/dc/torbox"
	"github.com/italolelis/debrid_downloader/internal/ratelimit"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a client with a limiter wide enough to never pace the test.
func newTestClient(t *testing.T, baseURL string) *torbox.Client {
	t.Helper()

	limiter := ratelimit.New(1000, time.Millisecond)
	t.Cleanup(limiter.Close)

	return torbox.NewClient(baseURL, "test-key", limiter, 5*time.Second)
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		sourceType storage.SourceType
		wantPath   string
		response   string
		wantID     string
	}{
		{
			name:       "torrent create returns hash",
			sourceType: storage.SourceTorrent,
			wantPath:   "/v1/api/torrents/createtorrent",
			response:   `{"success":true,"data":{"torrent_id":42,"hash":"abc123"}}`,
			wantID:     "abc123",
		},
		{
			name:       "usenet create returns id",
			sourceType: storage.SourceNZB,
			wantPath:   "/v1/api/usenet/createusenetdownload",
			response:   `{"success":true,"data":{"usenetdownload_id":77}}`,
			wantID:     "77",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotAuth, gotFilename string

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")

				require.NoError(t, r.ParseMultipartForm(1<<20))

				file, header, err := r.FormFile("file")
				require.NoError(t, err)
				defer file.Close()

				gotFilename = header.Filename

				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, tt.response)
			}))
			defer ts.Close()

			client := newTestClient(t, ts.URL)

			remoteID, err := client.Submit(context.Background(), dc.Submission{
				Filename:   "release.bin",
				SourceType: tt.sourceType,
				Data:       []byte("payload"),
			})
			assert.NoError(t, err)
			assert.Equal(t, tt.wantID, remoteID)
			assert.Equal(t, tt.wantPath, gotPath)
			assert.Equal(t, "Bearer test-key", gotAuth)
			assert.Equal(t, "release.bin", gotFilename)
		})
	}
}

func TestSubmitRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"success":false,"detail":"invalid torrent file"}`)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	_, err := client.Submit(context.Background(), dc.Submission{
		Filename:   "broken.torrent",
		SourceType: storage.SourceTorrent,
		Data:       []byte("not bencode"),
	})
	require.Error(t, err)

	var subErr *dc.SubmissionError

	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, http.StatusUnprocessableEntity, subErr.StatusCode)
	assert.Equal(t, "invalid torrent file", subErr.APIMessage)
	assert.Equal(t, "broken.torrent", subErr.Filename)
}

func TestSubmitMissingRemoteID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":{}}`)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	_, err := client.Submit(context.Background(), dc.Submission{
		Filename:   "release.nzb",
		SourceType: storage.SourceNZB,
		Data:       []byte("<nzb/>"),
	})

	var subErr *dc.SubmissionError

	require.True(t, errors.As(err, &subErr))
	assert.Contains(t, subErr.APIMessage, "missing remote id")
}

func TestPollStatusPendingWhenUnlisted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/api/torrents/mylist", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("token"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":[]}`)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	status, err := client.PollStatus(context.Background(), storage.SourceTorrent, "abc123")
	require.NoError(t, err)
	assert.Equal(t, dc.RemotePending, status.State)
	assert.Empty(t, status.DownloadLinks)
}

func TestPollStatusReadyWhenLinkGranted(t *testing.T) {
	var requestdlCalled bool

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/api/torrents/mylist":
			fmt.Fprint(w, `{"success":true,"data":[{"id":42,"hash":"abc123","download_state":"completed"}]}`)
		case "/v1/api/torrents/requestdl":
			requestdlCalled = true

			assert.Equal(t, "abc123", r.URL.Query().Get("hash"))
			assert.Equal(t, "42", r.URL.Query().Get("torrent_id"))
			assert.Equal(t, "true", r.URL.Query().Get("zip_link"))
			fmt.Fprint(w, `{"success":true,"data":"https://cdn.example.com/file.zip"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	status, err := client.PollStatus(context.Background(), storage.SourceTorrent, "abc123")
	require.NoError(t, err)
	assert.True(t, requestdlCalled)
	assert.Equal(t, dc.RemoteReady, status.State)
	assert.Equal(t, []string{"https://cdn.example.com/file.zip"}, status.DownloadLinks)
}

func TestPollStatusPendingWhenLinkNotGrantable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/v1/api/usenet/mylist":
			fmt.Fprint(w, `{"success":true,"data":[{"id":77,"download_state":"downloading"}]}`)
		case "/v1/api/usenet/requestdl":
			assert.Equal(t, "77", r.URL.Query().Get("usenet_id"))
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"success":false,"detail":"not ready"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	status, err := client.PollStatus(context.Background(), storage.SourceNZB, "77")
	require.NoError(t, err)
	assert.Equal(t, dc.RemotePending, status.State)
}

func TestPollStatusErrored(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/api/torrents/mylist" {
			t.Errorf("unexpected path %s, errored jobs must not request links", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":[{"id":42,"hash":"abc123","download_state":"failed (dead torrent)"}]}`)
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	status, err := client.PollStatus(context.Background(), storage.SourceTorrent, "abc123")
	require.NoError(t, err)
	assert.Equal(t, dc.RemoteErrored, status.State)
	assert.Equal(t, "failed (dead torrent)", status.Message)
}

func TestPollStatusListFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	_, err := client.PollStatus(context.Background(), storage.SourceNZB, "77")
	require.Error(t, err)

	var pollErr *dc.PollError

	require.True(t, errors.As(err, &pollErr))
	assert.Equal(t, http.StatusBadGateway, pollErr.StatusCode)
	assert.Equal(t, "77", pollErr.RemoteID)
}

func TestFetchFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="show.s01e01.mkv"`)
		w.Header().Set("Content-Length", "11")
		fmt.Fprint(w, "mkv content")
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	stream, err := client.FetchFile(context.Background(), ts.URL+"/dl/abc123")
	require.NoError(t, err)
	defer stream.Body.Close()

	assert.Equal(t, "show.s01e01.mkv", stream.Filename)
	assert.Equal(t, int64(11), stream.Size)

	content, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "mkv content", string(content))
}

func TestFetchFileRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "link expired")
	}))
	defer ts.Close()

	client := newTestClient(t, ts.URL)

	_, err := client.FetchFile(context.Background(), ts.URL+"/dl/abc123")
	require.Error(t, err)

	var fetchErr *dc.FetchError

	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
	assert.Equal(t, "open_stream", fetchErr.Operation)
}
