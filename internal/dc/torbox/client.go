package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/debrid_downloader/internal/dc"
	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/ratelimit"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	apiPrefix = "/v1/api"

	maxErrorBody = 32 * 1024 // cap error bodies read into messages
)

// Client talks to the Torbox main API. Every request starts through the
// shared rate limiter so submit, poll and fetch traffic all count against
// the same rolling window.
type Client struct {
	baseURL string
	token   string
	limiter *ratelimit.Limiter

	api    *http.Client // bounded per-call timeout for JSON endpoints
	stream *http.Client // no overall timeout, result streams can run long
}

// Ensure Client implements the debrid client contract.
var _ dc.Client = (*Client)(nil)

func NewClient(baseURL, apiKey string, limiter *ratelimit.Limiter, timeout time.Duration) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey})
	baseCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	authClient := oauth2.NewClient(baseCtx, tokenSource)

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   apiKey,
		limiter: limiter,
		api:     &http.Client{Transport: authClient.Transport, Timeout: timeout},
		stream:  authClient,
	}
}

// apiEnvelope is the common Torbox response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Detail  string          `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

// createData covers the id variants the create endpoints answer with. For
// torrents the hash is the reference used by every follow-up endpoint.
type createData struct {
	Hash             string      `json:"hash"`
	ID               json.Number `json:"id"`
	TorrentID        json.Number `json:"torrent_id"`
	UsenetDownloadID json.Number `json:"usenetdownload_id"`
	UsenetID         json.Number `json:"usenet_id"`
	Torrent          *struct {
		Hash string      `json:"hash"`
		ID   json.Number `json:"id"`
	} `json:"torrent"`
}

// listEntry is one row of a mylist response.
type listEntry struct {
	ID            json.Number `json:"id"`
	Hash          string      `json:"hash"`
	Name          string      `json:"name"`
	DownloadState string      `json:"download_state"`
}

// Submit uploads a torrent or NZB file and returns the remote reference.
func (c *Client) Submit(ctx context.Context, sub dc.Submission) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("filename", sub.Filename, "source_type", sub.SourceType)

	var endpoint string

	switch sub.SourceType {
	case storage.SourceTorrent:
		endpoint = c.baseURL + apiPrefix + "/torrents/createtorrent"
	case storage.SourceNZB:
		endpoint = c.baseURL + apiPrefix + "/usenet/createusenetdownload"
	default:
		return "", &dc.SubmissionError{
			Filename:   sub.Filename,
			APIMessage: fmt.Sprintf("unsupported source type %q", sub.SourceType),
		}
	}

	var body bytes.Buffer

	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", sub.Filename)
	if err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}

	if _, err := part.Write(sub.Data); err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}

	if err := form.Close(); err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}

	req.Header.Set("Content-Type", form.FormDataContentType())

	if err := c.limiter.Acquire(ctx); err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}

	logger.InfoContext(ctx, "submitting file to Torbox", "size_bytes", len(sub.Data))

	resp, err := c.api.Do(req)
	if err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return "", &dc.SubmissionError{
			Filename:   sub.Filename,
			StatusCode: resp.StatusCode,
			APIMessage: apiMessage(raw),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: err.Error(), Err: err}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: "invalid JSON in create response", Err: err}
	}

	if !env.Success && env.Detail != "" {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: env.Detail}
	}

	var data createData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: "invalid JSON in create response", Err: err}
		}
	}

	remoteID := remoteIDFromCreate(sub.SourceType, data)
	if remoteID == "" {
		return "", &dc.SubmissionError{Filename: sub.Filename, APIMessage: "create response missing remote id"}
	}

	logger.InfoContext(ctx, "file accepted by Torbox", "remote_id", remoteID)

	return remoteID, nil
}

// remoteIDFromCreate normalises the id variants the create endpoints use.
// Torrents are referenced by hash everywhere else, so the hash wins.
func remoteIDFromCreate(source storage.SourceType, data createData) string {
	if source == storage.SourceTorrent {
		var nestedHash, nestedID string

		if data.Torrent != nil {
			nestedHash = data.Torrent.Hash
			nestedID = data.Torrent.ID.String()
		}

		return firstNonEmpty(data.Hash, nestedHash, data.TorrentID.String(), data.ID.String(), nestedID)
	}

	return firstNonEmpty(data.UsenetDownloadID.String(), data.UsenetID.String(), data.ID.String())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// PollStatus looks the submission up in mylist and, when present and healthy,
// asks for a download link. Readiness is defined by the link being grantable:
// the list endpoint's status fields drift across API revisions, the link
// request does not.
func (c *Client) PollStatus(ctx context.Context, source storage.SourceType, remoteID string) (*dc.RemoteStatus, error) {
	logger := logctx.LoggerFromContext(ctx).With("remote_id", remoteID, "source_type", source)

	entry, found, err := c.findInList(ctx, source, remoteID)
	if err != nil {
		return nil, err
	}

	if !found {
		logger.DebugContext(ctx, "submission not listed yet, still processing")

		return &dc.RemoteStatus{State: dc.RemotePending}, nil
	}

	state := strings.ToLower(entry.DownloadState)
	if strings.Contains(state, "failed") || strings.Contains(state, "error") {
		return &dc.RemoteStatus{State: dc.RemoteErrored, Message: entry.DownloadState}, nil
	}

	link, err := c.requestLink(ctx, source, remoteID, entry)
	if err != nil {
		return nil, err
	}

	if link == "" {
		logger.DebugContext(ctx, "download link not grantable yet", "download_state", entry.DownloadState)

		return &dc.RemoteStatus{State: dc.RemotePending}, nil
	}

	return &dc.RemoteStatus{State: dc.RemoteReady, DownloadLinks: []string{link}}, nil
}

// findInList fetches mylist for the source kind and picks the matching entry.
// Torrents match by hash, usenet jobs by numeric id.
func (c *Client) findInList(ctx context.Context, source storage.SourceType, remoteID string) (listEntry, bool, error) {
	endpoint := c.baseURL + apiPrefix + "/usenet/mylist"
	if source == storage.SourceTorrent {
		endpoint = c.baseURL + apiPrefix + "/torrents/mylist"
	}

	params := url.Values{}
	params.Set("token", c.token)

	env, statusCode, err := c.getJSON(ctx, endpoint, params)
	if err != nil {
		return listEntry{}, false, &dc.PollError{RemoteID: remoteID, StatusCode: statusCode, APIMessage: errMessage(err), Err: err}
	}

	var entries []listEntry
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			// A single in-flight job may come back as a bare object.
			var single listEntry
			if err2 := json.Unmarshal(env.Data, &single); err2 != nil {
				return listEntry{}, false, &dc.PollError{RemoteID: remoteID, APIMessage: "invalid JSON in list response", Err: err}
			}

			entries = []listEntry{single}
		}
	}

	for _, entry := range entries {
		if source == storage.SourceTorrent {
			if strings.EqualFold(entry.Hash, remoteID) || entry.ID.String() == remoteID {
				return entry, true, nil
			}
		} else if entry.ID.String() == remoteID {
			return entry, true, nil
		}
	}

	return listEntry{}, false, nil
}

// requestLink asks for a download link. A 404/422/500 answer means the job is
// not ready yet, not that the poll failed.
func (c *Client) requestLink(ctx context.Context, source storage.SourceType, remoteID string, entry listEntry) (string, error) {
	params := url.Values{}
	params.Set("token", c.token)
	params.Set("redirect", "false")

	var endpoint string

	if source == storage.SourceTorrent {
		endpoint = c.baseURL + apiPrefix + "/torrents/requestdl"
		params.Set("zip_link", "true")
		params.Set("hash", remoteID)

		if id := entry.ID.String(); id != "" {
			params.Set("torrent_id", id)
		}
	} else {
		endpoint = c.baseURL + apiPrefix + "/usenet/requestdl"
		params.Set("zip_link", "false")
		params.Set("usenet_id", remoteID)
	}

	env, statusCode, err := c.getJSON(ctx, endpoint, params)
	if err != nil {
		switch statusCode {
		case http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusInternalServerError:
			return "", nil
		}

		return "", &dc.PollError{RemoteID: remoteID, StatusCode: statusCode, APIMessage: errMessage(err), Err: err}
	}

	if !env.Success || len(env.Data) == 0 {
		return "", nil
	}

	// The link arrives either as a bare string or wrapped in an object.
	var link string
	if err := json.Unmarshal(env.Data, &link); err != nil {
		var obj struct {
			DownloadURL string `json:"download_url"`
			Link        string `json:"link"`
			URL         string `json:"url"`
		}

		if err := json.Unmarshal(env.Data, &obj); err != nil {
			return "", nil
		}

		link = firstNonEmpty(obj.DownloadURL, obj.Link, obj.URL)
	}

	return link, nil
}

// FetchFile opens the result stream behind a granted link.
func (c *Client) FetchFile(ctx context.Context, link string) (*dc.FileStream, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, &dc.FetchError{Operation: "open_stream", APIMessage: err.Error(), Err: err}
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, &dc.FetchError{Operation: "open_stream", APIMessage: err.Error(), Err: err}
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, &dc.FetchError{Operation: "open_stream", APIMessage: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		return nil, &dc.FetchError{
			Operation:  "open_stream",
			StatusCode: resp.StatusCode,
			APIMessage: apiMessage(raw),
		}
	}

	filename := dispositionFilename(resp.Header.Get("Content-Disposition"))

	logger.DebugContext(ctx, "result stream opened", "size_bytes", resp.ContentLength, "remote_filename", filename)

	return &dc.FileStream{
		Body:     resp.Body,
		Size:     resp.ContentLength,
		Filename: filename,
	}, nil
}

// getJSON performs a rate-limited GET and decodes the response envelope.
// Non-2xx answers come back as *httpStatusError so callers can branch on the
// status code.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values) (apiEnvelope, int, error) {
	var env apiEnvelope

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return env, 0, err
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return env, 0, err
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return env, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return env, resp.StatusCode, &httpStatusError{status: resp.StatusCode, message: apiMessage(raw)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, resp.StatusCode, err
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, resp.StatusCode, fmt.Errorf("invalid JSON response: %w", err)
	}

	return env, resp.StatusCode, nil
}

type httpStatusError struct {
	status  int
	message string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.message)
}

// apiMessage extracts the API's own error detail from a raw body, falling
// back to the body text.
func apiMessage(raw []byte) string {
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Detail != "" {
		return env.Detail
	}

	return strings.TrimSpace(string(raw))
}

func errMessage(err error) string {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.message
	}

	return err.Error()
}

func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	return params["filename"]
}
