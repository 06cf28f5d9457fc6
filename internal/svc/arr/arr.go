package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scan command names understood by the *arr import scanners. Whisparr is
// Sonarr-like and uses the episodes command.
const (
	MoviesScanCommand   = "DownloadedMoviesScan"
	EpisodesScanCommand = "DownloadedEpisodesScan"
)

// Client represents an *arr API client.
type Client struct {
	client      *http.Client
	apiKey      string
	baseURL     string
	scanCommand string
}

// NewClient creates a new *arr API client that triggers scanCommand when a
// download finishes.
func NewClient(apiKey, baseURL, scanCommand string) *Client {
	return &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		scanCommand: scanCommand,
	}
}

type commandRequest struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	ImportMode string `json:"importMode"`
}

// ScanDownloads asks the application to import finished files from path. The
// import mode moves files out of the download folder rather than copying.
func (c *Client) ScanDownloads(ctx context.Context, path string) error {
	body, err := json.Marshal(commandRequest{
		Name:       c.scanCommand,
		Path:       path,
		ImportMode: "Move",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	url := c.baseURL + "/api/v3/command"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("url: %s, status: %d", url, resp.StatusCode)
	}

	return nil
}

// Scanners routes completed downloads to the import scanner configured for
// their category. Categories without a scanner are ignored.
type Scanners map[string]*Client

// ScanFor triggers the scan command of the client registered for category.
func (s Scanners) ScanFor(ctx context.Context, category, path string) error {
	client, ok := s[strings.ToLower(category)]
	if !ok || client == nil {
		return nil
	}

	return client.ScanDownloads(ctx, path)
}
