package intake

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"github.com/zeebo/bencode"
)

// maxSourceSize caps incoming metadata files. Torrent and NZB files are
// small; anything bigger is not a legitimate source file.
const maxSourceSize = 10 * 1024 * 1024 // 10MB

const dirPerm = 0755

// Categories understood by the import scanners downstream.
var knownCategories = map[string]bool{
	"radarr":   true,
	"sonarr":   true,
	"whisparr": true,
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// InvalidContentError represents a source file rejected before submission:
// wrong structure, empty payload, oversize or unknown category.
type InvalidContentError struct {
	Filename string // Name of the file that failed validation
	Reason   string // Human-readable explanation of why the content is invalid
	Err      error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid source content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// Service validates incoming source files, spools them and creates the
// queued record the worker picks up. It is shared by the upload endpoint and
// the blackhole watcher.
type Service struct {
	repo     storage.DownloadRepository
	spoolDir string
}

func NewService(repo storage.DownloadRepository, spoolDir string) *Service {
	return &Service{repo: repo, spoolDir: spoolDir}
}

// Request carries one source file into the queue.
type Request struct {
	Filename   string
	SourceType storage.SourceType
	Category   string
	Data       []byte
}

// Enqueue validates the source file, writes it to the spool directory and
// creates the queued download record.
func (s *Service) Enqueue(ctx context.Context, req Request) (*storage.Download, error) {
	logger := logctx.LoggerFromContext(ctx)

	if len(req.Data) == 0 {
		return nil, &InvalidContentError{Filename: req.Filename, Reason: "file is empty"}
	}

	if len(req.Data) > maxSourceSize {
		return nil, &InvalidContentError{
			Filename: req.Filename,
			Reason:   fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(req.Data), maxSourceSize),
		}
	}

	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category != "" && !knownCategories[category] {
		return nil, &InvalidContentError{
			Filename: req.Filename,
			Reason:   fmt.Sprintf("unknown category %q, must be radarr, sonarr or whisparr", req.Category),
		}
	}

	displayName := req.Filename

	switch req.SourceType {
	case storage.SourceTorrent:
		name, err := torrentName(req.Data)
		if err != nil {
			return nil, &InvalidContentError{Filename: req.Filename, Reason: err.Error(), Err: err}
		}

		if name != "" {
			displayName = name
		}
	case storage.SourceNZB:
		if err := sniffNZB(req.Data); err != nil {
			return nil, &InvalidContentError{Filename: req.Filename, Reason: err.Error(), Err: err}
		}
	default:
		return nil, &InvalidContentError{Filename: req.Filename, Reason: fmt.Sprintf("unknown source type %q", req.SourceType)}
	}

	if err := os.MkdirAll(s.spoolDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	safeName := unsafeChars.ReplaceAllString(filepath.Base(req.Filename), "_")
	if safeName == "" || safeName == "." {
		safeName = "source.bin"
	}

	if displayName == "" {
		displayName = safeName
	}

	spoolPath := filepath.Join(s.spoolDir, fmt.Sprintf("%s_%s", uuid.NewString(), safeName))

	if err := os.WriteFile(spoolPath, req.Data, 0644); err != nil {
		return nil, fmt.Errorf("failed to spool source file: %w", err)
	}

	d := &storage.Download{
		Filename:   displayName,
		SourceType: req.SourceType,
		Category:   category,
		SourcePath: spoolPath,
	}

	if err := s.repo.CreateDownload(ctx, d); err != nil {
		if rmErr := os.Remove(spoolPath); rmErr != nil {
			logger.WarnContext(ctx, "failed to remove spooled file", "path", spoolPath, "err", rmErr)
		}

		return nil, fmt.Errorf("failed to create download record: %w", err)
	}

	logger.InfoContext(ctx, "download queued",
		"download_id", d.ID,
		"filename", d.Filename,
		"source_type", d.SourceType,
		"category", d.Category,
	)

	return d, nil
}

// torrentName checks the bencode structure of a metainfo file and returns
// the display name it advertises. The root must be a dictionary with an info
// dictionary inside, which is what the remote service expects to receive.
func torrentName(data []byte) (string, error) {
	var torrentData interface{}
	if err := bencode.DecodeBytes(data, &torrentData); err != nil {
		return "", fmt.Errorf("invalid bencode structure: %w", err)
	}

	dict, ok := torrentData.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("bencode root must be a dictionary")
	}

	info, ok := dict["info"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("bencode missing required 'info' dictionary")
	}

	name, _ := info["name"].(string)

	return name, nil
}

// sniffNZB confirms the payload is an XML document whose root element is nzb.
func sniffNZB(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))

	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid nzb document: %w", err)
		}

		if start, ok := tok.(xml.StartElement); ok {
			if !strings.EqualFold(start.Name.Local, "nzb") {
				return fmt.Errorf("unexpected root element %q, want nzb", start.Name.Local)
			}

			return nil
		}
	}
}
