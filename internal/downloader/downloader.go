package downloader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/debrid_downloader/internal/dc"
	"github.com/italolelis/debrid_downloader/internal/downloader/progress"
	"github.com/italolelis/debrid_downloader/internal/logctx"
)

const (
	dirPerm = 0755

	copyBufSize      = 256 * 1024      // read boundary, cancellation is checked per buffer
	progressInterval = 1 * 1024 * 1024 // report progress every 1MB
	speedWindow      = 5 * time.Second // trailing window for speed smoothing
)

// Downloader streams fetched files into the local download directory.
type Downloader struct {
	downloadDir string
}

func New(downloadDir string) *Downloader {
	return &Downloader{downloadDir: downloadDir}
}

// SaveRequest describes where a stream should land and how to report on it.
type SaveRequest struct {
	DownloadID int64  // keys the staging file; concurrent transfers must never share one
	Filename   string // fallback name when the stream carries none
	Category   string // optional subfolder under the download root
	OnProgress func(progress int, speedBPS int64)
}

// Save writes the stream to a temporary .part file and promotes it to its
// final name only after the full length arrived. It returns the final local
// path, which may be an extracted folder when the payload is a zip archive.
// Cancellation is honored between buffer-sized reads; the partial file is
// removed on any failure.
func (d *Downloader) Save(ctx context.Context, stream *dc.FileStream, req SaveRequest) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	targetDir := d.downloadDir
	if req.Category != "" {
		targetDir = filepath.Join(targetDir, strings.ToLower(req.Category))
	}

	if err := os.MkdirAll(targetDir, dirPerm); err != nil {
		return "", &StorageError{Path: targetDir, Operation: "create_dir", Err: err}
	}

	name := sanitizeFilename(stream.Filename)
	if name == "" {
		name = sanitizeFilename(req.Filename)
	}

	if name == "" {
		name = "download"
	}

	// Staging is keyed by the record id: two in-flight transfers can carry
	// the same remote filename and must never share a partial file. The
	// user-facing name is resolved only at promotion time.
	partPath := filepath.Join(targetDir, fmt.Sprintf("%d_%s.part", req.DownloadID, name))

	written, err := d.writeStream(ctx, partPath, stream, req.OnProgress)
	if err != nil {
		d.removePartial(ctx, partPath)

		return "", err
	}

	if stream.Size >= 0 && written != stream.Size {
		d.removePartial(ctx, partPath)

		return "", &dc.FetchError{
			Operation:  "read_stream",
			APIMessage: fmt.Sprintf("stream truncated: got %d of %d bytes", written, stream.Size),
		}
	}

	finalPath, err := claimPath(targetDir, name, claimFile)
	if err != nil {
		d.removePartial(ctx, partPath)

		return "", &StorageError{Path: targetDir, Operation: "allocate_path", Err: err}
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		d.removePartial(ctx, partPath)
		d.removePartial(ctx, finalPath)

		return "", &StorageError{Path: finalPath, Operation: "rename", Err: err}
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", finalPath, "file_size", humanize.Bytes(uint64(written)))

	return d.finalize(ctx, finalPath)
}

func (d *Downloader) writeStream(ctx context.Context, partPath string, stream *dc.FileStream, onProgress func(int, int64)) (int64, error) {
	out, err := os.Create(partPath)
	if err != nil {
		return 0, &StorageError{Path: partPath, Operation: "create_file", Err: err}
	}

	meter := progress.NewSpeedMeter(speedWindow)

	var src io.Reader = &meteredReader{src: stream.Body, meter: meter}

	if onProgress != nil {
		src = progress.NewReader(src, stream.Size, progressInterval, func(written, total int64) {
			onProgress(percentOf(written, total), meter.BytesPerSecond())
		})
	}

	var written int64

	buf := make([]byte, copyBufSize)

	for {
		if err := ctx.Err(); err != nil {
			out.Close()

			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()

				return written, &StorageError{Path: partPath, Operation: "write_file", Err: writeErr}
			}

			written += int64(n)
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			out.Close()

			return written, &dc.FetchError{Operation: "read_stream", APIMessage: readErr.Error(), Err: readErr}
		}
	}

	if err := out.Close(); err != nil {
		return written, &StorageError{Path: partPath, Operation: "close_file", Err: err}
	}

	return written, nil
}

// finalize unpacks zip payloads in place. Extraction failures keep the
// archive as the result rather than failing the whole download.
func (d *Downloader) finalize(ctx context.Context, path string) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	if !looksLikeZip(path) {
		return path, nil
	}

	extracted, err := extractZip(path)
	if err != nil {
		logger.WarnContext(ctx, "failed to extract archive, keeping it as-is", "path", path, "err", err)

		return path, nil
	}

	if err := os.Remove(path); err != nil {
		logger.WarnContext(ctx, "failed to remove archive after extraction", "path", path, "err", err)
	}

	logger.InfoContext(ctx, "extracted archive", "archive", path, "target", extracted)

	return extracted, nil
}

func (d *Downloader) removePartial(ctx context.Context, partPath string) {
	if err := os.Remove(partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "path", partPath, "err", err)
	}
}

// meteredReader feeds every chunk through the speed meter before the
// progress callback can observe the rate.
type meteredReader struct {
	src   io.Reader
	meter *progress.SpeedMeter
}

func (r *meteredReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.meter.Add(int64(n))
	}

	return n, err
}

func percentOf(written, total int64) int {
	if total <= 0 {
		return 0
	}

	pct := int(written * 100 / total)
	if pct > 100 {
		pct = 100
	}

	return pct
}

// sanitizeFilename strips path components and characters that are unsafe on
// common filesystems.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}

	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		default:
			return r
		}
	}, name)
}

// claimPath picks a non-colliding path for name under dir, suffixing " (n)"
// before the extension until claim succeeds. claim must create the path
// exclusively, otherwise two transfers finishing with the same name could
// settle on the same target.
func claimPath(dir, name string, claim func(path string) error) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)

	for i := 1; ; i++ {
		err := claim(candidate)
		if err == nil {
			return candidate, nil
		}

		if !errors.Is(err, os.ErrExist) {
			return "", err
		}

		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

// claimFile reserves a target as a zero-byte exclusive create; the finished
// payload is renamed over it.
func claimFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}

	return f.Close()
}

func looksLikeZip(path string) bool {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return true
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}

	return string(magic) == "PK\x03\x04"
}

func extractZip(archivePath string) (string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	base := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))

	extractDir, err := claimPath(filepath.Dir(archivePath), base, func(path string) error {
		return os.Mkdir(path, dirPerm)
	})
	if err != nil {
		return "", err
	}

	for _, entry := range reader.File {
		if err := extractZipEntry(extractDir, entry); err != nil {
			return "", err
		}
	}

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", err
	}

	// Single-file archives collapse to the file itself.
	if len(entries) == 1 && !entries[0].IsDir() {
		return filepath.Join(extractDir, entries[0].Name()), nil
	}

	return extractDir, nil
}

func extractZipEntry(destDir string, entry *zip.File) error {
	cleaned := filepath.Clean(entry.Name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("archive entry escapes extraction dir: %s", entry.Name)
	}

	target := filepath.Join(destDir, cleaned)

	if entry.FileInfo().IsDir() {
		return os.MkdirAll(target, dirPerm)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return err
	}

	return nil
}
