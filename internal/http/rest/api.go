package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/debrid_downloader/internal/config"
	"github.com/italolelis/debrid_downloader/internal/intake"
	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/storage"
)

// maxUploadSize bounds the multipart form. Intake enforces the real source
// file cap, this just keeps the parser from buffering arbitrary bodies.
const maxUploadSize = 12 * 1024 * 1024

// Lifecycle is the worker surface the API drives.
type Lifecycle interface {
	Cancel(ctx context.Context, id int64) (bool, error)
	Running() bool
}

// DownloadsHandler serves the ingress REST API: uploads, listing, cancel,
// delete, settings and health.
type DownloadsHandler struct {
	repo     storage.DownloadRepository
	settings storage.SettingsRepository
	intake   *intake.Service
	worker   Lifecycle
	username string
	password string
}

// NewDownloadsHandler creates a new downloads API handler. Empty username
// disables basic auth.
func NewDownloadsHandler(repo storage.DownloadRepository, settings storage.SettingsRepository, intakeSvc *intake.Service, worker Lifecycle, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		repo:     repo,
		settings: settings,
		intake:   intakeSvc,
		worker:   worker,
		username: username,
		password: password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.handleList)
			r.Post("/upload", h.handleUpload)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGet)
				r.Post("/cancel", h.handleCancel)
				r.Delete("/", h.handleDelete)
			})
		})

		r.Get("/settings", h.handleGetSettings)
		r.Put("/settings", h.handlePutSettings)
	})

	return r
}

// downloadResponse is the wire view of a download record.
type downloadResponse struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	SourceType string    `json:"source_type"`
	Category   string    `json:"category,omitempty"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	SpeedBPS   int64     `json:"speed_bps"`
	Speed      string    `json:"speed,omitempty"`
	RemoteID   string    `json:"remote_id,omitempty"`
	LocalPath  string    `json:"local_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newDownloadResponse(d *storage.Download) downloadResponse {
	resp := downloadResponse{
		ID:         d.ID,
		Filename:   d.Filename,
		SourceType: string(d.SourceType),
		Category:   d.Category,
		Status:     string(d.Status),
		Progress:   d.Progress,
		SpeedBPS:   d.SpeedBPS,
		RemoteID:   d.RemoteID,
		LocalPath:  d.LocalPath,
		Error:      d.Error,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}

	if d.SpeedBPS > 0 {
		resp.Speed = humanize.Bytes(uint64(d.SpeedBPS)) + "/s"
	}

	return resp
}

func (h *DownloadsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	downloads, err := h.repo.GetDownloads(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to list downloads", "err", err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)

		return
	}

	out := make([]downloadResponse, 0, len(downloads))
	for _, d := range downloads {
		out = append(out, newDownloadResponse(d))
	}

	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *DownloadsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	d, ok := h.findDownload(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, r, http.StatusOK, newDownloadResponse(d))
}

// handleUpload accepts a multipart form with the source file, an optional
// source_type (derived from the filename extension when omitted) and an
// optional category.
func (h *DownloadsHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)

		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)

		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to read uploaded file", "err", err)
		http.Error(w, "failed to read uploaded file", http.StatusInternalServerError)

		return
	}

	sourceType, err := resolveSourceType(r.FormValue("source_type"), header.Filename)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	d, err := h.intake.Enqueue(r.Context(), intake.Request{
		Filename:   header.Filename,
		SourceType: sourceType,
		Category:   r.FormValue("category"),
		Data:       data,
	})
	if err != nil {
		var invalidErr *intake.InvalidContentError
		if errors.As(err, &invalidErr) {
			http.Error(w, fmt.Sprintf("invalid source file: %s", invalidErr.Reason), http.StatusUnprocessableEntity)

			return
		}

		logger.ErrorContext(r.Context(), "failed to enqueue upload", "filename", header.Filename, "err", err)
		http.Error(w, "failed to enqueue upload", http.StatusInternalServerError)

		return
	}

	h.writeJSON(w, r, http.StatusCreated, newDownloadResponse(d))
}

// handleCancel stops a download. Cancelling an already terminal record is a
// no-op reported as cancelled=false.
func (h *DownloadsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	d, ok := h.findDownload(w, r)
	if !ok {
		return
	}

	cancelled, err := h.worker.Cancel(r.Context(), d.ID)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to cancel download", "download_id", d.ID, "err", err)
		http.Error(w, "failed to cancel download", http.StatusInternalServerError)

		return
	}

	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"id":        d.ID,
		"cancelled": cancelled,
	})
}

// handleDelete removes a terminal record along with its local and spool
// files. Records that are still moving must be cancelled first.
func (h *DownloadsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	d, ok := h.findDownload(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteDownload(r.Context(), d.ID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "download not found", http.StatusNotFound)
		case errors.Is(err, storage.ErrNotTerminal):
			http.Error(w, "download is still active, cancel it first", http.StatusConflict)
		default:
			logger.ErrorContext(r.Context(), "failed to delete download", "download_id", d.ID, "err", err)
			http.Error(w, "failed to delete download", http.StatusInternalServerError)
		}

		return
	}

	// best effort: the record is gone either way
	if d.LocalPath != "" {
		if err := os.RemoveAll(d.LocalPath); err != nil {
			logger.WarnContext(r.Context(), "failed to remove local files", "path", d.LocalPath, "err", err)
		}
	}

	if d.SourcePath != "" {
		if err := os.Remove(d.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnContext(r.Context(), "failed to remove spooled file", "path", d.SourcePath, "err", err)
		}
	}

	logger.InfoContext(r.Context(), "download deleted", "download_id", d.ID)

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	settings, err := h.settings.GetSettings(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to load settings", "err", err)
		http.Error(w, "failed to load settings", http.StatusInternalServerError)

		return
	}

	h.writeJSON(w, r, http.StatusOK, settings)
}

// handlePutSettings stores whitelisted settings. Values override env config
// at the next process start.
func (h *DownloadsHandler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	for key := range updates {
		if !config.KnownSetting(key) {
			http.Error(w, fmt.Sprintf("unknown setting %q", key), http.StatusBadRequest)

			return
		}
	}

	for key, value := range updates {
		if err := h.settings.SetSetting(r.Context(), key, value); err != nil {
			logger.ErrorContext(r.Context(), "failed to store setting", "key", key, "err", err)
			http.Error(w, "failed to store settings", http.StatusInternalServerError)

			return
		}
	}

	settings, err := h.settings.GetSettings(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to load settings", "err", err)
		http.Error(w, "failed to load settings", http.StatusInternalServerError)

		return
	}

	logger.InfoContext(r.Context(), "settings updated, restart to apply", "keys", len(updates))

	h.writeJSON(w, r, http.StatusOK, settings)
}

func (h *DownloadsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	active, err := h.repo.GetDownloadsByStatus(r.Context(), storage.StatusDownloading)
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to count active downloads", "err", err)
		http.Error(w, "failed to count active downloads", http.StatusInternalServerError)

		return
	}

	running := h.worker.Running()

	status := "ok"
	code := http.StatusOK

	if !running {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, r, code, map[string]any{
		"status":           status,
		"worker_running":   running,
		"active_downloads": len(active),
	})
}

// findDownload resolves the {id} route param to a record, writing the error
// response itself when the id is malformed or unknown.
func (h *DownloadsHandler) findDownload(w http.ResponseWriter, r *http.Request) (*storage.Download, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid download id", http.StatusBadRequest)

		return nil, false
	}

	d, err := h.repo.GetDownload(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "download not found", http.StatusNotFound)

			return nil, false
		}

		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to load download", "download_id", id, "err", err)
		http.Error(w, "failed to load download", http.StatusInternalServerError)

		return nil, false
	}

	return d, true
}

func (h *DownloadsHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// resolveSourceType picks the source type from the explicit form value or, if
// absent, from the uploaded filename's extension.
func resolveSourceType(value, filename string) (storage.SourceType, error) {
	if value != "" {
		return storage.ParseSourceType(value)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".torrent":
		return storage.SourceTorrent, nil
	case ".nzb":
		return storage.SourceNZB, nil
	}

	return "", fmt.Errorf("cannot determine source type of %q, pass source_type explicitly", filename)
}
