package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/debrid_downloader/internal/dc"
	"github.com/italolelis/debrid_downloader/internal/downloader"
	"github.com/italolelis/debrid_downloader/internal/logctx"
	"github.com/italolelis/debrid_downloader/internal/ratelimit"
	"github.com/italolelis/debrid_downloader/internal/storage"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 16

// Config tunes the scheduling loop. Zero values fall back to defaults so
// tests only set what they care about.
type Config struct {
	TickInterval           time.Duration
	PollInterval           time.Duration
	PollMaxRetries         int
	FetchMaxRetries        int
	MaxConcurrentDownloads int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}

	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}

	if c.PollMaxRetries <= 0 {
		c.PollMaxRetries = 5
	}

	if c.FetchMaxRetries <= 0 {
		c.FetchMaxRetries = 3
	}

	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = 1
	}

	return c
}

// retryState carries per-record backoff bookkeeping across scheduling ticks.
// Poll and fetch failures are counted separately: polls are cheap and reset
// on any success, a broken stream costs a full re-download.
type retryState struct {
	pollAttempts  int
	fetchAttempts int
	nextPoll      time.Time
	pollBackoff   *backoff.ExponentialBackOff
	fetchBackoff  *backoff.ExponentialBackOff
}

func newRetryState(pollInterval time.Duration) *retryState {
	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.InitialInterval = pollInterval
	pollBackoff.MaxInterval = 5 * pollInterval

	fetchBackoff := backoff.NewExponentialBackOff()
	fetchBackoff.InitialInterval = pollInterval
	fetchBackoff.MaxInterval = 10 * pollInterval

	return &retryState{
		pollBackoff:  pollBackoff,
		fetchBackoff: fetchBackoff,
	}
}

// FileSaver persists a fetched stream under the local download root.
type FileSaver interface {
	Save(ctx context.Context, stream *dc.FileStream, req downloader.SaveRequest) (string, error)
}

// Worker advances download records through their lifecycle. A single control
// loop scans for eligible records on every tick and hands the actual I/O to
// independently scheduled tasks: submissions and polls run unbounded, local
// transfers are capped by a fixed-size task pool. At most one task ever works
// on a record at a time.
type Worker struct {
	repo   storage.DownloadRepository
	client dc.Client
	saver  FileSaver
	cfg    Config

	running atomic.Bool

	mu      sync.Mutex
	active  map[int64]struct{}
	retries map[int64]*retryState
	cancels map[int64]context.CancelFunc

	downloads *errgroup.Group // transfer pool, sized MaxConcurrentDownloads
	tasks     *errgroup.Group // submit and poll tasks

	OnDownloadCompleted chan *storage.Download
	OnDownloadFailed    chan *storage.Download

	closeOnce sync.Once
}

func New(repo storage.DownloadRepository, client dc.Client, saver FileSaver, cfg Config) *Worker {
	cfg = cfg.withDefaults()

	downloads := &errgroup.Group{}
	downloads.SetLimit(cfg.MaxConcurrentDownloads)

	return &Worker{
		repo:                repo,
		client:              client,
		saver:               saver,
		cfg:                 cfg,
		active:              make(map[int64]struct{}),
		retries:             make(map[int64]*retryState),
		cancels:             make(map[int64]context.CancelFunc),
		downloads:           downloads,
		tasks:               &errgroup.Group{},
		OnDownloadCompleted: make(chan *storage.Download, eventBuffer),
		OnDownloadFailed:    make(chan *storage.Download, eventBuffer),
	}
}

// Run drives the scheduling loop until ctx is cancelled, then waits for all
// in-flight tasks to wind down.
func (w *Worker) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := w.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted downloads: %w", err)
	}

	w.running.Store(true)
	defer w.running.Store(false)

	logger.InfoContext(ctx, "lifecycle worker started",
		"tick_interval", w.cfg.TickInterval,
		"poll_interval", w.cfg.PollInterval,
		"max_concurrent_downloads", w.cfg.MaxConcurrentDownloads)

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down lifecycle worker")

			_ = w.downloads.Wait()
			_ = w.tasks.Wait()

			return nil
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				logger.ErrorContext(ctx, "scheduling tick failed", "err", err)
			}
		}
	}
}

// Running reports whether the scheduling loop is live.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Close releases the event channels. Call only after Run returned.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.OnDownloadCompleted)
		close(w.OnDownloadFailed)
	})
}

// Cancel aborts a download. In-flight transfers stop at the next read
// boundary; records that have not started simply stop advancing. Cancelling
// a terminal record is a no-op and reports false.
func (w *Worker) Cancel(ctx context.Context, id int64) (bool, error) {
	cancelled, err := w.repo.MarkCancelled(ctx, id)
	if err != nil {
		return false, err
	}

	if !cancelled {
		return false, nil
	}

	w.clearRetryState(id)

	w.mu.Lock()
	cancel := w.cancels[id]
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download cancelled", "download_id", id)

	return true, nil
}

// recoverInterrupted sweeps records a previous process left mid-flight. A
// submission may or may not have reached the remote side, so it fails
// explicitly; an interrupted transfer goes back to submitted and restarts
// from a fresh link.
func (w *Worker) recoverInterrupted(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	submitting, err := w.repo.GetDownloadsByStatus(ctx, storage.StatusSubmitting)
	if err != nil {
		return err
	}

	for _, d := range submitting {
		if _, err := w.repo.MarkFailed(ctx, d.ID, "interrupted during submission"); err != nil {
			return err
		}

		logger.WarnContext(ctx, "download was interrupted during submission", "download_id", d.ID)
	}

	downloading, err := w.repo.GetDownloadsByStatus(ctx, storage.StatusDownloading)
	if err != nil {
		return err
	}

	for _, d := range downloading {
		if _, err := w.repo.ReturnToSubmitted(ctx, d.ID); err != nil {
			return err
		}

		logger.InfoContext(ctx, "requeued download interrupted mid-transfer", "download_id", d.ID)
	}

	return nil
}

// tick scans eligible records in creation order and dispatches work. Records
// with an in-flight task are skipped so every record has at most one writer.
func (w *Worker) tick(ctx context.Context) error {
	records, err := w.repo.GetDownloadsByStatus(ctx, storage.StatusQueued, storage.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("failed to scan for eligible downloads: %w", err)
	}

	now := time.Now()

	for _, d := range records {
		if w.isActive(d.ID) {
			continue
		}

		switch {
		case d.Status == storage.StatusQueued:
			w.dispatchSubmit(ctx, d)
		case d.DownloadURL != "":
			w.dispatchDownload(ctx, d)
		case !now.Before(w.nextPollAt(d.ID)):
			w.dispatchPoll(ctx, d)
		}
	}

	return nil
}

func (w *Worker) dispatchSubmit(ctx context.Context, d *storage.Download) {
	claimed, err := w.repo.MarkSubmitting(ctx, d.ID)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to claim queued download", "download_id", d.ID, "err", err)

		return
	}

	if !claimed {
		return
	}

	w.markActive(d.ID)

	w.tasks.Go(func() error {
		defer w.markIdle(d.ID)

		w.runSubmit(ctx, d)

		return nil
	})
}

func (w *Worker) dispatchPoll(ctx context.Context, d *storage.Download) {
	w.markActive(d.ID)

	w.tasks.Go(func() error {
		defer w.markIdle(d.ID)

		w.runPoll(ctx, d)

		return nil
	})
}

func (w *Worker) dispatchDownload(ctx context.Context, d *storage.Download) {
	w.markActive(d.ID)

	started := w.downloads.TryGo(func() error {
		defer w.markIdle(d.ID)

		w.runDownload(ctx, d)

		return nil
	})

	if !started {
		// all transfer slots busy, the record stays submitted and is
		// picked up again on a later tick
		w.markIdle(d.ID)
	}
}

func (w *Worker) runSubmit(ctx context.Context, d *storage.Download) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID, "filename", d.Filename)

	data, err := os.ReadFile(d.SourcePath)
	if err != nil {
		logger.ErrorContext(ctx, "source file unreadable", "source_path", d.SourcePath, "err", err)

		w.fail(ctx, d.ID, fmt.Sprintf("source file unreadable: %v", err))

		return
	}

	remoteID, err := w.client.Submit(ctx, dc.Submission{
		Filename:   d.Filename,
		SourceType: d.SourceType,
		Data:       data,
	})
	if err != nil {
		if interrupted(err) {
			logger.WarnContext(ctx, "submission interrupted by shutdown")

			return
		}

		logger.ErrorContext(ctx, "submission rejected", "err", err)

		w.fail(ctx, d.ID, err.Error())

		return
	}

	moved, err := w.repo.MarkSubmitted(ctx, d.ID, remoteID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record submission", "remote_id", remoteID, "err", err)

		return
	}

	if !moved {
		logger.InfoContext(ctx, "record finished while submitting, dropping result", "remote_id", remoteID)

		return
	}

	logger.InfoContext(ctx, "submitted to remote service", "remote_id", remoteID)
}

func (w *Worker) runPoll(ctx context.Context, d *storage.Download) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID, "remote_id", d.RemoteID)

	status, err := w.client.PollStatus(ctx, d.SourceType, d.RemoteID)
	if err != nil {
		if interrupted(err) {
			return
		}

		w.handlePollFailure(ctx, d, err)

		return
	}

	w.resetPollBackoff(d.ID)

	switch status.State {
	case dc.RemoteReady:
		if len(status.DownloadLinks) == 0 {
			w.scheduleNextPoll(d.ID, w.cfg.PollInterval)

			return
		}

		set, err := w.repo.SetDownloadURL(ctx, d.ID, status.DownloadLinks[0])
		if err != nil {
			logger.ErrorContext(ctx, "failed to record download link", "err", err)

			return
		}

		if !set {
			return
		}

		logger.InfoContext(ctx, "remote processing finished, transfer eligible")
	case dc.RemoteErrored:
		message := "remote processing failed"
		if status.Message != "" {
			message = fmt.Sprintf("remote processing failed: %s", status.Message)
		}

		logger.ErrorContext(ctx, "remote processing failed", "remote_message", status.Message)

		w.fail(ctx, d.ID, message)
	default:
		w.scheduleNextPoll(d.ID, w.cfg.PollInterval)
	}
}

func (w *Worker) handlePollFailure(ctx context.Context, d *storage.Download, err error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID, "remote_id", d.RemoteID)

	w.mu.Lock()
	state := w.ensureRetryStateLocked(d.ID)
	state.pollAttempts++
	attempts := state.pollAttempts
	delay := state.pollBackoff.NextBackOff()
	state.nextPoll = time.Now().Add(delay)
	w.mu.Unlock()

	if attempts > w.cfg.PollMaxRetries {
		logger.ErrorContext(ctx, "status polling exhausted its retries", "attempts", attempts, "err", err)

		w.fail(ctx, d.ID, fmt.Sprintf("status polling failed after %d attempts: %v", attempts, err))

		return
	}

	logger.WarnContext(ctx, "status poll failed, will retry", "attempt", attempts, "retry_in", delay, "err", err)
}

func (w *Worker) runDownload(ctx context.Context, d *storage.Download) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID, "filename", d.Filename)

	claimed, err := w.repo.MarkDownloading(ctx, d.ID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to claim transfer", "err", err)

		return
	}

	if !claimed {
		return
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.setCancel(d.ID, cancel)
	defer w.clearCancel(d.ID)

	logger.InfoContext(dctx, "starting local transfer")

	stream, err := w.client.FetchFile(dctx, d.DownloadURL)
	if err != nil {
		w.handleTransferFailure(ctx, d, err)

		return
	}

	defer stream.Body.Close()

	localPath, err := w.saver.Save(dctx, stream, downloader.SaveRequest{
		DownloadID: d.ID,
		Filename:   d.Filename,
		Category:   d.Category,
		OnProgress: func(progress int, speedBPS int64) {
			if progress > 99 {
				progress = 99 // 100 is reserved for the completed record
			}

			if err := w.repo.UpdateProgress(dctx, d.ID, progress, speedBPS); err != nil {
				logger.WarnContext(dctx, "failed to record progress", "err", err)
			}
		},
	})
	if err != nil {
		w.handleTransferFailure(ctx, d, err)

		return
	}

	completed, err := w.repo.MarkCompleted(ctx, d.ID, localPath)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record completion", "local_path", localPath, "err", err)

		return
	}

	if !completed {
		// cancelled between the final write and the status flip, honor the
		// cancellation by removing what was just placed
		if err := os.RemoveAll(localPath); err != nil {
			logger.WarnContext(ctx, "failed to remove file of cancelled download", "local_path", localPath, "err", err)
		}

		return
	}

	w.clearRetryState(d.ID)
	w.removeSource(ctx, d)

	logger.InfoContext(ctx, "download completed", "local_path", localPath)

	w.emit(ctx, w.OnDownloadCompleted, d.ID)
}

func (w *Worker) handleTransferFailure(ctx context.Context, d *storage.Download, err error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", d.ID)

	// A cancelled record is already terminal; on shutdown the transfer goes
	// back to submitted so the next run restarts it from a fresh link.
	if interrupted(err) {
		requeued, rerr := w.repo.ReturnToSubmitted(context.WithoutCancel(ctx), d.ID)
		if rerr != nil {
			logger.ErrorContext(ctx, "failed to requeue interrupted transfer", "err", rerr)

			return
		}

		if requeued {
			logger.InfoContext(ctx, "transfer interrupted, requeued")
		}

		return
	}

	var storageErr *downloader.StorageError
	if errors.As(err, &storageErr) {
		logger.ErrorContext(ctx, "local storage failed", "err", err)

		w.fail(ctx, d.ID, err.Error())

		return
	}

	// broken or truncated stream: bounded retry through a fresh link
	w.mu.Lock()
	state := w.ensureRetryStateLocked(d.ID)
	state.fetchAttempts++
	attempts := state.fetchAttempts
	delay := state.fetchBackoff.NextBackOff()
	state.nextPoll = time.Now().Add(delay)
	w.mu.Unlock()

	if attempts > w.cfg.FetchMaxRetries {
		logger.ErrorContext(ctx, "transfer exhausted its retries", "attempts", attempts, "err", err)

		w.fail(ctx, d.ID, fmt.Sprintf("transfer failed after %d attempts: %v", attempts, err))

		return
	}

	logger.WarnContext(ctx, "transfer failed, will retry with a fresh link", "attempt", attempts, "retry_in", delay, "err", err)

	if _, rerr := w.repo.ReturnToSubmitted(ctx, d.ID); rerr != nil {
		logger.ErrorContext(ctx, "failed to requeue download", "err", rerr)
	}
}

func (w *Worker) fail(ctx context.Context, id int64, message string) {
	moved, err := w.repo.MarkFailed(context.WithoutCancel(ctx), id, message)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to mark download as failed", "download_id", id, "err", err)

		return
	}

	if !moved {
		return
	}

	w.clearRetryState(id)
	w.emit(ctx, w.OnDownloadFailed, id)
}

// emit delivers a lifecycle event without ever blocking the worker; a
// backlogged listener loses events rather than stalling transfers.
func (w *Worker) emit(ctx context.Context, ch chan *storage.Download, id int64) {
	d, err := w.repo.GetDownload(context.WithoutCancel(ctx), id)
	if err != nil {
		return
	}

	select {
	case ch <- d:
	default:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "event listener backlogged, dropping event", "download_id", id, "status", d.Status)
	}
}

func (w *Worker) removeSource(ctx context.Context, d *storage.Download) {
	if d.SourcePath == "" {
		return
	}

	if err := os.Remove(d.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove source file", "source_path", d.SourcePath, "err", err)
	}
}

func (w *Worker) isActive(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.active[id]

	return ok
}

func (w *Worker) markActive(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.active[id] = struct{}{}
}

func (w *Worker) markIdle(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.active, id)
}

func (w *Worker) ensureRetryStateLocked(id int64) *retryState {
	state, ok := w.retries[id]
	if !ok {
		state = newRetryState(w.cfg.PollInterval)
		w.retries[id] = state
	}

	return state
}

func (w *Worker) nextPollAt(id int64) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if state, ok := w.retries[id]; ok {
		return state.nextPoll
	}

	return time.Time{}
}

func (w *Worker) scheduleNextPoll(id int64, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ensureRetryStateLocked(id).nextPoll = time.Now().Add(delay)
}

func (w *Worker) resetPollBackoff(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := w.ensureRetryStateLocked(id)
	state.pollAttempts = 0
	state.pollBackoff.Reset()
}

func (w *Worker) clearRetryState(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.retries, id)
}

func (w *Worker) setCancel(id int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancels[id] = cancel
}

func (w *Worker) clearCancel(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.cancels, id)
}

// interrupted reports whether an operation stopped because the process or the
// record is shutting down rather than because the work itself failed.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ratelimit.ErrClosed)
}
