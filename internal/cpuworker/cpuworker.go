// Package cpuworker implements the CPU stage of the pipeline: bounded
// parallelism equal to the host's encoder slot count, one
// internal/encoder.Supervisor per slot, driving encode then upload and
// handling cancellation. Bounding is via a semaphore since the slot count
// (max(1, cores-1)) is a runtime-derived value, not a compile-time-known
// set of named workers.
package cpuworker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/encoder"
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/mediaclient"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/clipforge/clipforge/internal/taskerr"
	"github.com/clipforge/clipforge/internal/workspace"
	"github.com/clipforge/clipforge/pkg/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var log = logger.Get("CPUWorker")

const statusThrottle = 5 * time.Second

// cancelPollInterval is how often the worker re-checks the broker's
// revocation flag and the store's own status between progress updates,
// backing up the broker-delivered terminate signal.
const cancelPollInterval = 2 * time.Second

const (
	maxAttempts    = 3
	initialBackoff = 60 * time.Second
)

// Worker pulls encode_task messages from the broker and drives each one
// through encode then upload.
type Worker struct {
	cfg         config.Config
	store       store.Store
	broker      *broker.Broker
	mediaClient mediaclient.Client

	sem *semaphore.Weighted
}

func New(cfg config.Config, st store.Store, br *broker.Broker, mc mediaclient.Client) *Worker {
	slots := cfg.CPUWorkerSlots
	if slots <= 0 {
		slots = config.DefaultCPUWorkerSlots()
	}

	return &Worker{
		cfg:         cfg,
		store:       st,
		broker:      br,
		mediaClient: mc,
		sem:         semaphore.NewWeighted(int64(slots)),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, ok := w.broker.ReceiveEncode(ctx)
		if !ok {
			return ctx.Err()
		}

		payload, ok := msg.Payload.(jobmodel.EncodeTaskPayload)
		if !ok {
			log.Errorf("encode_task %s had unexpected payload type %T\n", msg.ID, msg.Payload)
			w.broker.Ack(msg.ID)
			continue
		}

		if err := w.sem.Acquire(ctx, 1); err != nil {
			w.broker.Nack(msg.ID)
			return err
		}

		go func() {
			defer w.sem.Release(1)

			stopKeepAlive := w.broker.KeepAlive(msg.ID)
			defer stopKeepAlive()

			defer func() {
				if r := recover(); r != nil {
					log.Errorf("encode_task %s panicked: %v, returning it to the queue\n", msg.ID, r)
					w.broker.Nack(msg.ID)
					return
				}
				w.broker.Ack(msg.ID)
			}()

			w.processJob(ctx, msg.ID, payload)
		}()
	}
}

func (w *Worker) processJob(parent context.Context, brokerMessageID string, payload jobmodel.EncodeTaskPayload) {
	taskID := payload.TaskID

	if err := w.store.UpdateStatus(parent, taskID, jobmodel.Analyzing, jobmodel.Encoding); err != nil {
		if err == store.ErrStaleStatus {
			log.Debugf("job %s no longer ANALYZING, dropping encode_task\n", taskID)
			return
		}
		w.failByID(parent, taskID, taskerr.New(taskerr.KindInternal, "failed to start encoding", err))
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.runAttempt(parent, brokerMessageID, payload)
		if err == nil {
			return
		}

		classified := taskerr.As(err)
		if !classified.Retryable() || attempt == maxAttempts {
			w.failByID(parent, taskID, classified)
			return
		}

		backoff := initialBackoff * time.Duration(1<<(attempt-1))
		log.Warnf("job %s attempt %d/%d failed (%s), retrying in %s\n", taskID, attempt, maxAttempts, classified.Kind, backoff)
		w.notifyByID(parent, taskID, fmt.Sprintf("Retrying (attempt %d/%d) after transient error…", attempt+1, maxAttempts))

		select {
		case <-time.After(backoff):
		case <-parent.Done():
			return
		}
	}
}

// runAttempt drives one try at the encode/upload sequence, resuming at
// upload when an earlier attempt already finished the encode.
func (w *Worker) runAttempt(parent context.Context, brokerMessageID string, payload jobmodel.EncodeTaskPayload) error {
	taskID := payload.TaskID

	job, err := w.store.GetJob(parent, taskID)
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "failed to reload job", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	ws, err := workspace.Open(w.cfg.CacheDir, taskID, job.JobData.FinalFilename)
	if err != nil {
		return taskerr.New(taskerr.KindInternal, "failed to open workspace", err)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stopPolling := make(chan struct{})
	go w.watchForCancellation(ctx, cancel, brokerMessageID, taskID, stopPolling)
	defer close(stopPolling)

	// A retry after a failed upload finds the job already in UPLOADING with
	// the encoded output still on disk; redoing the encode would hold an
	// encoder slot for nothing.
	if job.Status == jobmodel.Uploading && fileExists(ws.Output) {
		return w.upload(ctx, job, ws)
	}

	return w.runEncode(ctx, job, ws, payload.Analysis)
}

// watchForCancellation polls the broker's terminate flag and the store's
// own status, cancelling ctx (which SIGKILLs the encoder subprocess) the
// moment either fires.
func (w *Worker) watchForCancellation(ctx context.Context, cancel context.CancelFunc, brokerMessageID string, taskID uuid.UUID, stop <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.broker.IsTerminated(brokerMessageID) {
				cancel()
				return
			}

			if job, err := w.store.GetJob(ctx, taskID); err == nil && job.Status == jobmodel.Cancelled {
				cancel()
				return
			}
		}
	}
}

func (w *Worker) runEncode(ctx context.Context, job *jobmodel.Job, ws jobmodel.Workspace, analysis jobmodel.AnalysisResult) error {
	height := job.JobData.EffectiveHeight(analysis.Height)

	opts := encoder.Options{
		InputPath:     ws.MergedInput,
		OutputPath:    ws.Output,
		Height:        height,
		Preset:        job.JobData.Preset,
		CRF:           w.cfg.EncodeCRF,
		AudioBitrate:  w.cfg.AudioBitrate,
		Is10Bit:       analysis.Is10Bit,
		AudioChannels: analysis.AudioChannels,
	}

	sup := encoder.NewSupervisor(w.cfg.FfmpegBinaryPath)

	lastStatus := time.Time{}
	result, err := sup.Run(ctx, opts, func(elapsed float64) {
		if time.Since(lastStatus) < statusThrottle {
			return
		}
		lastStatus = time.Now()

		pct := 0.0
		if analysis.DurationSeconds > 0 {
			pct = 100 * elapsed / analysis.DurationSeconds
		}
		w.notify(ctx, job, fmt.Sprintf("Encoding… %.0f%%", pct))
	})
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "failed to run encoder", err)
	}

	if result.Cancelled {
		return w.handleCancelled(job, ws)
	}

	if result.ExitCode != 0 {
		return taskerr.New(taskerr.KindEncoderError, result.LastStderr, fmt.Errorf("encoder exited %d", result.ExitCode))
	}

	if err := w.store.UpdateStatus(ctx, job.TaskID, jobmodel.Encoding, jobmodel.Uploading); err != nil {
		if err != store.ErrStaleStatus {
			return taskerr.New(taskerr.KindTransient, "failed to start upload", err)
		}

		// Stale here means either a crashed attempt already reached
		// UPLOADING (proceed with the fresh output) or a cancellation won.
		fresh, ferr := w.store.GetJob(ctx, job.TaskID)
		if ferr != nil {
			return taskerr.New(taskerr.KindTransient, "failed to reload job", ferr)
		}
		if fresh.Status != jobmodel.Uploading {
			return w.handleCancelled(job, ws)
		}
	}

	return w.upload(ctx, job, ws)
}

func (w *Worker) upload(ctx context.Context, job *jobmodel.Job, ws jobmodel.Workspace) error {
	thumb := ""
	if info, err := os.Stat(ws.Thumb); err == nil && info.Size() > 0 {
		thumb = ws.Thumb
	}

	caption := fmt.Sprintf("Encode Complete\n%s", job.JobData.FinalFilename)

	lastStatus := time.Time{}
	err := w.mediaClient.SendDocument(ctx, job.StatusMessageRef.ChatID, ws.Output, thumb, caption, func(current, total int64) {
		if time.Since(lastStatus) < statusThrottle {
			return
		}
		lastStatus = time.Now()

		pct := 0.0
		if total > 0 {
			pct = 100 * float64(current) / float64(total)
		}
		w.notify(ctx, job, fmt.Sprintf("Uploading… %.0f%%", pct))
	})
	if err != nil {
		return taskerr.New(taskerr.KindUploadError, "failed to upload result", err)
	}

	if err := w.store.UpdateStatus(ctx, job.TaskID, jobmodel.Uploading, jobmodel.Completed); err != nil {
		return taskerr.New(taskerr.KindInternal, "failed to record completion", err)
	}

	_ = w.mediaClient.DeleteStatus(ctx, job.StatusMessageRef)
	_ = workspace.Remove(ws)

	log.Infof("job %s completed\n", job.TaskID)
	return nil
}

// handleCancelled performs the cleanup a terminated encode requires:
// workspace deletion and a user-visible "Cancelled by user" edit. Returns
// nil since cancellation is a successful outcome of processJob, not a
// failure to classify/retry.
func (w *Worker) handleCancelled(job *jobmodel.Job, ws jobmodel.Workspace) error {
	bg := context.Background()
	_ = workspace.Remove(ws)
	_ = w.mediaClient.EditStatus(bg, job.StatusMessageRef, "Cancelled by user")
	log.Infof("job %s cancelled during encode\n", job.TaskID)
	return nil
}

func (w *Worker) notify(ctx context.Context, job *jobmodel.Job, text string) {
	if err := w.mediaClient.EditStatus(ctx, job.StatusMessageRef, text); err != nil {
		if rl, ok := err.(*mediaclient.RateLimited); ok {
			time.Sleep(rl.RetryAfter)
			_ = w.mediaClient.EditStatus(ctx, job.StatusMessageRef, text)
		}
	}
}

func (w *Worker) notifyByID(ctx context.Context, taskID uuid.UUID, text string) {
	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		return
	}
	w.notify(ctx, job, text)
}

func (w *Worker) failByID(ctx context.Context, taskID uuid.UUID, classified *taskerr.Error) {
	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		log.Errorf("job %s failed (%v) but could not be loaded for cleanup: %v\n", taskID, classified, err)
		return
	}

	ws, _ := workspace.Open(w.cfg.CacheDir, taskID, job.JobData.FinalFilename)
	w.fail(ctx, job, ws, classified)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func (w *Worker) fail(ctx context.Context, job *jobmodel.Job, ws jobmodel.Workspace, classified *taskerr.Error) {
	defer func() { _ = workspace.Remove(ws) }()

	// The snapshot we hold may be stale: the job could have advanced past
	// it (encode succeeded, the failure happened during upload) or a
	// cancellation could have won the race. Only the former is a failure.
	fresh, err := w.store.GetJob(ctx, job.TaskID)
	if err != nil {
		fresh = job
	}

	if fresh.Status == jobmodel.Cancelled {
		_ = w.mediaClient.EditStatus(ctx, job.StatusMessageRef, "Cancelled by user")
		log.Infof("job %s cancelled\n", job.TaskID)
		return
	}

	if !fresh.Status.Terminal() {
		_ = w.store.UpdateStatus(ctx, job.TaskID, fresh.Status, jobmodel.Failed)
	}
	_ = w.store.SetFailureReason(ctx, job.TaskID, classified.UserMessage)
	w.notify(ctx, job, fmt.Sprintf("Failed: %s", classified.UserMessage))
	log.Warnf("job %s terminally failed: %v\n", job.TaskID, classified)
}
