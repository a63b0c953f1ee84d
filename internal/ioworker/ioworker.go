// Package ioworker implements the I/O stage of the pipeline: chunked
// download of one or many message-bound attachments into a merged
// workspace file, probing the result, resolving a thumbnail, and handing
// the job off to the CPU stage. Concurrency is cooperative — many jobs
// interleaved on a semaphore-gated goroutine pool, since an I/O job
// spends almost all of its time suspended on network reads and far more
// jobs than CPU cores can usefully be in flight.
package ioworker

import (
	"context"
	"fmt"
	"io"
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

var log = logger.Get("IOWorker")

// statusThrottle is the minimum interval between status-message edits for
// a single job, keeping edit volume under upstream rate limits.
const statusThrottle = 5 * time.Second

const (
	maxAttempts    = 3
	initialBackoff = 60 * time.Second
)

// Worker pulls io_task messages from the broker and drives each one
// through download, analysis and thumbnail resolution.
type Worker struct {
	cfg         config.Config
	store       store.Store
	broker      *broker.Broker
	mediaClient mediaclient.Client

	sem *semaphore.Weighted
}

func New(cfg config.Config, st store.Store, br *broker.Broker, mc mediaclient.Client) *Worker {
	concurrency := cfg.IOWorkerConcurrency
	if concurrency <= 0 {
		concurrency = 50
	}

	return &Worker{
		cfg:         cfg,
		store:       st,
		broker:      br,
		mediaClient: mc,
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run dequeues io_task messages until ctx is cancelled, spawning one
// goroutine per job under the concurrency semaphore.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, ok := w.broker.ReceiveIO(ctx)
		if !ok {
			return ctx.Err()
		}

		taskID, ok := msg.Payload.(uuid.UUID)
		if !ok {
			log.Errorf("io_task %s had unexpected payload type %T\n", msg.ID, msg.Payload)
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
					log.Errorf("io_task %s panicked: %v, returning it to the queue\n", msg.ID, r)
					w.broker.Nack(msg.ID)
					return
				}
				w.broker.Ack(msg.ID)
			}()

			w.processJob(ctx, taskID)
		}()
	}
}

func (w *Worker) processJob(ctx context.Context, taskID uuid.UUID) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.runStages(ctx, taskID, attempt)
		if err == nil {
			return
		}

		classified := taskerr.As(err)
		if !classified.Retryable() || attempt == maxAttempts {
			w.fail(ctx, taskID, classified)
			return
		}

		backoff := initialBackoff * time.Duration(1<<(attempt-1))
		log.Warnf("job %s attempt %d/%d failed (%s), retrying in %s\n", taskID, attempt, maxAttempts, classified.Kind, backoff)
		w.notify(ctx, taskID, fmt.Sprintf("Retrying (attempt %d/%d) after transient error…", attempt+1, maxAttempts))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runStages(ctx context.Context, taskID uuid.UUID, attempt int) error {
	if attempt == 1 {
		if err := w.store.UpdateStatus(ctx, taskID, jobmodel.Queued, jobmodel.Downloading); err != nil {
			if err != store.ErrStaleStatus {
				return taskerr.New(taskerr.KindInternal, "failed to start download", err)
			}

			// A redelivery after a dead consumer finds the job mid-stage and
			// resumes it from the workspace; any other status means the job
			// moved on without this task (e.g. it was cancelled).
			current, gerr := w.store.GetJob(ctx, taskID)
			if gerr != nil || (current.Status != jobmodel.Downloading && current.Status != jobmodel.Analyzing) {
				log.Debugf("job %s no longer QUEUED, dropping io_task\n", taskID)
				return nil
			}
			log.Infof("job %s redelivered while %s, resuming\n", taskID, current.Status)
		}
	}

	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		return taskerr.New(taskerr.KindInternal, "failed to reload job", err)
	}
	if job.Status.Terminal() {
		return nil
	}

	ws, err := workspace.Open(w.cfg.CacheDir, taskID, job.JobData.FinalFilename)
	if err != nil {
		return taskerr.New(taskerr.KindInternal, "failed to create workspace", err)
	}

	if err := w.download(ctx, job, ws); err != nil {
		return err
	}

	analysis, err := w.analyze(ctx, taskID, ws)
	if err != nil {
		return err
	}

	if err := w.resolveThumbnail(ctx, job, ws); err != nil {
		return err
	}

	return w.submitEncode(ctx, job, analysis)
}

// download streams every source message ref in order into merged_input,
// skipping entirely if a previous attempt already left one behind (the
// crash-resume path).
func (w *Worker) download(ctx context.Context, job *jobmodel.Job, ws jobmodel.Workspace) error {
	if workspace.HasMergedInput(ws) {
		log.Debugf("job %s resuming with existing merged_input\n", job.TaskID)
		return nil
	}

	out, err := os.Create(ws.MergedInput)
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "failed to create merged input file", err)
	}
	defer out.Close()

	lastStatus := time.Time{}
	var totalWritten int64

	for _, ref := range job.JobData.SourceMessageRefs {
		att, err := w.mediaClient.FetchMessage(ctx, ref)
		if err != nil {
			return taskerr.New(taskerr.KindSourceUnavailable, "failed to fetch source message", err)
		}
		if att.FileSize == 0 {
			return taskerr.New(taskerr.KindInvalidMedia, "source attachment is zero bytes", nil)
		}

		stream, err := w.mediaClient.StreamAttachment(ctx, att.AttachmentRef)
		if err != nil {
			return taskerr.New(taskerr.KindTransient, "failed to open attachment stream", err)
		}

		written, err := w.copyWithProgress(ctx, job, out, stream, &lastStatus, &totalWritten)
		stream.Close()
		if err != nil {
			return err
		}
		totalWritten += written
	}

	return nil
}

func (w *Worker) copyWithProgress(ctx context.Context, job *jobmodel.Job, dst io.Writer, src io.Reader, lastStatus *time.Time, totalWritten *int64) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, taskerr.New(taskerr.KindTransient, "failed to write merged input", writeErr)
			}
			written += int64(n)

			if time.Since(*lastStatus) >= statusThrottle {
				*lastStatus = time.Now()
				w.notify(ctx, job.TaskID, fmt.Sprintf("Downloading… %d MB", (*totalWritten+written)/(1<<20)))
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			var rl *mediaclient.RateLimited
			if asRateLimited(readErr, &rl) {
				time.Sleep(rl.RetryAfter)
				continue
			}
			return written, taskerr.New(taskerr.KindTransient, "failed reading attachment stream", readErr)
		}
	}
}

func asRateLimited(err error, target **mediaclient.RateLimited) bool {
	rl, ok := err.(*mediaclient.RateLimited)
	if !ok {
		return false
	}
	*target = rl
	return true
}

func (w *Worker) analyze(ctx context.Context, taskID uuid.UUID, ws jobmodel.Workspace) (jobmodel.AnalysisResult, error) {
	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		return jobmodel.AnalysisResult{}, taskerr.New(taskerr.KindInternal, "failed to reload job", err)
	}

	// A prior attempt may have already advanced the job to ANALYZING before
	// failing (e.g. a transient error later in the stage, or a consumer that
	// died mid-analysis); re-probing is safe to repeat, so only attempt the
	// CAS when we're still in DOWNLOADING.
	if job.Status == jobmodel.Downloading {
		if err := w.store.UpdateStatus(ctx, taskID, jobmodel.Downloading, jobmodel.Analyzing); err != nil {
			if err == store.ErrStaleStatus {
				return jobmodel.AnalysisResult{}, nil
			}
			return jobmodel.AnalysisResult{}, taskerr.New(taskerr.KindInternal, "failed to start analysis", err)
		}
	} else if job.Status != jobmodel.Analyzing {
		return jobmodel.AnalysisResult{}, nil
	}

	probe, err := encoder.ProbeFile(ctx, w.cfg.FfprobeBinaryPath, ws.MergedInput)
	if err != nil {
		return jobmodel.AnalysisResult{}, taskerr.New(taskerr.KindInvalidMedia, "failed to probe media", err)
	}

	if probe.DurationSeconds <= 0 || probe.Height <= 0 {
		return jobmodel.AnalysisResult{}, taskerr.New(taskerr.KindInvalidMedia, "media has no valid duration or height", nil)
	}

	analysis := jobmodel.AnalysisResult{
		DurationSeconds: probe.DurationSeconds,
		Height:          probe.Height,
		Is10Bit:         probe.Is10Bit,
		AudioChannels:   probe.AudioChannels,
	}

	if err := w.store.SetAnalysis(ctx, taskID, analysis); err != nil {
		return jobmodel.AnalysisResult{}, taskerr.New(taskerr.KindInternal, "failed to persist analysis", err)
	}

	return analysis, nil
}

// resolveThumbnail picks the user's custom thumbnail ref if set, else the
// source's own thumbnail if present, else none.
func (w *Worker) resolveThumbnail(ctx context.Context, job *jobmodel.Job, ws jobmodel.Workspace) error {
	ref := job.JobData.ThumbnailRef
	if ref == nil {
		for _, srcRef := range job.JobData.SourceMessageRefs {
			att, err := w.mediaClient.FetchMessage(ctx, srcRef)
			if err == nil && att.ThumbnailRef != "" {
				ref = &att.ThumbnailRef
				break
			}
		}
	}

	if ref == nil {
		return nil
	}

	stream, err := w.mediaClient.StreamAttachment(ctx, *ref)
	if err != nil {
		log.Warnf("job %s failed to fetch thumbnail %q, continuing without one: %v\n", job.TaskID, *ref, err)
		return nil
	}
	defer stream.Close()

	out, err := os.Create(ws.Thumb)
	if err != nil {
		return nil
	}
	defer out.Close()

	_, _ = io.Copy(out, stream)
	return nil
}

func (w *Worker) submitEncode(ctx context.Context, job *jobmodel.Job, analysis jobmodel.AnalysisResult) error {
	brokerMessageID := uuid.NewString()
	if err := w.store.SetBrokerMessageID(ctx, job.TaskID, brokerMessageID); err != nil {
		return taskerr.New(taskerr.KindInternal, "failed to record broker message id", err)
	}

	// Re-read the queue name rather than trusting the snapshot this stage
	// has been working from: an accelerate may have rewritten CPUQueue at
	// any point since the job was loaded.
	fresh, err := w.store.GetJob(ctx, job.TaskID)
	if err != nil {
		return taskerr.New(taskerr.KindTransient, "failed to reload job", err)
	}

	payload := jobmodel.EncodeTaskPayload{TaskID: job.TaskID, Analysis: analysis}
	if err := w.broker.SubmitEncode(ctx, broker.QueueName(fresh.JobData.CPUQueue), brokerMessageID, payload); err != nil {
		return taskerr.New(taskerr.KindInternal, "failed to submit encode task", err)
	}

	return nil
}

func (w *Worker) notify(ctx context.Context, taskID uuid.UUID, text string) {
	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		return
	}

	if err := w.mediaClient.EditStatus(ctx, job.StatusMessageRef, text); err != nil {
		var rl *mediaclient.RateLimited
		if asRateLimited(err, &rl) {
			time.Sleep(rl.RetryAfter)
			_ = w.mediaClient.EditStatus(ctx, job.StatusMessageRef, text)
		}
	}
}

func (w *Worker) fail(ctx context.Context, taskID uuid.UUID, classified *taskerr.Error) {
	job, err := w.store.GetJob(ctx, taskID)
	if err != nil {
		return
	}

	if job.Status.Terminal() {
		return
	}

	if err := w.store.UpdateStatus(ctx, taskID, job.Status, jobmodel.Failed); err != nil && err != store.ErrStaleStatus {
		log.Errorf("job %s failed to record FAILED status: %v\n", taskID, err)
	}
	_ = w.store.SetFailureReason(ctx, taskID, classified.UserMessage)

	ws, _ := workspace.Open(w.cfg.CacheDir, taskID, job.JobData.FinalFilename)
	_ = workspace.Remove(ws)

	w.notify(ctx, taskID, fmt.Sprintf("Failed: %s", classified.UserMessage))
	log.Warnf("job %s terminally failed: %v\n", taskID, classified)
}
