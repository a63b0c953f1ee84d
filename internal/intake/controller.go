// Package intake implements the intake controller: it validates a
// JobRequest, allocates a task_id, persists the initial Job document, and
// submits the I/O stage. It also owns multipart coalescing, the
// process-confined per-user bucket of split-upload parts awaiting a
// quiescence timer.
//
// There is no discovery loop here; submissions arrive directly as method
// calls from the chat-handler layer.
package intake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/mediaclient"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/clipforge/clipforge/internal/taskerr"
	"github.com/clipforge/clipforge/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.Get("Intake")

// CoalesceWindow is the quiescence period a per-user part bucket waits for
// a further part before presenting the picker; each new part re-arms the
// timer.
const CoalesceWindow = 30 * time.Second

// pendingParts is the per-user multipart bucket. Access is always under
// Controller.mu; the field set mirrors what's needed to materialize a
// JobRequest once the timer fires.
type pendingParts struct {
	userID       int64
	refs         []jobmodel.MessageRef
	quality      jobmodel.Quality
	preset       jobmodel.Preset
	filename     string
	userSettings jobmodel.UserSettings
	timer        *time.Timer
}

// Controller is the intake controller. Concurrent submissions from
// distinct users touch disjoint pendingParts keys; same-user concurrent
// submissions serialize on the controller's single mutex.
type Controller struct {
	cfg         config.Config
	store       store.Store
	broker      *broker.Broker
	mediaClient mediaclient.Client

	mu      sync.Mutex
	pending map[int64]*pendingParts
}

func New(cfg config.Config, st store.Store, br *broker.Broker, mc mediaclient.Client) *Controller {
	return &Controller{
		cfg:         cfg,
		store:       st,
		broker:      br,
		mediaClient: mc,
		pending:     make(map[int64]*pendingParts),
	}
}

// Submission is the response to a SubmitJob call.
type Submission struct {
	TaskID           uuid.UUID
	StatusMessageRef jobmodel.MessageRef
}

// SubmitJob validates req, allocates a task_id, persists the initial Job
// and submits it to io_queue. Use this directly for single-part uploads;
// multi-part uploads go through SubmitPart instead.
func (c *Controller) SubmitJob(ctx context.Context, req JobRequest) (Submission, error) {
	if req.Preset == "" {
		req.Preset = jobmodel.Preset(c.cfg.EncodePresetDefault)
	}

	if err := req.validateStruct(); err != nil {
		return Submission{}, taskerr.New(taskerr.KindBadRequest, "invalid job request", err)
	}

	for _, ref := range req.SourceMessageRefs {
		if _, err := c.mediaClient.FetchMessage(ctx, ref); err != nil {
			return Submission{}, taskerr.New(taskerr.KindSourceUnavailable, "could not fetch source message", err)
		}
	}

	return c.createJob(ctx, req)
}

// SubmitPart registers one part of a split-archive upload (naming pattern
// `.partNN` / `.NNN` is recognized by the chat-handler layer before this is
// called; the controller only needs the ordered refs). It resets the
// user's coalesce timer; when the timer fires without a further call, the
// accumulated refs are handed to onReady as one set, sorted by message id.
// Nothing is submitted until SubmitJob or SubmitCoalesced is called.
//
// onReady is invoked off the controller's mutex once coalescing completes,
// typically to present a confirmation picker to the user; call SubmitJob
// (or SubmitCoalesced) from within it once the user confirms.
func (c *Controller) SubmitPart(userID int64, ref jobmodel.MessageRef, quality jobmodel.Quality, preset jobmodel.Preset, filename string, settings jobmodel.UserSettings, onReady func(refs []jobmodel.MessageRef)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.pending[userID]
	if !ok {
		bucket = &pendingParts{userID: userID, quality: quality, preset: preset, filename: filename, userSettings: settings}
		c.pending[userID] = bucket
	}

	bucket.refs = append(bucket.refs, ref)
	bucket.quality = quality
	bucket.preset = preset
	bucket.filename = filename
	bucket.userSettings = settings

	if bucket.timer != nil {
		bucket.timer.Stop()
	}
	bucket.timer = time.AfterFunc(CoalesceWindow, func() {
		refs := c.consumePending(userID)
		if refs != nil {
			onReady(refs)
		}
	})
}

// consumePending atomically removes and returns the refs for a user's
// bucket once the coalesce timer fires, sorted ascending by message id.
func (c *Controller) consumePending(userID int64) []jobmodel.MessageRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.pending[userID]
	if !ok {
		return nil
	}
	delete(c.pending, userID)

	sort.Slice(bucket.refs, func(i, j int) bool {
		return bucket.refs[i].MessageID < bucket.refs[j].MessageID
	})
	return bucket.refs
}

// SubmitCoalesced builds a JobRequest from parts already consumed off a
// bucket (the sorted refs returned to onReady) and submits it, mirroring
// SubmitJob's validation and io_queue handoff.
func (c *Controller) SubmitCoalesced(ctx context.Context, userID int64, refs []jobmodel.MessageRef, quality jobmodel.Quality, preset jobmodel.Preset, filename string, settings jobmodel.UserSettings) (Submission, error) {
	return c.SubmitJob(ctx, JobRequest{
		UserID:            userID,
		SourceMessageRefs: refs,
		Quality:           quality,
		Preset:            preset,
		FinalFilename:     filename,
		UserSettings:      settings,
	})
}

// DiscardPending cancels a user's in-flight coalesce timer without
// submitting a job, used when the chat-handler surface's confirmation
// window itself expires.
func (c *Controller) DiscardPending(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bucket, ok := c.pending[userID]; ok {
		if bucket.timer != nil {
			bucket.timer.Stop()
		}
		delete(c.pending, userID)
	}
}

func (c *Controller) createJob(ctx context.Context, req JobRequest) (Submission, error) {
	taskID := uuid.New()

	statusRef, err := c.mediaClient.SendStatus(ctx, req.SourceMessageRefs[0].ChatID, "Queued…")
	if err != nil {
		return Submission{}, taskerr.New(taskerr.KindTransient, "failed to post status message", err)
	}

	job := &jobmodel.Job{
		TaskID:           taskID,
		UserID:           req.UserID,
		Filename:         req.FinalFilename,
		Status:           jobmodel.Queued,
		StatusMessageRef: statusRef,
		JobData: jobmodel.JobData{
			SourceMessageRefs: req.SourceMessageRefs,
			Quality:           req.Quality,
			Preset:            req.Preset,
			FinalFilename:     req.FinalFilename,
			CPUQueue:          jobmodel.QueueDefault,
			ThumbnailRef:      req.UserSettings.CustomThumbnailRef,
			UserSettings:      req.UserSettings,
			BrokerMessageID:   taskID.String(),
		},
	}

	if err := c.store.PutJob(ctx, job); err != nil {
		return Submission{}, taskerr.New(taskerr.KindInternal, "failed to persist job", err)
	}

	if err := c.broker.SubmitIO(ctx, taskID.String(), taskID); err != nil {
		return Submission{}, taskerr.New(taskerr.KindInternal, "failed to submit io task", err)
	}

	log.Infof("job %s queued for user %d\n", taskID, req.UserID)
	return Submission{TaskID: taskID, StatusMessageRef: statusRef}, nil
}

// Cancel marks a job CANCELLED (if it is not already terminal) and revokes
// its current broker message with terminate=true. Idempotent: a second
// cancel of a terminal job is a no-op returning success.
func (c *Controller) Cancel(ctx context.Context, taskID uuid.UUID, requesterUserID int64) error {
	job, err := c.store.GetJob(ctx, taskID)
	if err != nil {
		return err
	}

	if job.UserID != requesterUserID {
		return taskerr.New(taskerr.KindBadRequest, "not your job", nil)
	}

	if job.Status.Terminal() {
		return nil
	}

	if err := c.store.UpdateStatus(ctx, taskID, job.Status, jobmodel.Cancelled); err != nil {
		if err == store.ErrStaleStatus {
			return nil
		}
		return err
	}

	c.broker.Revoke(job.JobData.BrokerMessageID, true)
	return nil
}

// Accelerate moves a queued-but-not-yet-running CPU-stage task to
// high_priority. The external task_id never changes; only
// JobData.BrokerMessageID, used for revoke bookkeeping, is rewritten.
func (c *Controller) Accelerate(ctx context.Context, taskID uuid.UUID, requesterUserID int64) error {
	job, err := c.store.GetJob(ctx, taskID)
	if err != nil {
		return err
	}

	if job.UserID != requesterUserID {
		return taskerr.New(taskerr.KindBadRequest, "not your job", nil)
	}

	if job.Status != jobmodel.Queued && job.Status != jobmodel.Downloading && job.Status != jobmodel.Analyzing {
		return taskerr.New(taskerr.KindBadRequest, "job is not accelerable", fmt.Errorf("status is %s", job.Status))
	}

	if job.JobData.CPUQueue == jobmodel.QueueHighPriority {
		return nil
	}

	if err := c.store.SetCPUQueue(ctx, taskID, jobmodel.QueueHighPriority); err != nil {
		return err
	}

	// Before the I/O stage has enqueued an encode_task, the queue rewrite
	// is the whole job: the I/O stage re-reads CPUQueue at submit time.
	// BrokerMessageID still carrying the io_task id marks that window.
	if job.JobData.BrokerMessageID == job.TaskID.String() || job.Analysis == nil {
		return nil
	}

	// An encode_task is already sitting in default; drop it there and
	// enqueue a fresh copy on high_priority.
	c.broker.Revoke(job.JobData.BrokerMessageID, false)

	newMessageID := uuid.NewString()
	if err := c.store.SetBrokerMessageID(ctx, taskID, newMessageID); err != nil {
		return err
	}

	payload := jobmodel.EncodeTaskPayload{TaskID: taskID, Analysis: *job.Analysis}
	return c.broker.SubmitEncode(ctx, broker.QueueHighPriority, newMessageID, payload)
}
