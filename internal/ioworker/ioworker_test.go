package ioworker

import (
	"context"
	"os"
	"testing"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/mediaclient"
	"github.com/clipforge/clipforge/internal/store/memstore"
	"github.com/clipforge/clipforge/internal/workspace"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*Worker, *memstore.Store, *broker.Broker, *mediaclient.Fake) {
	t.Helper()
	st := memstore.New()
	br := broker.New(8)
	mc := mediaclient.NewFake()
	cfg := config.Config{CacheDir: t.TempDir()}
	return New(cfg, st, br, mc), st, br, mc
}

func putQueuedJob(t *testing.T, st *memstore.Store, refs []jobmodel.MessageRef) *jobmodel.Job {
	t.Helper()
	job := &jobmodel.Job{
		TaskID:           uuid.New(),
		UserID:           1,
		Status:           jobmodel.Queued,
		StatusMessageRef: jobmodel.MessageRef{ChatID: 100, MessageID: 1},
		JobData: jobmodel.JobData{
			SourceMessageRefs: refs,
			Quality:           jobmodel.Quality720,
			Preset:            jobmodel.PresetMedium,
			FinalFilename:     "out.mkv",
			CPUQueue:          jobmodel.QueueDefault,
			BrokerMessageID:   uuid.NewString(),
		},
	}
	require.NoError(t, st.PutJob(context.Background(), job))
	return job
}

func Test_Download_SkipsWhenMergedInputAlreadyExists(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()
	job := putQueuedJob(t, st, nil)

	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.MergedInput, []byte("already-downloaded"), 0o644))

	// No source refs registered with the fake client; if download() tried to
	// fetch them it would fail, so success here proves the resume-skip path.
	assert.NoError(t, w.download(ctx, job, ws))
}

func Test_Download_ConcatenatesPartsInOrder(t *testing.T) {
	w, st, _, mc := newTestWorker(t)
	ctx := context.Background()

	refA := jobmodel.MessageRef{ChatID: 1, MessageID: 1}
	refB := jobmodel.MessageRef{ChatID: 1, MessageID: 2}
	mc.PutAttachment(refA, "att-a", []byte("first-"), mediaclient.Attachment{})
	mc.PutAttachment(refB, "att-b", []byte("second"), mediaclient.Attachment{})

	job := putQueuedJob(t, st, []jobmodel.MessageRef{refA, refB})
	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)

	require.NoError(t, w.download(ctx, job, ws))

	data, err := os.ReadFile(ws.MergedInput)
	require.NoError(t, err)
	assert.Equal(t, "first-second", string(data))
}

func Test_Download_FailsWithSourceUnavailableOnMissingAttachment(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()

	job := putQueuedJob(t, st, []jobmodel.MessageRef{{ChatID: 1, MessageID: 1}})
	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)

	err = w.download(ctx, job, ws)
	assert.Error(t, err)
}

func Test_SubmitEncode_PersistsBrokerMessageIDAndQueuesOnConfiguredQueue(t *testing.T) {
	w, st, br, _ := newTestWorker(t)
	ctx := context.Background()

	job := putQueuedJob(t, st, nil)

	// Only the store is rewritten (an accelerate arriving mid-stage); the
	// in-memory snapshot still says default. submitEncode must honor the
	// store, so with a default-queue decoy already waiting, strict priority
	// delivers our task first.
	require.NoError(t, st.SetCPUQueue(ctx, job.TaskID, jobmodel.QueueHighPriority))
	require.NoError(t, br.SubmitEncode(ctx, broker.QueueDefault, "decoy", nil))

	analysis := jobmodel.AnalysisResult{DurationSeconds: 12, Height: 1080}

	require.NoError(t, w.submitEncode(ctx, job, analysis))

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.JobData.BrokerMessageID)

	msg, ok := br.ReceiveEncode(ctx)
	require.True(t, ok)
	assert.Equal(t, fresh.JobData.BrokerMessageID, msg.ID)

	payload, ok := msg.Payload.(jobmodel.EncodeTaskPayload)
	require.True(t, ok)
	assert.Equal(t, job.TaskID, payload.TaskID)
	assert.Equal(t, analysis, payload.Analysis)
}

func Test_RunStages_DropsTaskWhenJobNoLongerQueued(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()

	job := putQueuedJob(t, st, nil)
	require.NoError(t, st.UpdateStatus(ctx, job.TaskID, jobmodel.Queued, jobmodel.Downloading))
	require.NoError(t, st.UpdateStatus(ctx, job.TaskID, jobmodel.Downloading, jobmodel.Cancelled))

	// A duplicate io_task delivery after the job was independently cancelled
	// must not resurrect it or report an error.
	err := w.runStages(ctx, job.TaskID, 1)
	assert.NoError(t, err)
}

func Test_ResolveThumbnail_FallsBackToSourceThumbnailWhenNoCustomOneSet(t *testing.T) {
	w, st, _, mc := newTestWorker(t)
	ctx := context.Background()

	ref := jobmodel.MessageRef{ChatID: 1, MessageID: 1}
	// Register the thumbnail's own bytes under a throwaway message ref first
	// (PutAttachment keys the attachment-bytes map independently of the
	// message-metadata map), then register the source message pointing at it.
	mc.PutAttachment(jobmodel.MessageRef{ChatID: 99, MessageID: 99}, "thumb-ref", []byte("thumbbytes"), mediaclient.Attachment{})
	mc.PutAttachment(ref, "att-thumb-src", []byte("thumbdata"), mediaclient.Attachment{ThumbnailRef: "thumb-ref"})

	job := putQueuedJob(t, st, []jobmodel.MessageRef{ref})
	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)

	require.NoError(t, w.resolveThumbnail(ctx, job, ws))

	data, err := os.ReadFile(ws.Thumb)
	require.NoError(t, err)
	assert.Equal(t, "thumbbytes", string(data))
}

func Test_ResolveThumbnail_NoopsWhenNoneAvailable(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()

	job := putQueuedJob(t, st, nil)
	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)

	require.NoError(t, w.resolveThumbnail(ctx, job, ws))
	assert.NoFileExists(t, ws.Thumb)
}
