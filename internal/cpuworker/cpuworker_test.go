package cpuworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/mediaclient"
	"github.com/clipforge/clipforge/internal/store/memstore"
	"github.com/clipforge/clipforge/internal/taskerr"
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
	cfg := config.Config{CacheDir: t.TempDir(), CPUWorkerSlots: 1}
	return New(cfg, st, br, mc), st, br, mc
}

func putEncodingJob(t *testing.T, st *memstore.Store) *jobmodel.Job {
	t.Helper()
	job := &jobmodel.Job{
		TaskID:           uuid.New(),
		UserID:           1,
		Status:           jobmodel.Encoding,
		StatusMessageRef: jobmodel.MessageRef{ChatID: 100, MessageID: 1},
		JobData: jobmodel.JobData{
			Quality:         jobmodel.Quality720,
			Preset:          jobmodel.PresetMedium,
			FinalFilename:   "out.mkv",
			CPUQueue:        jobmodel.QueueDefault,
			BrokerMessageID: uuid.NewString(),
		},
	}
	require.NoError(t, st.PutJob(context.Background(), job))
	return job
}

func Test_WatchForCancellation_StopsOnBrokerTerminate(t *testing.T) {
	w, st, br, _ := newTestWorker(t)
	job := putEncodingJob(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	defer close(stop)

	done := make(chan struct{})
	go func() {
		w.watchForCancellation(ctx, cancel, job.JobData.BrokerMessageID, job.TaskID, stop)
		close(done)
	}()

	br.Revoke(job.JobData.BrokerMessageID, true)

	select {
	case <-done:
		assert.Error(t, ctx.Err())
	case <-time.After(3 * time.Second):
		t.Fatal("watchForCancellation did not observe the broker terminate signal in time")
	}
}

func Test_WatchForCancellation_StopsWhenStoreStatusGoesCancelled(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	job := putEncodingJob(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	defer close(stop)

	require.NoError(t, st.UpdateStatus(context.Background(), job.TaskID, jobmodel.Encoding, jobmodel.Cancelled))

	done := make(chan struct{})
	go func() {
		w.watchForCancellation(ctx, cancel, job.JobData.BrokerMessageID, job.TaskID, stop)
		close(done)
	}()

	select {
	case <-done:
		assert.Error(t, ctx.Err())
	case <-time.After(3 * time.Second):
		t.Fatal("watchForCancellation did not observe the store-level cancellation in time")
	}
}

func Test_WatchForCancellation_StopsCleanlyOnStopChannel(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	job := putEncodingJob(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		w.watchForCancellation(ctx, cancel, job.JobData.BrokerMessageID, job.TaskID, stop)
		close(done)
	}()

	close(stop)

	select {
	case <-done:
		assert.NoError(t, ctx.Err(), "closing stop must return without cancelling the context")
	case <-time.After(3 * time.Second):
		t.Fatal("watchForCancellation did not exit after stop was closed")
	}
}

func Test_Upload_CompletesJobDeletesStatusAndRemovesWorkspace(t *testing.T) {
	w, st, _, mc := newTestWorker(t)
	ctx := context.Background()
	job := putEncodingJob(t, st)
	require.NoError(t, st.UpdateStatus(ctx, job.TaskID, jobmodel.Encoding, jobmodel.Uploading))

	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.Output, []byte("encoded-bytes"), 0o644))

	require.NoError(t, w.upload(ctx, job, ws))

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.Completed, fresh.Status)

	_, stillThere := mc.StatusText(job.StatusMessageRef)
	assert.False(t, stillThere, "status message should be deleted on completion")
	assert.NoDirExists(t, ws.Dir, "workspace should be removed on completion")
}

func Test_Upload_SucceedsWithZeroByteThumbnail(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()
	job := putEncodingJob(t, st)
	require.NoError(t, st.UpdateStatus(ctx, job.TaskID, jobmodel.Encoding, jobmodel.Uploading))

	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.Output, []byte("encoded-bytes"), 0o644))
	require.NoError(t, os.WriteFile(ws.Thumb, nil, 0o644))

	require.NoError(t, w.upload(ctx, job, ws))
	assert.NoFileExists(t, filepath.Join(ws.Dir, "thumb.jpg"))
}

func Test_HandleCancelled_RemovesWorkspaceAndEditsStatus(t *testing.T) {
	w, st, _, mc := newTestWorker(t)
	job := putEncodingJob(t, st)

	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)

	require.NoError(t, w.handleCancelled(job, ws))

	assert.NoDirExists(t, ws.Dir)
	text, ok := mc.StatusText(job.StatusMessageRef)
	require.True(t, ok)
	assert.Equal(t, "Cancelled by user", text)
}

func Test_ProcessJob_DropsTaskWhenJobNoLongerAnalyzing(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()

	job := &jobmodel.Job{
		TaskID:           uuid.New(),
		UserID:           1,
		Status:           jobmodel.Cancelled,
		StatusMessageRef: jobmodel.MessageRef{ChatID: 100, MessageID: 1},
		JobData:          jobmodel.JobData{FinalFilename: "out.mkv"},
	}
	require.NoError(t, st.PutJob(ctx, job))

	// A stale encode_task (the job was cancelled while queued) must be
	// dropped without resurrecting the job or recording a failure.
	w.processJob(ctx, "msg-1", jobmodel.EncodeTaskPayload{TaskID: job.TaskID})

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.Cancelled, fresh.Status)
	assert.Empty(t, fresh.FailureReason)
}

func Test_RunAttempt_ResumesAtUploadWhenOutputAlreadyEncoded(t *testing.T) {
	w, st, _, _ := newTestWorker(t)
	ctx := context.Background()
	job := putEncodingJob(t, st)
	require.NoError(t, st.UpdateStatus(ctx, job.TaskID, jobmodel.Encoding, jobmodel.Uploading))

	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.Output, []byte("encoded-bytes"), 0o644))

	// A retry after a failed upload must not re-run the encoder; it should
	// pick the existing output up and complete the job.
	payload := jobmodel.EncodeTaskPayload{TaskID: job.TaskID, Analysis: jobmodel.AnalysisResult{DurationSeconds: 1, Height: 720}}
	require.NoError(t, w.runAttempt(ctx, job.JobData.BrokerMessageID, payload))

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.Completed, fresh.Status)
}

func Test_Fail_RecordsFailureReasonAndRemovesWorkspace(t *testing.T) {
	w, st, _, mc := newTestWorker(t)
	ctx := context.Background()
	job := putEncodingJob(t, st)

	ws, err := workspace.Open(w.cfg.CacheDir, job.TaskID, job.JobData.FinalFilename)
	require.NoError(t, err)

	classified := taskerr.New(taskerr.KindEncoderError, "encoder crashed", nil)
	w.fail(ctx, job, ws, classified)

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	assert.Equal(t, jobmodel.Failed, fresh.Status)
	assert.Equal(t, "encoder crashed", fresh.FailureReason)
	assert.NoDirExists(t, ws.Dir)

	text, ok := mc.StatusText(job.StatusMessageRef)
	require.True(t, ok)
	assert.Contains(t, text, "encoder crashed")
}
