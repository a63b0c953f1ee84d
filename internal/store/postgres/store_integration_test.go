//go:build integration

// Integration tests for the Postgres-backed Store. Each test spins up its
// own real Postgres container holding one ephemeral database.
package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/clipforge/clipforge/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	const (
		dbName = "clipforge_test"
		dbUser = "clipforge"
		dbPass = "clipforge"
	)

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:16-alpine"),
		tcpostgres.WithDatabase(dbName),
		tcpostgres.WithUsername(dbUser),
		tcpostgres.WithPassword(dbPass),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	st, err := postgres.Connect(config.DatabaseConfig{
		Host:     host,
		Port:     port.Port(),
		User:     dbUser,
		Password: dbPass,
		Name:     dbName,
	})
	require.NoError(t, err)
	return st
}

func newTestJob() *jobmodel.Job {
	return &jobmodel.Job{
		TaskID:           uuid.New(),
		UserID:           1,
		Filename:         "source.mkv",
		Status:           jobmodel.Queued,
		StatusMessageRef: jobmodel.MessageRef{ChatID: 100, MessageID: 1},
		JobData: jobmodel.JobData{
			SourceMessageRefs: []jobmodel.MessageRef{{ChatID: 100, MessageID: 1}},
			Quality:           jobmodel.Quality720,
			Preset:            jobmodel.PresetMedium,
			FinalFilename:     "out.mkv",
			CPUQueue:          jobmodel.QueueDefault,
			BrokerMessageID:   uuid.NewString(),
		},
	}
}

func Test_PutAndGetJob_RoundTrips(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, st.PutJob(ctx, job))

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	require.Equal(t, job.Status, fresh.Status)
	require.Equal(t, job.JobData.FinalFilename, fresh.JobData.FinalFilename)
}

func Test_UpdateStatus_EnforcesCompareAndSet(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, st.PutJob(ctx, job))

	require.NoError(t, st.UpdateStatus(ctx, job.TaskID, jobmodel.Queued, jobmodel.Downloading))

	err := st.UpdateStatus(ctx, job.TaskID, jobmodel.Queued, jobmodel.Downloading)
	require.ErrorIs(t, err, store.ErrStaleStatus)
}

func Test_SetBrokerMessageID_PatchesJobDataWithoutClobberingOtherFields(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()

	job := newTestJob()
	require.NoError(t, st.PutJob(ctx, job))

	require.NoError(t, st.SetBrokerMessageID(ctx, job.TaskID, "new-message-id"))

	fresh, err := st.GetJob(ctx, job.TaskID)
	require.NoError(t, err)
	require.Equal(t, "new-message-id", fresh.JobData.BrokerMessageID)
	require.Equal(t, job.JobData.FinalFilename, fresh.JobData.FinalFilename)
	require.Equal(t, job.JobData.Quality, fresh.JobData.Quality)
}

func Test_PutUserSettings_Upserts(t *testing.T) {
	st := startStore(t)
	ctx := context.Background()

	settings := &jobmodel.UserSettings{UserID: 55, BrandName: "Acme"}
	require.NoError(t, st.PutUserSettings(ctx, settings))

	settings.BrandName = "Acme Studios"
	require.NoError(t, st.PutUserSettings(ctx, settings))

	fresh, err := st.GetUserSettings(ctx, 55)
	require.NoError(t, err)
	require.Equal(t, "Acme Studios", fresh.BrandName)
}
