// Package store defines the job store contract: typed access to the
// `users` and `jobs` collections, with compare-and-set status updates so
// cancellation/acceleration races are resolved safely.
package store

import (
	"context"
	"errors"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by GetJob when no job matches. GetUserSettings
	// does not return it: an unknown user yields default settings.
	ErrNotFound = errors.New("store: not found")

	// ErrStaleStatus is returned by UpdateStatus when the job's current
	// status no longer matches `from`; callers must treat rejection as
	// someone else (usually cancellation) having won.
	ErrStaleStatus = errors.New("store: compare-and-set rejected, status changed concurrently")
)

// Store is the Job Store capability the core depends on.
type Store interface {
	PutJob(ctx context.Context, job *jobmodel.Job) error
	GetJob(ctx context.Context, taskID uuid.UUID) (*jobmodel.Job, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]*jobmodel.Job, error)

	// UpdateStatus performs a compare-and-set: the update only applies if
	// the job's current status equals `from` and the transition is legal.
	UpdateStatus(ctx context.Context, taskID uuid.UUID, from, to jobmodel.Status) error

	// SetBrokerMessageID updates the bookkeeping field used for acceleration
	// revokes without touching Status.
	SetBrokerMessageID(ctx context.Context, taskID uuid.UUID, brokerMessageID string) error

	// SetAnalysis records the probe result once the I/O worker completes
	// analysis.
	SetAnalysis(ctx context.Context, taskID uuid.UUID, analysis jobmodel.AnalysisResult) error

	// SetCPUQueue rewrites JobData.CPUQueue, used by acceleration.
	SetCPUQueue(ctx context.Context, taskID uuid.UUID, queue jobmodel.CPUQueue) error

	// SetFailureReason records the one-line user-visible cause for a FAILED
	// job.
	SetFailureReason(ctx context.Context, taskID uuid.UUID, reason string) error

	RemoveJob(ctx context.Context, taskID uuid.UUID) error

	GetUserSettings(ctx context.Context, userID int64) (*jobmodel.UserSettings, error)
	PutUserSettings(ctx context.Context, settings *jobmodel.UserSettings) error
}
