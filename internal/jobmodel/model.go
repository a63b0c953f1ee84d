package jobmodel

import "github.com/google/uuid"

// Quality is the user-selected target vertical resolution.
type Quality int

const (
	Quality480  Quality = 480
	Quality720  Quality = 720
	Quality1080 Quality = 1080
)

// Valid reports whether q is one of the three qualities the picker offers.
func (q Quality) Valid() bool {
	switch q {
	case Quality480, Quality720, Quality1080:
		return true
	default:
		return false
	}
}

// Preset selects the encoder's speed/efficiency trade-off.
type Preset string

const (
	PresetFast   Preset = "fast"
	PresetMedium Preset = "medium"
	PresetSlow   Preset = "slow"
)

func (p Preset) Valid() bool {
	switch p {
	case PresetFast, PresetMedium, PresetSlow:
		return true
	default:
		return false
	}
}

// CPUQueue names one of the two CPU-stage broker queues.
type CPUQueue string

const (
	QueueDefault      CPUQueue = "default"
	QueueHighPriority CPUQueue = "high_priority"
)

// MessageRef identifies one chat message holding (part of) the source media.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// UserSettings is the per-user preference snapshot read (never written) by
// the core. Zero values resolve to sensible defaults at read time.
type UserSettings struct {
	UserID             int64
	BrandName          string
	Website            string
	CustomThumbnailRef *string
}

// JobData is the opaque configuration blob embedded in a Job document.
type JobData struct {
	// SourceMessageRefs is ordered ascending by MessageID; for a coalesced
	// multi-part upload this is the merge order.
	SourceMessageRefs []MessageRef
	Quality           Quality
	Preset            Preset
	FinalFilename     string
	CPUQueue          CPUQueue
	ThumbnailRef      *string
	UserSettings      UserSettings

	// BrokerMessageID is the id under which the *current* CPU-stage task is
	// registered with the broker. It is rewritten on acceleration so revoke
	// targets the right in-flight message while Job.TaskID, the externally
	// visible identity, stays stable.
	BrokerMessageID string
}

// AnalysisResult is produced by the I/O worker's probe step and consumed by
// the CPU worker when constructing the encoder invocation.
type AnalysisResult struct {
	DurationSeconds float64
	Height          int
	Is10Bit         bool
	AudioChannels   int
}

// EncodeTaskPayload is the broker message payload handed to the CPU stage.
// It carries no filesystem paths: the consuming worker re-derives the
// workspace layout from its own configuration, so a re-enqueued task
// (acceleration, crash re-delivery) stays valid on any host sharing the
// cache volume.
type EncodeTaskPayload struct {
	TaskID   uuid.UUID
	Analysis AnalysisResult
}

// EffectiveHeight returns the target height for this job given a probed
// source height; the encoder never upscales.
func (j JobData) EffectiveHeight(sourceHeight int) int {
	requested := int(j.Quality)
	if sourceHeight > 0 && sourceHeight < requested {
		return sourceHeight
	}
	return requested
}

// Job is the durable, externally-visible record for one transcode request.
type Job struct {
	TaskID           uuid.UUID
	UserID           int64
	Filename         string
	Status           Status
	StatusMessageRef MessageRef
	JobData          JobData
	Analysis         *AnalysisResult
	FailureReason    string
}

// Workspace describes the per-job filesystem layout rooted at CacheDir.
type Workspace struct {
	TaskID      uuid.UUID
	Dir         string
	MergedInput string
	Thumb       string
	Output      string
}
