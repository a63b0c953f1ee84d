// Package jobmodel contains the durable types shared by every stage of the
// transcode pipeline: job status, job data, user settings and workspace
// layout. No component outside of the store package should mutate a Job's
// Status directly — use the store's compare-and-set instead.
package jobmodel

// Status is a job's position in the pipeline state machine.
type Status string

const (
	Queued      Status = "QUEUED"
	Downloading Status = "DOWNLOADING"
	Analyzing   Status = "ANALYZING"
	Encoding    Status = "ENCODING"
	Uploading   Status = "UPLOADING"
	Completed   Status = "COMPLETED"
	Failed      Status = "FAILED"
	Cancelled   Status = "CANCELLED"
)

// Terminal reports whether a status cannot be left.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates every (from, to) pair a compare-and-set update
// may perform. Cancellation is legal from any non-terminal status; failure
// likewise. The happy path is strictly linear.
var legalTransitions = map[Status]map[Status]bool{
	Queued:      {Downloading: true, Cancelled: true, Failed: true},
	Downloading: {Analyzing: true, Cancelled: true, Failed: true},
	Analyzing:   {Encoding: true, Cancelled: true, Failed: true},
	Encoding:    {Uploading: true, Cancelled: true, Failed: true},
	Uploading:   {Completed: true, Cancelled: true, Failed: true},
}

// CanTransition reports whether moving a job from `from` to `to` is
// permitted. Terminal states never transition anywhere, including to
// themselves.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}

	return legalTransitions[from][to]
}
