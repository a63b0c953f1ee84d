// Package mediaclient defines the capability surface the pipeline depends
// on for all chat-platform I/O: fetching message metadata, streaming
// attachment bytes, and sending/editing/deleting status messages and
// final documents. No concrete chat-platform binding is implemented here
// — only the interface and an in-memory fake used by tests and local
// smoke-runs.
package mediaclient

import (
	"context"
	"io"
	"time"

	"github.com/clipforge/clipforge/internal/jobmodel"
)

// Attachment describes the metadata FetchMessage returns for one message's
// media payload.
type Attachment struct {
	FileName      string
	FileSize      int64
	MimeType      string
	AttachmentRef string
	ThumbnailRef  string
}

// ProgressFunc reports current/total bytes moved so callers can throttle
// status edits.
type ProgressFunc func(current, total int64)

// RateLimited is returned by SendStatus/EditStatus/SendDocument when the
// platform asked the caller to back off. Client implementations should
// absorb ordinary rate-limit hints internally; this type exists for the
// residual case where the hinted wait is long enough that the caller
// should decide whether to keep waiting rather than block indefinitely.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	return "mediaclient: rate limited, retry after " + e.RetryAfter.String()
}

// Client is the capability record every pipeline stage depends on.
type Client interface {
	// FetchMessage resolves a message_ref to its attachment metadata.
	FetchMessage(ctx context.Context, ref jobmodel.MessageRef) (Attachment, error)

	// StreamAttachment opens a restartable byte stream for an attachment.
	// Callers are responsible for closing the returned reader.
	StreamAttachment(ctx context.Context, attachmentRef string) (io.ReadCloser, error)

	// SendStatus posts a new status message, returning its ref for later
	// edits.
	SendStatus(ctx context.Context, chatID int64, text string) (jobmodel.MessageRef, error)

	// EditStatus rewrites an existing status message in place.
	EditStatus(ctx context.Context, ref jobmodel.MessageRef, text string) error

	// DeleteStatus removes the status message; called on successful
	// completion.
	DeleteStatus(ctx context.Context, ref jobmodel.MessageRef) error

	// SendDocument uploads the file at path as the job's final document,
	// attaching thumb (if non-empty) and caption, reporting progress via cb.
	SendDocument(ctx context.Context, chatID int64, path, thumb, caption string, cb ProgressFunc) error
}
