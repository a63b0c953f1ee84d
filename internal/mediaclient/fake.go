package mediaclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/google/uuid"
)

// Fake is an in-memory Client used by unit tests and local smoke-runs. It
// never hits a network; attachment bytes are registered up front via
// PutAttachment. No concrete chat-platform binding exists in this repo,
// so Fake is also what a local operator would wire in place of a real
// adapter to exercise the pipeline end to end.
type Fake struct {
	mu          sync.Mutex
	attachments map[string][]byte
	messages    map[jobmodel.MessageRef]Attachment
	statuses    map[int64]string
	nextMsgID   int64
	deleted     map[jobmodel.MessageRef]bool

	// SendDocumentErr, when set, is returned by every SendDocument call —
	// used to exercise UploadError retry behavior.
	SendDocumentErr error
}

func NewFake() *Fake {
	return &Fake{
		attachments: make(map[string][]byte),
		messages:    make(map[jobmodel.MessageRef]Attachment),
		statuses:    make(map[int64]string),
		deleted:     make(map[jobmodel.MessageRef]bool),
	}
}

// PutAttachment registers the bytes and metadata a message ref resolves to.
func (f *Fake) PutAttachment(ref jobmodel.MessageRef, attachmentRef string, data []byte, meta Attachment) {
	f.mu.Lock()
	defer f.mu.Unlock()

	meta.AttachmentRef = attachmentRef
	meta.FileSize = int64(len(data))
	f.attachments[attachmentRef] = data
	f.messages[ref] = meta
}

func (f *Fake) FetchMessage(_ context.Context, ref jobmodel.MessageRef) (Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	att, ok := f.messages[ref]
	if !ok {
		return Attachment{}, fmt.Errorf("mediaclient: no message registered for %+v", ref)
	}
	return att, nil
}

func (f *Fake) StreamAttachment(_ context.Context, attachmentRef string) (io.ReadCloser, error) {
	f.mu.Lock()
	data, ok := f.attachments[attachmentRef]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("mediaclient: no attachment %q registered", attachmentRef)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *Fake) SendStatus(_ context.Context, chatID int64, text string) (jobmodel.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextMsgID++
	ref := jobmodel.MessageRef{ChatID: chatID, MessageID: f.nextMsgID}
	f.statuses[ref.MessageID] = text
	return ref, nil
}

func (f *Fake) EditStatus(_ context.Context, ref jobmodel.MessageRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleted[ref] {
		return fmt.Errorf("mediaclient: status message %+v already deleted", ref)
	}
	f.statuses[ref.MessageID] = text
	return nil
}

func (f *Fake) DeleteStatus(_ context.Context, ref jobmodel.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted[ref] = true
	delete(f.statuses, ref.MessageID)
	return nil
}

func (f *Fake) SendDocument(_ context.Context, _ int64, _, _, _ string, cb ProgressFunc) error {
	f.mu.Lock()
	err := f.SendDocumentErr
	f.mu.Unlock()

	if err != nil {
		return err
	}

	if cb != nil {
		cb(1, 1)
	}
	return nil
}

// StatusText returns the current text of a status message, for assertions.
func (f *Fake) StatusText(ref jobmodel.MessageRef) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	text, ok := f.statuses[ref.MessageID]
	return text, ok
}

// NewAttachmentRef is a small convenience for tests assembling fixtures.
func NewAttachmentRef() string {
	return uuid.NewString()
}

var _ Client = (*Fake)(nil)
