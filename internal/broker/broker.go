// Package broker implements the queue broker: the three named queues
// (io_queue, default, high_priority) that hand tasks off between the
// intake controller and the two worker classes.
//
// The dispatch rule is strict preemption, not fair-share: a high_priority
// task is handed to the next available CPU worker ahead of any default
// task already queued, even one that arrived earlier.
//
// Delivery is at-least-once. Every received message is tracked as
// in-flight until the consumer calls Ack; a reaper re-queues deliveries
// whose visibility deadline lapsed (a consumer that died without acking).
// Consumers hold a KeepAlive lease for as long as they own a task, so a
// long encode never times out while its worker is alive.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/logger"
	clipsync "github.com/clipforge/clipforge/pkg/sync"
)

var log = logger.Get("Broker")

// TaskKind tags the two stages a message can belong to.
type TaskKind int

const (
	TaskIO TaskKind = iota
	TaskEncode
)

// QueueName is one of the three broker queues.
type QueueName string

const (
	QueueIO           QueueName = "io_queue"
	QueueDefault      QueueName = "default"
	QueueHighPriority QueueName = "high_priority"
)

// DefaultVisibilityTimeout is how long a delivery may go untouched before
// the reaper hands it to another worker. Workers extend it continuously
// via KeepAlive, so only a dead worker lets it lapse.
const DefaultVisibilityTimeout = 2 * time.Minute

// Message is a unit of work flowing through the broker. ID is the value
// passed to Revoke and Ack; it is set by the producer.
type Message struct {
	ID      string
	Kind    TaskKind
	Payload any
}

// revocation, once set for a message ID, means the message must not be
// delivered (or, if Terminate is set, must be killed if already running).
type revocation struct {
	terminate bool
}

// delivery is one in-flight message awaiting Ack, remembering the queue it
// must return to if its consumer dies.
type delivery struct {
	msg      Message
	queue    chan Message
	deadline time.Time
}

// Broker is the in-memory, at-least-once implementation of the queue
// broker. A real deployment could swap this for a networked broker without
// changing any caller, since Broker is consumed only through this
// interface-shaped struct's exported methods.
type Broker struct {
	io      chan Message
	normal  chan Message
	high    chan Message
	revoked clipsync.TypedSyncMap[string, *revocation]

	visibility time.Duration

	mu       sync.Mutex
	closed   bool
	inflight map[string]*delivery
	done     chan struct{}
}

func New(queueDepth int) *Broker {
	return NewWithTimeout(queueDepth, DefaultVisibilityTimeout)
}

// NewWithTimeout builds a broker with a caller-chosen visibility timeout,
// used by tests that need redelivery to happen within milliseconds.
func NewWithTimeout(queueDepth int, visibility time.Duration) *Broker {
	b := &Broker{
		io:         make(chan Message, queueDepth),
		normal:     make(chan Message, queueDepth),
		high:       make(chan Message, queueDepth),
		visibility: visibility,
		inflight:   make(map[string]*delivery),
		done:       make(chan struct{}),
	}

	go b.reapLoop()
	return b
}

// SubmitIO enqueues an I/O-stage task.
func (b *Broker) SubmitIO(ctx context.Context, id string, payload any) error {
	return b.submit(ctx, b.io, Message{ID: id, Kind: TaskIO, Payload: payload})
}

// SubmitEncode enqueues a CPU-stage task onto the named queue.
func (b *Broker) SubmitEncode(ctx context.Context, queue QueueName, id string, payload any) error {
	target, err := b.encodeQueue(queue)
	if err != nil {
		return err
	}

	return b.submit(ctx, target, Message{ID: id, Kind: TaskEncode, Payload: payload})
}

func (b *Broker) encodeQueue(queue QueueName) (chan Message, error) {
	switch queue {
	case QueueDefault:
		return b.normal, nil
	case QueueHighPriority:
		return b.high, nil
	default:
		return nil, fmt.Errorf("broker: unknown CPU queue %q", queue)
	}
}

func (b *Broker) submit(ctx context.Context, target chan Message, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker: closed")
	}
	b.mu.Unlock()

	select {
	case target <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveIO blocks until an I/O task is available (or ctx is cancelled),
// skipping any message that was revoked before delivery.
func (b *Broker) ReceiveIO(ctx context.Context) (Message, bool) {
	return b.receive(ctx, b.io)
}

// ReceiveEncode blocks until a CPU-stage task is available, always
// preferring high_priority over default.
func (b *Broker) ReceiveEncode(ctx context.Context) (Message, bool) {
	for {
		select {
		case msg := <-b.high:
			if b.consumeIfLive(msg) {
				b.track(msg, b.high)
				return msg, true
			}
			continue
		default:
		}

		select {
		case msg := <-b.high:
			if !b.consumeIfLive(msg) {
				continue
			}
			b.track(msg, b.high)
			return msg, true
		case msg := <-b.normal:
			if !b.consumeIfLive(msg) {
				continue
			}
			b.track(msg, b.normal)
			return msg, true
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

func (b *Broker) receive(ctx context.Context, source chan Message) (Message, bool) {
	for {
		select {
		case msg := <-source:
			if !b.consumeIfLive(msg) {
				continue
			}
			b.track(msg, source)
			return msg, true
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// consumeIfLive clears any pending revocation of msg (terminating or not)
// and reports whether the message should still be delivered.
func (b *Broker) consumeIfLive(msg Message) bool {
	if rev, ok := b.revoked.LoadAndDelete(msg.ID); ok && rev != nil {
		return false
	}
	return true
}

// track registers a delivered message as in-flight until it is acked.
func (b *Broker) track(msg Message, queue chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight[msg.ID] = &delivery{msg: msg, queue: queue, deadline: time.Now().Add(b.visibility)}
}

// Ack marks a delivered message as fully processed; it will never be
// re-delivered. Consumers must ack every delivery on all return paths,
// including drops (a drop is a processing outcome, not a failure).
func (b *Broker) Ack(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, id)
}

// Nack returns a delivered message to the back of its queue immediately,
// used when a consumer knows it cannot finish (e.g. it recovered a panic).
func (b *Broker) Nack(id string) {
	b.mu.Lock()
	d, ok := b.inflight[id]
	if ok {
		delete(b.inflight, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.requeue(d)
}

// Touch pushes out the visibility deadline of an in-flight delivery.
func (b *Broker) Touch(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.inflight[id]; ok {
		d.deadline = time.Now().Add(b.visibility)
	}
}

// KeepAlive touches id periodically until the returned stop function is
// called. Workers hold one for as long as they own a task, so only a dead
// worker lets the deadline lapse.
func (b *Broker) KeepAlive(id string) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(b.visibility / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				b.Touch(id)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (b *Broker) reapLoop() {
	ticker := time.NewTicker(b.visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.requeueExpired()
		}
	}
}

func (b *Broker) requeueExpired() {
	now := time.Now()

	b.mu.Lock()
	var expired []*delivery
	for id, d := range b.inflight {
		if now.After(d.deadline) {
			delete(b.inflight, id)
			expired = append(expired, d)
		}
	}
	b.mu.Unlock()

	for _, d := range expired {
		log.Warnf("delivery %s exceeded its visibility deadline, re-queueing\n", d.msg.ID)
		b.requeue(d)
	}
}

func (b *Broker) requeue(d *delivery) {
	select {
	case d.queue <- d.msg:
	default:
		// Queue full; keep the delivery in-flight so the reaper tries again
		// after another visibility window.
		b.mu.Lock()
		d.deadline = time.Now().Add(b.visibility)
		b.inflight[d.msg.ID] = d
		b.mu.Unlock()
	}
}

// Revoke marks a message id as revoked. If the message has not yet been
// delivered, it is silently dropped when its queue slot is reached. If
// terminate is true, callers that are already executing the task (i.e. the
// CPU worker mid-encode) must observe this via IsTerminated and SIGKILL
// their subprocess; Revoke itself does not reach into a running goroutine.
func (b *Broker) Revoke(id string, terminate bool) {
	b.revoked.Store(id, &revocation{terminate: terminate})
}

// IsTerminated reports whether id has been revoked with terminate=true,
// without consuming the revocation (repeatable polling during an encode).
func (b *Broker) IsTerminated(id string) bool {
	rev, ok := b.revoked.Load(id)
	return ok && rev != nil && rev.terminate
}

// ClearRevocation forgets a revocation once it has been acted upon
// (job finished terminating, or a fresh task with the same id is about to
// be submitted e.g. during acceleration).
func (b *Broker) ClearRevocation(id string) {
	b.revoked.Delete(id)
}

// Close stops accepting new submissions and stops the redelivery reaper.
// In-flight receives already blocked on a channel unblock only when their
// context is cancelled; Close does not close the channels themselves, since
// doing so while producers may still be submitting would panic.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
