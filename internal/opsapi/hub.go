package opsapi

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/clipforge/clipforge/internal/jobmodel"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// JobUpdate is broadcast to every connected operator socket whenever a
// job's status changes, feeding the live job-progress view.
type JobUpdate struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// socketCommand is an inbound operator command. Arguments is left untyped
// here; each bound handler decodes it into its own argument struct with
// mapstructure.
type socketCommand struct {
	Command   string         `json:"command"`
	ID        int            `json:"id"`
	Arguments map[string]any `json:"arguments"`
}

// commandReply is the server's answer to one socketCommand, echoing the
// client-chosen ID so replies can be paired with their requests.
type commandReply struct {
	Title   string `json:"title"`
	ID      int    `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type commandHandler func(c *client, cmd socketCommand) error

// client is one connected operator socket. All writes to the underlying
// connection go through the send channel and its single writer goroutine,
// since gorilla/websocket connections do not permit concurrent writers.
type client struct {
	conn *websocket.Conn
	send chan any
}

// push enqueues a message for the client's writer, dropping it if the
// client cannot keep up.
func (c *client) push(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// hub fans JobUpdate events out to every connected websocket client and
// dispatches inbound commands to their bound handlers.
type hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	handlers map[string]commandHandler
}

func newHub() *hub {
	return &hub{
		clients:  make(map[*client]struct{}),
		handlers: make(map[string]commandHandler),
	}
}

// bindCommand registers the handler invoked when a client sends the named
// command.
func (h *hub) bindCommand(command string, handler commandHandler) {
	h.handlers[command] = handler
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan any, 16)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	return c
}

func (h *hub) deregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *hub) broadcast(update JobUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.push(update) {
			log.Warnf("ops socket client %s is slow, dropping update\n", c.conn.RemoteAddr())
		}
	}
}

// serve owns the connection's read loop; it returns when the client
// disconnects, after which the writer is torn down via deregister.
func (h *hub) serve(conn *websocket.Conn) {
	c := h.register(conn)
	defer h.deregister(c)

	go c.writeLoop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(c, raw)
	}
}

func (h *hub) dispatch(c *client, raw []byte) {
	var cmd socketCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.push(commandReply{Title: "COMMAND_FAILURE", Error: "malformed command"})
		return
	}

	handler, ok := h.handlers[cmd.Command]
	if !ok {
		c.push(commandReply{Title: "COMMAND_FAILURE", ID: cmd.ID, Error: "unknown command"})
		return
	}

	if err := handler(c, cmd); err != nil {
		log.Warnf("ops socket command %q failed: %v\n", cmd.Command, err)
		c.push(commandReply{Title: "COMMAND_FAILURE", ID: cmd.ID, Error: err.Error()})
	}
}

// Feed is the live job-status broadcast channel shared between the ops API
// server and the pipeline. It exists as its own type so the bootstrap can
// wrap the Job Store before the workers and the Intake Controller are
// constructed, while the Server is built later on top of the same hub.
type Feed struct {
	hub *hub
}

func NewFeed() *Feed {
	return &Feed{hub: newHub()}
}

// Broadcast pushes one status change to every connected operator socket.
func (f *Feed) Broadcast(taskID uuid.UUID, status jobmodel.Status) {
	f.hub.broadcast(JobUpdate{TaskID: taskID.String(), Status: string(status)})
}

// WrapStore returns a Store whose successful status transitions are also
// broadcast on the feed. Rejected compare-and-sets stay silent: the losing
// writer's transition never happened.
func (f *Feed) WrapStore(st store.Store) store.Store {
	return &broadcastingStore{Store: st, feed: f}
}

type broadcastingStore struct {
	store.Store
	feed *Feed
}

func (b *broadcastingStore) UpdateStatus(ctx context.Context, taskID uuid.UUID, from, to jobmodel.Status) error {
	if err := b.Store.UpdateStatus(ctx, taskID, from, to); err != nil {
		return err
	}

	b.feed.Broadcast(taskID, to)
	return nil
}
