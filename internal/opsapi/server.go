// Package opsapi is the internal operator HTTP+WebSocket surface: job
// listing, cancel, accelerate, and a live progress feed. It is not the
// chat-facing submission surface — that's internal/intake, called
// directly by the chat-handler layer.
package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/intake"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/clipforge/clipforge/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
)

var log = logger.Get("OpsAPI")

// Server hosts the ops routes and the job-progress websocket.
type Server struct {
	router *mux.Router
	http   *http.Server

	store      store.Store
	intake     *intake.Controller
	broker     *broker.Broker
	signingKey []byte
	feed       *Feed
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, st store.Store, ctrl *intake.Controller, br *broker.Broker, feed *Feed) *Server {
	if feed == nil {
		feed = NewFeed()
	}

	s := &Server{
		store:      st,
		intake:     ctrl,
		broker:     br,
		signingKey: []byte(cfg.OpsAPISigningKey),
		feed:       feed,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	feed.hub.bindCommand("ACTIVE_JOBS", s.wsActiveJobs)
	feed.hub.bindCommand("JOB_DETAILS", s.wsJobDetails)

	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{task_id}", s.handleGetJob).Methods(http.MethodGet)
	r.Handle("/jobs/{task_id}/accelerate", s.requireAuth(s.handleAccelerate)).Methods(http.MethodPost)
	r.Handle("/jobs/{task_id}/cancel", s.requireAuth(s.handleCancel)).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.router = r

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.OpsAPIHost, cfg.OpsAPIPort),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Run starts the HTTP listener and blocks until ctx is cancelled, at which
// point it shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("ops API listening on %s\n", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// wsActiveJobs answers the ACTIVE_JOBS socket command with the non-terminal
// jobs of one user. Arguments arrive as an untyped JSON object, so decoding
// uses mapstructure's weak typing (JSON numbers are float64 on the wire).
func (s *Server) wsActiveJobs(c *client, cmd socketCommand) error {
	var args struct {
		UserID int64 `mapstructure:"user_id"`
	}
	if err := mapstructure.WeakDecode(cmd.Arguments, &args); err != nil || args.UserID == 0 {
		return fmt.Errorf("a numeric 'user_id' argument is required")
	}

	jobs, err := s.store.ListActiveByUser(context.Background(), args.UserID)
	if err != nil {
		return err
	}

	c.push(commandReply{Title: "COMMAND_SUCCESS", ID: cmd.ID, Payload: jobs})
	return nil
}

// wsJobDetails answers the JOB_DETAILS socket command with one job document.
func (s *Server) wsJobDetails(c *client, cmd socketCommand) error {
	var args struct {
		TaskID string `mapstructure:"task_id"`
	}
	if err := mapstructure.WeakDecode(cmd.Arguments, &args); err != nil {
		return err
	}

	taskID, err := uuid.Parse(args.TaskID)
	if err != nil {
		return fmt.Errorf("a 'task_id' argument holding a valid job id is required")
	}

	job, err := s.store.GetJob(context.Background(), taskID)
	if err != nil {
		return err
	}

	c.push(commandReply{Title: "COMMAND_SUCCESS", ID: cmd.ID, Payload: job})
	return nil
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.signingKey, nil
		})
		if err != nil || !parsed.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	userID, err := parseInt64(userIDStr)
	if err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	jobs, err := s.store.ListActiveByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(mux.Vars(r)["task_id"])
	if err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	job, err := s.store.GetJob(r.Context(), taskID)
	if err == store.ErrNotFound {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAccelerate(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(mux.Vars(r)["task_id"])
	if err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	job, err := s.store.GetJob(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := s.intake.Accelerate(r.Context(), taskID, job.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(mux.Vars(r)["task_id"])
	if err != nil {
		http.Error(w, "invalid task_id", http.StatusBadRequest)
		return
	}

	job, err := s.store.GetJob(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if err := s.intake.Cancel(r.Context(), taskID, job.UserID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("failed to upgrade ops websocket: %v\n", err)
		return
	}
	defer conn.Close()

	s.feed.hub.serve(conn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
