// Package httpapi serves the federation Service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tomyedwab/tangram/auth"
	"github.com/tomyedwab/tangram/federation"
	"github.com/tomyedwab/tangram/types"
)

// Watcher streams status changes of local processes.
type Watcher interface {
	WatchStatus(ctx context.Context, id string) (<-chan types.StatusUpdate, error)
}

// Config holds configuration options for the Server.
type Config struct {
	Service federation.Service
	Watcher Watcher      // Optional, disables /processes/{id}/status when nil
	Secret  []byte       // Optional, disables bearer authentication when nil
	Logger  *slog.Logger // Optional, defaults to slog.Default()

	// MaxDequeueWait caps the long poll of POST /processes/dequeue.
	MaxDequeueWait time.Duration // Optional, defaults to 60 seconds
}

type Server struct {
	service        federation.Service
	watcher        Watcher
	secret         []byte
	logger         *slog.Logger
	maxDequeueWait time.Duration
}

func New(config Config) (*Server, error) {
	if config.Service == nil {
		return nil, fmt.Errorf("Service is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDequeueWait := config.MaxDequeueWait
	if maxDequeueWait <= 0 {
		maxDequeueWait = 60 * time.Second
	}
	return &Server{
		service:        config.Service,
		watcher:        config.Watcher,
		secret:         config.Secret,
		logger:         logger,
		maxDequeueWait: maxDequeueWait,
	}, nil
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /processes/spawn", s.handleSpawn)
	mux.HandleFunc("GET /processes", s.handleList)
	mux.HandleFunc("POST /processes/dequeue", s.handleDequeue)
	mux.HandleFunc("GET /processes/{id}", s.handleGet)
	mux.HandleFunc("POST /processes/{id}/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /processes/{id}/start", s.handleStart)
	mux.HandleFunc("POST /processes/{id}/finish", s.handleFinish)
	mux.HandleFunc("POST /processes/{id}/touch", s.handleTouch)
	mux.HandleFunc("POST /processes/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /processes/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /processes/{id}/wait", s.handleWait)
	mux.HandleFunc("GET /processes/{id}/status", s.handleStatus)

	mux.HandleFunc("POST /pipes", s.handleCreatePipe)
	mux.HandleFunc("POST /pipes/{id}/close", s.handleClosePipe)
	mux.HandleFunc("DELETE /pipes/{id}", s.handleDeletePipe)
	mux.HandleFunc("POST /pipes/{id}/write", s.handleWritePipe)
	mux.HandleFunc("GET /pipes/{id}/read", s.handleReadPipe)

	mux.HandleFunc("POST /ptys", s.handleCreatePty)
	mux.HandleFunc("GET /ptys/{id}/size", s.handleGetPtySize)
	mux.HandleFunc("PUT /ptys/{id}/size", s.handleSetPtySize)
	mux.HandleFunc("POST /ptys/{id}/close", s.handleClosePty)
	mux.HandleFunc("DELETE /ptys/{id}", s.handleDeletePty)
	mux.HandleFunc("POST /ptys/{id}/write", s.handleWritePty)
	mux.HandleFunc("GET /ptys/{id}/read", s.handleReadPty)

	return s.logRequests(auth.Required(s.secret, mux))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served",
			"remote", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

// writeError reports err as a JSON {code, message} body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := types.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ToError(err))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.NewError(types.CodeInvalidArgument, "invalid request body: %v", err)
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, types.NewError(types.CodeInvalidArgument, "invalid limit %q", raw)
	}
	return limit, nil
}

func parseMaster(r *http.Request) (bool, error) {
	raw := r.URL.Query().Get("master")
	if raw == "" {
		return false, nil
	}
	master, err := strconv.ParseBool(raw)
	if err != nil {
		return false, types.NewError(types.CodeInvalidArgument, "invalid master parameter %q", raw)
	}
	return master, nil
}
