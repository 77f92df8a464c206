package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

// route reads the federation hints, writing an error response on failure.
func (s *Server) route(w http.ResponseWriter, r *http.Request) (types.Route, bool) {
	route, err := types.ParseRoute(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return types.Route{}, false
	}
	return route, true
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	route, ok := s.route(w, r)
	if !ok {
		return
	}
	var arg types.SpawnArg
	if err := decodeBody(r, &arg); err != nil {
		s.writeError(w, r, err)
		return
	}
	output, err := s.service.Spawn(r.Context(), arg, route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, output)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	route, ok := s.route(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	arg := types.ListArg{Status: types.ProcessStatus(q.Get("status")), Limit: limit}
	if arg.Status != "" && !arg.Status.Valid() {
		s.writeError(w, r, types.NewError(types.CodeInvalidArgument, "invalid status %q", arg.Status))
		return
	}
	processes, err := s.service.List(r.Context(), arg, route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if processes == nil {
		processes = []*types.Process{}
	}
	s.writeJSON(w, processes)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	route, ok := s.route(w, r)
	if !ok {
		return
	}
	p, err := s.service.Get(r.Context(), r.PathValue("id"), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, p)
}

// handleDequeue long-polls for up to the timeout query parameter (a Go
// duration), answering 204 when nothing was claimed.
func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	route, ok := s.route(w, r)
	if !ok {
		return
	}
	wait := s.maxDequeueWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, types.NewError(types.CodeInvalidArgument, "invalid timeout %q", raw))
			return
		}
		wait = min(d, s.maxDequeueWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	output, err := s.service.Dequeue(ctx, route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if output == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, output)
}

// mutation serves a process operation that has no response body.
func (s *Server) mutation(op func(ctx context.Context, id string, route types.Route) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		route, ok := s.route(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), r.PathValue("id"), route); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	s.mutation(s.service.Enqueue)(w, r)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.mutation(s.service.Start)(w, r)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	s.mutation(s.service.Touch)(w, r)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var arg types.FinishArg
	if err := decodeBody(r, &arg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutation(func(ctx context.Context, id string, route types.Route) error {
		return s.service.Finish(ctx, id, arg, route)
	})(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var arg types.CancelArg
	if err := decodeBody(r, &arg); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.mutation(func(ctx context.Context, id string, route types.Route) error {
		return s.service.Cancel(ctx, id, arg.Token, route)
	})(w, r)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	route, ok := s.route(w, r)
	if !ok {
		return
	}
	output, err := s.service.Heartbeat(r.Context(), r.PathValue("id"), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, output)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	route, ok := s.route(w, r)
	if !ok {
		return
	}
	p, err := s.service.Wait(r.Context(), r.PathValue("id"), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, p)
}

// handleStatus streams "status" server-sent events for a local process
// until it finishes.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		s.writeError(w, r, types.NewError(types.CodeNotFound, "status streams are not served here"))
		return
	}
	updates, err := s.watcher.WatchStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", stdio.MediaEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	sse := stdio.NewSSEWriter(w)
	for update := range updates {
		if err := sse.Write("status", update); err != nil {
			s.logger.Debug("Status stream closed", "id", update.ID, "error", err)
			return
		}
	}
}
