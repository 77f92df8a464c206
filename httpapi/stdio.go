package httpapi

import (
	"context"
	"net/http"

	"github.com/tomyedwab/tangram/stdio"
	"github.com/tomyedwab/tangram/types"
)

func remoteOf(r *http.Request) string {
	return r.URL.Query().Get("remote")
}

// channelOp serves a pipe or pty operation that has no response body.
func (s *Server) channelOp(op func(ctx context.Context, id, remote string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), r.PathValue("id"), remoteOf(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// requestEvents decodes a streamed request body in the encoding named by
// its Content-Type.
func requestEvents(r *http.Request) <-chan types.Event {
	reader := stdio.NewEventReader(r.Body, r.Header.Get("Content-Type"))
	return stdio.Decode(r.Context(), reader)
}

// streamEvents writes events in the encoding negotiated from Accept.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan types.Event) {
	mediaType := stdio.Negotiate(r.Header.Get("Accept"))
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	if err := stdio.Encode(r.Context(), stdio.NewEventWriter(w, mediaType), events); err != nil {
		s.logger.Debug("Event stream interrupted", "path", r.URL.Path, "error", err)
	}
}

func (s *Server) handleCreatePipe(w http.ResponseWriter, r *http.Request) {
	output, err := s.service.CreatePipe(r.Context(), remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, output)
}

func (s *Server) handleClosePipe(w http.ResponseWriter, r *http.Request) {
	s.channelOp(s.service.ClosePipe)(w, r)
}

func (s *Server) handleDeletePipe(w http.ResponseWriter, r *http.Request) {
	s.channelOp(s.service.DeletePipe)(w, r)
}

func (s *Server) handleWritePipe(w http.ResponseWriter, r *http.Request) {
	err := s.service.WritePipe(r.Context(), r.PathValue("id"), requestEvents(r), remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadPipe(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.ReadPipe(r.Context(), r.PathValue("id"), remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamEvents(w, r, events)
}

func (s *Server) handleCreatePty(w http.ResponseWriter, r *http.Request) {
	var arg types.PtyArg
	if err := decodeBody(r, &arg); err != nil {
		s.writeError(w, r, err)
		return
	}
	output, err := s.service.CreatePty(r.Context(), arg, remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, output)
}

func (s *Server) handleGetPtySize(w http.ResponseWriter, r *http.Request) {
	size, err := s.service.GetPtySize(r.Context(), r.PathValue("id"), remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, size)
}

func (s *Server) handleSetPtySize(w http.ResponseWriter, r *http.Request) {
	var size types.WindowSize
	if err := decodeBody(r, &size); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.channelOp(func(ctx context.Context, id, remote string) error {
		return s.service.SetPtySize(ctx, id, size, remote)
	})(w, r)
}

func (s *Server) handleClosePty(w http.ResponseWriter, r *http.Request) {
	s.channelOp(s.service.ClosePty)(w, r)
}

func (s *Server) handleDeletePty(w http.ResponseWriter, r *http.Request) {
	s.channelOp(s.service.DeletePty)(w, r)
}

func (s *Server) handleWritePty(w http.ResponseWriter, r *http.Request) {
	master, err := parseMaster(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.service.WritePty(r.Context(), r.PathValue("id"), master, requestEvents(r), remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadPty(w http.ResponseWriter, r *http.Request) {
	master, err := parseMaster(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.service.ReadPty(r.Context(), r.PathValue("id"), master, remoteOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.streamEvents(w, r, events)
}
