package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ziadkadry99/kinesight/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// triggerResponse reports whether a request started a run, alongside the
// state it left behind.
type triggerResponse struct {
	Started bool            `json:"started"`
	State   *pipeline.State `json:"state,omitempty"`
}

func (s *Server) orchestrator(w http.ResponseWriter) (*pipeline.Orchestrator, bool) {
	if s.deps.Orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline is not configured")
		return nil, false
	}
	return s.deps.Orchestrator, true
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := s.orchestrator(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	st, found := o.Status(r.Context(), id)
	if !found {
		writeError(w, http.StatusNotFound, "no pipeline run for session %s", id)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, false)
}

func (s *Server) handleRetrigger(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, true)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, force bool) {
	o, ok := s.orchestrator(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Sessions.Session(r.Context(), id); err != nil {
		sessionError(w, err)
		return
	}

	ctx := actorContext(r)
	var started bool
	var err error
	if force {
		started, err = o.Retrigger(ctx, id)
	} else {
		started, err = o.Trigger(ctx, id)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "%v", err)
		return
	}
	st, _ := o.Status(r.Context(), id)
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, triggerResponse{Started: started, State: st})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, ok := s.orchestrator(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !o.Cancel(id) {
		writeError(w, http.StatusNotFound, "no live run for session %s", id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	if s.deps.States == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline state store is not configured")
		return
	}
	q := r.URL.Query()
	f := pipeline.ListFilter{Status: pipeline.Status(q.Get("status")), Limit: 50}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	list, err := s.deps.States.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if list == nil {
		list = []*pipeline.State{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handlePipelineWatch streams state transitions over a websocket until the
// run reaches a terminal state or the client goes away.
func (s *Server) handlePipelineWatch(w http.ResponseWriter, r *http.Request) {
	o, ok := s.orchestrator(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	updates, stop := o.Watch(ctx, id)
	defer stop()

	// Reads only detect the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sent := false
	for {
		select {
		case st, open := <-updates:
			if !open {
				if !sent {
					conn.WriteJSON(errorBody{Error: "no pipeline run for session " + id})
				}
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(st); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("websocket write", "session_id", id, "error", err)
				}
				return
			}
			sent = true
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
