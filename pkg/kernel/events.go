package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// handleTaskSSE streams a task's transitions as server-sent events. The
// current record is sent first as a "snapshot" event; the stream closes once
// the task reaches a terminal status.
// GET /v1/tasks/{id}/events
func (s *Server) handleTaskSSE(w http.ResponseWriter, r *http.Request) {
	var id domain.TaskID
	if err := pathParam(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition slips between.
	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	task, err := s.dispatcher.GetStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "failed to get task", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", newTaskView(task)); err != nil {
		return
	}
	flusher.Flush()
	if task.Status.IsTerminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, "status", evt); err != nil {
				return
			}
			flusher.Flush()
			if evt.Status.IsTerminal() {
				return
			}
		}
	}
}

// handleEventsSSE streams every task transition until the client goes away.
// A slow client misses events rather than stalling the dispatcher.
// GET /v1/events
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, unsub := s.eventBus.SubscribeAll()
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, "status", evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
