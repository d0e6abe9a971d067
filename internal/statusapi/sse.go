package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

const sseBuffer = 64

type sseEvent struct {
	name string
	data any
}

// streamEvents writes progress, state and telemetry as server-sent events
// until the client goes away. Slow clients miss events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(chan sseEvent, sseBuffer)
	send := func(name string, data any) {
		select {
		case events <- sseEvent{name: name, data: data}:
		default:
		}
	}

	unsubs := []func(){
		s.cfg.Workout.OnState(func(e workout.StateEvent) { send("state", e) }),
		s.cfg.Workout.OnProgress(func(p workout.Progress) { send("progress", p) }),
	}
	if s.cfg.Telemetry != nil {
		unsubs = append(unsubs, s.cfg.Telemetry.OnTelemetry(func(smp ftms.Sample) { send("telemetry", smp) }))
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev := <-events:
			data, err := json.Marshal(ev.data)
			if err != nil {
				s.logger.Printf("StatusAPI: failed to encode %s event: %v", ev.name, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
