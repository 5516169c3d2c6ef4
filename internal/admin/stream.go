package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/user/psyche/internal/bus"
)

// event is one server-sent bus envelope.
type event struct {
	Topic   bus.Topic `json:"topic"`
	Seq     uint64    `json:"seq"`
	Payload any       `json:"payload"`
}

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// handleEvents streams every bus envelope, optionally filtered by ?topic=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := bus.Topic(r.URL.Query().Get("topic"))
	if filter != "" && !filter.Valid() {
		writeError(w, http.StatusBadRequest, "unknown topic")
		return
	}
	sub := s.host.SubscribeRaw()
	flusher, ok := startStream(w)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			var lagged *bus.LaggedError
			if errors.As(err, &lagged) {
				if err := writeEvent(w, "lagged", map[string]uint64{"skipped": lagged.Skipped}); err != nil {
					return
				}
				flusher.Flush()
				continue
			}
			return
		}
		if filter != "" && env.Topic != filter {
			continue
		}
		if err := writeEvent(w, string(env.Topic), event{Topic: env.Topic, Seq: env.Seq, Payload: env.Payload}); err != nil {
			slog.Debug("event stream closed", "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleReports streams debug reports for enabled labels.
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	reg := s.host.Debug()
	reports := reg.Listen()
	defer reg.Unlisten(reports)

	flusher, ok := startStream(w)
	if !ok {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case rep := <-reports:
			if err := writeEvent(w, "report", rep); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
