package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"stackline/internal/events"
	"stackline/internal/metrics"
)

const (
	keepAlive  = 25 * time.Second
	writeWait  = 10 * time.Second
	readLimit  = 4 << 10
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleEvents streams a job's events as SSE or, when the client asks for an
// upgrade, as WebSocket text frames. The stream ends after job_done.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.authorized(w, r)
	if !ok {
		return
	}
	since := r.Header.Get("Last-Event-ID")
	if since == "" {
		since = r.URL.Query().Get("since")
	}

	ch, unsubscribe := s.events.Subscribe(jobID, since)
	defer unsubscribe()
	metrics.SubscriberConnected()
	defer metrics.SubscriberDisconnected()

	// A job that finished before the subscription sends nothing further, so
	// close with its recorded events.
	var backlog []events.Event
	snap, err := s.machine.Snapshot(jobID)
	finished := err == nil && snap.Job.Status.Terminal()
	if finished {
		backlog = after(s.events.Recent(jobID), since)
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.streamWebSocket(w, r, jobID, ch, finished, backlog)
		return
	}
	s.streamSSE(w, r, ch, finished, backlog)
}

// after returns the events following sinceID, or all of them when sinceID is
// empty or unknown.
func after(hist []events.Event, sinceID string) []events.Event {
	for i, ev := range hist {
		if ev.ID == sinceID {
			return hist[i+1:]
		}
	}
	return hist
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, ch <-chan events.Event, finished bool, backlog []events.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(ev events.Event) {
		data := ev.Data
		if len(data) == 0 {
			data = []byte("{}")
		}
		fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
		flusher.Flush()
	}
	if finished {
		for _, ev := range backlog {
			write(ev)
		}
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				// Evicted or shutting down; the client resumes with Last-Event-ID.
				return
			}
			write(ev)
			if ev.Terminal() {
				return
			}
		}
	}
}

func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, jobID string, ch <-chan events.Event, finished bool, backlog []events.Event) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job", jobID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev events.Event) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	if finished {
		for _, ev := range backlog {
			if err := send(ev); err != nil {
				return
			}
		}
		closeNormal()
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				s.log.Debug("websocket write failed", "job", jobID, "error", err)
				return
			}
			if ev.Terminal() {
				closeNormal()
				return
			}
		}
	}
}
