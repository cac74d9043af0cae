package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/cuemby/colony/pkg/events"
)

const eventWriteTimeout = 15 * time.Second

// streamEvents upgrades to a websocket and writes every broker event as a
// JSON text message. ?worker= and ?type= narrow the stream.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker")
	typeFilter := r.URL.Query()["type"]

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	broker := s.manager.Events()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	// Reads are only needed to notice the peer closing.
	ctx := ws.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "broker stopped")
				return
			}
			if !matchEvent(ev, workerID, typeFilter) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func matchEvent(ev *events.Event, workerID string, typesWanted []string) bool {
	if workerID != "" && ev.WorkerID != workerID {
		return false
	}
	if len(typesWanted) == 0 {
		return true
	}
	for _, t := range typesWanted {
		if string(ev.Type) == t {
			return true
		}
	}
	return false
}
