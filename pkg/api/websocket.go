package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"transcription-orchestrator/pkg/broadcast"
	"transcription-orchestrator/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is the tagged union of everything a client may send.
type clientMessage struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	JobID          string `json:"job_id,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	Channels       int    `json:"channels,omitempty"`
	Format         string `json:"format,omitempty"`
	Data           []byte `json:"data,omitempty"`
	SequenceNumber int64  `json:"sequence_number"`
}

// serverMessage is the tagged union of everything the server emits.
type serverMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// WebSocketHandler runs one connection: a reader goroutine decodes client
// events and applies them in arrival order; the writer below drains the
// hub's per-subscriber channel plus direct replies, so ordering and
// backpressure are explicit instead of callback-driven.
func (h *Handlers) WebSocketHandler(hub *broadcast.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connID := models.NewID()
		events := hub.Register(connID, 256)
		defer hub.Deregister(connID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		direct := make(chan serverMessage, 32)
		readerDone := make(chan struct{})

		go func() {
			defer close(readerDone)
			h.readLoop(ctx, conn, connID, hub, direct)
		}()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return // dropped as a slow subscriber
				}
				if err := conn.WriteJSON(serverMessage{Type: ev.Type, Payload: ev.Payload}); err != nil {
					return
				}
			case msg := <-direct:
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-readerDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Handlers) readLoop(ctx context.Context, conn *websocket.Conn, connID string, hub *broadcast.Hub, direct chan<- serverMessage) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "stream:start":
			sess, err := h.sessions.Start(msg.SessionID, models.StreamConfig{
				SampleRate: msg.SampleRate,
				Channels:   msg.Channels,
				Format:     msg.Format,
			})
			if err != nil {
				send(direct, serverMessage{Type: "stream:error", SessionID: msg.SessionID, Error: err.Error()})
				continue
			}
			// Route this session's partial/final events to this connection.
			hub.Subscribe(connID, sess.ID)
			send(direct, serverMessage{Type: "stream:started", SessionID: sess.ID, Payload: sess.Config})

		case "audio:chunk":
			// A *FrameError leaves the session active; every failure here is
			// reported to the client without closing the connection.
			if _, err := h.sessions.Frame(ctx, msg.SessionID, msg.Data, msg.SequenceNumber); err != nil {
				send(direct, serverMessage{Type: "stream:error", SessionID: msg.SessionID, Error: err.Error()})
			}
			// Partials arrive via the hub subscription, in publish order.

		case "stream:stop":
			if _, err := h.sessions.Stop(msg.SessionID); err != nil {
				send(direct, serverMessage{Type: "stream:error", SessionID: msg.SessionID, Error: err.Error()})
			}

		case "job:subscribe":
			hub.Subscribe(connID, msg.JobID)

		case "job:unsubscribe":
			hub.Unsubscribe(connID, msg.JobID)

		case "ping":
			send(direct, serverMessage{Type: "pong"})

		default:
			send(direct, serverMessage{Type: "stream:error", Error: "unknown message type " + msg.Type})
		}
	}
}

func send(direct chan<- serverMessage, msg serverMessage) {
	select {
	case direct <- msg:
	default:
		log.Printf("WebSocket: Dropping reply %s, outbound buffer full.", msg.Type)
	}
}
