package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

// Subscriber streams raw event payloads for the sandbox session.
// *redis.PubSub satisfies this interface.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, func(), error)
}

// Hub relays mirrored sandbox events to WebSocket observers.
type Hub struct {
	sub Subscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(sub Subscriber) *Hub {
	return &Hub{sub: sub}
}

// ServeEvents streams every outbound event of the session to the client
// until either side goes away.
func (h *Hub) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws.Hub.ServeEvents: accept")
		return
	}
	defer conn.CloseNow()

	// Observers only read; CloseRead handles control frames and cancels ctx
	// when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	messages, cleanup, err := h.sub.Subscribe(ctx)
	if err != nil {
		log.Error().Err(err).Msg("ws.Hub.ServeEvents: subscribe")
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "connection closed")
			return
		case msg, ok := <-messages:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "channel closed")
				return
			}
			if writeErr := conn.Write(ctx, websocket.MessageText, msg); writeErr != nil {
				log.Debug().Err(writeErr).Msg("ws.Hub.ServeEvents: write")
				return
			}
		}
	}
}
