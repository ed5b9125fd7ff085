package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is one bus event as sent to a WebSocket client.
type streamEvent struct {
	Topic      string    `json:"topic"`
	Payload    any       `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

type client struct {
	conn *websocket.Conn
}

// handleWS implements GET /ws?topic=PREFIX. It subscribes the client to bus
// events matching the optional topic prefix and streams them as JSON frames
// until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; the allowlist only widens cross-origin access.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The stream is one-way. CloseRead keeps control frames flowing and
	// cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub := s.cfg.System.Bus().Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.System.Bus().Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := streamEvent{Topic: ev.Topic, Payload: ev.Payload, ReceivedAt: time.Now().UTC()}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}
