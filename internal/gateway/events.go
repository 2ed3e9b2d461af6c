package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventEnvelope is the wire framing for one bus event.
type eventEnvelope struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// handleEventsWS streams bus events to a websocket client. The optional
// "topic" query param narrows the subscription to a topic prefix, so
// topic=experiment forwards only experiment lifecycle events.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// Write-only endpoint: CloseRead surfaces client disconnects through
	// the returned context.
	ctx := conn.CloseRead(r.Context())

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("gateway: event stream connected", "remote", r.RemoteAddr)
	defer s.logger.Info("gateway: event stream disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, eventEnvelope{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}
