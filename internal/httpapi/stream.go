package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleActivityStream pushes activity entries over a websocket as they
// are recorded. The client receives the most recent entries first, then
// live updates until it disconnects.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for _, entry := range s.svc.Activity.Recent(20) {
		if err := wsjson.Write(ctx, conn, entry); err != nil {
			return
		}
	}

	updates, cancel := s.svc.Activity.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-updates:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, entry); err != nil {
				return
			}
		}
	}
}
