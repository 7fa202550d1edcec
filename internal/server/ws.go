package server

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/kirolink/kiro-gateway/internal/config"
)

// handleAdminWS streams the pool status over a websocket: one snapshot on
// connect, then one per push interval until the client goes away.
func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("admin websocket accept failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := r.Context()
	ticker := time.NewTicker(config.AdminStatusPushInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, conn, s.pool.List()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
