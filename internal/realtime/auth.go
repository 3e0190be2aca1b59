package realtime

import (
	"net/http"

	wire "flowstudio/internal/api/websocket"
	"flowstudio/pkg"

	"github.com/rs/zerolog"
)

// ServeWS upgrades an observe-only connection authenticated by the JWT in
// the token query param. The workflow query param selects the room.
func ServeWS(hub *wire.Hub, jwtSecret string, settings wire.Settings, logger zerolog.Logger, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := pkg.ValidateToken(token, jwtSecret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	workflowID := r.URL.Query().Get("workflow")
	if workflowID == "" {
		http.Error(w, "missing workflow", http.StatusBadRequest)
		return
	}

	who := wire.Identity{UserID: claims.UserID, Username: claims.Email}
	_, _ = wire.Serve(w, r, hub, nil, settings, who, workflowID, logger)
}
