package handler

import (
	"net/http"
	"time"

	"github.com/cribcall/monitor-server-go/internal/channel"
	"github.com/cribcall/monitor-server-go/internal/identity"
)

// HealthHandler answers the discovery probe remotes use to find a monitor
// on the LAN and verify its certificate before connecting.
type HealthHandler struct {
	identity  *identity.Identity
	channels  *channel.Registry
	transport string
	startedAt time.Time
}

func NewHealthHandler(id *identity.Identity, channels *channel.Registry, transport string) *HealthHandler {
	return &HealthHandler{
		identity:  id,
		channels:  channels,
		transport: transport,
		startedAt: time.Now(),
	}
}

// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"role":              "monitor",
		"protocol":          h.transport,
		"uptimeSec":         int(time.Since(h.startedAt).Seconds()),
		"activeConnections": h.channels.ActiveCount(),
		"fingerprint":       h.identity.Fingerprint,
	})
}
