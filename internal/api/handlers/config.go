package handlers

import (
	"net/http"

	"github.com/eargollo/radscan/internal/config"
)

// ConfigHandler exposes the effective runtime configuration.
type ConfigHandler struct {
	Cfg *config.Config
}

// Get handles GET /api/config. The struct's json tags omit secrets and
// host-local paths, so the config can be marshalled directly.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cfg)
}
