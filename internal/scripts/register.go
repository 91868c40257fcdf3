// Package scripts holds the call scripts the FastAGI server routes
// requests to.
package scripts

import (
	"log/slog"

	"github.com/flowpbx/fastagi/internal/agi"
)

// RegisterAll registers every call script on mux. The assets parameter
// provisions audio for scripts that play cached files.
func RegisterAll(mux *agi.Mux, assets Assets, logger *slog.Logger) {
	mux.Handle("playback", NewPlaybackHandler(assets, logger))
	mux.Handle("collect", NewCollectHandler(logger))
}
