package scripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/fastagi/internal/agi"
	"github.com/flowpbx/fastagi/internal/provision"
)

// ErrMissingAsset is returned when a playback request names no asset.
var ErrMissingAsset = errors.New("no audio asset requested")

// Assets provisions and plays cached audio assets.
type Assets interface {
	Ensure(ctx context.Context, target provision.Target, sessionID, name string) (*provision.Outcome, error)
}

// PlaybackHandler answers the call, plays one audio asset (downloading it
// to the Asterisk cache first if needed) and hangs up. The asset is named
// by the "audio" query argument, or the first AGI argument.
type PlaybackHandler struct {
	assets Assets
	logger *slog.Logger
}

// NewPlaybackHandler creates a new PlaybackHandler.
func NewPlaybackHandler(assets Assets, logger *slog.Logger) *PlaybackHandler {
	return &PlaybackHandler{
		assets: assets,
		logger: logger.With("handler", "playback"),
	}
}

// ServeAGI implements agi.Handler.
func (h *PlaybackHandler) ServeAGI(ctx context.Context, s *agi.Session) error {
	name := s.Args.Get("audio")
	if name == "" {
		name = s.Arg(1)
	}
	if name == "" {
		return ErrMissingAsset
	}

	if _, err := s.Channel.Answer(ctx); err != nil {
		return fmt.Errorf("answering: %w", err)
	}

	out, err := h.assets.Ensure(ctx, s.Channel, s.ID, name)
	if err != nil {
		return hangup(ctx, s, fmt.Errorf("playing %s: %w", name, err))
	}

	h.logger.Info("asset played",
		"session_id", s.ID,
		"asset", name,
		"downloaded", out.Downloaded,
		"dir_created", out.DirCreated,
	)
	return hangup(ctx, s, nil)
}

// hangup ends the call and returns cause, or the hangup failure when there
// is no earlier cause. A channel the caller already left is not an error.
func hangup(ctx context.Context, s *agi.Session, cause error) error {
	if _, err := s.Channel.Hangup(ctx); err != nil && cause == nil && !deadChannel(err) {
		return fmt.Errorf("hanging up: %w", err)
	}
	return cause
}

// deadChannel reports whether err is Asterisk refusing a command because
// the channel is gone.
func deadChannel(err error) bool {
	var serr *agi.StatusError
	return errors.As(err, &serr) && serr.Code == statusDeadChannel
}

// statusDeadChannel is the reply code for commands on a hung-up channel.
const statusDeadChannel = 511

var _ agi.Handler = (*PlaybackHandler)(nil)
