// Package provision guarantees that an audio asset exists on the Asterisk
// host before it is played. Existence is probed with shell commands run
// through the channel; missing assets are downloaded from an HTTP file
// server with curl. Downloaded assets are never deleted: another call may
// be playing the same cached file.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/flowpbx/fastagi/internal/agi"
	"github.com/flowpbx/fastagi/internal/database/models"
)

// ErrDirCreate is returned when the cache directory is missing and could
// not be created.
var ErrDirCreate = errors.New("cache directory could not be created")

// ErrDownload is returned when a missing asset could not be downloaded.
var ErrDownload = errors.New("asset download failed")

// ErrInvalidAssetName is returned for names that are empty or contain
// characters outside [A-Za-z0-9._-].
var ErrInvalidAssetName = errors.New("invalid asset name")

// recordTimeout bounds each asset event write.
const recordTimeout = 5 * time.Second

var assetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// State is a step of one provisioning request.
type State int

const (
	StateStart       State = iota // nothing probed yet
	StateDirChecked                // directory probe done
	StateDirEnsured                // directory known to exist
	StateFileChecked               // file probe done
	StateFileEnsured               // file known to exist
	StatePlayed                    // playback issued (terminal)
	StateFailed                    // aborted (terminal)
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDirChecked:
		return "dir_checked"
	case StateDirEnsured:
		return "dir_ensured"
	case StateFileChecked:
		return "file_checked"
	case StateFileEnsured:
		return "file_ensured"
	case StatePlayed:
		return "played"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config locates the asset cache on the Asterisk host and the server the
// assets are fetched from.
type Config struct {
	// CacheRoot is the Asterisk sounds directory, e.g. /var/lib/asterisk/sounds.
	CacheRoot string
	// CacheSubPath is the directory under CacheRoot holding fetched assets.
	// Playback references assets relative to CacheRoot through it.
	CacheSubPath string
	// Extension is appended to asset names on disk and in URLs, e.g. ".wav".
	Extension string
	// RemoteHost, RemotePort and RemoteBasePath form the download URL
	// http://<host>:<port><basePath>/<name><ext>.
	RemoteHost     string
	RemotePort     int
	RemoteBasePath string
}

// Dir returns the absolute cache directory on the Asterisk host.
func (c Config) Dir() string {
	return path.Join(c.CacheRoot, c.CacheSubPath)
}

// FilePath returns the absolute path of the named asset.
func (c Config) FilePath(name string) string {
	return c.Dir() + "/" + name + c.Extension
}

// URL returns the download URL of the named asset.
func (c Config) URL(name string) string {
	return "http://" + c.RemoteHost + ":" + strconv.Itoa(c.RemotePort) + c.RemoteBasePath + "/" + name + c.Extension
}

// PlaybackTarget returns the argument passed to the Playback application:
// the asset path relative to the sounds directory, without extension.
func (c Config) PlaybackTarget(name string) string {
	return c.CacheSubPath + "/" + name
}

// Target is the part of a channel the provisioner drives.
type Target interface {
	System(ctx context.Context, shellCommand string, debug bool) (bool, error)
	Exec(ctx context.Context, application, options string) (*agi.CommandResult, error)
}

// Recorder receives the outcome of every provisioning request.
type Recorder interface {
	Create(ctx context.Context, e *models.AssetEvent) error
}

// Error is a fatal provisioning failure. It wraps ErrDirCreate or
// ErrDownload.
type Error struct {
	Stage State
	Asset string
	Path  string
	URL   string
	Err   error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("provisioning %q: %v: %s from %s", e.Asset, e.Err, e.Path, e.URL)
	}
	return fmt.Sprintf("provisioning %q: %v: %s", e.Asset, e.Err, e.Path)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Outcome describes one completed or aborted provisioning request.
type Outcome struct {
	Asset      string
	State      State
	DirCreated bool
	Downloaded bool
}

// Stats are cumulative provisioning counters.
type Stats struct {
	Played           uint64
	Failed           uint64
	Downloads        uint64
	DirCreations     uint64
	DownloadFailures uint64
	DirFailures      uint64
}

// Provisioner ensures assets exist before playing them. It keeps no state
// about the remote filesystem; every request re-probes.
type Provisioner struct {
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	debug    bool

	played       atomic.Uint64
	failed       atomic.Uint64
	downloads    atomic.Uint64
	dirCreations atomic.Uint64
	dlFailures   atomic.Uint64
	dirFailures  atomic.Uint64
}

// Option customises a Provisioner.
type Option func(*Provisioner)

// WithRecorder persists every outcome through r.
func WithRecorder(r Recorder) Option {
	return func(p *Provisioner) { p.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithDebug logs the raw SYSTEMSTATUS read of every shell probe.
func WithDebug(debug bool) Option {
	return func(p *Provisioner) { p.debug = debug }
}

// New creates a Provisioner for cfg.
func New(cfg Config, opts ...Option) *Provisioner {
	p := &Provisioner{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("subsystem", "provision")
	return p
}

// Stats returns a snapshot of the cumulative counters.
func (p *Provisioner) Stats() Stats {
	return Stats{
		Played:           p.played.Load(),
		Failed:           p.failed.Load(),
		Downloads:        p.downloads.Load(),
		DirCreations:     p.dirCreations.Load(),
		DownloadFailures: p.dlFailures.Load(),
		DirFailures:      p.dirFailures.Load(),
	}
}

// Ensure makes sure the named asset exists in the cache directory on the
// channel's host, downloading it if needed, and then plays it. sessionID is
// only used to attribute the recorded outcome.
func (p *Provisioner) Ensure(ctx context.Context, target Target, sessionID, name string) (*Outcome, error) {
	out := &Outcome{Asset: name, State: StateStart}

	err := p.run(ctx, target, out)
	if err != nil {
		out.State = StateFailed
		p.failed.Add(1)
	} else {
		p.played.Add(1)
	}
	p.record(sessionID, out, err)
	return out, err
}

// run walks the state machine, updating out as each step completes.
func (p *Provisioner) run(ctx context.Context, target Target, out *Outcome) error {
	name := out.Asset
	if !assetNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidAssetName, name)
	}

	dir := p.cfg.Dir()
	file := p.cfg.FilePath(name)
	logger := p.logger.With("asset", name)

	exists, err := target.System(ctx, "test -e "+dir, p.debug)
	if err != nil {
		return fmt.Errorf("probing %s: %w", dir, err)
	}
	out.State = StateDirChecked

	if exists {
		logger.Debug("cache directory already exists", "dir", dir)
	} else {
		if _, err := target.System(ctx, "mkdir -p "+dir, p.debug); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		exists, err = target.System(ctx, "test -e "+dir, p.debug)
		if err != nil {
			return fmt.Errorf("probing %s: %w", dir, err)
		}
		if !exists {
			p.dirFailures.Add(1)
			logger.Error("cache directory was not created", "dir", dir)
			return &Error{Stage: StateDirChecked, Asset: name, Path: dir, Err: ErrDirCreate}
		}
		out.DirCreated = true
		p.dirCreations.Add(1)
		logger.Info("cache directory created", "dir", dir)
	}
	out.State = StateDirEnsured

	exists, err = target.System(ctx, "test -e "+file, p.debug)
	if err != nil {
		return fmt.Errorf("probing %s: %w", file, err)
	}
	out.State = StateFileChecked

	if !exists {
		url := p.cfg.URL(name)
		ok, err := target.System(ctx, "curl -o "+file+" "+url, p.debug)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", url, err)
		}
		if !ok {
			p.dlFailures.Add(1)
			logger.Error("could not download asset", "url", url, "path", file)
			return &Error{Stage: StateFileChecked, Asset: name, Path: file, URL: url, Err: ErrDownload}
		}
		out.Downloaded = true
		p.downloads.Add(1)
		logger.Info("asset downloaded", "url", url, "path", file)
	}
	out.State = StateFileEnsured

	if _, err := target.Exec(ctx, "Playback", p.cfg.PlaybackTarget(name)); err != nil {
		return fmt.Errorf("playing %s: %w", name, err)
	}
	out.State = StatePlayed
	return nil
}

func (p *Provisioner) record(sessionID string, out *Outcome, err error) {
	if p.recorder == nil {
		return
	}
	e := &models.AssetEvent{
		SessionID:  sessionID,
		Asset:      out.Asset,
		State:      out.State.String(),
		DirCreated: out.DirCreated,
		Downloaded: out.Downloaded,
	}
	if err != nil {
		e.Error = err.Error()
	}
	// Detached from the request context: outcomes of cancelled requests are
	// still recorded.
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if rerr := p.recorder.Create(ctx, e); rerr != nil {
		p.logger.Error("failed to record asset event", "asset", out.Asset, "error", rerr)
	}
}
