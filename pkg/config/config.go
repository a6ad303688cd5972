// Package config holds the daemon's immutable configuration and the mutable
// per-run state that hangs off it (spec §9 Design Note: "Process-wide
// configuration + mutable queue state... re-express as an immutable Config
// plus a DaemonState owning the queue, worker pool, and watch cache"). Config
// is built once at startup from command-line flags, mirroring the teacher's
// cmd/mutagen root-command flag wiring; DaemonState is assembled by
// cmd/nibackupd once the source/destination trees and change-event sources
// are open, and is passed to workers explicitly rather than held in package
// globals.
package config

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/GregorR/nibackup/pkg/exclude"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/scheduler"
	"github.com/GregorR/nibackup/pkg/watch"
)

// ByteSize is a pflag.Value that parses human-readable byte sizes ("10M",
// "512k") the same way the teacher's pkg/configuration.ByteSize does,
// backed by go-humanize instead of a hand-rolled suffix table.
type ByteSize int64

// String implements pflag.Value.String.
func (b *ByteSize) String() string {
	return humanize.IBytes(uint64(*b))
}

// Set implements pflag.Value.Set.
func (b *ByteSize) Set(text string) error {
	n, err := humanize.ParseBytes(text)
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", text)
	}
	*b = ByteSize(n)
	return nil
}

// Type implements pflag.Value.Type.
func (b *ByteSize) Type() string {
	return "byteSize"
}

// Config is the daemon's immutable startup configuration (spec's Process
// interface in §6): every field is set once, from flags, before any worker
// goroutine starts, and never mutated afterward.
type Config struct {
	// SourcePath is the tree being backed up.
	SourcePath string
	// DestinationPath is the shadow-tree store's root.
	DestinationPath string
	// WaitAfterNotif is the debounce window applied after a change
	// notification before dispatching work for it.
	WaitAfterNotif time.Duration
	// FullSyncCycle is the interval between periodic full syncs.
	FullSyncCycle time.Duration
	// ExcludeFile is an optional path to a file of exclusion patterns.
	ExcludeFile string
	// NoRootDotfiles excludes dotfile entries at the source root only.
	NoRootDotfiles bool
	// Threads is the worker pool size; 1 means synchronous, in-thread
	// processing (spec §4.9).
	Threads int
	// MaxWatches bounds the LRU directory-watch cache size (spec §4.8).
	MaxWatches int
	// MaxBsdiff is the byte-size threshold past which the patch adapter
	// switches from codec A (bsdiff) to codec B (xdelta3) (spec §4.3).
	MaxBsdiff int64
	// Verbosity is the requested logging level name ("warn", "info", ...).
	Verbosity string
	// NotifyFDs carries inherited notification file descriptors across the
	// daemon's privilege-dropping self-re-exec (spec §6's Process
	// interface); re-exec itself is an external collaborator this module
	// does not implement, so this is only a pass-through slot.
	NotifyFDs []int
}

// RegisterFlags binds Config's fields onto flags, mirroring the teacher's
// cmd/mutagen subcommand flag registration style. Defaults match spec §6.
func RegisterFlags(flags *pflag.FlagSet, cfg *Config) {
	flags.StringVarP(&cfg.DestinationPath, "destination", "d", "", "shadow-tree store path")
	flags.DurationVar(&cfg.WaitAfterNotif, "wait-after-notif", 500*time.Millisecond, "debounce window after a change notification")
	flags.DurationVar(&cfg.FullSyncCycle, "full-sync-cycle", time.Hour, "interval between periodic full syncs")
	flags.StringVar(&cfg.ExcludeFile, "exclude-file", "", "path to a file of exclusion patterns")
	flags.BoolVar(&cfg.NoRootDotfiles, "no-root-dotfiles", false, "exclude dotfiles at the source root")
	flags.IntVarP(&cfg.Threads, "threads", "j", 4, "worker pool size (1 for synchronous processing)")
	flags.IntVar(&cfg.MaxWatches, "max-watches", 8192, "maximum number of directory watches held at once")
	flags.VarP((*ByteSize)(&cfg.MaxBsdiff), "maxbsdiff", "m", "size threshold above which xdelta3 replaces bsdiff")
	flags.CountVarP(&verbosityCount, "verbose", "v", "increase logging verbosity (-v, -vv, -vvv)")
}

// verbosityCount backs the -v/-vv/-vvv count flag; RegisterFlags binds it
// globally since pflag's CountVar has no typed equivalent that writes
// directly into a named level, and each process only ever registers the
// flag set once.
var verbosityCount int

// Level resolves the configured verbosity into a logging.Level, defaulting
// to LevelWarn with no -v flags (spec §6: daemon startup failures are always
// reported; -v/-vv/-vvv grade upward from there).
func Level() logging.Level {
	switch verbosityCount {
	case 0:
		return logging.LevelWarn
	case 1:
		return logging.LevelInfo
	case 2:
		return logging.LevelDebug
	default:
		return logging.LevelTrace
	}
}

// Validate checks invariants RegisterFlags's defaults can't enforce by
// themselves (spec §6: "non-zero on fatal startup errors").
func (c *Config) Validate() error {
	if c.SourcePath == "" {
		return errors.New("source path is required")
	}
	if c.DestinationPath == "" {
		return errors.New("destination path is required")
	}
	if c.Threads < 1 {
		return errors.New("threads must be at least 1")
	}
	if c.MaxWatches < 1 {
		return errors.New("max-watches must be at least 1")
	}
	return nil
}

// DaemonState bundles the mutable, per-run objects a live daemon process
// needs: the open source/destination directory handles, the change-event
// adapter, and the scheduler that owns the event queue and worker pool. It
// is assembled once by cmd/nibackupd after Config has been validated and
// passed explicitly to the goroutines that need it, rather than reached for
// through package-level state.
type DaemonState struct {
	Config *Config

	SourceRoot      *fsutil.Directory
	DestinationRoot *fsutil.Directory

	Exclude   *exclude.Predicate
	Adapter   *watch.Adapter
	Scheduler *scheduler.Scheduler

	Logger *logging.Logger
}

// Close releases the directory handles owned by the state. The adapter and
// scheduler are stopped separately via their own Terminate/Run lifecycle
// since they own goroutines, not just descriptors.
func (s *DaemonState) Close() {
	if s.SourceRoot != nil {
		if err := s.SourceRoot.Close(); err != nil {
			s.Logger.Warnf("unable to close source root: %s", err.Error())
		}
	}
	if s.DestinationRoot != nil {
		if err := s.DestinationRoot.Close(); err != nil {
			s.Logger.Warnf("unable to close destination root: %s", err.Error())
		}
	}
}
