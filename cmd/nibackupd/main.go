// Command nibackupd is the continuous backup daemon (spec §5/§6): it watches
// a source tree for changes and drives the backup engine over a
// content-addressed shadow-tree store at a destination path, running until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/GregorR/nibackup/pkg/config"
	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/exclude"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/nibackup"
	"github.com/GregorR/nibackup/pkg/patch"
	"github.com/GregorR/nibackup/pkg/scheduler"
	"github.com/GregorR/nibackup/pkg/traversal"
	"github.com/GregorR/nibackup/pkg/watch"
)

var cfg config.Config

var rootCommand = &cobra.Command{
	Use:   "nibackupd <source> ",
	Short: "Continuously back up a directory tree into a shadow-tree store",
	Args:  cobra.ExactArgs(1),
	RunE: func(command *cobra.Command, arguments []string) error {
		cfg.SourcePath = arguments[0]
		return run(&cfg)
	},
	SilenceUsage: true,
}

func init() {
	config.RegisterFlags(rootCommand.Flags(), &cfg)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	logger := logging.NewRoot(config.Level())

	state, err := buildState(cfg, logger)
	if err != nil {
		return err
	}
	defer state.Close()

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("received termination signal, shutting down")
		cancel()
		state.Adapter.Terminate()
	}()

	go func() {
		for {
			select {
			case path, ok := <-state.Adapter.Events():
				if !ok {
					return
				}
				// The adapter emits source-relative paths; the scheduler
				// expects absolute ones.
				state.Scheduler.EnqueuePath(filepath.Join(cfg.SourcePath, path))
			case err, ok := <-state.Adapter.Errors():
				if !ok {
					continue
				}
				logger.Warn(errors.Wrap(err, "change-event source"))
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Infof("nibackupd %s watching %s -> %s", nibackup.Version, cfg.SourcePath, cfg.DestinationPath)
	state.Scheduler.EnqueueFullSync()
	state.Scheduler.Run(ctx)

	return nil
}

// buildState wires together every long-lived collaborator the daemon needs:
// the open source/destination directory handles, the exclusion predicate,
// the change-event sources (fanotify for the mount, inotify per directory),
// the traversal driver, and the scheduler.
func buildState(cfg *config.Config, logger *logging.Logger) (*config.DaemonState, error) {
	sourceRoot, err := fsutil.OpenDirectoryAt(cfg.SourcePath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open source tree")
	}

	destRoot, err := fsutil.OpenDirectoryAt(cfg.DestinationPath)
	if err != nil {
		if closeErr := sourceRoot.Close(); closeErr != nil {
			logger.Warnf("unable to close source root: %s", closeErr.Error())
		}
		return nil, errors.Wrap(err, "unable to open destination store")
	}

	excludePredicate, err := exclude.Load(cfg.ExcludeFile, cfg.NoRootDotfiles)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load exclusions")
	}

	engineOpts := engine.Options{
		MaxBsdiff: cfg.MaxBsdiff,
		Helpers:   patch.DefaultHelpers,
		Logger:    logger.Sublogger("engine"),
	}

	driver := &traversal.Driver{
		Exclude: excludePredicate,
		Engine:  engineOpts,
		Logger:  logger.Sublogger("traversal"),
	}

	mountSource, err := watch.NewFanotifySource(cfg.SourcePath)
	if err != nil {
		return nil, errors.Wrap(err, "unable to start mount-level change source")
	}
	dirSource, err := watch.NewInotifySource()
	if err != nil {
		return nil, errors.Wrap(err, "unable to start directory-level change source")
	}

	adapter := watch.NewAdapter(cfg.SourcePath, excludePredicate, mountSource, dirSource, cfg.MaxWatches)

	sched := scheduler.New(cfg.SourcePath, sourceRoot, destRoot, driver, engineOpts, scheduler.Options{
		WaitAfterNotif: cfg.WaitAfterNotif,
		FullSyncCycle:  cfg.FullSyncCycle,
		Threads:        cfg.Threads,
	}, logger.Sublogger("scheduler"))

	return &config.DaemonState{
		Config:          cfg,
		SourceRoot:      sourceRoot,
		DestinationRoot: destRoot,
		Exclude:         excludePredicate,
		Adapter:         adapter,
		Scheduler:       sched,
		Logger:          logger,
	}, nil
}
