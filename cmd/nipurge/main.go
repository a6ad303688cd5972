// Command nipurge deletes history older than a threshold time from a
// shadow-tree store (spec §6, grounded on original_source/nipurge.c).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/purge"
)

var options struct {
	before    string
	olderThan time.Duration
	verbose   bool
}

var rootCommand = &cobra.Command{
	Use:   "nipurge <destination>",
	Short: "Purge history older than a threshold time from a shadow-tree store",
	Args:  cobra.ExactArgs(1),
	RunE: func(command *cobra.Command, arguments []string) error {
		threshold, err := resolveThreshold()
		if err != nil {
			return err
		}

		level := logging.LevelWarn
		if options.verbose {
			level = logging.LevelInfo
		}
		logger := logging.NewRoot(level)

		destRoot, err := fsutil.OpenDirectoryAt(arguments[0])
		if err != nil {
			return errors.Wrap(err, "unable to open destination store")
		}
		defer destRoot.Close()

		reader := &purge.Reader{Logger: logger.Sublogger("purge")}
		return reader.Purge(destRoot, threshold)
	},
	SilenceUsage: true,
}

func resolveThreshold() (time.Time, error) {
	if options.before != "" {
		parsed, err := time.Parse(time.RFC3339, options.before)
		if err != nil {
			return time.Time{}, errors.Wrap(err, "invalid --before timestamp (expected RFC3339)")
		}
		return parsed, nil
	}
	if options.olderThan > 0 {
		return time.Now().Add(-options.olderThan), nil
	}
	return time.Time{}, errors.New("one of --before or --older-than is required")
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&options.before, "before", "", "purge revisions whose metadata predates this RFC3339 timestamp")
	flags.DurationVar(&options.olderThan, "older-than", 0, "purge revisions older than this duration (e.g. 720h)")
	flags.BoolVarP(&options.verbose, "verbose", "v", false, "enable informational logging")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
