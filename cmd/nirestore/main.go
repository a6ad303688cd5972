// Command nirestore reconstructs files from a shadow-tree store as they
// existed at a given time (spec §6, grounded on original_source/nirestore.c).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/patch"
	"github.com/GregorR/nibackup/pkg/restore"
)

var options struct {
	at      string
	verbose bool
}

var rootCommand = &cobra.Command{
	Use:   "nirestore <destination> <subpath> <target-directory>",
	Short: "Restore files from a shadow-tree store as of a given time",
	Args:  cobra.ExactArgs(3),
	RunE: func(command *cobra.Command, arguments []string) error {
		at := time.Now()
		if options.at != "" {
			parsed, err := time.Parse(time.RFC3339, options.at)
			if err != nil {
				return errors.Wrap(err, "invalid --at timestamp (expected RFC3339)")
			}
			at = parsed
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

		reader := &restore.Reader{Helpers: patch.DefaultHelpers, Logger: logger.Sublogger("restore")}
		return reader.Restore(destRoot, arguments[1], at, arguments[2])
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&options.at, "at", "", "restore state as of this RFC3339 timestamp (default: now)")
	flags.BoolVarP(&options.verbose, "verbose", "v", false, "enable informational logging")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
