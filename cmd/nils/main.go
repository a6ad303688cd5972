// Command nils lists the names that existed under a shadow-tree store at a
// given time (spec §6, grounded on original_source/nils.c).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/list"
	"github.com/GregorR/nibackup/pkg/logging"
)

var options struct {
	at      string
	history bool
	verbose bool
}

var rootCommand = &cobra.Command{
	Use:   "nils <destination> [subpath]",
	Short: "List entries recorded in a shadow-tree store",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(command *cobra.Command, arguments []string) error {
		at := time.Now()
		if options.at != "" {
			parsed, err := time.Parse(time.RFC3339, options.at)
			if err != nil {
				return errors.Wrap(err, "invalid --at timestamp (expected RFC3339)")
			}
			at = parsed
		}

		subpath := ""
		if len(arguments) == 2 {
			subpath = arguments[1]
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

		reader := &list.Reader{Logger: logger.Sublogger("list"), History: options.history}
		return reader.List(destRoot, subpath, at, os.Stdout)
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCommand.Flags()
	flags.StringVar(&options.at, "at", "", "report state as of this RFC3339 timestamp (default: now)")
	flags.BoolVarP(&options.history, "history", "H", false, "report every revision instead of only the active one")
	flags.BoolVarP(&options.verbose, "verbose", "v", false, "enable informational logging")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
