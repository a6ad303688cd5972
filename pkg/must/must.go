// Package must provides best-effort cleanup helpers for use in defers where
// a failure is not actionable — releasing a marker lock, closing a
// duplicated directory descriptor, removing a partially-written temporary
// file. Each helper logs a warning on failure instead of propagating an
// error, consistent with the error handling design's directive that
// engine-level failures for a single path are logged and skipped rather than
// aborting the daemon.
package must

import (
	"io"
	"os"

	"github.com/GregorR/nibackup/pkg/logging"
)

// Close closes c, warning on failure.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("unable to close: %s", err.Error())
	}
}

// Unlock releases locker, warning on failure. This is the single most
// important use of this package: the marker lock is the central correctness
// mechanism in the shadow-tree design and must be released exactly once on
// every exit path, including error paths.
func Unlock(locker interface{ Unlock() error }, logger *logging.Logger) {
	if err := locker.Unlock(); err != nil {
		logger.Warnf("unable to unlock marker: %s", err.Error())
	}
}

// OSRemove removes name, warning on failure.
func OSRemove(name string, logger *logging.Logger) {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		logger.Warnf("unable to remove '%s': %s", name, err.Error())
	}
}

// Succeed warns if err is non-nil, annotating it with the task description.
// It is used for cleanup steps whose success is best-effort (e.g. rolling
// back a partial revision after a failed write).
func Succeed(err error, task string, logger *logging.Logger) {
	if err != nil {
		logger.Warnf("unable to %s: %s", task, err.Error())
	}
}
