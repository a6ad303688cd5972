package logging

import (
	"log"
	"os"
)

func init() {
	// Diagnostics go to standard error so that stdout stays clean for the
	// reader programs' (nils, nirestore) machine-parseable output.
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags)
}
