// Package traversal implements the traversal driver (spec §4.6): the two
// walks that drive the backup engine over a source tree — a full recursive
// sweep that also detects deletions, and a path-targeted walk that follows
// a single changed path down to its parent, leaving the final component for
// the caller to dispatch through a worker pool. It is grounded on the
// teacher's pkg/synchronization/core.Controller.synchronize walk, which
// similarly separates "walk the whole tree" from "resolve a single
// problematic path" as distinct entry points sharing the same per-entry
// operation.
package traversal

import (
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GregorR/nibackup/pkg/engine"
	"github.com/GregorR/nibackup/pkg/exclude"
	"github.com/GregorR/nibackup/pkg/fsutil"
	"github.com/GregorR/nibackup/pkg/logging"
	"github.com/GregorR/nibackup/pkg/must"
	"github.com/GregorR/nibackup/pkg/shadow"
)

// Driver bundles the configuration the traversal walks need at every level
// of recursion: the exclusion predicate and the engine options to pass
// through to every §4.5 invocation.
type Driver struct {
	Exclude *exclude.Predicate
	Engine  engine.Options
	Logger  *logging.Logger
}

// join appends name to a source-relative prefix using forward slashes,
// regardless of prefix being empty (root-level children have no leading
// slash).
func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// FullSync implements spec §4.6's full_sync(source_root_fd, dest_root_fd):
// a recursive sweep that processes every source child (mount-boundary
// guarded) and then, at each level, processes every destination-side
// marker whose source sibling has vanished, which is how deletions are
// detected.
func (d *Driver) FullSync(sourceRoot, destRoot *fsutil.Directory) error {
	// Each invocation gets its own correlation ID so that concurrent or
	// back-to-back full syncs are distinguishable in the log, without
	// mutating the shared Driver (PathSync may be running concurrently on
	// worker goroutines against the same Driver).
	run := uuid.New().String()
	d.Logger.Infof("starting full sync %s", run)
	err := d.fullSync(sourceRoot, destRoot, "")
	if err != nil {
		d.Logger.Warnf("full sync %s failed: %s", run, err.Error())
	} else {
		d.Logger.Infof("completed full sync %s", run)
	}
	return err
}

func (d *Driver) fullSync(sourceDir, destDir *fsutil.Directory, relPrefix string) error {
	sourceDev, err := sourceDir.Device()
	if err != nil {
		return errors.Wrap(err, "unable to determine source device")
	}

	sourceNames, err := sourceDir.ReadContentNames()
	if err != nil {
		return errors.Wrap(err, "unable to enumerate source directory")
	}

	present := make(map[string]bool, len(sourceNames))
	for _, name := range sourceNames {
		present[name] = true
		relpath := join(relPrefix, name)
		if d.Exclude.Excluded(relpath) {
			continue
		}
		d.processAndDescend(sourceDir, destDir, name, relpath, sourceDev)
	}

	// Deletions: any shadowed source name no longer present in the source
	// directory is processed once more so the engine records the tombstone
	// revision.
	destNames, err := destDir.ReadContentNames()
	if err != nil {
		return errors.Wrap(err, "unable to enumerate destination directory")
	}
	for _, entry := range destNames {
		sourceName, ok := shadow.SourceNameFromMarker(entry)
		if !ok {
			continue
		}
		if present[sourceName] {
			continue
		}
		relpath := join(relPrefix, sourceName)
		if d.Exclude.Excluded(relpath) {
			continue
		}
		if sourceDir.ExistsNoFollow(sourceName) {
			// Raced back into existence between the two enumerations.
			continue
		}
		d.processAndDescend(sourceDir, destDir, sourceName, relpath, sourceDev)
	}

	return nil
}

// processAndDescend invokes the backup engine for a single child and, if a
// descent handle comes back, recurses into it — but only across the mount
// boundary guard (spec invariant I6).
func (d *Driver) processAndDescend(sourceDir, destDir *fsutil.Directory, name, relpath string, parentDev uint64) {
	descent, err := engine.Process(sourceDir, destDir, name, d.Engine)
	if err != nil {
		d.Logger.Warn(errors.Wrapf(err, "process %q", relpath))
		return
	}
	if descent == nil {
		return
	}
	defer must.Close(descent, d.Logger)

	childSource, err := sourceDir.OpenDirectory(name)
	if err != nil {
		// The child may have been removed or replaced between the engine
		// call and this reopen; nothing further to do this cycle.
		return
	}
	defer must.Close(childSource, d.Logger)

	childDev, err := childSource.Device()
	if err != nil {
		d.Logger.Warn(errors.Wrapf(err, "stat device for %q", relpath))
		return
	}
	if childDev != parentDev {
		// Mount boundary: never descend across devices.
		return
	}

	if err := d.fullSync(childSource, descent, relpath); err != nil {
		d.Logger.Warn(errors.Wrapf(err, "full sync %q", relpath))
	}
}

// PathSync implements spec §4.6's path_sync(absolute_path): it strips
// sourceRootPath from absolutePath (returning ok=false, no error, if it
// isn't a prefix — "fail quietly"), then walks every path component except
// the last synchronously through the engine, descending both the source
// and destination sides. The final component is left undispatched: the
// caller (the scheduler's worker pool) is responsible for invoking the
// engine on (sourceDir, destDir, finalName) off the event-loop thread, and
// owns (and must close) both returned directories.
func (d *Driver) PathSync(sourceRoot, destRoot *fsutil.Directory, sourceRootPath, absolutePath string) (sourceDir, destDir *fsutil.Directory, finalName string, ok bool, err error) {
	relative, ok := stripPrefix(sourceRootPath, absolutePath)
	if !ok {
		return nil, nil, "", false, nil
	}
	components := strings.Split(relative, "/")
	if len(components) == 0 || components[0] == "" {
		return nil, nil, "", false, nil
	}

	source, err := sourceRoot.Dup()
	if err != nil {
		return nil, nil, "", false, errors.Wrap(err, "unable to duplicate source root")
	}
	// The returned handles are closed by the caller, so the destination root
	// is duplicated too rather than handed back as-is.
	dest, err := destRoot.Dup()
	if err != nil {
		must.Close(source, d.Logger)
		return nil, nil, "", false, errors.Wrap(err, "unable to duplicate destination root")
	}
	destOwned := true

	abort := func() {
		must.Close(source, d.Logger)
		if destOwned {
			must.Close(dest, d.Logger)
		}
	}

	relPrefix := ""
	for _, name := range components[:len(components)-1] {
		relpath := join(relPrefix, name)
		if d.Exclude.Excluded(relpath) {
			abort()
			return nil, nil, "", false, nil
		}

		descent, perr := engine.Process(source, dest, name, d.Engine)
		if perr != nil {
			abort()
			return nil, nil, "", false, errors.Wrapf(perr, "process %q", relpath)
		}
		if descent == nil {
			// The parent component no longer resolves to a directory; there
			// is nothing further to synchronize along this path.
			abort()
			return nil, nil, "", false, nil
		}

		childSource, serr := source.OpenDirectory(name)
		if serr != nil {
			must.Close(source, d.Logger)
			must.Close(descent, d.Logger)
			if destOwned {
				must.Close(dest, d.Logger)
			}
			return nil, nil, "", false, nil
		}

		must.Close(source, d.Logger)
		if destOwned {
			must.Close(dest, d.Logger)
		}
		source = childSource
		dest = descent
		destOwned = true
		relPrefix = relpath
	}

	finalName = components[len(components)-1]
	finalRelpath := join(relPrefix, finalName)
	if d.Exclude.Excluded(finalRelpath) {
		abort()
		return nil, nil, "", false, nil
	}

	return source, dest, finalName, true, nil
}

// stripPrefix removes root from absolute, requiring a clean path separator
// boundary, and reports whether absolute was in fact inside root.
func stripPrefix(root, absolute string) (string, bool) {
	root = path.Clean(root)
	absolute = path.Clean(absolute)
	if absolute == root {
		return "", false
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(absolute, prefix) {
		return "", false
	}
	return absolute[len(prefix):], true
}
