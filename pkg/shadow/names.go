// Package shadow implements the shadow-path helper (spec §4.4): it computes
// the sibling on-disk names for a source-side name and provides scoped
// locking on the marker file. The discriminator scheme is the stable
// on-disk compatibility contract from spec §6 and is inherited directly
// from the original nibackup C implementation's naming (see
// original_source/backup.c), not invented here.
package shadow

import (
	"strconv"
	"strings"
)

// namePrefix is the fixed two-character prefix shared by every shadow
// sibling name, per spec §6.
const namePrefix = "ni"

// Discriminator identifies which of the four sibling kinds a name refers
// to.
type Discriminator byte

const (
	// Marker is the marker file holding the current revision number.
	Marker Discriminator = 'i'
	// MetaDir is the metadata directory.
	MetaDir Discriminator = 'm'
	// ContentDir is the content directory.
	ContentDir Discriminator = 'c'
	// DescentDir is the descent directory (children).
	DescentDir Discriminator = 'd'
)

// Name computes the on-disk sibling name for the given source-side name and
// discriminator.
func Name(sourceName string, d Discriminator) string {
	return namePrefix + string(d) + sourceName
}

// Names bundles the four sibling names for a single source-side name,
// computed once and reused throughout the backup engine and readers.
type Names struct {
	Marker     string
	MetaDir    string
	ContentDir string
	DescentDir string
}

// ComputeNames computes all four sibling names for sourceName in one call.
func ComputeNames(sourceName string) Names {
	return Names{
		Marker:     Name(sourceName, Marker),
		MetaDir:    Name(sourceName, MetaDir),
		ContentDir: Name(sourceName, ContentDir),
		DescentDir: Name(sourceName, DescentDir),
	}
}

// MetadataFileName returns the metadata directory entry name for revision
// r: "<r>.met".
func MetadataFileName(r uint64) string {
	return formatRevision(r) + ".met"
}

// ContentFileName returns the content directory entry name for the full
// payload of revision r: "<r>.dat".
func ContentFileName(r uint64) string {
	return formatRevision(r) + ".dat"
}

// PatchFileName returns the content directory entry name for the reverse
// patch of revision r (to r+1) in the given codec extension ("bsp"/"x3p").
func PatchFileName(r uint64, extension string) string {
	return formatRevision(r) + "." + extension
}

func formatRevision(r uint64) string {
	// Decimal, no padding — revision counts are unbounded and ordering is
	// never done lexicographically on these file names (callers sort by
	// integer value after listing).
	return strconv.FormatUint(r, 10)
}

// FormatRevision renders a revision number as the decimal ASCII marker
// content (spec §3).
func FormatRevision(r uint64) string {
	return strconv.FormatUint(r, 10)
}

// markerPrefix is the full prefix of a marker entry name, used to recognize
// and reverse shadow entries while scanning a destination directory.
var markerPrefix = namePrefix + string(Marker)

// SourceNameFromMarker reverses Name(sourceName, Marker): given a
// destination directory entry name, it reports the source-side name it
// shadows, or ok=false if entryName is not a marker entry.
func SourceNameFromMarker(entryName string) (sourceName string, ok bool) {
	if !strings.HasPrefix(entryName, markerPrefix) {
		return "", false
	}
	return entryName[len(markerPrefix):], true
}

// RevisionFromMetadataName reverses MetadataFileName: given a metadata
// directory entry name, it reports the revision number it names, or
// ok=false if the name isn't of the form "<r>.met".
func RevisionFromMetadataName(name string) (uint64, bool) {
	const suffix = ".met"
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	r, err := strconv.ParseUint(strings.TrimSuffix(name, suffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return r, true
}

// ParseRevision parses a marker file's content. An empty (or
// whitespace-only) marker parses as revision 0, matching "r = 0 denotes no
// history" for a freshly created marker file.
func ParseRevision(data []byte) (uint64, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	return strconv.ParseUint(text, 10, 64)
}
