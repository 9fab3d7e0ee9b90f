// Package reuse implements the Reuse Resolver of section 4.4: deciding
// whether a dataset wants reuse instead of submission, validating the
// configured reuse path, and — once a directory listing becomes available —
// picking the newest matching artifact and linking lineage against the
// Document Store Gateway.
package reuse

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/template"
)

// ErrNoReuseRequested is returned by Want when the dataset's tri-state does not
// ask for reuse (absent or any value other than explicit false), so the
// caller should fall through to ordinary submission.
var ErrNoReuseRequested = errors.New("reuse: dataset does not request reuse")

// ErrInvalidReusePath is returned when reuse is requested but gridpack_path
// is missing or not a relative path. Section 4.4: such a request is marked
// failed without ever becoming eligible for submission.
var ErrInvalidReusePath = errors.New("reuse: gridpack_path is missing or not relative")

// Want implements the tri-state read of section 4.4 and validates the
// configured path eagerly, at approval time, so an invalid configuration
// fails before the request ever reaches the reuse probe phase.
func Want(dataset template.DatasetCard) (string, error) {
	if !dataset.WantsReuse() {
		return "", ErrNoReuseRequested
	}
	if dataset.GridpackPath == "" || filepath.IsAbs(dataset.GridpackPath) {
		return "", ErrInvalidReusePath
	}
	return dataset.GridpackPath, nil
}

// Entry is one parsed line of an "ls -l --time-style=+%s" directory listing:
// a Unix modification time and a file name.
type Entry struct {
	ModTime int64
	Name    string
}

// ParseListing implements section 4.4's centralized listing parser: split
// each line on whitespace, reject directory ("d"-prefixed mode field) and
// "total" summary lines, and take the mtime (field 6, 0-indexed 5) and name
// (field 7, 0-indexed 6) pair. Lines that don't have enough fields to be a
// regular "ls -l" entry are skipped rather than erroring, since a listing
// may include trailing blank lines.
func ParseListing(output string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		if strings.HasPrefix(fields[0], "d") || fields[0] == "total" {
			continue
		}
		mtime, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			continue
		}
		name := strings.Join(fields[6:], " ")
		entries = append(entries, Entry{ModTime: mtime, Name: name})
	}
	return entries
}

// SelectNewestMatching implements section 4.4's "filter before sort, then
// take index 0" rule: entries are filtered by pattern first, then sorted by
// modification time descending, and the newest surviving entry is returned.
// Returns false if nothing matches.
func SelectNewestMatching(entries []Entry, pattern *regexp.Regexp) (Entry, bool) {
	var matched []Entry
	for _, e := range entries {
		if pattern.MatchString(e.Name) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return Entry{}, false
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ModTime > matched[j].ModTime })
	return matched[0], true
}

// PatternFromPath derives the regex used to filter a directory listing from
// the configured gridpack_path: the directory portion is the path whose
// listing the caller must request, and the base name is compiled directly
// as the match regex (e.g. "P/^D_NLO.*\.tar\.xz$" yields dir "P" and the
// anchored pattern matching generated artifact names).
func PatternFromPath(gridpackPath string) (dir string, pattern *regexp.Regexp, err error) {
	dir = filepath.Dir(gridpackPath)
	base := filepath.Base(gridpackPath)
	pattern, err = regexp.Compile(base)
	if err != nil {
		return "", nil, fmt.Errorf("compiling reuse pattern from %q: %w", gridpackPath, err)
	}
	return dir, pattern, nil
}

// Store is the narrow slice of the Document Store Gateway the resolver
// needs: a lookup by the 4-tuple that identifies a previously produced
// artifact.
type Store interface {
	FindByArtifact(archive, campaign, generator, process string) (*gridpack.Gridpack, bool, error)
}

// Link implements section 4.4's lineage linking: given the chosen directory
// entry, it resolves the producing document (if any is recorded in the
// store under the matching 4-tuple) and mutates g to record the reuse,
// leaving it ready for the caller to persist. On no match, gridpack_reused
// is set to the sentinel "-1" rather than left empty, meaning "reuse
// resolved to an artifact the store has no lineage for".
func Link(g *gridpack.Gridpack, entry Entry, remoteDir string, store Store) error {
	g.Archive = entry.Name
	archiveAbsolute, err := gridpack.JoinUnderRoot(remoteDir, entry.Name)
	if err != nil {
		return fmt.Errorf("computing archive_absolute for reused artifact: %w", err)
	}
	g.ArchiveAbsolute = archiveAbsolute
	g.JobCores = 0
	g.JobMemory = 0

	producer, found, err := store.FindByArtifact(entry.Name, g.Campaign, g.Generator, g.Process)
	if err != nil {
		return fmt.Errorf("looking up producer for reused artifact: %w", err)
	}
	if found {
		g.GridpackReused = producer.ID
	} else {
		g.GridpackReused = "-1"
	}
	g.Status = gridpack.StatusReused
	g.AddHistory(gridpack.AutomaticUser, "reused")
	return nil
}
