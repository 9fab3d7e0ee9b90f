// Package store implements the Document Store Gateway of section 4.6: a
// narrow persistence contract (lookup by id, by status set, by artifact
// 4-tuple; whole-document replacement writes; last_update stamping) behind
// which a Memory or File-backed implementation can sit interchangeably. The
// locking discipline follows checkpoint.MemoryStore's mutex-guarded map;
// the path-safety discipline follows checkpoint.NewFileStore's
// absolute-root requirement.
package store

import (
	"errors"
	"time"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
)

// ErrNotFound is returned by ByID and Update when no document with the
// given id exists.
var ErrNotFound = errors.New("store: document not found")

// ErrDuplicateID is returned by Insert when a document with the given id
// already exists — distinct from Update, which requires the id to already
// exist, per section 4.6.
var ErrDuplicateID = errors.New("store: document with this id already exists")

// Gateway is the Document Store Gateway contract of section 4.6.
type Gateway interface {
	// Insert adds a new document. It is idempotent with respect to a
	// duplicate id: inserting an id that already exists returns
	// ErrDuplicateID rather than silently overwriting.
	Insert(g *gridpack.Gridpack) error

	// Update replaces an existing document wholesale, keyed by id, and
	// stamps last_update. Returns ErrNotFound if no document with this id
	// exists yet.
	Update(g *gridpack.Gridpack) error

	// ByID looks up a single document.
	ByID(id string) (*gridpack.Gridpack, error)

	// ByStatuses returns the union of documents whose status is any of
	// the given statuses.
	ByStatuses(statuses ...gridpack.Status) ([]*gridpack.Gridpack, error)

	// FindByArtifact looks up a document by the (archive, campaign,
	// generator, process) 4-tuple the Reuse Resolver uses to link
	// lineage (section 4.4). Returns (nil, false, nil) on no match.
	FindByArtifact(archive, campaign, generator, process string) (*gridpack.Gridpack, bool, error)

	// Count reports the total number of stored documents.
	Count() (int, error)

	// Delete removes a document by id. Deleting an id that does not
	// exist is not an error: the delete tick phase loads a document
	// before deleting it and treats a missing document as a no-op, so
	// this method is idempotent by construction.
	Delete(id string) error
}

// stamp sets last_update to now, the one place this package touches the
// wall clock so every writer (Memory, File) applies it consistently.
func stamp(g *gridpack.Gridpack) {
	g.LastUpdate = time.Now()
}

// matchesArtifact implements the 4-tuple match both Gateway
// implementations share.
func matchesArtifact(g *gridpack.Gridpack, archive, campaign, generator, process string) bool {
	return g.Archive == archive && g.Campaign == campaign && g.Generator == generator && g.Process == process
}

// matchesStatus reports whether g's status is in the given set.
func matchesStatus(g *gridpack.Gridpack, statuses []gridpack.Status) bool {
	for _, s := range statuses {
		if g.Status == s {
			return true
		}
	}
	return false
}

// clone returns a shallow copy of g so callers mutating a returned document
// cannot corrupt the gateway's internal state without going through
// Update — matching the whole-document-replacement write discipline of
// section 4.6.
func clone(g *gridpack.Gridpack) *gridpack.Gridpack {
	copied := *g
	copied.History = append([]gridpack.HistoryEntry(nil), g.History...)
	return &copied
}
