package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
)

// FileGateway implements Gateway as one JSON document per id under a root
// directory, requiring a cleaned, absolute root path. An in-memory index
// mirrors the directory's contents so ByStatuses and FindByArtifact don't
// re-read every file on every tick.
type FileGateway struct {
	root string

	mu   sync.RWMutex
	docs map[string]*gridpack.Gridpack
}

// NewFileGateway constructs a FileGateway rooted at dir, creating the
// directory if needed and loading any documents already present.
func NewFileGateway(dir string) (*FileGateway, error) {
	clean := filepath.Clean(dir)
	if !filepath.IsAbs(clean) {
		return nil, fmt.Errorf("store root must be absolute: %s", clean)
	}
	if err := os.MkdirAll(clean, 0755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", clean, err)
	}

	g := &FileGateway{root: clean, docs: make(map[string]*gridpack.Gridpack)}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *FileGateway) load() error {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return fmt.Errorf("reading store root %s: %w", f.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.root, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading document %s: %w", entry.Name(), err)
		}
		var doc gridpack.Gridpack
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decoding document %s: %w", entry.Name(), err)
		}
		f.docs[doc.ID] = &doc
	}
	return nil
}

// pathFor resolves id to its on-disk path, rejecting any id that would
// escape the store root via path separators.
func (f *FileGateway) pathFor(id string) (string, error) {
	if strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("invalid document id: %q", id)
	}
	return filepath.Join(f.root, id+".json"), nil
}

func (f *FileGateway) writeToDisk(g *gridpack.Gridpack) error {
	path, err := f.pathFor(g.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", g.ID, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing document %s: %w", g.ID, err)
	}
	return nil
}

func (f *FileGateway) Insert(g *gridpack.Gridpack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.docs[g.ID]; exists {
		return ErrDuplicateID
	}
	stamp(g)
	if err := f.writeToDisk(g); err != nil {
		return err
	}
	f.docs[g.ID] = clone(g)
	return nil
}

func (f *FileGateway) Update(g *gridpack.Gridpack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.docs[g.ID]; !exists {
		return ErrNotFound
	}
	stamp(g)
	if err := f.writeToDisk(g); err != nil {
		return err
	}
	f.docs[g.ID] = clone(g)
	return nil
}

func (f *FileGateway) ByID(id string) (*gridpack.Gridpack, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (f *FileGateway) ByStatuses(statuses ...gridpack.Status) ([]*gridpack.Gridpack, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var matched []*gridpack.Gridpack
	for _, g := range f.docs {
		if matchesStatus(g, statuses) {
			matched = append(matched, clone(g))
		}
	}
	return matched, nil
}

func (f *FileGateway) FindByArtifact(archive, campaign, generator, process string) (*gridpack.Gridpack, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, g := range f.docs {
		if matchesArtifact(g, archive, campaign, generator, process) {
			return clone(g), true, nil
		}
	}
	return nil, false, nil
}

func (f *FileGateway) Count() (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.docs), nil
}

func (f *FileGateway) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.docs[id]; !exists {
		return nil
	}
	path, err := f.pathFor(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing document %s: %w", id, err)
	}
	delete(f.docs, id)
	return nil
}
