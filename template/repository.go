// Package template implements the Template Repository described in section
// 2 of the design specification: a read-only view of generator templates,
// dataset cards, campaign descriptors, fragment snippets, and the tune
// import table, periodically refreshed from a version-controlled tree
// checked out on local disk.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// DatasetCard is the descriptor read from Cards/<process>/<dataset>.json. It
// carries the catalog fields the Reuse Resolver, Archive Builder, and
// Fragment Builder all consume.
type DatasetCard struct {
	Process          string                 `json:"process"`
	Dataset          string                 `json:"dataset"`
	Tune             string                 `json:"tune"`
	Events           int                    `json:"events"`
	Genproductions   string                 `json:"genproductions"`
	RunCardTemplate  string                 `json:"run_card_template"`
	ModelParams      string                 `json:"model_params"`
	Fragment         []string               `json:"fragment"`
	TemplateVars     map[string]interface{} `json:"template_vars"`
	FragmentVars     map[string]interface{} `json:"fragment_vars"`
	UserAdditions    []string               `json:"user_additions"`

	// GridpackSubmit is the tri-state of section 4.4: nil (absent) means
	// submit; a pointer to false means attempt reuse; any other value
	// means submit.
	GridpackSubmit *bool  `json:"gridpack_submit"`
	GridpackPath   string `json:"gridpack_path"`

	// GridpackDirectory is decoded from the card but read by nothing in
	// this module: artifacts are always stored under the configured
	// storage root (GRIDPACK_DIRECTORY).
	GridpackDirectory string `json:"gridpack_directory"`
}

// WantsReuse implements the tri-state read of section 4.4.
func (d DatasetCard) WantsReuse() bool {
	return d.GridpackSubmit != nil && !*d.GridpackSubmit
}

// CampaignDescriptor is read from Campaigns/<campaign>.json.
type CampaignDescriptor struct {
	Campaign     string                 `json:"campaign"`
	Beam         float64                `json:"beam"`
	TemplateVars map[string]interface{} `json:"template_vars"`
	FragmentVars map[string]interface{} `json:"fragment_vars"`
}

// Repository is the read-only contract consumed by the Archive Builder,
// Fragment Builder, and Reuse Resolver.
type Repository interface {
	// Refresh re-reads the checked-out tree. Called by the Scheduler on
	// its own interval (section 6, REPOSITORY_UPDATE_INTERVAL) and never
	// by the tick loop directly.
	Refresh() error

	Dataset(process, dataset string) (DatasetCard, error)
	Campaign(campaign string) (CampaignDescriptor, error)
	TuneImport(tune string) (string, error)

	// SnippetContents returns the raw contents of a named fragment
	// snippet file, for concatenation by the Fragment Builder.
	SnippetContents(name string) (string, error)

	// CardDirectory, ModelParamsPath and RunCardTemplatePath resolve
	// catalog names to filesystem paths for the Archive Builder, which needs to copy
	// files (not just read their contents).
	CardDirectory(process string) string
	ModelParamsPath(name string) string
	RunCardTemplatePath(name string) string
}

// FileRepository implements Repository over a local checkout of the
// GridpackFiles tree (section 6: GRIDPACK_FILES_PATH / GRIDPACK_FILES_REPOSITORY).
// The expected layout:
//
//	<root>/Cards/<process>/<dataset>.json
//	<root>/Campaigns/<campaign>.json
//	<root>/Templates/<name>
//	<root>/ModelParams/<name>
//	<root>/imports.json
type FileRepository struct {
	root string

	mu        sync.RWMutex
	datasets  map[string]DatasetCard
	campaigns map[string]CampaignDescriptor
	tunes     map[string]string
}

// NewFileRepository constructs a FileRepository rooted at the given
// checkout path. Callers must call Refresh before first use.
func NewFileRepository(root string) *FileRepository {
	return &FileRepository{
		root:      root,
		datasets:  make(map[string]DatasetCard),
		campaigns: make(map[string]CampaignDescriptor),
		tunes:     make(map[string]string),
	}
}

func datasetKey(process, dataset string) string {
	return process + "/" + dataset
}

// Refresh re-scans the Cards, Campaigns, and imports.json trees, replacing
// the in-memory caches atomically under the write lock. A missing directory
// is tolerated: it yields an empty catalog rather than an error, since a
// tree segment may not have been created yet.
func (r *FileRepository) Refresh() error {
	datasets := make(map[string]DatasetCard)
	cardsRoot := filepath.Join(r.root, "Cards")
	err := walkJSON(cardsRoot, func(relDir, path string) error {
		var card DatasetCard
		if err := decodeJSONFile(path, &card); err != nil {
			return fmt.Errorf("decoding dataset card %s: %w", path, err)
		}
		if card.Process == "" {
			card.Process = relDir
		}
		if card.Dataset == "" {
			card.Dataset = fileStem(path)
		}
		datasets[datasetKey(card.Process, card.Dataset)] = card
		return nil
	})
	if err != nil {
		return err
	}

	campaigns := make(map[string]CampaignDescriptor)
	campaignsRoot := filepath.Join(r.root, "Campaigns")
	err = walkJSON(campaignsRoot, func(_ string, path string) error {
		var c CampaignDescriptor
		if err := decodeJSONFile(path, &c); err != nil {
			return fmt.Errorf("decoding campaign descriptor %s: %w", path, err)
		}
		if c.Campaign == "" {
			c.Campaign = fileStem(path)
		}
		campaigns[c.Campaign] = c
		return nil
	})
	if err != nil {
		return err
	}

	tunes := make(map[string]string)
	importsPath := filepath.Join(r.root, "imports.json")
	if _, statErr := os.Stat(importsPath); statErr == nil {
		if err := decodeJSONFile(importsPath, &tunes); err != nil {
			return fmt.Errorf("decoding tune imports %s: %w", importsPath, err)
		}
	}

	r.mu.Lock()
	r.datasets = datasets
	r.campaigns = campaigns
	r.tunes = tunes
	r.mu.Unlock()
	return nil
}

// Dataset looks up a dataset card by (process, dataset) coordinate.
func (r *FileRepository) Dataset(process, dataset string) (DatasetCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.datasets[datasetKey(process, dataset)]
	if !ok {
		return DatasetCard{}, fmt.Errorf("unknown dataset %s/%s", process, dataset)
	}
	return card, nil
}

// Campaign looks up a campaign descriptor by name.
func (r *FileRepository) Campaign(campaign string) (CampaignDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[campaign]
	if !ok {
		return CampaignDescriptor{}, fmt.Errorf("unknown campaign %s", campaign)
	}
	return c, nil
}

// TuneImport resolves a tune name to its import line for the Fragment
// Builder's tuneImport variable.
func (r *FileRepository) TuneImport(tune string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	imp, ok := r.tunes[tune]
	if !ok {
		return "", fmt.Errorf("unknown tune %s", tune)
	}
	return imp, nil
}

// SnippetContents reads a fragment snippet file's raw contents.
func (r *FileRepository) SnippetContents(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.root, "Fragments", name))
	if err != nil {
		return "", fmt.Errorf("reading fragment snippet %s: %w", name, err)
	}
	return string(data), nil
}

// CardDirectory returns the directory holding a process's dataset cards
// (used by the Archive Builder to copy *.dat/*_cuts.f files directly).
func (r *FileRepository) CardDirectory(process string) string {
	return filepath.Join(r.root, "Cards", process)
}

// ModelParamsPath resolves a model-params template name to its absolute
// path under ModelParams/.
func (r *FileRepository) ModelParamsPath(name string) string {
	return filepath.Join(r.root, "ModelParams", name)
}

// RunCardTemplatePath resolves a run-card template name to its absolute
// path under Templates/.
func (r *FileRepository) RunCardTemplatePath(name string) string {
	return filepath.Join(r.root, "Templates", name)
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func decodeJSONFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// walkJSON visits every *.json file under root, one directory level deep,
// passing the immediate parent directory's base name (the catalog
// coordinate, e.g. a process name) and the file's absolute path. A missing
// root is not an error: it simply yields no entries.
func walkJSON(root string, fn func(relDir, path string) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			sub := filepath.Join(root, entry.Name())
			subEntries, err := os.ReadDir(sub)
			if err != nil {
				return err
			}
			for _, f := range subEntries {
				if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
					continue
				}
				if err := fn(entry.Name(), filepath.Join(sub, f.Name())); err != nil {
					return err
				}
			}
			continue
		}
		if filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := fn("", filepath.Join(root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
