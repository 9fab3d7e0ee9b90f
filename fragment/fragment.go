// Package fragment implements the Fragment Builder of section 4.3: it
// concatenates named configuration snippets and performs the same variable
// substitution contract as the Archive Builder (section 4.2), adding the
// reused-chain resolution that lets a reusing document's fragment describe
// the artifact actually produced by an earlier gridpack.
package fragment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cms-pdmv/gridpack-controller/archive"
	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/template"
)

// eosPrefix and cvmfsPrefix implement the path rewrite section 4.3 requires
// for pathToProducedGridpack: the storage-side EOS path a worker node cannot
// reach directly is rewritten to its CVMFS-published mirror.
const (
	eosPrefix   = "/eos/cms/store/group/phys_generator/cvmfs/gridpacks/"
	cvmfsPrefix = "/cvmfs/cms.cern.ch/phys_generator/gridpacks/"
)

// ErrBrokenReuseChain is returned when a reused document's gridpack_reused
// points to an id the Lookup cannot resolve — a data-inconsistency error per
// section 7, not a condition the builder silently papers over.
var ErrBrokenReuseChain = errors.New("fragment: reused document's producer is missing")

// Lookup resolves a gridpack by id, satisfied by the Document Store Gateway.
// The Fragment Builder depends only on this narrow read, not on the full
// gateway contract, so it can be tested without a store implementation.
type Lookup interface {
	ByID(id string) (*gridpack.Gridpack, error)
}

// Inputs bundles everything Build needs: the document whose fragment is
// being built, its catalog descriptors, the repository for reading snippet
// contents, and a Lookup for following reuse chains.
type Inputs struct {
	Gridpack *gridpack.Gridpack
	Dataset  template.DatasetCard
	Campaign template.CampaignDescriptor
	Repo     template.Repository
	Lookup   Lookup
}

// Build implements section 4.3: concatenate the dataset's named snippets
// separated by blank lines, then substitute the merged variable set.
func Build(in Inputs) (string, error) {
	var parts []string
	for _, name := range in.Dataset.Fragment {
		contents, err := in.Repo.SnippetContents(name)
		if err != nil {
			return "", fmt.Errorf("reading fragment snippet %s: %w", name, err)
		}
		parts = append(parts, strings.TrimRight(contents, "\n"))
	}
	concatenated := strings.Join(parts, "\n\n")

	producer, err := resolveProducer(in.Gridpack, in.Lookup)
	if err != nil {
		return "", err
	}

	tuneImport, err := in.Repo.TuneImport(in.Gridpack.Tune)
	if err != nil {
		return "", fmt.Errorf("resolving tune import for %s: %w", in.Gridpack.Tune, err)
	}

	vars := make(map[string]interface{})
	for k, v := range in.Campaign.FragmentVars {
		vars[k] = v
	}
	for k, v := range in.Dataset.FragmentVars {
		vars[k] = v
	}
	vars["dataset"] = in.Gridpack.DatasetName
	vars["tuneName"] = in.Gridpack.Tune
	vars["tuneImport"] = tuneImport
	vars["comEnergy"] = strconv.FormatFloat(in.Campaign.Beam*2, 'f', -1, 64)
	vars["pathToProducedGridpack"] = rewriteToCVMFS(producer.ArchiveAbsolute)

	return archive.CustomizeContents(concatenated, nil, vars)
}

// resolveProducer implements section 4.3's reuse-chain rule: a reused
// document contributes no archive of its own, so the producing document is
// found by following gridpack_reused, recursively, until a non-reused
// document is reached. A reused document with no recorded producer (empty
// or "-1") ends the walk with ErrBrokenReuseChain.
func resolveProducer(g *gridpack.Gridpack, lookup Lookup) (*gridpack.Gridpack, error) {
	current := g
	seen := map[string]bool{}
	for current.Status == gridpack.StatusReused {
		if current.GridpackReused == "" || current.GridpackReused == "-1" {
			return nil, fmt.Errorf("%w: %s has no recorded producer", ErrBrokenReuseChain, current.ID)
		}
		if seen[current.ID] {
			return nil, fmt.Errorf("fragment: cyclic reuse chain at %s", current.ID)
		}
		seen[current.ID] = true
		producer, err := lookup.ByID(current.GridpackReused)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBrokenReuseChain, err)
		}
		current = producer
	}
	return current, nil
}

// rewriteToCVMFS implements section 4.3's storage-to-worker path rewrite.
// A path not under the EOS prefix is returned unchanged, matching the
// original's fallback when an artifact was stored outside the published
// gridpack area.
func rewriteToCVMFS(archiveAbsolute string) string {
	if strings.HasPrefix(archiveAbsolute, eosPrefix) {
		return cvmfsPrefix + strings.TrimPrefix(archiveAbsolute, eosPrefix)
	}
	return archiveAbsolute
}
