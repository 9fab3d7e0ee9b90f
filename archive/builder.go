package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/template"
)

// Builder is the per-generator Archive Builder contract of section 4.2:
// write generator-specific input files under <local>/input_files/ and
// package them into input_files.tar.gz.
type Builder interface {
	Build(local string) error
}

// Inputs bundles everything a Builder needs to assemble its input files:
// the document itself, its resolved dataset card and campaign descriptor,
// and the Template Repository for reading raw template/card contents.
type Inputs struct {
	Gridpack *gridpack.Gridpack
	Dataset  template.DatasetCard
	Campaign template.CampaignDescriptor
	Repo     template.Repository
}

// New dispatches on the document's Generator field to the matching Builder,
// resolved at construction time from a data field per the tagged-variant
// table described in section 9 (avoiding the ambient-registration import
// cycle: this table lives here, not behind an init() in gridpack).
// Gridpack construction already refused unknown generators, so reaching an
// unrecognized value here would itself be a programmer error.
func New(in Inputs) (Builder, error) {
	switch in.Gridpack.Generator {
	case gridpack.GeneratorMadGraph:
		return &MadGraphBuilder{in}, nil
	case gridpack.GeneratorPowheg:
		return &PowhegBuilder{in}, nil
	default:
		return nil, fmt.Errorf("%w: %q", gridpack.ErrUnknownGenerator, in.Gridpack.Generator)
	}
}

// mergeVars merges campaign-level and dataset-level template variables,
// with dataset values taking precedence, as section 4.2's MadGraph variant
// requires ("dataset.template_vars merged with campaign.template_vars").
func mergeVars(campaign, dataset map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(campaign)+len(dataset))
	for k, v := range campaign {
		merged[k] = v
	}
	for k, v := range dataset {
		merged[k] = v
	}
	return merged
}

// tarGzDirectory implements the "tar -czf input_files.tar.gz -C <local>
// input_files" step shared by every generator variant (section 4.2).
func tarGzDirectory(local, dirName string) error {
	archivePath := filepath.Join(local, "input_files.tar.gz")
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", archivePath, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	root := filepath.Join(local, dirName)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(local, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if info.IsDir() {
			return tw.WriteHeader(header)
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// copyMatchingFiles copies every file under srcDir whose base name matches
// one of the given glob patterns into dstDir, implementing the MadGraph
// variant's "copy all *.dat and any *_cuts.f from the dataset card
// directory" step (section 4.2). A pattern matching nothing is not an
// error — *_cuts.f is optional per dataset.
func copyMatchingFiles(srcDir, dstDir string, patterns []string) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dstDir, err)
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", srcDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, pattern := range patterns {
			matched, err := filepath.Match(pattern, entry.Name())
			if err != nil {
				return err
			}
			if !matched {
				continue
			}
			if err := copyFile(filepath.Join(srcDir, entry.Name()), filepath.Join(dstDir, entry.Name())); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

func writeFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
