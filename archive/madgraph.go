package archive

import (
	"path/filepath"
	"strings"
)

// MadGraphBuilder implements the MadGraph variant of section 4.2: copies
// *.dat and any *_cuts.f cards verbatim, then produces the run card and
// customize cards from templates via the customization contract.
type MadGraphBuilder struct {
	Inputs
}

func (b *MadGraphBuilder) Build(local string) error {
	inputFilesDir := filepath.Join(local, "input_files")

	if err := copyMatchingFiles(b.Repo.CardDirectory(b.Gridpack.Process), inputFilesDir, []string{"*.dat", "*_cuts.f"}); err != nil {
		return err
	}

	vars := mergeVars(b.Campaign.TemplateVars, b.Dataset.TemplateVars)
	vars["ebeam1"] = b.Campaign.Beam
	vars["ebeam2"] = b.Campaign.Beam

	runCard, err := Customize(b.Repo.RunCardTemplatePath(b.Dataset.RunCardTemplate), b.Dataset.UserAdditions, vars)
	if err != nil {
		return err
	}
	runCardPath := filepath.Join(inputFilesDir, b.Gridpack.Dataset+"_run_card.dat")
	if err := writeFile(runCardPath, runCard); err != nil {
		return err
	}

	customizeCard, err := Customize(b.Repo.ModelParamsPath(b.Dataset.ModelParams), b.Dataset.UserAdditions, vars)
	if err != nil {
		return err
	}
	customizeCardPath := filepath.Join(inputFilesDir, b.Gridpack.Dataset+"_customizecards.dat")
	if err := writeFile(customizeCardPath, customizeCard); err != nil {
		return err
	}

	return tarGzDirectory(local, "input_files")
}

// runCardStem returns the template name's stem (everything before the
// first '.'), used by the Powheg variant's process.dat (section 4.2).
func runCardStem(templateName string) string {
	name := filepath.Base(templateName)
	if idx := strings.Index(name, "."); idx >= 0 {
		return name[:idx]
	}
	return name
}
