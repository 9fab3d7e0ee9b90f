package archive

import "path/filepath"

// PowhegBuilder implements the Powheg variant of section 4.2: powheg.input
// is the concatenation of a customized run-card template and a customized
// model-params file; process.dat carries the run-card template's stem. No
// additional card copy is performed.
type PowhegBuilder struct {
	Inputs
}

func (b *PowhegBuilder) Build(local string) error {
	inputFilesDir := filepath.Join(local, "input_files")

	vars := mergeVars(b.Campaign.TemplateVars, b.Dataset.TemplateVars)
	vars["ebeam1"] = b.Campaign.Beam
	vars["ebeam2"] = b.Campaign.Beam

	runCard, err := Customize(b.Repo.RunCardTemplatePath(b.Dataset.RunCardTemplate), b.Dataset.UserAdditions, vars)
	if err != nil {
		return err
	}
	modelParams, err := Customize(b.Repo.ModelParamsPath(b.Dataset.ModelParams), nil, vars)
	if err != nil {
		return err
	}

	powhegInput := runCard + "\n" + modelParams
	if err := writeFile(filepath.Join(inputFilesDir, "powheg.input"), powhegInput); err != nil {
		return err
	}

	stem := runCardStem(b.Dataset.RunCardTemplate)
	if err := writeFile(filepath.Join(inputFilesDir, "process.dat"), stem); err != nil {
		return err
	}

	return tarGzDirectory(local, "input_files")
}
