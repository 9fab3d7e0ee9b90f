package fragment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/template"
)

type fakeRepo struct {
	root  string
	tunes map[string]string
}

func (f fakeRepo) Refresh() error { return nil }
func (f fakeRepo) Dataset(process, dataset string) (template.DatasetCard, error) {
	return template.DatasetCard{}, nil
}
func (f fakeRepo) Campaign(campaign string) (template.CampaignDescriptor, error) {
	return template.CampaignDescriptor{}, nil
}
func (f fakeRepo) TuneImport(tune string) (string, error) {
	imp, ok := f.tunes[tune]
	if !ok {
		return "", fmt.Errorf("unknown tune: %s", tune)
	}
	return imp, nil
}
func (f fakeRepo) SnippetContents(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(f.root, "Fragments", name))
	return string(data), err
}
func (f fakeRepo) CardDirectory(process string) string   { return "" }
func (f fakeRepo) ModelParamsPath(name string) string    { return "" }
func (f fakeRepo) RunCardTemplatePath(name string) string { return "" }

type fakeLookup struct {
	docs map[string]*gridpack.Gridpack
}

func (l fakeLookup) ByID(id string) (*gridpack.Gridpack, error) {
	g, ok := l.docs[id]
	if !ok {
		return nil, fmt.Errorf("unknown gridpack id: %s", id)
	}
	return g, nil
}

func writeSnippet(t *testing.T, root, name, contents string) {
	t.Helper()
	path := filepath.Join(root, "Fragments", name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newBuiltGridpack(t *testing.T, id string) *gridpack.Gridpack {
	t.Helper()
	g, err := gridpack.New(id, "C1", gridpack.GeneratorMadGraph, "P", "D_NLO", "CP5", 1000, "main", 6.5, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.Archive = "D_NLO_Tune_13TeV.tar.xz"
	g.ArchiveAbsolute = "/eos/cms/store/group/phys_generator/cvmfs/gridpacks/C1/" + g.Archive
	g.Status = gridpack.StatusDone
	return g
}

func TestBuildConcatenatesSnippetsWithBlankLineSeparator(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "base.dat", "import $tuneImport\n")
	writeSnippet(t, root, "decay.dat", "decay all\n")

	g := newBuiltGridpack(t, "1")
	in := Inputs{
		Gridpack: g,
		Dataset:  template.DatasetCard{Fragment: []string{"base.dat", "decay.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup:   fakeLookup{},
	}
	got, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "import import Tune:CP5\n\ndecay all\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildSubstitutesPathToProducedGridpackWithCVMFSRewrite(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "gridpack.dat", "path = $pathToProducedGridpack\n")

	g := newBuiltGridpack(t, "1")
	in := Inputs{
		Gridpack: g,
		Dataset:  template.DatasetCard{Fragment: []string{"gridpack.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup:   fakeLookup{},
	}
	got, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "path = /cvmfs/cms.cern.ch/phys_generator/gridpacks/C1/"+g.Archive) {
		t.Errorf("got %q, expected cvmfs-rewritten path", got)
	}
}

func TestBuildComEnergyIsTwiceBeam(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "energy.dat", "energy = $comEnergy\n")

	g := newBuiltGridpack(t, "1")
	in := Inputs{
		Gridpack: g,
		Dataset:  template.DatasetCard{Fragment: []string{"energy.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup:   fakeLookup{},
	}
	got, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "energy = 13\n") {
		t.Errorf("got %q, expected comEnergy of 13", got)
	}
}

func TestBuildFollowsReusedChainToProducer(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "gridpack.dat", "path = $pathToProducedGridpack\n")

	producer := newBuiltGridpack(t, "1")
	reuser := newBuiltGridpack(t, "2")
	reuser.Status = gridpack.StatusReused
	reuser.GridpackReused = producer.ID
	reuser.Archive = ""
	reuser.ArchiveAbsolute = ""

	in := Inputs{
		Gridpack: reuser,
		Dataset:  template.DatasetCard{Fragment: []string{"gridpack.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup:   fakeLookup{docs: map[string]*gridpack.Gridpack{producer.ID: producer}},
	}
	got, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "path = /cvmfs/cms.cern.ch/phys_generator/gridpacks/C1/"+producer.Archive) {
		t.Errorf("got %q, expected producer's rewritten archive path", got)
	}
}

func TestBuildFollowsMultiHopReuseChain(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "gridpack.dat", "path = $pathToProducedGridpack\n")

	producer := newBuiltGridpack(t, "1")
	middle := newBuiltGridpack(t, "2")
	middle.Status = gridpack.StatusReused
	middle.GridpackReused = producer.ID
	middle.Archive = ""
	middle.ArchiveAbsolute = ""
	reuser := newBuiltGridpack(t, "3")
	reuser.Status = gridpack.StatusReused
	reuser.GridpackReused = middle.ID
	reuser.Archive = ""
	reuser.ArchiveAbsolute = ""

	in := Inputs{
		Gridpack: reuser,
		Dataset:  template.DatasetCard{Fragment: []string{"gridpack.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup: fakeLookup{docs: map[string]*gridpack.Gridpack{
			producer.ID: producer,
			middle.ID:   middle,
		}},
	}
	got, err := Build(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, producer.Archive) {
		t.Errorf("got %q, expected the original producer's archive", got)
	}
}

func TestBuildReturnsErrorOnBrokenReuseChain(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "gridpack.dat", "path = $pathToProducedGridpack\n")

	reuser := newBuiltGridpack(t, "3")
	reuser.Status = gridpack.StatusReused
	reuser.GridpackReused = "missing-id"
	reuser.Archive = ""
	reuser.ArchiveAbsolute = ""

	in := Inputs{
		Gridpack: reuser,
		Dataset:  template.DatasetCard{Fragment: []string{"gridpack.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup:   fakeLookup{docs: map[string]*gridpack.Gridpack{}},
	}
	if _, err := Build(in); err == nil {
		t.Fatal("expected error for broken reuse chain")
	}
}

func TestBuildReturnsErrorWhenReusedWithNoRecordedProducer(t *testing.T) {
	root := t.TempDir()
	writeSnippet(t, root, "gridpack.dat", "path = $pathToProducedGridpack\n")

	reuser := newBuiltGridpack(t, "3")
	reuser.Status = gridpack.StatusReused
	reuser.GridpackReused = "-1"
	reuser.Archive = ""
	reuser.ArchiveAbsolute = ""

	in := Inputs{
		Gridpack: reuser,
		Dataset:  template.DatasetCard{Fragment: []string{"gridpack.dat"}},
		Campaign: template.CampaignDescriptor{Beam: 6.5},
		Repo:     fakeRepo{root: root, tunes: map[string]string{"CP5": "import Tune:CP5"}},
		Lookup:   fakeLookup{docs: map[string]*gridpack.Gridpack{}},
	}
	if _, err := Build(in); err == nil {
		t.Fatal("expected error when gridpack_reused is \"-1\"")
	}
}
