package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cms-pdmv/gridpack-controller/config"
	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/notify"
	"github.com/cms-pdmv/gridpack-controller/store"
	"github.com/cms-pdmv/gridpack-controller/template"
)

// tickCtx returns an already-expired context so Tick's three-second quiet
// period (section 4.1) returns immediately instead of slowing down every
// test that calls Tick.
func tickCtx() context.Context {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now())
	cancel()
	return ctx
}

// fakeRepo is an in-memory template.Repository fixture, avoiding a
// filesystem checkout for tests that only need the Controller/Repo
// contract, not FileRepository's own loading logic (covered separately in
// package template).
type fakeRepo struct {
	datasets    map[string]template.DatasetCard
	campaigns   map[string]template.CampaignDescriptor
	tunes       map[string]string
	snippets    map[string]string
	cardDir     string
	templates   map[string]string
	modelParams map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		datasets:    make(map[string]template.DatasetCard),
		campaigns:   make(map[string]template.CampaignDescriptor),
		tunes:       make(map[string]string),
		snippets:    make(map[string]string),
		templates:   make(map[string]string),
		modelParams: make(map[string]string),
	}
}

func (f *fakeRepo) Refresh() error { return nil }

func (f *fakeRepo) Dataset(process, dataset string) (template.DatasetCard, error) {
	card, ok := f.datasets[process+"/"+dataset]
	if !ok {
		return template.DatasetCard{}, fmt.Errorf("dataset %s/%s: %w", process, dataset, store.ErrNotFound)
	}
	return card, nil
}

func (f *fakeRepo) Campaign(campaign string) (template.CampaignDescriptor, error) {
	c, ok := f.campaigns[campaign]
	if !ok {
		return template.CampaignDescriptor{}, fmt.Errorf("campaign %s: %w", campaign, store.ErrNotFound)
	}
	return c, nil
}

func (f *fakeRepo) TuneImport(tune string) (string, error) {
	imp, ok := f.tunes[tune]
	if !ok {
		return "", fmt.Errorf("tune %s: %w", tune, store.ErrNotFound)
	}
	return imp, nil
}

func (f *fakeRepo) SnippetContents(name string) (string, error) {
	s, ok := f.snippets[name]
	if !ok {
		return "", fmt.Errorf("snippet %s: %w", name, store.ErrNotFound)
	}
	return s, nil
}

func (f *fakeRepo) CardDirectory(process string) string { return f.cardDir }
func (f *fakeRepo) ModelParamsPath(name string) string  { return f.modelParams[name] }
func (f *fakeRepo) RunCardTemplatePath(name string) string { return f.templates[name] }

// fakeRemote is a scriptable RemoteClient fixture. ExecFunc is consulted
// for every Exec call; Upload/Download/UploadFromMemory/DownloadAsString
// always succeed unless Fail is set, matching section 4.5's "never throw on
// transport errors" contract at the interface boundary.
type fakeRemote struct {
	ExecFunc func(commands []string) (stdout, stderr string, exitCode int, err error)
	Fail     bool
}

func (f *fakeRemote) Exec(ctx context.Context, commands ...string) (string, string, int, error) {
	if f.ExecFunc != nil {
		return f.ExecFunc(commands)
	}
	return "", "", 0, nil
}

func (f *fakeRemote) Upload(ctx context.Context, localPath, remotePath string) bool {
	return !f.Fail
}
func (f *fakeRemote) Download(ctx context.Context, remotePath, localPath string) bool {
	return !f.Fail
}
func (f *fakeRemote) UploadFromMemory(ctx context.Context, contents []byte, remotePath string) bool {
	return !f.Fail
}
func (f *fakeRemote) DownloadAsString(ctx context.Context, remotePath string) (string, bool) {
	return "", !f.Fail
}

// fakeSender records every notification sent instead of delivering it.
type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(from string, to, cc []string, subject, body string, attachments []notify.Attachment) error {
	f.sent = append(f.sent, subject)
	return nil
}

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, args ...interface{}) { l.t.Logf(format, args...) }

func newTestController(t *testing.T, batch, storage RemoteClient) (*Controller, *fakeRepo, *fakeSender, *store.MemoryGateway) {
	t.Helper()
	repo := newFakeRepo()
	fixtures := t.TempDir()
	repo.cardDir = filepath.Join(fixtures, "cards")
	if err := os.MkdirAll(repo.cardDir, 0755); err != nil {
		t.Fatalf("fixture card dir: %v", err)
	}
	runCardPath := filepath.Join(fixtures, "nlo.dat")
	if err := os.WriteFile(runCardPath, []byte("ebeam1 = $ebeam1\nebeam2 = $ebeam2\n"), 0644); err != nil {
		t.Fatalf("fixture run card: %v", err)
	}
	repo.templates["nlo.dat"] = runCardPath
	paramsPath := filepath.Join(fixtures, "params.dat")
	if err := os.WriteFile(paramsPath, []byte("# model params\n"), 0644); err != nil {
		t.Fatalf("fixture model params: %v", err)
	}
	repo.modelParams["params.dat"] = paramsPath

	repo.campaigns["C1"] = template.CampaignDescriptor{Campaign: "C1", Beam: 6.5}
	repo.datasets["P/D_NLO"] = template.DatasetCard{
		Process: "P", Dataset: "D_NLO", Tune: "CP5", Events: 1000,
		RunCardTemplate: "nlo.dat", ModelParams: "params.dat",
	}
	repo.tunes["CP5"] = "from Configuration.Generator.MCTunes2017 import CP5"

	st := store.NewMemoryGateway()
	sender := &fakeSender{}
	notifier := notify.New(sender, "gridpack@example.org", []string{"cc@example.org"}, false, testLogger{t})

	cfg := &config.Config{
		RemoteDirectory:  "/remote",
		GridpackDirectory: "/storage",
		TicketsDirectory: "/tickets",
		GenRepository:    "cms-sw/genproductions",
		Production:       false,
	}
	c := New(cfg, st, repo, batch, storage, notifier, t.TempDir(), testLogger{t})
	return c, repo, sender, st
}

func TestCreateApproveSubmitHappyPath(t *testing.T) {
	batch := &fakeRemote{ExecFunc: func(commands []string) (string, string, int, error) {
		joined := strings.Join(commands, "; ")
		switch {
		case strings.HasPrefix(joined, "rm -rf") || strings.Contains(joined, "mkdir -p /remote"):
			return "", "", 0, nil
		case strings.Contains(joined, "condor_submit"):
			return "1 job(s) submitted to cluster 555.", "", 0, nil
		case strings.HasPrefix(joined, "condor_q"):
			// Report the job DONE on the very first poll: the in-flight
			// window between submitted and done isn't this test's concern.
			return "555 4", "", 0, nil
		case strings.Contains(joined, "ls ") && strings.Contains(joined, "D_NLO"):
			return "/remote/MadGraph5_aMCatNLO/P/1/D_NLO_TuneCP5_13TeV.tar.xz", "", 0, nil
		case strings.Contains(joined, "create_request.sh"):
			return "REQUEST PREPID: GEN-Campaign-00001\n", "", 0, nil
		case strings.HasPrefix(joined, "rsync"):
			return "", "", 0, nil
		}
		return "", "", 0, nil
	}}
	storage := &fakeRemote{}

	c, _, sender, st := newTestController(t, batch, storage)

	id, err := c.Create(CreateInput{
		Campaign: "C1", Generator: gridpack.GeneratorMadGraph, Process: "P",
		Dataset: "D_NLO", Tune: "CP5", Events: 1000, User: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Approve(id, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	ctx := tickCtx()
	if err := c.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	g, err := st.ByID(id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if g.Status != gridpack.StatusSubmitted {
		t.Fatalf("expected submitted after tick 1, got %s", g.Status)
	}
	if g.CondorID != 555 {
		t.Errorf("expected condor id 555, got %d", g.CondorID)
	}

	if err := c.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	g, _ = st.ByID(id)
	if g.Status != gridpack.StatusDone {
		t.Fatalf("expected done after condor DONE, got %s (archive=%q)", g.Status, g.Archive)
	}
	if g.Archive == "" {
		t.Error("expected archive to be set")
	}
	if g.PrepID != "GEN-Campaign-00001" {
		t.Errorf("expected prepid set from create_request.sh output, got %q", g.PrepID)
	}

	found := false
	for _, subj := range sender.sent {
		if strings.Contains(subj, "submitted") || strings.Contains(subj, "finished") {
			found = true
		}
	}
	if !found {
		t.Error("expected at least one notification to be sent")
	}
}

func TestSubmissionParseFailureSetsFailed(t *testing.T) {
	batch := &fakeRemote{ExecFunc: func(commands []string) (string, string, int, error) {
		joined := strings.Join(commands, "; ")
		if strings.Contains(joined, "condor_submit") {
			return "some unrelated output with no cluster marker", "", 0, nil
		}
		return "", "", 0, nil
	}}
	c, _, _, st := newTestController(t, batch, &fakeRemote{})

	id, err := c.Create(CreateInput{
		Campaign: "C1", Generator: gridpack.GeneratorMadGraph, Process: "P",
		Dataset: "D_NLO", Tune: "CP5", Events: 1000, User: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Approve(id, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := c.Tick(tickCtx()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	g, _ := st.ByID(id)
	if g.Status != gridpack.StatusFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if g.CondorID != 0 {
		t.Errorf("expected condor id 0, got %d", g.CondorID)
	}
	if tail := g.History[len(g.History)-1].Action; tail != "submission failed" {
		t.Errorf("expected history tail %q, got %q", "submission failed", tail)
	}
}

func TestResetInFlightTerminatesAndClearsFields(t *testing.T) {
	var condorRmSeen bool
	batch := &fakeRemote{ExecFunc: func(commands []string) (string, string, int, error) {
		joined := strings.Join(commands, "; ")
		if strings.Contains(joined, "condor_rm 42") {
			condorRmSeen = true
		}
		return "", "", 0, nil
	}}
	c, _, _, st := newTestController(t, batch, &fakeRemote{})

	g, err := gridpack.New("1", "C1", gridpack.GeneratorMadGraph, "P", "D_NLO", "CP5", 1000, "main", 6.5, "alice")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	g.Status = gridpack.StatusRunning
	g.CondorID = 42
	g.CondorStatus = gridpack.CondorRUN
	if err := st.Insert(g); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := c.Reset("1", "alice"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := c.Tick(tickCtx()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if !condorRmSeen {
		t.Error("expected condor_rm 42 to be issued")
	}
	got, _ := st.ByID("1")
	if got.Status != gridpack.StatusNew {
		t.Fatalf("expected new after reset, got %s", got.Status)
	}
	if got.CondorID != 0 || got.CondorStatus != gridpack.CondorEmpty {
		t.Errorf("expected condor fields cleared, got id=%d status=%s", got.CondorID, got.CondorStatus)
	}
	if got.History[len(got.History)-1].Action != "reset" {
		t.Errorf("expected history tail 'reset', got %q", got.History[len(got.History)-1].Action)
	}

	// A document left `new` is never re-submitted by the submit phase,
	// which only looks at StatusApproved (section 8 scenario S6).
	if err := c.Tick(tickCtx()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	got, _ = st.ByID("1")
	if got.Status != gridpack.StatusNew {
		t.Fatalf("expected still new, got %s", got.Status)
	}
}

func TestReuseMissFailsWithNotification(t *testing.T) {
	batch := &fakeRemote{ExecFunc: func(commands []string) (string, string, int, error) {
		joined := strings.Join(commands, "; ")
		if strings.HasPrefix(joined, "ls -l") {
			return "", "", 0, nil // empty listing: no matching artifact
		}
		return "", "", 0, nil
	}}
	c, repo, sender, st := newTestController(t, batch, &fakeRemote{})
	repo.datasets["P/D_NLO"] = template.DatasetCard{
		Process: "P", Dataset: "D_NLO", Tune: "CP5", Events: 1000,
		GridpackSubmit: boolPtr(false),
		GridpackPath:   "P/D_NLO",
	}

	id, err := c.Create(CreateInput{
		Campaign: "C1", Generator: gridpack.GeneratorMadGraph, Process: "P",
		Dataset: "D_NLO", Tune: "CP5", Events: 1000, User: "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Approve(id, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := c.Tick(tickCtx()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	g, _ := st.ByID(id)
	if g.Status != gridpack.StatusFailed {
		t.Fatalf("expected failed, got %s", g.Status)
	}
	if tail := g.History[len(g.History)-1].Action; tail != "reuse probe found no matching artifact" {
		t.Errorf("unexpected history tail: %q", tail)
	}
	if len(sender.sent) == 0 {
		t.Error("expected a reuse-failed notification to be sent")
	}
}

func TestReuseHitLinksLineageAndQueuesRequest(t *testing.T) {
	batch := &fakeRemote{ExecFunc: func(commands []string) (string, string, int, error) {
		joined := strings.Join(commands, "; ")
		switch {
		case strings.HasPrefix(joined, "ls -l"):
			return "-rw-r--r-- 1 user group 111 1700000000 D_NLO_v1.tar.xz\n" +
				"-rw-r--r-- 1 user group 222 1700000100 D_NLO_v2.tar.xz\n", "", 0, nil
		case strings.Contains(joined, "create_request.sh"):
			return "REQUEST PREPID: GEN-Campaign-00001\n", "", 0, nil
		}
		return "", "", 0, nil
	}}
	c, repo, _, st := newTestController(t, batch, &fakeRemote{})
	repo.datasets["P/D_NLO"] = template.DatasetCard{
		Process: "P", Dataset: "D_NLO", Tune: "CP5", Events: 1000,
		GridpackSubmit: boolPtr(false),
		GridpackPath:   "P/D_NLO",
	}

	parent, err := gridpack.New("100", "C1", gridpack.GeneratorMadGraph, "P", "D_NLO", "CP5", 1000, "main", 6.5, "alice")
	if err != nil {
		t.Fatalf("new parent: %v", err)
	}
	parent.Status = gridpack.StatusDone
	parent.Archive = "D_NLO_v2.tar.xz"
	if err := st.Insert(parent); err != nil {
		t.Fatalf("insert parent: %v", err)
	}

	id, err := c.Create(CreateInput{
		Campaign: "C1", Generator: gridpack.GeneratorMadGraph, Process: "P",
		Dataset: "D_NLO", Tune: "CP5", Events: 1000, User: "bob",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Approve(id, "bob"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := c.Tick(tickCtx()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	g, _ := st.ByID(id)
	if g.Status != gridpack.StatusReused {
		t.Fatalf("expected reused, got %s", g.Status)
	}
	if g.Archive != "D_NLO_v2.tar.xz" {
		t.Errorf("expected newest match D_NLO_v2.tar.xz, got %s", g.Archive)
	}
	if g.GridpackReused != "100" {
		t.Errorf("expected lineage to parent 100, got %q", g.GridpackReused)
	}
}

func boolPtr(b bool) *bool { return &b }
