// Package controller implements the Gridpack Lifecycle Controller: the
// periodic, lock-serialized tick loop that drives every document through
// local preparation, remote submission, remote job tracking, artifact
// ingestion, reuse deduplication, and downstream request creation. It
// exposes intent-enqueue methods plus an idempotent Tick, called repeatedly
// by a scheduler.
package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cms-pdmv/gridpack-controller/archive"
	"github.com/cms-pdmv/gridpack-controller/config"
	"github.com/cms-pdmv/gridpack-controller/fragment"
	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/metrics"
	"github.com/cms-pdmv/gridpack-controller/notify"
	"github.com/cms-pdmv/gridpack-controller/remote"
	"github.com/cms-pdmv/gridpack-controller/reuse"
	"github.com/cms-pdmv/gridpack-controller/store"
	"github.com/cms-pdmv/gridpack-controller/template"
)

// Logger is the minimal Printf-shaped sink this package writes tick and
// phase diagnostics to, matching the injected-Logger discipline used
// throughout this module (section 6A) rather than a shared structured
// logging library.
type Logger interface {
	Printf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// RemoteClient is the narrow surface the Controller depends on for a
// remote host: retrying command execution plus best-effort file transfer.
// remote.Client implements this in production; tests supply a fake.
type RemoteClient interface {
	Exec(ctx context.Context, commands ...string) (stdout, stderr string, exitCode int, err error)
	Upload(ctx context.Context, localPath, remotePath string) bool
	Download(ctx context.Context, remotePath, localPath string) bool
	UploadFromMemory(ctx context.Context, contents []byte, remotePath string) bool
	DownloadAsString(ctx context.Context, remotePath string) (string, bool)
}

// intentItem is one entry in a per-action queue that targets an existing
// document: the id plus the user the resulting history entry is
// attributed to.
type intentItem struct {
	ID   string
	User string
}

// requestItem is a create-request queue entry. Force bypasses the "has a
// valid archive" eligibility check (the /api/mcm "force" path).
type requestItem struct {
	ID    string
	User  string
	Force bool
}

// CreateInput bundles the catalog coordinates needed to construct a new
// document, mirroring gridpack.New's parameter list.
type CreateInput struct {
	Campaign       string
	Generator      string
	Process        string
	Dataset        string
	Tune           string
	Events         int
	Genproductions string
	User           string
}

// Controller is the Gridpack Lifecycle Controller of section 4.1.
type Controller struct {
	Store    store.Gateway
	Repo     template.Repository
	Batch    RemoteClient
	Storage  RemoteClient
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Logger   Logger

	RemoteRoot         string
	StorageRoot        string
	LocalRoot          string
	TicketsDirectory   string
	PublicStreamFolder string
	GenRepository      string
	RequestScriptPath  string
	Production         bool
	Flavor             remote.HTCondorFlavor

	queueMu            sync.Mutex
	deleteQueue        []intentItem
	resetQueue         []intentItem
	approveQueue       []intentItem
	reuseQueue         []intentItem
	createRequestQueue []requestItem

	tickMu sync.Mutex

	nextID atomic.Int64
}

// New constructs a Controller from the daemon configuration and its wired
// dependencies. localRoot must be an absolute path; the Template
// Repository, Document Store Gateway, and both RemoteClients must already
// be usable.
func New(cfg *config.Config, st store.Gateway, repo template.Repository, batch, storage RemoteClient, notifier *notify.Notifier, localRoot string, logger Logger) *Controller {
	if logger == nil {
		logger = nopLogger{}
	}
	c := &Controller{
		Store:              st,
		Repo:               repo,
		Batch:              batch,
		Storage:            storage,
		Notifier:           notifier,
		Metrics:            metrics.NewMetrics(),
		Logger:             logger,
		RemoteRoot:         cfg.RemoteDirectory,
		StorageRoot:        cfg.GridpackDirectory,
		LocalRoot:          localRoot,
		TicketsDirectory:   cfg.TicketsDirectory,
		PublicStreamFolder: cfg.PublicStreamFolder,
		GenRepository:      cfg.GenRepository,
		RequestScriptPath:  cfg.TicketsDirectory + "/create_request.sh",
		Production:         cfg.Production,
		Flavor:             remote.HTCondorFlavor{UseCMSCAF: cfg.UseHTCondorCMSCAF},
	}
	c.seedNextID()
	return c
}

// allStatuses enumerates every status the entity recognizes, used to
// bootstrap the id allocator from the highest existing numeric id in the
// store, so a newly issued id never falls at or below one already stored.
var allStatuses = []gridpack.Status{
	gridpack.StatusNew, gridpack.StatusApproved, gridpack.StatusSubmitted,
	gridpack.StatusRunning, gridpack.StatusFinishing, gridpack.StatusDone,
	gridpack.StatusFailed, gridpack.StatusReused,
}

func (c *Controller) seedNextID() {
	docs, err := c.Store.ByStatuses(allStatuses...)
	if err != nil {
		return
	}
	var max int64
	for _, g := range docs {
		if n, err := strconv.ParseInt(g.ID, 10, 64); err == nil && n > max {
			max = n
		}
	}
	c.nextID.Store(max)
}

// newID returns the creation time in milliseconds, moved past the last
// issued (or highest stored) id when the clock has not advanced beyond it.
func (c *Controller) newID() string {
	for {
		prev := c.nextID.Load()
		next := time.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if c.nextID.CompareAndSwap(prev, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// QueueDepths snapshots the current length of every intent queue, for
// /api/system_info.
func (c *Controller) QueueDepths() metrics.QueueDepths {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return metrics.QueueDepths{
		"delete":         len(c.deleteQueue),
		"reset":          len(c.resetQueue),
		"approve":        len(c.approveQueue),
		"reuse":          len(c.reuseQueue),
		"create_request": len(c.createRequestQueue),
	}
}

// Create implements the "create" intent: it is not queued for the tick
// loop (no tick phase processes it — the seven-phase order in section 4.1
// has no create phase) because assigning an id and inserting a document
// has no remote side effects to serialize against.
func (c *Controller) Create(in CreateInput) (string, error) {
	campaign, err := c.Repo.Campaign(in.Campaign)
	if err != nil {
		return "", fmt.Errorf("resolving campaign %s: %w", in.Campaign, err)
	}
	dataset, err := c.Repo.Dataset(in.Process, in.Dataset)
	if err != nil {
		return "", fmt.Errorf("resolving dataset %s/%s: %w", in.Process, in.Dataset, err)
	}
	events := in.Events
	if events <= 0 {
		events = dataset.Events
	}
	genproductions := in.Genproductions
	if genproductions == "" {
		genproductions = c.GenRepository
	}

	id := c.newID()
	g, err := gridpack.New(id, in.Campaign, in.Generator, in.Process, in.Dataset, in.Tune, events, genproductions, campaign.Beam, in.User)
	if err != nil {
		return "", err
	}
	if err := g.Validate(); err != nil {
		return "", err
	}
	if err := c.Store.Insert(g); err != nil {
		return "", err
	}
	return id, nil
}

// Approve implements the "approve" intent. Section 4.4: the reuse decision
// is made here, at enqueue time, not inside the tick — it determines which
// queue (plain approval or reuse probe) the document is routed into, since
// the reuse probe phase runs before the approve phase within a tick.
func (c *Controller) Approve(id, user string) error {
	g, err := c.Store.ByID(id)
	if err != nil {
		return err
	}
	if g.Status != gridpack.StatusNew {
		return fmt.Errorf("gridpack %s is not new (status=%s), cannot approve", id, g.Status)
	}
	dataset, err := c.Repo.Dataset(g.Process, g.Dataset)
	if err != nil {
		return fmt.Errorf("resolving dataset for %s: %w", id, err)
	}

	_, err = reuse.Want(dataset)
	switch {
	case err == nil:
		c.enqueue(&c.reuseQueue, intentItem{ID: id, User: user})
		return nil
	case err == reuse.ErrNoReuseRequested:
		c.enqueue(&c.approveQueue, intentItem{ID: id, User: user})
		return nil
	case err == reuse.ErrInvalidReusePath:
		g.Status = gridpack.StatusFailed
		g.AddHistory(user, "approve failed: invalid reuse path")
		if err := c.Store.Update(g); err != nil {
			return err
		}
		c.Notifier.Notify(notify.KindReuseFailed, g)
		return nil
	default:
		return err
	}
}

// Reset implements the "reset" intent.
func (c *Controller) Reset(id, user string) error {
	if _, err := c.Store.ByID(id); err != nil {
		return err
	}
	c.enqueue(&c.resetQueue, intentItem{ID: id, User: user})
	return nil
}

// Delete implements the "delete" intent.
func (c *Controller) Delete(id, user string) error {
	if _, err := c.Store.ByID(id); err != nil {
		return err
	}
	c.enqueue(&c.deleteQueue, intentItem{ID: id, User: user})
	return nil
}

// CreateRequest implements the "create_request" intent.
func (c *Controller) CreateRequest(id, user string) error {
	if _, err := c.Store.ByID(id); err != nil {
		return err
	}
	c.enqueueRequest(requestItem{ID: id, User: user})
	return nil
}

// ForceRequest implements the "force_request" intent (the /api/mcm "force"
// path): request creation is attempted even without a recorded archive.
func (c *Controller) ForceRequest(id, user string) error {
	if _, err := c.Store.ByID(id); err != nil {
		return err
	}
	c.enqueueRequest(requestItem{ID: id, User: user, Force: true})
	return nil
}

func (c *Controller) enqueue(q *[]intentItem, it intentItem) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	*q = append(*q, it)
}

func (c *Controller) enqueueRequest(it requestItem) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.createRequestQueue = append(c.createRequestQueue, it)
}

func (c *Controller) drainItems(q *[]intentItem) []intentItem {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	out := *q
	*q = nil
	return out
}

func (c *Controller) drainRequests() []requestItem {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	out := c.createRequestQueue
	c.createRequestQueue = nil
	return out
}

// Tick implements the idempotent tick() of section 4.1: at most one tick
// runs at a time, phases run in a fixed order because later phases may
// observe side effects of earlier ones, and every phase runs to completion
// even if an earlier one logged errors for individual documents.
func (c *Controller) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	start := time.Now()
	counts := map[string]int{
		"delete":         c.phaseDelete(ctx),
		"reset":          c.phaseReset(ctx),
		"reuse":          c.phaseReuseProbe(ctx),
		"approve":        c.phaseApprove(ctx),
		"poll":           c.phasePollInFlight(ctx),
		"create_request": c.phaseCreateRequest(ctx),
		"submit":         c.phaseSubmit(ctx),
	}
	elapsed := time.Since(start)
	c.Metrics.RecordTick(elapsed)

	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		c.Logger.Printf("debug: tick completed in %s with no documents to process", elapsed)
	} else {
		c.Logger.Printf("info: tick completed in %s, processed %+v", elapsed, counts)
	}

	rateLimitSleep(ctx)
	return nil
}

// rateLimitSleep implements the three-second quiet period of section 4.1.
func rateLimitSleep(ctx context.Context) {
	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
}

func (c *Controller) phaseDelete(ctx context.Context) int {
	items := c.drainItems(&c.deleteQueue)
	for _, it := range items {
		g, err := c.Store.ByID(it.ID)
		if err != nil {
			continue
		}
		if g.CondorID > 0 {
			if _, _, _, err := c.Batch.Exec(ctx, fmt.Sprintf("condor_rm %d", g.CondorID)); err != nil {
				c.Logger.Printf("delete: condor_rm for gridpack %s failed: %v", it.ID, err)
			}
		}
		if err := c.Store.Delete(it.ID); err != nil {
			c.Logger.Printf("delete: removing document %s failed: %v", it.ID, err)
			continue
		}
		c.Metrics.RecordDeleted()
		if local, err := g.LocalWorkingDirectory(c.LocalRoot); err == nil {
			os.RemoveAll(local)
		}
	}
	return len(items)
}

func (c *Controller) phaseReset(ctx context.Context) int {
	items := c.drainItems(&c.resetQueue)
	for _, it := range items {
		g, err := c.Store.ByID(it.ID)
		if err != nil {
			continue
		}
		if g.CondorID > 0 {
			if _, _, _, err := c.Batch.Exec(ctx, fmt.Sprintf("condor_rm %d", g.CondorID)); err != nil {
				c.Logger.Printf("reset: condor_rm for gridpack %s failed: %v", it.ID, err)
			}
		}
		g.Reset(it.User)
		if err := c.Store.Update(g); err != nil {
			c.Logger.Printf("reset: updating document %s failed: %v", it.ID, err)
		}
	}
	return len(items)
}

func (c *Controller) phaseReuseProbe(ctx context.Context) int {
	items := c.drainItems(&c.reuseQueue)
	for _, it := range items {
		c.probeReuse(ctx, it)
	}
	return len(items)
}

func (c *Controller) probeReuse(ctx context.Context, it intentItem) {
	g, err := c.Store.ByID(it.ID)
	if err != nil {
		return
	}
	dataset, err := c.Repo.Dataset(g.Process, g.Dataset)
	if err != nil {
		c.failReuse(g, it.User, err)
		return
	}
	gridpackPath, err := reuse.Want(dataset)
	if err != nil {
		c.failReuse(g, it.User, err)
		return
	}
	dir, pattern, err := reuse.PatternFromPath(gridpackPath)
	if err != nil {
		c.failReuse(g, it.User, err)
		return
	}
	dir, err = gridpack.JoinUnderRoot(c.StorageRoot, dir)
	if err != nil {
		c.failReuse(g, it.User, err)
		return
	}
	listing, _, _, err := c.Batch.Exec(ctx, fmt.Sprintf("ls -l --time-style=+%%s %s", dir))
	if err != nil {
		c.failReuse(g, it.User, err)
		return
	}
	entries := reuse.ParseListing(listing)
	entry, found := reuse.SelectNewestMatching(entries, pattern)
	if !found {
		g.Status = gridpack.StatusFailed
		g.AddHistory(it.User, "reuse probe found no matching artifact")
		c.Store.Update(g)
		c.Notifier.Notify(notify.KindReuseFailed, g)
		c.Metrics.RecordFailed()
		return
	}
	if err := reuse.Link(g, entry, dir, c.Store); err != nil {
		c.failReuse(g, it.User, err)
		return
	}
	if err := c.Store.Update(g); err != nil {
		c.Logger.Printf("reuse: updating document %s failed: %v", g.ID, err)
		return
	}
	c.Notifier.Notify(notify.KindReused, g)
	c.Metrics.RecordReused()
	c.enqueueRequest(requestItem{ID: g.ID, User: it.User})
}

func (c *Controller) failReuse(g *gridpack.Gridpack, user string, cause error) {
	g.Status = gridpack.StatusFailed
	g.AddHistory(user, fmt.Sprintf("reuse probe failed: %v", cause))
	if err := c.Store.Update(g); err != nil {
		c.Logger.Printf("reuse: updating document %s failed: %v", g.ID, err)
		return
	}
	c.Notifier.Notify(notify.KindReuseFailed, g)
	c.Metrics.RecordFailed()
}

func (c *Controller) phaseApprove(ctx context.Context) int {
	items := c.drainItems(&c.approveQueue)
	for _, it := range items {
		g, err := c.Store.ByID(it.ID)
		if err != nil {
			continue
		}
		g.Status = gridpack.StatusApproved
		g.AddHistory(it.User, "approve")
		if err := c.Store.Update(g); err != nil {
			c.Logger.Printf("approve: updating document %s failed: %v", it.ID, err)
		}
	}
	return len(items)
}

func (c *Controller) phasePollInFlight(ctx context.Context) int {
	inFlight, err := c.Store.ByStatuses(gridpack.InFlightStatuses...)
	if err != nil {
		c.Logger.Printf("poll: listing in-flight documents failed: %v", err)
		return 0
	}
	if len(inFlight) == 0 {
		return 0
	}
	stdout, _, _, err := c.Batch.Exec(ctx, "condor_q -af ClusterId JobStatus")
	if err != nil {
		c.Logger.Printf("poll: condor_q failed: %v", err)
		return 0
	}
	statuses := remote.ParseCondorQueue(stdout)

	processed := 0
	for _, g := range inFlight {
		newStatus, ok := statuses[g.CondorID]
		if !ok {
			continue
		}
		if newStatus == g.CondorStatus {
			continue
		}
		g.CondorStatus = newStatus
		g.AddHistory(gridpack.AutomaticUser, fmt.Sprintf("job %s", newStatus))

		switch newStatus {
		case gridpack.CondorDONE, gridpack.CondorREMOVED:
			c.collectOutput(ctx, g)
		case gridpack.CondorRUN:
			g.Status = gridpack.StatusRunning
			c.streamJobLog(ctx, g)
			if err := c.Store.Update(g); err != nil {
				c.Logger.Printf("poll: updating document %s failed: %v", g.ID, err)
			}
		default:
			if err := c.Store.Update(g); err != nil {
				c.Logger.Printf("poll: updating document %s failed: %v", g.ID, err)
			}
		}
		processed++
	}
	return processed
}

// streamJobLog implements the condor_ssh_to_job tail mentioned in section
// 4.1 phase 5: best-effort, failures are logged and never flip status.
func (c *Controller) streamJobLog(ctx context.Context, g *gridpack.Gridpack) {
	if c.PublicStreamFolder == "" {
		return
	}
	dest, err := gridpack.JoinUnderRoot(c.PublicStreamFolder, g.ID+".log")
	if err != nil {
		return
	}
	cmd := fmt.Sprintf("condor_ssh_to_job %d 'tail -n 200 _condor_stdout' > %s 2>/dev/null", g.CondorID, dest)
	if _, _, _, err := c.Batch.Exec(ctx, cmd); err != nil {
		c.Logger.Printf("poll: streaming job log for gridpack %s failed: %v", g.ID, err)
	}
}

func (c *Controller) phaseCreateRequest(ctx context.Context) int {
	items := c.drainRequests()
	for _, it := range items {
		c.createRequest(ctx, it)
	}
	return len(items)
}

func (c *Controller) createRequest(ctx context.Context, it requestItem) {
	g, err := c.Store.ByID(it.ID)
	if err != nil {
		return
	}
	g.AddHistory(it.User, "create request")

	if g.Archive == "" && !it.Force {
		c.failRequest(g, fmt.Errorf("no archive available"))
		return
	}

	dataset, err := c.Repo.Dataset(g.Process, g.Dataset)
	if err != nil {
		c.deferRequest(g, err)
		return
	}
	campaign, err := c.Repo.Campaign(g.Campaign)
	if err != nil {
		c.deferRequest(g, err)
		return
	}
	fragmentText, err := fragment.Build(fragment.Inputs{
		Gridpack: g, Dataset: dataset, Campaign: campaign, Repo: c.Repo, Lookup: c.Store,
	})
	if err != nil {
		c.deferRequest(g, err)
		return
	}

	fragmentRemote, err := gridpack.JoinUnderRoot(c.TicketsDirectory, "fragment_"+g.ID+".py")
	if err != nil {
		c.deferRequest(g, err)
		return
	}
	if !c.Batch.UploadFromMemory(ctx, []byte(fragmentText), fragmentRemote) {
		c.deferRequest(g, fmt.Errorf("uploading fragment for gridpack %s failed", g.ID))
		return
	}

	dev := ""
	if !c.Production {
		dev = " --dev"
	}
	cmd := fmt.Sprintf("%s --fragment %s --chain %s --dataset %s --events %d --tag %s --generator %s%s",
		c.RequestScriptPath, fragmentRemote, g.Campaign, g.DatasetName, g.Events, g.Campaign, g.Generator, dev)
	stdout, _, _, err := c.Batch.Exec(ctx, cmd)
	if err != nil {
		c.deferRequest(g, err)
		return
	}
	prepID, ok := parsePrepID(stdout)
	if !ok {
		c.deferRequest(g, fmt.Errorf("no REQUEST PREPID line in create-request output"))
		return
	}
	g.PrepID = prepID
	if err := c.Store.Update(g); err != nil {
		c.Logger.Printf("create request: updating document %s failed: %v", g.ID, err)
	}
}

// failRequest marks the document failed for the "no valid archive is
// available" precondition of section 4.1 phase 6, the only create-request
// failure mode section 7 treats as terminal.
func (c *Controller) failRequest(g *gridpack.Gridpack, cause error) {
	g.Status = gridpack.StatusFailed
	g.AddHistory(gridpack.AutomaticUser, fmt.Sprintf("create request failed: %v", cause))
	if err := c.Store.Update(g); err != nil {
		c.Logger.Printf("create request: updating document %s failed: %v", g.ID, err)
		return
	}
	c.Notifier.Notify(notify.KindInvalidOutputForDownstream, g)
	c.Metrics.RecordError()
}

// deferRequest implements section 7's transient-I/O policy for the
// dataset/campaign lookup, fragment build, upload, and downstream-command
// steps of create-request: the cause is logged, the "create request"
// history entry already appended by createRequest is persisted, and an
// error is recorded, but the document's terminal status (done, reused) is
// left intact so a later create-request intent can retry.
func (c *Controller) deferRequest(g *gridpack.Gridpack, cause error) {
	c.Logger.Printf("create request: gridpack %s: %v", g.ID, cause)
	if err := c.Store.Update(g); err != nil {
		c.Logger.Printf("create request: updating document %s failed: %v", g.ID, err)
	}
	c.Metrics.RecordError()
}

func (c *Controller) phaseSubmit(ctx context.Context) int {
	docs, err := c.Store.ByStatuses(gridpack.StatusApproved)
	if err != nil {
		c.Logger.Printf("submit: listing approved documents failed: %v", err)
		return 0
	}
	for _, g := range docs {
		if err := c.submit(ctx, g); err != nil {
			g.Status = gridpack.StatusFailed
			g.AddHistory(gridpack.AutomaticUser, "submission failed")
			c.Store.Update(g)
			c.Notifier.Notify(notify.KindFailed, g)
			c.Metrics.RecordFailed()
			c.Logger.Printf("submit: gridpack %s failed: %v", g.ID, err)
		}
	}
	return len(docs)
}

// submit implements the submission procedure of section 4.1.1. Any error
// returned is a terminal failed transition for this document within this
// tick; the caller records it and moves on to the next document.
func (c *Controller) submit(ctx context.Context, g *gridpack.Gridpack) error {
	builderInputs, err := c.archiveInputs(g)
	if err != nil {
		return err
	}

	local, err := g.LocalWorkingDirectory(c.LocalRoot)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(local); err != nil {
		return fmt.Errorf("clearing local working directory: %w", err)
	}
	if err := os.MkdirAll(local, 0755); err != nil {
		return fmt.Errorf("creating local working directory: %w", err)
	}

	builder, err := archive.New(builderInputs)
	if err != nil {
		return err
	}
	if err := builder.Build(local); err != nil {
		return fmt.Errorf("building archive: %w", err)
	}

	shPath, singPath, jdsPath, err := writeSubmissionScripts(local, g, c.Flavor)
	if err != nil {
		return err
	}
	tarPath := local + "/input_files.tar.gz"

	remoteDir, err := g.RemoteWorkingDirectory(c.RemoteRoot)
	if err != nil {
		return err
	}
	if _, _, _, err := c.Batch.Exec(ctx, fmt.Sprintf("rm -rf %s", remoteDir), fmt.Sprintf("mkdir -p %s", remoteDir)); err != nil {
		return fmt.Errorf("preparing remote directory: %w", err)
	}

	for _, localFile := range []string{shPath, singPath, jdsPath, tarPath} {
		remotePath := remoteDir + "/" + filepath.Base(localFile)
		if !c.Batch.Upload(ctx, localFile, remotePath) {
			return fmt.Errorf("uploading %s failed", localFile)
		}
	}

	submitCmd := c.Flavor.Wrap(fmt.Sprintf("cd %s && condor_submit %s", remoteDir, filepath.Base(jdsPath)))
	stdout, _, _, err := c.Batch.Exec(ctx, submitCmd)
	if err != nil {
		return fmt.Errorf("condor_submit: %w", err)
	}
	if remote.IsSubmissionError(stdout) {
		return fmt.Errorf("condor_submit rejected the submit file: %s", stdout)
	}
	clusterID, err := parseClusterID(stdout)
	if err != nil {
		return err
	}

	g.Status = gridpack.StatusSubmitted
	g.CondorStatus = gridpack.CondorIDLE
	g.CondorID = clusterID
	g.AddHistory(gridpack.AutomaticUser, "submitted")
	if err := c.Store.Update(g); err != nil {
		return fmt.Errorf("persisting submitted document: %w", err)
	}

	attachment, err := zipFiles(g.ID+".zip", shPath, tarPath)
	if err != nil {
		c.Logger.Printf("submit: zipping attachment for gridpack %s failed: %v", g.ID, err)
		c.Notifier.Notify(notify.KindSubmitted, g)
	} else {
		c.Notifier.Notify(notify.KindSubmitted, g, attachment)
	}
	c.Metrics.RecordSubmitted()
	return nil
}

// archiveInputs resolves the dataset and campaign descriptors for g and
// bundles them with the Template Repository into archive.Inputs.
func (c *Controller) archiveInputs(g *gridpack.Gridpack) (archive.Inputs, error) {
	dataset, err := c.Repo.Dataset(g.Process, g.Dataset)
	if err != nil {
		return archive.Inputs{}, fmt.Errorf("resolving dataset for %s: %w", g.ID, err)
	}
	campaign, err := c.Repo.Campaign(g.Campaign)
	if err != nil {
		return archive.Inputs{}, fmt.Errorf("resolving campaign for %s: %w", g.ID, err)
	}
	return archive.Inputs{Gridpack: g, Dataset: dataset, Campaign: campaign, Repo: c.Repo}, nil
}

// collectOutput implements output collection (section 4.1.2), triggered
// when HTCondor reports a document's job as DONE or REMOVED.
func (c *Controller) collectOutput(ctx context.Context, g *gridpack.Gridpack) {
	local, err := g.LocalWorkingDirectory(c.LocalRoot)
	if err != nil {
		c.failOutput(g, err)
		return
	}
	if err := os.MkdirAll(local, 0755); err != nil {
		c.failOutput(g, err)
		return
	}

	workDir, err := g.RemoteWorkingDirectory(c.RemoteRoot)
	if err != nil {
		c.failOutput(g, err)
		return
	}
	for _, name := range []string{"job.log", "output.log", "error.log"} {
		c.Batch.Download(ctx, workDir+"/"+name, local+"/"+name)
	}

	artifact, foundDir := c.findArtifact(ctx, g, workDir)

	if artifact != "" {
		if err := c.archiveArtifact(ctx, g, foundDir, artifact); err != nil {
			c.Logger.Printf("poll: archiving artifact for gridpack %s failed: %v", g.ID, err)
			artifact = ""
		}
	}

	if _, _, _, err := c.Batch.Exec(ctx, fmt.Sprintf("rm -rf %s", workDir)); err != nil {
		c.Logger.Printf("poll: removing remote working directory for gridpack %s failed: %v", g.ID, err)
	}

	attachment, zipErr := zipDirectory(g.ID+".zip", local)

	if artifact == "" {
		g.Status = gridpack.StatusFailed
		g.AddHistory(gridpack.AutomaticUser, "failed: no output artifact collected")
		c.Store.Update(g)
		if zipErr == nil {
			c.Notifier.Notify(notify.KindFailed, g, attachment)
		} else {
			c.Notifier.Notify(notify.KindFailed, g)
		}
		c.Metrics.RecordFailed()
		return
	}

	g.Status = gridpack.StatusDone
	g.AddHistory(gridpack.AutomaticUser, "done")
	c.Store.Update(g)
	if zipErr == nil {
		c.Notifier.Notify(notify.KindDone, g, attachment)
	} else {
		c.Notifier.Notify(notify.KindDone, g)
	}
	c.Metrics.RecordDone()
	c.enqueueRequest(requestItem{ID: g.ID, User: gridpack.AutomaticUser})
}

func (c *Controller) failOutput(g *gridpack.Gridpack, cause error) {
	g.Status = gridpack.StatusFailed
	g.AddHistory(gridpack.AutomaticUser, fmt.Sprintf("failed: %v", cause))
	c.Store.Update(g)
	c.Notifier.Notify(notify.KindFailed, g)
	c.Metrics.RecordFailed()
}

// findArtifact lists the canonical remote directory for a tar archive
// matching g's dataset; on an empty listing it falls back once to the
// legacy remote layout of section 4.1.4.
func (c *Controller) findArtifact(ctx context.Context, g *gridpack.Gridpack, canonicalDir string) (artifact, dir string) {
	if name := c.listArtifact(ctx, g, canonicalDir); name != "" {
		return name, canonicalDir
	}
	legacyDir, err := g.LegacyRemoteWorkingDirectory(c.RemoteRoot)
	if err != nil {
		return "", ""
	}
	if name := c.listArtifact(ctx, g, legacyDir); name != "" {
		return name, legacyDir
	}
	return "", ""
}

func (c *Controller) listArtifact(ctx context.Context, g *gridpack.Gridpack, dir string) string {
	stdout, _, exitCode, err := c.Batch.Exec(ctx, fmt.Sprintf("ls %s/*%s*.t*z 2>/dev/null", dir, g.Dataset))
	if err != nil || exitCode != 0 {
		return ""
	}
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name := filepath.Base(line)
		if g.MatchesOutputArtifact(name) {
			return name
		}
	}
	return ""
}

// archiveArtifact implements the mandatory pre-create-then-rsync step of
// section 4.1.2: rsync -avR cannot create its own destination directory,
// so a session to the storage host always runs mkdir -p first.
func (c *Controller) archiveArtifact(ctx context.Context, g *gridpack.Gridpack, remoteDir, artifact string) error {
	storagePath, err := g.StoragePath(c.StorageRoot)
	if err != nil {
		return err
	}
	if _, _, _, err := c.Storage.Exec(ctx, fmt.Sprintf("mkdir -p %s", storagePath)); err != nil {
		return fmt.Errorf("pre-creating storage destination: %w", err)
	}
	if _, _, _, err := c.Batch.Exec(ctx, fmt.Sprintf("cd %s && rsync -avR %s %s/", remoteDir, artifact, storagePath)); err != nil {
		return fmt.Errorf("rsync: %w", err)
	}
	g.Archive = artifact
	archiveAbsolute, err := g.ArchiveAbsolutePath(c.StorageRoot)
	if err != nil {
		return err
	}
	g.ArchiveAbsolute = archiveAbsolute
	return nil
}
