// Package gridpack implements the Gridpack entity described in section 3 of
// the design specification: a versioned document with schema validation,
// computed paths, an append-only history log, and the state transitions of
// section 4.8. The Controller is the sole writer of these documents; this
// package only implements the entity's own invariants, not the scheduling
// that drives them.
package gridpack

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status enumerates the lifecycle states of section 4.8.
type Status string

const (
	StatusNew       Status = "new"
	StatusApproved  Status = "approved"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusFinishing Status = "finishing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusReused    Status = "reused"
)

// CondorStatus enumerates the observed HTCondor job states of section 3.
type CondorStatus string

const (
	CondorIDLE             CondorStatus = "IDLE"
	CondorRUN              CondorStatus = "RUN"
	CondorDONE             CondorStatus = "DONE"
	CondorREMOVED          CondorStatus = "REMOVED"
	CondorHOLD             CondorStatus = "HOLD"
	CondorUNEXPLAINED      CondorStatus = "UNEXPLAINED"
	CondorSUBMISSIONERROR  CondorStatus = "SUBMISSION ERROR"
	CondorEmpty            CondorStatus = ""
)

// Generator names recognized by the Archive Builder dispatch table (section
// 4.2). Kept here, not in package archive, so that gridpack construction can
// refuse an unknown generator (a programmer error per section 7) without
// importing the builder package — avoiding the cyclic entity dispatch
// import cycle called out in section 9.
const (
	GeneratorMadGraph = "MadGraph5_aMCatNLO"
	GeneratorPowheg   = "Powheg"
)

var knownGenerators = map[string]bool{
	GeneratorMadGraph: true,
	GeneratorPowheg:   true,
}

// AutomaticUser identifies history entries and notifications produced by the
// tick loop itself rather than an HTTP-originated request, replacing the
// source's process-wide "automatic" user sentinel (section 3, identity
// threading note).
const AutomaticUser = "automatic"

// ErrUnknownGenerator is returned when constructing a Gridpack for a
// generator name not in the dispatch table. Section 7 classifies this as a
// programmer error: the entity is refused outright, never defaulted.
var ErrUnknownGenerator = errors.New("gridpack: unknown generator")

// HistoryEntry is one append-only record in a Gridpack's history log.
type HistoryEntry struct {
	User   string    `json:"user"`
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
}

// Gridpack is the document described in section 3. Field order mirrors the
// spec's data model table.
type Gridpack struct {
	ID                  string `json:"id"`
	Campaign            string `json:"campaign"`
	Generator           string `json:"generator"`
	Process             string `json:"process"`
	Dataset             string `json:"dataset"`
	Tune                string `json:"tune"`
	Events              int    `json:"events"`
	Genproductions      string `json:"genproductions"`
	JobCores            int    `json:"job_cores"`
	JobMemory           int    `json:"job_memory"`
	Status              Status `json:"status"`
	CondorStatus        CondorStatus `json:"condor_status"`
	CondorID            int    `json:"condor_id"`
	Archive             string `json:"archive"`
	ArchiveAbsolute     string `json:"archive_absolute"`
	GridpackReused      string `json:"gridpack_reused"`
	DatasetName         string `json:"dataset_name"`
	PrepID              string `json:"prepid"`
	History             []HistoryEntry `json:"history"`
	StoreIntoSubfolders bool   `json:"store_into_subfolders"`
	LastUpdate          time.Time `json:"last_update"`

	// Beam, in TeV, used to derive DatasetName and comEnergy. Sourced from
	// the campaign descriptor at construction time (Template Repository),
	// not persisted independently of DatasetName's recomputation.
	Beam float64 `json:"beam"`
}

const (
	defaultJobCores  = 16
	defaultJobMemory = 32000
)

// New constructs a Gridpack from caller-supplied catalog coordinates and
// the caller-assigned ID, applying schema defaults, matching
// section 3 ("Unique, immutable, assigned on creation") and the make()
// dispatch in the original entity: an unrecognized generator is refused
// before any document is built.
func New(id string, campaign, generator, process, dataset, tune string, events int, genproductions string, beam float64, user string) (*Gridpack, error) {
	if !knownGenerators[generator] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, generator)
	}

	g := &Gridpack{
		ID:             id,
		Campaign:       campaign,
		Generator:      generator,
		Process:        process,
		Dataset:        dataset,
		Tune:           tune,
		Events:         events,
		Genproductions: genproductions,
		JobCores:       defaultJobCores,
		JobMemory:      defaultJobMemory,
		Status:         StatusNew,
		CondorStatus:   CondorEmpty,
		Beam:           beam,
	}
	g.DatasetName = g.computeDatasetName()
	g.addHistory(user, "created")
	return g, nil
}

// Validate implements the schema and boundary checks of sections 3 and 8:
// positive events, memory floor, and a resolvable generator. Catalog
// coordinate resolution against the Template Repository is the caller's
// responsibility (the repository knows nothing about Gridpack); Validate
// only checks the locally-derivable invariants.
func (g *Gridpack) Validate() error {
	if !knownGenerators[g.Generator] {
		return fmt.Errorf("%w: %q", ErrUnknownGenerator, g.Generator)
	}
	if g.Events <= 0 {
		return fmt.Errorf("events must be positive, got %d", g.Events)
	}
	if g.JobMemory < g.JobCores*1000 {
		return fmt.Errorf("job_memory (%d) must be at least job_cores*1000 (%d)", g.JobMemory, g.JobCores*1000)
	}
	return nil
}

// Reset implements the reset transition of section 4.1 phase 2 and the
// invariant of section 8 property 4: clears submission/ingest fields,
// recomputes DatasetName from the current catalog coordinates, and returns
// to status new.
func (g *Gridpack) Reset(user string) {
	g.Archive = ""
	g.ArchiveAbsolute = ""
	g.GridpackReused = ""
	g.CondorID = 0
	g.CondorStatus = CondorEmpty
	g.DatasetName = g.computeDatasetName()
	g.Status = StatusNew
	g.addHistory(user, "reset")
}

// computeDatasetName implements the derivation rule of section 3:
// "<dataset-prefix>_Tune<tune>_<beam*2TeV>_<dataset-suffix>" with p
// substituted for the decimal point. Scenario S1 of section 8 pins the
// concrete shape for a dataset with no additional suffix: the energy tag is
// appended directly after the dataset name.
func (g *Gridpack) computeDatasetName() string {
	energy := g.Beam * 2
	return fmt.Sprintf("%s_Tune%s_%sTeV", g.Dataset, g.Tune, formatEnergy(energy))
}

// formatEnergy renders a beam energy the way the original tagger does:
// two decimal places, then strip trailing zeros and a trailing decimal
// point, then substitute 'p' for any remaining '.'. 13.0 -> "13";
// 13.6 -> "13p6".
func formatEnergy(energy float64) string {
	s := strconv.FormatFloat(energy, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return strings.ReplaceAll(s, ".", "p")
}

// addHistory appends a history entry. History is append-only and strictly
// monotonic in time (section 8 property 3); callers never mutate existing
// entries.
func (g *Gridpack) addHistory(user, action string) {
	g.History = append(g.History, HistoryEntry{
		User:   user,
		Time:   time.Now(),
		Action: action,
	})
}

// AddHistory is the exported form used by callers outside this package
// (Controller, Reuse Resolver) that need to record an action without
// otherwise mutating the document.
func (g *Gridpack) AddHistory(user, action string) {
	g.addHistory(user, action)
}

// Users returns the distinct non-automatic usernames that appear in the
// document's history, in first-seen order, feeding the Notifier's recipient
// derivation (section 4.7).
func (g *Gridpack) Users() []string {
	seen := make(map[string]bool)
	var users []string
	for _, h := range g.History {
		if h.User == AutomaticUser || h.User == "" || seen[h.User] {
			continue
		}
		seen[h.User] = true
		users = append(users, h.User)
	}
	return users
}

// StoragePath computes the storage-root subpath for this document's
// archive, honoring StoreIntoSubfolders (section 8 property 5): with
// subfolders, campaign/generator/process; without, campaign alone.
func (g *Gridpack) StoragePath(storageRoot string) (string, error) {
	rel := g.Campaign
	if g.StoreIntoSubfolders {
		rel = fmt.Sprintf("%s/%s/%s", g.Campaign, g.Generator, g.Process)
	}
	return JoinUnderRoot(storageRoot, rel)
}

// ArchiveAbsolutePath computes archive_absolute as the suffix-join of the
// storage path and Archive (section 8 property 5). Returns an error if
// Archive is empty — callers should only call this once an artifact has
// been assigned.
func (g *Gridpack) ArchiveAbsolutePath(storageRoot string) (string, error) {
	if g.Archive == "" {
		return "", fmt.Errorf("gridpack %s has no archive assigned", g.ID)
	}
	storagePath, err := g.StoragePath(storageRoot)
	if err != nil {
		return "", err
	}
	return JoinUnderRoot(storagePath, g.Archive)
}

// RemoteWorkingDirectory computes the canonical remote per-job directory of
// section 4.1.4: <REMOTE_ROOT>/<generator>/<process>/<id>.
func (g *Gridpack) RemoteWorkingDirectory(remoteRoot string) (string, error) {
	rel := fmt.Sprintf("%s/%s/%s", g.Generator, g.Process, g.ID)
	return JoinUnderRoot(remoteRoot, rel)
}

// LegacyRemoteWorkingDirectory computes the fallback layout output
// collection probes when the canonical directory's listing comes back
// empty (section 4.1.2, 4.1.4): <REMOTE_ROOT>/<id>, without the
// generator/process subpath.
func (g *Gridpack) LegacyRemoteWorkingDirectory(remoteRoot string) (string, error) {
	return JoinUnderRoot(remoteRoot, g.ID)
}

// LocalWorkingDirectory computes the entity's local working directory
// (section 3: "gridpacks/<id>/").
func (g *Gridpack) LocalWorkingDirectory(localRoot string) (string, error) {
	return JoinUnderRoot(localRoot, g.ID)
}

// InFlightStatuses are the statuses considered "in flight" for the tick
// loop's poll phase (section 4.1 phase 5) and for the {submitted,running,
// finishing} sets referenced throughout section 4.8.
var InFlightStatuses = []Status{StatusSubmitted, StatusRunning, StatusFinishing}

// outputSuffixPattern matches the tar archive suffixes output collection
// accepts (section 4.1.2): .tar.xz, .tar.gz, .tgz.
var outputSuffixPattern = regexp.MustCompile(`\.(tar\.xz|tar\.gz|tgz)$`)

// MatchesOutputArtifact reports whether fileName is an acceptable output
// archive for this document's dataset: it must contain the dataset
// identifier and end in one of the accepted tar suffixes.
func (g *Gridpack) MatchesOutputArtifact(fileName string) bool {
	return strings.Contains(fileName, g.Dataset) && outputSuffixPattern.MatchString(fileName)
}
