package controller

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
	"github.com/cms-pdmv/gridpack-controller/notify"
	"github.com/cms-pdmv/gridpack-controller/remote"
)

// singularityArchDetection selects the CMS-published Singularity image
// architecture tag from a worker node's uname -m output. This has to run on
// the *remote* host at job execution time, since HTCondor may schedule the
// job onto a worker of either architecture — not at submission time on this
// process — so it is written into the generated shell script rather than
// computed in Go.
const singularityArchDetection = `
case "$(uname -m)" in
  aarch64) ARCH=arm64 ;;
  *) ARCH=amd64 ;;
esac`

// writeSubmissionScripts implements the three files the submission
// procedure of section 4.1.1 writes into the local working directory:
// GRIDPACK_<id>.sh, GRIDPACK_SINGULARITY_<id>.sh, GRIDPACK_<id>.jds.
func writeSubmissionScripts(local string, g *gridpack.Gridpack, flavor remote.HTCondorFlavor) (shPath, singPath, jdsPath string, err error) {
	shPath = filepath.Join(local, fmt.Sprintf("GRIDPACK_%s.sh", g.ID))
	singPath = filepath.Join(local, fmt.Sprintf("GRIDPACK_SINGULARITY_%s.sh", g.ID))
	jdsPath = filepath.Join(local, fmt.Sprintf("GRIDPACK_%s.jds", g.ID))

	if err = os.WriteFile(shPath, []byte(buildShellScript(g)), 0755); err != nil {
		return "", "", "", fmt.Errorf("writing %s: %w", shPath, err)
	}
	if err = os.WriteFile(singPath, []byte(buildSingularityWrapper(g)), 0755); err != nil {
		return "", "", "", fmt.Errorf("writing %s: %w", singPath, err)
	}
	if err = os.WriteFile(jdsPath, []byte(buildJDS(g, flavor)), 0644); err != nil {
		return "", "", "", fmt.Errorf("writing %s: %w", jdsPath, err)
	}
	return shPath, singPath, jdsPath, nil
}

// buildShellScript implements GRIDPACK_<id>.sh: fetch genproductions,
// unpack input files into it, run the generation script inside the
// Singularity wrapper, and collect the output archives back up.
func buildShellScript(g *gridpack.Gridpack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\nset -e\n")
	fmt.Fprintf(&b, "curl -L -o genproductions.tar.gz https://github.com/%s/archive/refs/heads/master.tar.gz\n", g.Genproductions)
	fmt.Fprintf(&b, "tar -xzf genproductions.tar.gz\n")
	fmt.Fprintf(&b, "mv genproductions-master genproductions\n")
	fmt.Fprintf(&b, "mkdir -p genproductions/bin/%s/%s\n", g.Generator, g.Process)
	fmt.Fprintf(&b, "mv input_files.tar.gz genproductions/bin/%s/%s/\n", g.Generator, g.Process)
	fmt.Fprintf(&b, "chmod +x GRIDPACK_SINGULARITY_%s.sh\n", g.ID)
	fmt.Fprintf(&b, "./GRIDPACK_SINGULARITY_%s.sh\n", g.ID)
	fmt.Fprintf(&b, "mv genproductions/bin/%s/%s/*%s*.t*z .\n", g.Generator, g.Process, g.DatasetName)
	return b.String()
}

// buildSingularityWrapper implements GRIDPACK_SINGULARITY_<id>.sh: a
// self-contained heredoc that detects the host architecture and invokes
// gridpack_generation.sh inside the matching unpacked CMSSW image, with
// cvmfs/afs/grid-security binds and no home-directory bind.
func buildSingularityWrapper(g *gridpack.Gridpack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/bash\nset -e\n")
	b.WriteString(singularityArchDetection)
	fmt.Fprintf(&b, "\nIMAGE=/cvmfs/unpacked.cern.ch/registry.hub.docker.com/cmssw/el8:${ARCH}\n")
	fmt.Fprintf(&b, "chmod +x $0\n")
	fmt.Fprintf(&b, "singularity run --no-home -B /cvmfs,/afs,/etc/grid-security $IMAGE /bin/bash -c \\\n")
	fmt.Fprintf(&b, "  \"cd genproductions/bin/%s/%s && ./gridpack_generation.sh %s input_files pdmv\"\n", g.Generator, g.Process, g.DatasetName)
	return b.String()
}

// jobPriority implements section 4.1.1's JobPrio derivation: cores in
// [1,16] get priority 3, anything else gets 0.
func jobPriority(cores int) int {
	if cores >= 1 && cores <= 16 {
		return 3
	}
	return 0
}

// buildJDS implements GRIDPACK_<id>.jds: the HTCondor submit file
// requesting AlmaLinux9, the long job flavor, a seven-thousand-two-hundred
// second leave_in_queue window, and the AccountingGroup appropriate to the
// deployment's HTCondor pool.
func buildJDS(g *gridpack.Gridpack, flavor remote.HTCondorFlavor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "executable = GRIDPACK_%s.sh\n", g.ID)
	fmt.Fprintf(&b, "output = output.log\n")
	fmt.Fprintf(&b, "error = error.log\n")
	fmt.Fprintf(&b, "log = job.log\n")
	fmt.Fprintf(&b, "RequestCpus = %d\n", g.JobCores)
	fmt.Fprintf(&b, "RequestMemory = %d\n", g.JobMemory)
	fmt.Fprintf(&b, "RequestDisk = %d\n", 30*1024*1024)
	fmt.Fprintf(&b, "+JobFlavour = \"tomorrow\"\n")
	fmt.Fprintf(&b, "requirements = (OpSysAndVer =?= \"AlmaLinux9\")\n")
	fmt.Fprintf(&b, "leave_in_queue = (JobStatus == 4) && ((time() - EnteredCurrentStatus) < 7200)\n")
	fmt.Fprintf(&b, "+AccountingGroup = \"%s\"\n", flavor.AccountingGroup())
	fmt.Fprintf(&b, "JobPrio = %d\n", jobPriority(g.JobCores))
	fmt.Fprintf(&b, "queue\n")
	return b.String()
}

var clusterIDPattern = regexp.MustCompile(`(\d+)\s+job\(s\)\s+submitted\s+to\s+cluster\s+(\d+)\.?`)

// parseClusterID implements section 4.1.1's cluster-id extraction: find
// the "N job(s) submitted to cluster M" line and take its last
// whitespace-delimited token.
func parseClusterID(output string) (int, error) {
	matches := clusterIDPattern.FindStringSubmatch(output)
	if len(matches) != 3 {
		return 0, fmt.Errorf("condor_submit output did not contain a cluster id: %q", output)
	}
	var clusterID int
	if _, err := fmt.Sscanf(matches[2], "%d", &clusterID); err != nil {
		return 0, fmt.Errorf("parsing cluster id %q: %w", matches[2], err)
	}
	return clusterID, nil
}

const prepIDMarker = "REQUEST PREPID:"

// parsePrepID implements the downstream request-creation helper's success
// contract of section 6: a "REQUEST PREPID: <id>" line on stdout.
func parsePrepID(output string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		if idx := strings.Index(line, prepIDMarker); idx >= 0 {
			id := strings.TrimSpace(line[idx+len(prepIDMarker):])
			if id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// zipFiles bundles the given local files into a single in-memory zip
// archive, used for the submitted-notification attachment (script plus
// input archive).
func zipFiles(name string, paths ...string) (notify.Attachment, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, path := range paths {
		if err := addFileToZip(w, path); err != nil {
			w.Close()
			return notify.Attachment{}, err
		}
	}
	if err := w.Close(); err != nil {
		return notify.Attachment{}, fmt.Errorf("closing zip writer: %w", err)
	}
	return notify.Attachment{Filename: name, Content: buf.Bytes(), ContentType: "application/zip"}, nil
}

// zipDirectory bundles every regular file directly under dir into a zip
// archive, used for the done/failed-notification attachment (downloaded
// job logs and the original submission script).
func zipDirectory(name, dir string) (notify.Attachment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return notify.Attachment{}, fmt.Errorf("reading %s: %w", dir, err)
	}
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFileToZip(w, filepath.Join(dir, entry.Name())); err != nil {
			w.Close()
			return notify.Attachment{}, err
		}
	}
	if err := w.Close(); err != nil {
		return notify.Attachment{}, fmt.Errorf("closing zip writer: %w", err)
	}
	if len(entries) == 0 {
		return notify.Attachment{}, errors.New("no files to attach")
	}
	return notify.Attachment{Filename: name, Content: buf.Bytes(), ContentType: "application/zip"}, nil
}

func addFileToZip(w *zip.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := w.Create(filepath.Base(path))
	if err != nil {
		return fmt.Errorf("adding %s to zip: %w", path, err)
	}
	_, err = f.Write(data)
	return err
}
