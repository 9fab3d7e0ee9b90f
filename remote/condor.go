package remote

import (
	"strconv"
	"strings"

	"github.com/cms-pdmv/gridpack-controller/gridpack"
)

// cmsCAFEnvironmentLoader is prepended to commands when the deployment
// targets the specialized CMS CAF HTCondor pool, per section 4.5.
const cmsCAFEnvironmentLoader = "source /cvmfs/cms.cern.ch/cmsset_default.sh"

// CAFAccountingGroup and defaultAccountingGroup are the two AccountingGroup
// values the HTCondor flavor selects between.
const (
	CAFAccountingGroup     = "group_u_CMS.CAF.PHYS"
	defaultAccountingGroup = "group_u_CMS.CAF.ALCA"
)

// HTCondorFlavor implements section 4.5's HTCondor-specific wrapping:
// prepending an environment loader and selecting an AccountingGroup when
// the deployment targets the CMS CAF pool, otherwise passing commands
// through unchanged.
type HTCondorFlavor struct {
	UseCMSCAF bool
}

// Wrap prepends the environment loader ahead of command when targeting the
// CAF pool; otherwise it returns command unchanged.
func (f HTCondorFlavor) Wrap(command string) string {
	if !f.UseCMSCAF {
		return command
	}
	return cmsCAFEnvironmentLoader + "; " + command
}

// AccountingGroup selects the AccountingGroup classad value for the
// configured pool.
func (f HTCondorFlavor) AccountingGroup() string {
	if f.UseCMSCAF {
		return CAFAccountingGroup
	}
	return defaultAccountingGroup
}

// ParseCondorQueue parses "condor_q -af ClusterId JobStatus" output (one
// "<clusterId> <statusCode>" pair per line) into a map from cluster id to
// the corresponding CondorStatus, implementing section 4.1's poll phase.
// Unrecognized status codes map to CondorUNEXPLAINED rather than being
// dropped, so a poll never silently loses a tracked job.
func ParseCondorQueue(output string) map[int]gridpack.CondorStatus {
	statuses := make(map[int]gridpack.CondorStatus)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		clusterID, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		statuses[clusterID] = condorStatusFromCode(fields[1])
	}
	return statuses
}

// condorStatusFromCode maps HTCondor's numeric JobStatus classad to the
// CondorStatus vocabulary of section 3: 1=Idle, 2=Running, 3=Removed,
// 4=Completed, 5=Held, 6=Transferring Output (treated as Running).
func condorStatusFromCode(code string) gridpack.CondorStatus {
	switch code {
	case "1":
		return gridpack.CondorIDLE
	case "2", "6":
		return gridpack.CondorRUN
	case "3":
		return gridpack.CondorREMOVED
	case "4":
		return gridpack.CondorDONE
	case "5":
		return gridpack.CondorHOLD
	default:
		return gridpack.CondorUNEXPLAINED
	}
}

// submissionErrorMarker is the stderr/stdout substring condor_submit emits
// on a malformed submit file, distinguished from a transient transport
// failure so the Controller can mark the request failed outright instead
// of retrying (section 4.1.3).
const submissionErrorMarker = "ERROR"

// IsSubmissionError reports whether condor_submit's output indicates a
// rejected submit file rather than a transient failure.
func IsSubmissionError(output string) bool {
	return strings.Contains(output, submissionErrorMarker)
}

