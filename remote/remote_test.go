package remote

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeSession struct {
	runs       []string
	responses  []fakeResponse
	closeCalls int
}

type fakeResponse struct {
	stdout, stderr string
	exitCode       int
	err            error
}

func (s *fakeSession) Run(ctx context.Context, command string) (string, string, int, error) {
	s.runs = append(s.runs, command)
	idx := len(s.runs) - 1
	if idx >= len(s.responses) {
		return "", "", 0, nil
	}
	r := s.responses[idx]
	return r.stdout, r.stderr, r.exitCode, r.err
}
func (s *fakeSession) Upload(ctx context.Context, localPath, remotePath string) bool { return true }
func (s *fakeSession) Download(ctx context.Context, remotePath, localPath string) bool {
	return true
}
func (s *fakeSession) UploadFromMemory(ctx context.Context, contents []byte, remotePath string) bool {
	return true
}
func (s *fakeSession) DownloadAsString(ctx context.Context, remotePath string) (string, bool) {
	return "", true
}
func (s *fakeSession) Close() error { s.closeCalls++; return nil }

type fakeOpener struct {
	sessions []*fakeSession
	opened   int
}

func (o *fakeOpener) Open(ctx context.Context) (Session, error) {
	s := o.sessions[o.opened]
	o.opened++
	return s, nil
}

func TestExecSucceedsWithoutRetry(t *testing.T) {
	session := &fakeSession{responses: []fakeResponse{{stdout: "ok", exitCode: 0}}}
	opener := &fakeOpener{sessions: []*fakeSession{session}}
	e := NewExecutor(opener)

	stdout, _, exitCode, err := e.Exec(context.Background(), "echo ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != "ok" || exitCode != 0 {
		t.Errorf("got stdout=%q exitCode=%d", stdout, exitCode)
	}
	if session.closeCalls != 1 {
		t.Errorf("expected session closed once, got %d", session.closeCalls)
	}
}

func TestExecJoinsCommandSequenceWithSemicolons(t *testing.T) {
	session := &fakeSession{responses: []fakeResponse{{stdout: "done"}}}
	opener := &fakeOpener{sessions: []*fakeSession{session}}
	e := NewExecutor(opener)

	_, _, _, err := e.Exec(context.Background(), "cd /tmp", "ls", "pwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.runs[0] != "cd /tmp; ls; pwd" {
		t.Errorf("got command %q", session.runs[0])
	}
}

func TestExecRetriesOnPermissionDeniedAndTearsDownSession(t *testing.T) {
	first := &fakeSession{responses: []fakeResponse{{stderr: "Permission denied, please try again"}}}
	second := &fakeSession{responses: []fakeResponse{{stdout: "ok"}}}
	opener := &fakeOpener{sessions: []*fakeSession{first, second}}
	e := NewExecutor(opener)
	e.Timeout = 0

	stdout, _, _, err := e.Exec(context.Background(), "whoami")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != "ok" {
		t.Errorf("got stdout %q after retry", stdout)
	}
	if first.closeCalls != 1 {
		t.Errorf("expected first session torn down, got %d closes", first.closeCalls)
	}
	if opener.opened != 2 {
		t.Errorf("expected a fresh session opened for retry, opened %d times", opener.opened)
	}
}

func TestExecGivesUpAfterMaxRetries(t *testing.T) {
	var sessions []*fakeSession
	for i := 0; i < 5; i++ {
		sessions = append(sessions, &fakeSession{responses: []fakeResponse{{stderr: "Permission denied"}}})
	}
	opener := &fakeOpener{sessions: sessions}
	e := NewExecutor(opener)
	e.MaxRetries = 3
	e.Timeout = 0

	_, stderr, _, err := e.Exec(context.Background(), "whoami")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if !strings.Contains(stderr, "Permission denied") {
		t.Errorf("expected final stderr to still carry the marker, got %q", stderr)
	}
	if opener.opened != 4 {
		t.Errorf("expected 1 initial attempt + 3 retries = 4 opens, got %d", opener.opened)
	}
}

func TestExecSurfacesNonPermissionErrorsImmediately(t *testing.T) {
	session := &fakeSession{responses: []fakeResponse{{err: errors.New("transport reset")}}}
	opener := &fakeOpener{sessions: []*fakeSession{session}}
	e := NewExecutor(opener)

	_, _, _, err := e.Exec(context.Background(), "echo hi")
	if err == nil {
		t.Fatal("expected error to surface immediately")
	}
	if opener.opened != 1 {
		t.Errorf("expected no retry on non-permission error, opened %d times", opener.opened)
	}
}

func TestExecTruncatesLongOutputLines(t *testing.T) {
	longLine := strings.Repeat("x", 300)
	session := &fakeSession{responses: []fakeResponse{{stdout: longLine}}}
	opener := &fakeOpener{sessions: []*fakeSession{session}}
	e := NewExecutor(opener)

	stdout, _, _, err := e.Exec(context.Background(), "cat bigfile")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stdout) != MaxOutputLineLength {
		t.Errorf("got length %d, want %d", len(stdout), MaxOutputLineLength)
	}
}

func TestParseCondorQueue(t *testing.T) {
	output := "101 1\n102 2\n103 4\n104 5\n105 99\n"
	statuses := ParseCondorQueue(output)
	want := map[int]string{101: "IDLE", 102: "RUN", 103: "DONE", 104: "HOLD", 105: "UNEXPLAINED"}
	for id, status := range want {
		if string(statuses[id]) != status {
			t.Errorf("cluster %d: got %q, want %q", id, statuses[id], status)
		}
	}
}

func TestHTCondorFlavorWrapsOnlyForCAF(t *testing.T) {
	caf := HTCondorFlavor{UseCMSCAF: true}
	if !strings.Contains(caf.Wrap("condor_submit job.sub"), "condor_submit job.sub") {
		t.Errorf("wrapped command lost the original command")
	}
	if caf.AccountingGroup() != CAFAccountingGroup {
		t.Errorf("got %q", caf.AccountingGroup())
	}

	plain := HTCondorFlavor{UseCMSCAF: false}
	if plain.Wrap("condor_submit job.sub") != "condor_submit job.sub" {
		t.Errorf("non-CAF flavor should pass commands through unchanged")
	}
}

func TestIsSubmissionError(t *testing.T) {
	if !IsSubmissionError("ERROR: invalid submit file syntax") {
		t.Error("expected submission error to be detected")
	}
	if IsSubmissionError("1 job(s) submitted to cluster 123.") {
		t.Error("did not expect a normal submission to be flagged")
	}
}
