// Package remote implements the Remote Executor of section 4.5: a
// session-scoped SSH/SFTP client with HTCondor-aware command wrapping and
// AFS-retry discipline. The session and dial abstractions are split into
// narrow interfaces, following the aws package's split between Client
// interfaces and *Impl wrappers around the real SDK types, so the
// retry/backoff and command-construction logic can be tested without a
// live SSH connection.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// DefaultCommandTimeout is the per-command timeout of section 4.5.
const DefaultCommandTimeout = 3600 * time.Second

// DefaultMaxRetries is max_retries of section 4.5.
const DefaultMaxRetries = 3

// MaxOutputLineLength truncates captured stdout/stderr lines per section 4.5.
const MaxOutputLineLength = 256

// permissionDeniedMarkers are substrings in stderr that indicate a
// transient AFS/home-directory problem on the remote host rather than a
// genuine command failure, per section 4.5.
var permissionDeniedMarkers = []string{
	"Permission denied",
	"permission denied",
	"Connection to AFS",
}

// isPermissionDenied reports whether stderr carries one of the transient
// markers that should trigger session teardown and retry.
func isPermissionDenied(stderr string) bool {
	for _, marker := range permissionDeniedMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// Session is the scoped-acquisition contract of section 4.5: a session
// lazily opens its transport on first use and must be closed on every exit
// path by the caller.
type Session interface {
	// Run executes a single command (or, via RunSequence, an ordered
	// command sequence joined by "; ") and returns (stdout, stderr, exit
	// code, error). Only transport-level failures (dial, channel) return a
	// non-nil error; a non-zero exit code is reported through the return
	// value, not an error.
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

	Upload(ctx context.Context, localPath, remotePath string) bool
	Download(ctx context.Context, remotePath, localPath string) bool
	UploadFromMemory(ctx context.Context, contents []byte, remotePath string) bool
	DownloadAsString(ctx context.Context, remotePath string) (string, bool)

	Close() error
}

// RunSequence joins commands with "; ", matching section 4.5's "ordered
// sequence" contract, and delegates to Run.
func RunSequence(ctx context.Context, s Session, commands []string) (stdout, stderr string, exitCode int, err error) {
	return s.Run(ctx, strings.Join(commands, "; "))
}

// Opener lazily produces a Session, abstracting away the concrete SSH/SFTP
// dial so the Executor's retry logic can be exercised against a fake.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// Executor wraps an Opener with the retry-on-permission-denied discipline
// of section 4.5: on a transient AFS marker in stderr, the session is torn
// down and a fresh one is opened for the retry, up to MaxRetries retries,
// with the exponential backoff adapted from writer.backoffWait.
type Executor struct {
	Opener     Opener
	MaxRetries int
	Timeout    time.Duration
}

// NewExecutor constructs an Executor with section 4.5's defaults.
func NewExecutor(opener Opener) *Executor {
	return &Executor{Opener: opener, MaxRetries: DefaultMaxRetries, Timeout: DefaultCommandTimeout}
}

// Exec runs a single command (or, for a multi-element slice, a sequence
// joined by "; ") with permission-denied retry. A fresh session is opened
// per attempt; the caller never sees the individual Session value.
func (e *Executor) Exec(ctx context.Context, commands ...string) (stdout, stderr string, exitCode int, err error) {
	maxRetries := e.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	attempt := 0
	for {
		session, openErr := e.Opener.Open(ctx)
		if openErr != nil {
			return "", "", -1, fmt.Errorf("opening remote session: %w", openErr)
		}

		runCtx := ctx
		var cancel context.CancelFunc
		timeout := e.Timeout
		if timeout == 0 {
			timeout = DefaultCommandTimeout
		}
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		stdout, stderr, exitCode, err = RunSequence(runCtx, session, commands)
		cancel()
		session.Close()

		if err != nil {
			return stdout, stderr, exitCode, err
		}
		if isPermissionDenied(stderr) && attempt < maxRetries {
			attempt++
			if !backoffWait(ctx, attempt) {
				return stdout, stderr, exitCode, ctx.Err()
			}
			continue
		}
		return truncateLines(stdout), truncateLines(stderr), exitCode, nil
	}
}

// backoffWait sleeps for an exponentially increasing duration with jitter,
// adapted from writer.backoffWait (base 100ms, max 30s).
func backoffWait(ctx context.Context, attempt int) bool {
	base := 100 * time.Millisecond
	maxDelay := 30 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay) + 1))
	delay += jitter

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// truncateLines implements section 4.5's bounded-memory discipline:
// every captured line is truncated to MaxOutputLineLength characters.
func truncateLines(output string) string {
	if output == "" {
		return output
	}
	lines := strings.Split(output, "\n")
	var buf bytes.Buffer
	for i, line := range lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		if len(line) > MaxOutputLineLength {
			line = line[:MaxOutputLineLength]
		}
		buf.WriteString(line)
	}
	return buf.String()
}
