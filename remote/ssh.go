package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHOpener is the production Opener: it dials a real SSH connection and
// opens an SFTP subsystem lazily, on first use, per section 4.5's session
// contract.
type SSHOpener struct {
	Addr   string
	Config *ssh.ClientConfig
}

// NewSSHOpener constructs an SSHOpener with a password-authenticated SSH
// client config, matching the username/password service-account credentials
// of section 6 (SUBMISSION_HOST, SERVICE_ACCOUNT_USERNAME/PASSWORD).
func NewSSHOpener(host string, port int, username, password string) *SSHOpener {
	return &SSHOpener{
		Addr: fmt.Sprintf("%s:%d", host, port),
		Config: &ssh.ClientConfig{
			User:            username,
			Auth:            []ssh.AuthMethod{ssh.Password(password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         30 * time.Second,
		},
	}
}

// Open implements Opener: dial SSH, defer SFTP subsystem creation to first
// file-op call.
func (o *SSHOpener) Open(ctx context.Context) (Session, error) {
	client, err := ssh.Dial("tcp", o.Addr, o.Config)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", o.Addr, err)
	}
	return &sshSession{client: client}, nil
}

// sshSession implements Session over a live SSH connection, opening the
// SFTP channel only when a file operation is actually requested.
type sshSession struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func (s *sshSession) sftpChannel() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("opening sftp channel: %w", err)
	}
	s.sftp = client
	return client, nil
}

// Run executes command on a freshly opened ssh.Session, matching the
// single-threaded, one-session-per-command-invocation discipline section
// 4.5 requires (a session may run commands serially, but each Run call here
// owns its own *ssh.Session so a hung command cannot wedge the connection
// for file ops that follow).
func (s *sshSession) Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return stdoutBuf.String(), stderrBuf.String(), -1, ctx.Err()
	case runErr := <-done:
		if runErr == nil {
			return stdoutBuf.String(), stderrBuf.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			return stdoutBuf.String(), stderrBuf.String(), exitErr.ExitStatus(), nil
		}
		return stdoutBuf.String(), stderrBuf.String(), -1, runErr
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// Upload copies a local file to remotePath over SFTP. Never returns an
// error to the caller: section 4.5 requires file ops to log and yield a
// boolean rather than propagate transport errors.
func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string) bool {
	client, err := s.sftpChannel()
	if err != nil {
		return false
	}
	local, err := os.Open(localPath)
	if err != nil {
		return false
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return false
	}
	defer remote.Close()

	_, err = io.Copy(remote, local)
	return err == nil
}

// Download copies a remote file to localPath over SFTP.
func (s *sshSession) Download(ctx context.Context, remotePath, localPath string) bool {
	client, err := s.sftpChannel()
	if err != nil {
		return false
	}
	remote, err := client.Open(remotePath)
	if err != nil {
		return false
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return false
	}
	defer local.Close()

	_, err = io.Copy(local, remote)
	return err == nil
}

// UploadFromMemory writes contents directly to remotePath without a local
// intermediate file, used for generated submit files and cards.
func (s *sshSession) UploadFromMemory(ctx context.Context, contents []byte, remotePath string) bool {
	client, err := s.sftpChannel()
	if err != nil {
		return false
	}
	remote, err := client.Create(remotePath)
	if err != nil {
		return false
	}
	defer remote.Close()

	_, err = remote.Write(contents)
	return err == nil
}

// DownloadAsString reads remotePath's contents into memory, used for
// reading back small status/log files without a local intermediate file.
func (s *sshSession) DownloadAsString(ctx context.Context, remotePath string) (string, bool) {
	client, err := s.sftpChannel()
	if err != nil {
		return "", false
	}
	remote, err := client.Open(remotePath)
	if err != nil {
		return "", false
	}
	defer remote.Close()

	data, err := io.ReadAll(remote)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Close releases the SFTP channel (if opened) and the SSH connection.
func (s *sshSession) Close() error {
	if s.sftp != nil {
		s.sftp.Close()
	}
	return s.client.Close()
}
