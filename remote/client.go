package remote

import "context"

// Client composes retrying command execution with best-effort file
// transfer into the single surface the Controller depends on, so callers
// never see the underlying Session/Opener split. Commands go through
// Executor's permission-denied retry; file operations open one ad hoc
// session each and report success as a bool, matching section 4.5's "never
// throw on transport errors" contract for Upload/Download.
type Client struct {
	Executor *Executor
	Opener   Opener
}

// NewClient constructs a Client over the given Executor and Opener. The two
// are independent: executor may itself hold the same Opener, or a
// different one when commands and file transfers target different hosts.
func NewClient(executor *Executor, opener Opener) *Client {
	return &Client{Executor: executor, Opener: opener}
}

func (c *Client) Exec(ctx context.Context, commands ...string) (stdout, stderr string, exitCode int, err error) {
	return c.Executor.Exec(ctx, commands...)
}

func (c *Client) Upload(ctx context.Context, localPath, remotePath string) bool {
	session, err := c.Opener.Open(ctx)
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Upload(ctx, localPath, remotePath)
}

func (c *Client) Download(ctx context.Context, remotePath, localPath string) bool {
	session, err := c.Opener.Open(ctx)
	if err != nil {
		return false
	}
	defer session.Close()
	return session.Download(ctx, remotePath, localPath)
}

func (c *Client) UploadFromMemory(ctx context.Context, contents []byte, remotePath string) bool {
	session, err := c.Opener.Open(ctx)
	if err != nil {
		return false
	}
	defer session.Close()
	return session.UploadFromMemory(ctx, contents, remotePath)
}

func (c *Client) DownloadAsString(ctx context.Context, remotePath string) (string, bool) {
	session, err := c.Opener.Open(ctx)
	if err != nil {
		return "", false
	}
	defer session.Close()
	return session.DownloadAsString(ctx, remotePath)
}
