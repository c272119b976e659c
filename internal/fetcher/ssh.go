package fetcher

import (
	"context"
	"log/slog"
	"time"
)

// SSHTransport delegates the fetch to a launcher script on a remote
// machine. The request is piped over stdin as three newline-delimited
// lines (window, keyword, geo); the remote launcher treats an empty
// third line as "no geo".
type SSHTransport struct {
	user string
	host string
	run  *runner
}

// NewSSHTransport creates a transport fetching via user@host.
func NewSSHTransport(user, host string, timeout time.Duration, logger *slog.Logger) *SSHTransport {
	return &SSHTransport{
		user: user,
		host: host,
		run:  &runner{timeout: timeout, logger: logger.With("component", "fetcher_ssh")},
	}
}

// Fetch runs [ssh, -T, user@host] with the request on stdin.
func (t *SSHTransport) Fetch(ctx context.Context, window, keyword, geo string) ([]byte, error) {
	argv := []string{"ssh", "-T", t.user + "@" + t.host}
	stdin := []byte(window + "\n" + keyword + "\n" + geo + "\n")
	return t.run.run(ctx, argv, stdin)
}

// Name identifies the transport for provenance.
func (t *SSHTransport) Name() string {
	return "ssh:" + t.user
}

// Host names the machine the fetch script runs on.
func (t *SSHTransport) Host() string {
	return t.host
}
