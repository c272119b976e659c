package fetcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"
)

// SudoTransport runs the fetch script under another identity so the
// script's credentials stay out of the dispatcher's account.
type SudoTransport struct {
	user   string
	group  string
	script string
	host   string
	run    *runner
}

// NewSudoTransport creates a transport that elevates to user/group
// before running the script.
func NewSudoTransport(user, group, script string, timeout time.Duration, logger *slog.Logger) *SudoTransport {
	return &SudoTransport{
		user:   user,
		group:  group,
		script: script,
		host:   localHostname(),
		run:    &runner{timeout: timeout, logger: logger.With("component", "fetcher_sudo")},
	}
}

// Fetch runs [sudo, -u, user, -g, group, /bin/sh, script, fetch, window, keyword, geo?].
func (t *SudoTransport) Fetch(ctx context.Context, window, keyword, geo string) ([]byte, error) {
	argv := []string{"sudo", "-u", t.user, "-g", t.group, "/bin/sh", t.script, "fetch", window, keyword}
	if geo != "" {
		argv = append(argv, geo)
	}
	return t.run.run(ctx, argv, nil)
}

// Name identifies the transport for provenance.
func (t *SudoTransport) Name() string {
	return "sudo:" + t.user + ":" + filepath.Base(t.script)
}

// Host names the machine the fetch script runs on.
func (t *SudoTransport) Host() string {
	return t.host
}
