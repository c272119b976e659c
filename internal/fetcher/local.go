package fetcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// LocalTransport runs the fetch script as a plain subprocess on the
// dispatcher's own machine.
type LocalTransport struct {
	script string
	host   string
	run    *runner
}

// NewLocalTransport creates a local transport for the given script.
func NewLocalTransport(script string, timeout time.Duration, logger *slog.Logger) *LocalTransport {
	return &LocalTransport{
		script: script,
		host:   localHostname(),
		run:    &runner{timeout: timeout, logger: logger.With("component", "fetcher_local")},
	}
}

// Fetch runs [script, window, keyword, geo?].
func (t *LocalTransport) Fetch(ctx context.Context, window, keyword, geo string) ([]byte, error) {
	argv := []string{t.script, window, keyword}
	if geo != "" {
		argv = append(argv, geo)
	}
	return t.run.run(ctx, argv, nil)
}

// Name identifies the transport for provenance.
func (t *LocalTransport) Name() string {
	return "popen:" + filepath.Base(t.script)
}

// Host names the machine the fetch script runs on.
func (t *LocalTransport) Host() string {
	return t.host
}

func localHostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}
