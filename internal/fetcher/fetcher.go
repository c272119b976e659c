// Package fetcher runs the black-box fetch scripts that talk to the
// upstream trend service. Three transports exist: a plain local
// subprocess, a subprocess under another identity, and a remote fetch
// over a secure-shell channel. All three share one subprocess runner
// that enforces the wall-clock ceiling and maps the exit-code
// conventions onto typed errors.
package fetcher

import (
	"context"
)

// Transport is the interface for all fetch transport realizations.
type Transport interface {
	// Fetch runs one fetch for a formatted window and keyword. geo is
	// the location code, or empty for a worldwide request. The returned
	// bytes are the opaque payload consumed by ingestion.
	Fetch(ctx context.Context, window, keyword, geo string) ([]byte, error)

	// Name identifies the transport for provenance.
	Name() string

	// Host names the machine the fetch script runs on.
	Host() string
}
