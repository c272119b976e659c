package fetcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/siftlab/sift/internal/types"
)

// Descriptor is one entry of the transport configuration file. The
// file is a bare JSON array of descriptors; entries default to active
// when the flag is absent.
type Descriptor struct {
	Active *bool  `json:"active,omitempty"`
	Type   string `json:"type"`
	Script string `json:"script,omitempty"`
	User   string `json:"user,omitempty"`
	Group  string `json:"group,omitempty"`
	Host   string `json:"host,omitempty"`
}

// LoadTransports reads a descriptor file and builds the active
// transports in file order.
func LoadTransports(path string, timeout time.Duration, logger *slog.Logger) ([]Transport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transport config: %w", err)
	}
	transports, err := BuildTransports(data, timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("transport config %s: %w", path, err)
	}
	return transports, nil
}

// BuildTransports constructs transports from descriptor JSON.
func BuildTransports(data []byte, timeout time.Duration, logger *slog.Logger) ([]Transport, error) {
	var descs []Descriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("parse descriptors: %w", err)
	}

	var transports []Transport
	for i, d := range descs {
		if d.Active != nil && !*d.Active {
			continue
		}
		switch d.Type {
		case "popen":
			if d.Script == "" {
				return nil, fmt.Errorf("descriptor %d: popen requires script", i)
			}
			transports = append(transports, NewLocalTransport(d.Script, timeout, logger))
		case "sudo":
			if d.Script == "" || d.User == "" || d.Group == "" {
				return nil, fmt.Errorf("descriptor %d: sudo requires script, user and group", i)
			}
			transports = append(transports, NewSudoTransport(d.User, d.Group, d.Script, timeout, logger))
		case "ssh":
			if d.User == "" || d.Host == "" {
				return nil, fmt.Errorf("descriptor %d: ssh requires user and host", i)
			}
			transports = append(transports, NewSSHTransport(d.User, d.Host, timeout, logger))
		default:
			return nil, fmt.Errorf("descriptor %d: unknown type %q", i, d.Type)
		}
	}

	if len(transports) == 0 {
		return nil, types.ErrNoTransports
	}
	return transports, nil
}
