package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/siftlab/sift/internal/types"
)

// structuredErrorExit is the exit code under which a fetch script
// reports a structured upstream error as JSON on stdout.
const structuredErrorExit = 5

// runner spawns one fetch subprocess per call, optionally piping
// stdin, and enforces the wall-clock ceiling.
type runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

func (r *runner) run(ctx context.Context, argv []string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err == nil {
		r.logger.Debug("fetch complete",
			"command", argv[0],
			"size", stdout.Len(),
			"duration", duration,
		)
		return stdout.Bytes(), nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &types.FetcherFatal{
			Command: strings.Join(argv, " "),
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
			Err:     types.ErrFetchTimeout,
		}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == structuredErrorExit {
		if respErr := parseErrorEnvelope(stdout.Bytes()); respErr != nil {
			return nil, respErr
		}
		// Exit code 5 without a readable envelope falls through and is
		// treated like any other failed exit.
	}

	return nil, &types.FetcherFatal{
		Command: strings.Join(argv, " "),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Err:     err,
	}
}

// parseErrorEnvelope decodes the {"error":{"code","msg"}} convention
// from a fetch script's stdout. Returns nil when the bytes do not
// carry a usable envelope.
func parseErrorEnvelope(out []byte) *types.FetcherResponseError {
	var env struct {
		Error struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		return nil
	}
	if env.Error.Code == 0 && env.Error.Msg == "" {
		return nil
	}
	return &types.FetcherResponseError{Code: env.Error.Code, Msg: env.Error.Msg}
}
