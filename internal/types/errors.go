package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNoRequests              = errors.New("no dispatchable requests")
	ErrClaimLost               = errors.New("request already claimed")
	ErrNoTransports            = errors.New("no active transports configured")
	ErrFetchTimeout            = errors.New("fetch exceeded wall-clock ceiling")
	ErrUnreconstructibleLabels = errors.New("time labels cannot be reconstructed")
	ErrNoAnchor                = errors.New("daily anchor unavailable")
	ErrEmptySeries             = errors.New("series has no non-zero values")
)

// FetcherResponseError is a structured error reported by a fetcher
// subprocess on its dedicated exit code. Code mirrors the upstream
// service's HTTP status.
type FetcherResponseError struct {
	Code int
	Msg  string
}

func (e *FetcherResponseError) Error() string {
	return fmt.Sprintf("fetcher response error %d: %s", e.Code, e.Msg)
}

// FetcherFatal wraps any transport failure that is not a structured
// upstream error: timeouts, unexpected exit codes, spawn failures.
// Stdout and Stderr carry the subprocess output for the crash log.
type FetcherFatal struct {
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *FetcherFatal) Error() string {
	return fmt.Sprintf("fetcher %s failed: %v", e.Command, e.Err)
}

func (e *FetcherFatal) Unwrap() error { return e.Err }

// StorageError wraps errors from the relational store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IngestError wraps errors raised while turning a staged payload into
// structured records.
type IngestError struct {
	Stage string
	RID   int64
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest error for request %d at stage %q: %v", e.RID, e.Stage, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }
