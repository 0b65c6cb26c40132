// Package errors defines the error taxonomy of the transaction monitor:
// the kinds described in §7 of the specification, built on
// github.com/go-errors/errors the way the rest of the pack wraps
// lower-level failures with a stack trace attached.
package errors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// ErrNotFound names the not-found kind of §7. No function in this module
// currently returns it: empty lookups (store.GetStatus,
// store.GetPeginMonitor) return nil, and acknowledging an unknown news key
// logs a warning and returns nil.
var ErrNotFound = goerrors.New("not found")

// StoreError wraps a failure from the monitor store (C1): backend I/O or
// serialization failures. Recoverable iff the backend recovers.
type StoreError struct {
	*goerrors.Error
}

// NewStoreError wraps err as a StoreError, capturing a stack trace.
func NewStoreError(err error) *StoreError {
	if err == nil {
		return nil
	}
	return &StoreError{Error: goerrors.Wrap(err, 1)}
}

// IndexerError wraps a failure from the chain view (C2): RPC
// unreachable, a block not yet indexed, or a decode failure. The tick
// that produced it is aborted and retried on the next call.
type IndexerError struct {
	*goerrors.Error
}

// NewIndexerError wraps err as an IndexerError, capturing a stack trace.
func NewIndexerError(err error) *IndexerError {
	if err == nil {
		return nil
	}
	return &IndexerError{Error: goerrors.Wrap(err, 1)}
}

// ConfigurationError signals missing or malformed configuration at
// startup. Always fatal.
type ConfigurationError struct {
	*goerrors.Error
}

// NewConfigurationError wraps err as a ConfigurationError.
func NewConfigurationError(err error) *ConfigurationError {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Error: goerrors.Wrap(err, 1)}
}

// NewConfigurationErrorf builds a ConfigurationError from a formatted
// message, for validation failures with no underlying error to wrap.
func NewConfigurationErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Error: goerrors.Wrap(fmt.Errorf(format, args...), 1)}
}

// Unexpected is the catch-all for invariant violations: state that
// should be unreachable given the store's own guarantees. Always fatal.
type Unexpected struct {
	*goerrors.Error
}

// NewUnexpected wraps msg as an Unexpected error.
func NewUnexpected(msg string) *Unexpected {
	return &Unexpected{Error: goerrors.Wrap(msg, 1)}
}
