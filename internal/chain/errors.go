package chain

import (
	"errors"
	"fmt"
)

// ErrEmptyResult is returned by the read gateway when the node answers "0x".
// The ledger uses an empty byte string to mean "no such record", so callers
// must be able to tell it apart from a transport failure.
var ErrEmptyResult = errors.New("chain: empty result")

// TransportError wraps a network or timeout failure talking JSON-RPC to the
// node. It is surfaced to the caller and never retried inside the gateway.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chain transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ToolInvocationError means the console subprocess failed to start or exceeded
// its timeout. Treated as a write failure.
type ToolInvocationError struct {
	Command string
	Err     error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("console invocation failed (%s): %v", e.Command, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// ParseFailure means the console ran but its output matched neither success
// nor any known failure marker. Logged with the raw output because it usually
// indicates the console version drifted.
type ParseFailure struct {
	Output string
}

func (e *ParseFailure) Error() string {
	return "console output matched no known marker"
}

// CredentialCorruption is raised by the keystore health check when the console
// cannot load its signing key. The keystore attempts self-repair before this
// becomes user-visible.
type CredentialCorruption struct {
	Signature string
}

func (e *CredentialCorruption) Error() string {
	return fmt.Sprintf("signing key corrupt: %s", e.Signature)
}

// RepairFailed means credential self-repair itself failed. This one is fatal
// and user-visible.
type RepairFailed struct {
	Reason string
	Err    error
}

func (e *RepairFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("keystore repair failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("keystore repair failed: %s", e.Reason)
}

func (e *RepairFailed) Unwrap() error { return e.Err }

// PartialPipelineFailure marks a two-call sequence whose first call already
// landed on the ledger before the second failed. Resubmits must not repeat
// the first call.
type PartialPipelineFailure struct {
	FirstTxHash string
	Err         error
}

func (e *PartialPipelineFailure) Error() string {
	return fmt.Sprintf("ledger write partially applied (first tx %s): %v", e.FirstTxHash, e.Err)
}

func (e *PartialPipelineFailure) Unwrap() error { return e.Err }
