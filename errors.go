package jsidecar

import (
	"errors"
	"fmt"

	"github.com/sadewadee/jsidecar/internal/protocol"
)

// Error kinds surfaced by the public API. Failures other than *ScriptError
// wrap one of these; no kind is coerced into another. An oversize frame also
// matches ErrProtocolOversize: alongside ErrInvalidArgument when rejected at
// encode time, alongside ErrTransportClosed when read off the wire.
var (
	// ErrTransportClosed reports a connection that failed or was torn down
	// while requests were outstanding.
	ErrTransportClosed = errors.New("jsidecar: transport closed")

	// ErrProtocolOversize reports a frame beyond the size cap, at encode
	// time or read off the wire.
	ErrProtocolOversize = protocol.ErrFrameTooLarge

	// ErrStartup reports that the supervisor failed to launch or the
	// rendezvous socket never became connectable.
	ErrStartup = errors.New("jsidecar: startup failed")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("jsidecar: pool closed")

	// ErrAcquireTimeout reports that no client became available before the
	// acquire deadline.
	ErrAcquireTimeout = errors.New("jsidecar: pool acquire timed out")

	// ErrRequestTimeout reports that the host-side request deadline elapsed.
	// The connection remains usable.
	ErrRequestTimeout = errors.New("jsidecar: request timed out")

	// ErrInvalidArgument reports a request rejected before submission.
	ErrInvalidArgument = errors.New("jsidecar: invalid argument")
)

// ScriptError is the worker's report of a failed script. It does not
// invalidate the connection it arrived on.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("jsidecar: script failed: %s", e.Message)
}
