package acpbridge

import (
	"errors"
	"fmt"

	"github.com/everydev1618/acpbridge/acp"
)

// Error kinds form the stable machine-readable taxonomy surfaced over
// HTTP as {"error": {"kind": ..., "message": ...}}.
const (
	KindConfig          = "config-error"
	KindAgentNotFound   = "agent-not-found"
	KindAuth            = "auth-error"
	KindSpawnFailed     = "spawn-failed"
	KindTransportClosed = "transport-closed"
	KindAgentExited     = "agent-exited"
	KindAgentError      = "agent-error"
	KindBusy            = "busy"
	KindConflict        = "conflict"
	KindNotFound        = "not-found"
	KindInternal        = "internal"
)

// Error is a kind-tagged error. The message is human-readable and
// never carries a stack trace.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds a kind-tagged error.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error with a kind, keeping the cause
// reachable through errors.Is/As.
func WrapError(kind string, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

// AsError classifies err into the taxonomy. Already-tagged errors pass
// through; transport and agent sentinels map to their kinds; anything
// else is internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	switch {
	case errors.Is(err, acp.ErrBusy):
		return WrapError(KindBusy, err)
	case errors.Is(err, acp.ErrAgentExited):
		return WrapError(KindAgentExited, err)
	case errors.Is(err, acp.ErrTransportClosed):
		return WrapError(KindTransportClosed, err)
	case errors.Is(err, acp.ErrAuthFailed):
		return WrapError(KindAuth, err)
	}
	var rpcErr *acp.RPCError
	if errors.As(err, &rpcErr) {
		return WrapError(KindAgentError, err)
	}
	return WrapError(KindInternal, err)
}
