package types

import (
	"errors"
	"fmt"
)

// Error kinds handled at the scheduler-loop boundary.
var (
	ErrSnapshotUnavailable   = errors.New("snapshot unavailable")
	ErrAllocatorCommitFailed = errors.New("allocator commit failed")
	ErrInvariantViolation    = errors.New("invariant violation")
	ErrInvalidSpec           = errors.New("invalid session spec")
	ErrNotFound              = errors.New("not found")
	ErrLockBusy              = errors.New("lock busy")
)

// RejectCode classifies an admission rejection.
type RejectCode string

const (
	RejectSessionTypeNotAllowed RejectCode = "session_type_not_allowed"
	RejectKeypairLimit          RejectCode = "keypair_limit"
	RejectUserLimit             RejectCode = "user_limit"
	RejectGroupLimit            RejectCode = "group_limit"
	RejectDomainLimit           RejectCode = "domain_limit"
	RejectConcurrencyLimit      RejectCode = "concurrency_limit"
	RejectPendingCountLimit     RejectCode = "pending_count_limit"
	RejectPendingSlotLimit      RejectCode = "pending_slot_limit"
	RejectDesignatedAgent       RejectCode = "designated_agent_unavailable"
)

// RejectReason is a structured admission failure. A nil *RejectReason means
// the workload passed validation.
type RejectReason struct {
	Code    RejectCode
	Message string
}

func (r *RejectReason) Error() string {
	return fmt.Sprintf("admission rejected (%s): %s", r.Code, r.Message)
}

// Rejectf builds a RejectReason with a formatted message.
func Rejectf(code RejectCode, format string, args ...any) *RejectReason {
	return &RejectReason{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AgentSelectionFailure means no candidate agent passed the filters for one
// resource block of a workload. The scheduler skips the workload and moves on.
type AgentSelectionFailure struct {
	SessionID  string
	BlockIndex int
	Reason     string
}

func (e *AgentSelectionFailure) Error() string {
	return fmt.Sprintf("no suitable agent for session %s block %d: %s",
		e.SessionID, e.BlockIndex, e.Reason)
}

// TransportError wraps an RPC failure to a specific agent. Timeouts count.
type TransportError struct {
	AgentAddr string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("agent rpc %s to %s failed: %v", e.Op, e.AgentAddr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
