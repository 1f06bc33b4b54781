package lifecycle

import (
	"fmt"
	"time"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// Reason strings recorded in status_history entries.
const (
	ReasonSchedulerAssigned = "scheduler.assigned"
	ReasonUserRequested     = "user-requested"
	ReasonAgentStarted      = "kernel-started"
	ReasonDestroyed         = "destroyed"
	ReasonDestroyFailed     = "destroy-failed"
	ReasonAdmissionRejected = "admission-rejected"
)

// kernelTransitions is the legal kernel transition table. Any state may move
// to ERROR; any non-terminal state may move to TERMINATING.
var kernelTransitions = map[types.KernelStatus][]types.KernelStatus{
	types.KernelStatusPending:     {types.KernelStatusScheduled},
	types.KernelStatusScheduled:   {types.KernelStatusPreparing},
	types.KernelStatusPreparing:   {types.KernelStatusRunning},
	types.KernelStatusRunning:     {},
	types.KernelStatusTerminating: {types.KernelStatusTerminated},
	types.KernelStatusTerminated:  {},
	types.KernelStatusError:       {},
}

// kernelRank orders kernel states by lifecycle progress, used for the
// least-advanced reduction.
var kernelRank = map[types.KernelStatus]int{
	types.KernelStatusPending:     0,
	types.KernelStatusScheduled:   1,
	types.KernelStatusPreparing:   2,
	types.KernelStatusRunning:     3,
	types.KernelStatusTerminating: 4,
	types.KernelStatusTerminated:  5,
	types.KernelStatusError:       6,
}

// CanTransitionKernel reports whether from -> to is a legal kernel move.
func CanTransitionKernel(from, to types.KernelStatus) bool {
	if to == types.KernelStatusError {
		return from != types.KernelStatusError
	}
	if to == types.KernelStatusTerminating {
		switch from {
		case types.KernelStatusTerminating, types.KernelStatusTerminated, types.KernelStatusError:
			return false
		default:
			return true
		}
	}
	for _, next := range kernelTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionKernel applies a legal transition to the kernel in place,
// appending a status_history entry. Illegal transitions are an error and
// leave the kernel untouched.
func TransitionKernel(k *types.Kernel, to types.KernelStatus, reason, info string, now time.Time) error {
	if !CanTransitionKernel(k.Status, to) {
		return fmt.Errorf("illegal kernel transition %s -> %s (kernel %s)", k.Status, to, k.ID)
	}
	k.Status = to
	k.StatusInfo = reason
	k.StatusHistory = append(k.StatusHistory, types.StatusEntry{
		Status:    string(to),
		Timestamp: now.UTC(),
		Reason:    reason,
		Info:      info,
	})
	return nil
}

// DeriveSessionStatus reduces kernel states to the session-level status.
func DeriveSessionStatus(kernels []*types.Kernel) types.SessionStatus {
	if len(kernels) == 0 {
		return types.SessionStatusPending
	}

	allRunning, allTerminated := true, true
	anyError, anyRunning, anyTerminating := false, false, false
	for _, k := range kernels {
		if k.Status != types.KernelStatusRunning {
			allRunning = false
		} else {
			anyRunning = true
		}
		if k.Status != types.KernelStatusTerminated {
			allTerminated = false
		}
		if k.Status == types.KernelStatusError {
			anyError = true
		}
		if k.Status == types.KernelStatusTerminating {
			anyTerminating = true
		}
	}

	switch {
	case allRunning:
		return types.SessionStatusRunning
	case anyError && !anyRunning:
		return types.SessionStatusError
	case anyTerminating:
		return types.SessionStatusTerminating
	case allTerminated:
		return types.SessionStatusTerminated
	}

	least := kernels[0].Status
	for _, k := range kernels[1:] {
		if kernelRank[k.Status] < kernelRank[least] {
			least = k.Status
		}
	}
	return sessionStatusFor(least)
}

func sessionStatusFor(ks types.KernelStatus) types.SessionStatus {
	switch ks {
	case types.KernelStatusPending:
		return types.SessionStatusPending
	case types.KernelStatusScheduled:
		return types.SessionStatusScheduled
	case types.KernelStatusPreparing:
		return types.SessionStatusPreparing
	case types.KernelStatusRunning:
		return types.SessionStatusRunning
	case types.KernelStatusTerminating:
		return types.SessionStatusTerminating
	case types.KernelStatusTerminated:
		return types.SessionStatusTerminated
	default:
		return types.SessionStatusError
	}
}

// ReduceSession recomputes the session status from its kernels and appends a
// status_history entry when the status changed. Returns true on change.
func ReduceSession(s *types.Session, kernels []*types.Kernel, reason string, now time.Time) bool {
	derived := DeriveSessionStatus(kernels)
	if derived == s.Status {
		return false
	}
	s.Status = derived
	s.StatusInfo = reason
	s.StatusHistory = append(s.StatusHistory, types.StatusEntry{
		Status:    string(derived),
		Timestamp: now.UTC(),
		Reason:    reason,
	})
	if derived == types.SessionStatusTerminated {
		s.TerminatedAt = now.UTC()
	}
	return true
}

// OccupyingKernelStatus reports whether a kernel in this state holds slots
// on its agent.
func OccupyingKernelStatus(ks types.KernelStatus) bool {
	switch ks {
	case types.KernelStatusScheduled, types.KernelStatusPreparing,
		types.KernelStatusRunning, types.KernelStatusTerminating:
		return true
	default:
		return false
	}
}
