package storage

import (
	"time"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// PrincipalLevel names one level of the quota hierarchy.
type PrincipalLevel string

const (
	LevelKeypair PrincipalLevel = "keypair"
	LevelUser    PrincipalLevel = "user"
	LevelGroup   PrincipalLevel = "group"
	LevelDomain  PrincipalLevel = "domain"
)

// KernelTerminationUpdate is the terminator's per-kernel outcome applied in
// one batch write.
type KernelTerminationUpdate struct {
	KernelID  string
	SessionID string
	Succeeded bool
	Reason    string
	Info      string // failure detail for the status history
}

// Store defines the interface for scheduler state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Agents
	UpsertAgent(agent *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	ListAgentsByGroup(scalingGroup string, status types.AgentStatus) ([]*types.Agent, error)
	DeleteAgent(id string) error

	// Sessions and kernels
	CreateSession(session *types.Session, kernels []*types.Kernel) error
	GetSession(id string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error)
	UpdateSession(session *types.Session) error
	GetKernel(id string) (*types.Kernel, error)
	ListKernels() ([]*types.Kernel, error)
	ListKernelsBySession(sessionID string) ([]*types.Kernel, error)
	UpdateKernel(kernel *types.Kernel) error

	// Scheduling transaction surface
	AllocateBatch(allocs []types.SessionAllocation, now time.Time) error
	MarkSessionTerminating(sessionID, reason string, now time.Time) error
	ApplyTerminationResults(updates []KernelTerminationUpdate, now time.Time) ([]string, error)
	RecordAdmissionRejection(sessionID string, reason *types.RejectReason, now time.Time) error
	UpdateSessionPriority(sessionID string, priority int) error

	// Lifecycle transitions driven by agent events
	TransitionKernel(kernelID string, to types.KernelStatus, reason, info string, now time.Time) error

	// Policies
	SetPrincipalLimit(level PrincipalLevel, id string, limit types.ResourceSlot) error
	GetPrincipalLimit(level PrincipalLevel, id string) (types.ResourceSlot, error)

	// Scaling-group configuration
	UpsertScalingGroup(cfg *types.SchedulingConfig) error
	GetScalingGroup(name string) (*types.SchedulingConfig, error)
	ListScalingGroups() ([]*types.SchedulingConfig, error)

	// Utility
	Close() error
}
