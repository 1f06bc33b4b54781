package types

import (
	"time"
)

// Agent represents a compute node that hosts kernels.
type Agent struct {
	ID             string
	Address        string
	Architecture   string // e.g. "x86_64", "aarch64"
	ScalingGroup   string
	AvailableSlots ResourceSlot
	OccupiedSlots  ResourceSlot
	ContainerCount int
	Status         AgentStatus
	LastHeartbeat  time.Time
	CreatedAt      time.Time
}

// AgentStatus represents agent liveness.
type AgentStatus string

const (
	AgentStatusAlive      AgentStatus = "alive"
	AgentStatusLost       AgentStatus = "lost"
	AgentStatusTerminated AgentStatus = "terminated"
)

// RemainingSlots returns available minus occupied.
func (a *Agent) RemainingSlots() ResourceSlot {
	return a.AvailableSlots.Sub(a.OccupiedSlots)
}

// SessionType classifies the workload kind of a session.
type SessionType string

const (
	SessionTypeInteractive SessionType = "interactive"
	SessionTypeBatch       SessionType = "batch"
	SessionTypeInference   SessionType = "inference"
	SessionTypeSystem      SessionType = "system"
)

// ClusterMode describes how a session's kernels are spread over agents.
type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "single-node"
	ClusterModeMultiNode  ClusterMode = "multi-node"
)

// SessionStatus is the session-level lifecycle state, derived from kernels.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "pending"
	SessionStatusScheduled   SessionStatus = "scheduled"
	SessionStatusPreparing   SessionStatus = "preparing"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusTerminating SessionStatus = "terminating"
	SessionStatusTerminated  SessionStatus = "terminated"
	SessionStatusError       SessionStatus = "error"
)

// KernelStatus is the per-container lifecycle state.
type KernelStatus string

const (
	KernelStatusPending     KernelStatus = "pending"
	KernelStatusScheduled   KernelStatus = "scheduled"
	KernelStatusPreparing   KernelStatus = "preparing"
	KernelStatusRunning     KernelStatus = "running"
	KernelStatusTerminating KernelStatus = "terminating"
	KernelStatusTerminated  KernelStatus = "terminated"
	KernelStatusError       KernelStatus = "error"
)

// StatusEntry is one append-only status_history record.
type StatusEntry struct {
	Status    string
	Timestamp time.Time // UTC
	Reason    string
	Info      string
}

// Kernel is a single containerized execution unit inside a session.
type Kernel struct {
	ID              string
	SessionID       string
	ClusterRole     string // "main" or "sub-N"
	Architecture    string
	Image           string
	Status          KernelStatus
	StatusInfo      string
	StatusHistory   []StatusEntry
	RequestedSlots  ResourceSlot
	OccupiedSlots   ResourceSlot
	AgentID         string // set iff status >= scheduled
	AgentAddress    string
	ContainerID     string // set once the container exists
	DesignatedAgent string
	CreatedAt       time.Time
}

// Session is the user-facing aggregate of kernels.
type Session struct {
	ID            string
	CreationID    string
	Name          string
	AccessKey     string // keypair
	UserID        string
	GroupID       string
	DomainName    string
	SessionType   SessionType
	ClusterMode   ClusterMode
	ClusterSize   int
	ScalingGroup  string
	Priority      int
	Status        SessionStatus
	StatusInfo    string
	StatusHistory []StatusEntry
	EndpointID    string // set for inference replicas
	Policy        ResourcePolicy
	StartsAt      time.Time
	EnqueuedAt    time.Time
	TerminatedAt  time.Time
	CreatedAt     time.Time
}

// KernelSpec is the per-kernel part of an enqueue request.
type KernelSpec struct {
	KernelID        string
	ClusterRole     string
	Architecture    string
	Image           string
	RequestedSlots  ResourceSlot
	DesignatedAgent string
}

// SessionWorkload is the immutable scheduling view of one pending session.
type SessionWorkload struct {
	SessionID    string
	AccessKey    string
	UserID       string
	GroupID      string
	DomainName   string
	SessionType  SessionType
	ClusterMode  ClusterMode
	ClusterSize  int
	ScalingGroup string
	Priority     int
	EndpointID   string
	StartsAt     time.Time
	EnqueuedAt   time.Time
	Kernels      []KernelSpec
	Policy       ResourcePolicy
}

// RequestedSlots sums the slot demand over all kernels of the workload.
func (w *SessionWorkload) RequestedSlots() ResourceSlot {
	total := ResourceSlot{}
	for _, k := range w.Kernels {
		total = total.Add(k.RequestedSlots)
	}
	return total
}

// ResourcePolicy is the policy snapshot a workload was enqueued under.
type ResourcePolicy struct {
	TotalResourceSlots      ResourceSlot
	MaxConcurrentSessions   int
	MaxPendingSessionCount  int
	MaxPendingResourceSlots ResourceSlot
}

// SchedulerName selects the pending-session prioritizer.
type SchedulerName string

const (
	SchedulerFIFO SchedulerName = "fifo"
	SchedulerLIFO SchedulerName = "lifo"
	SchedulerDRF  SchedulerName = "drf"
)

// AgentSelectionStrategy selects the per-block agent picker.
type AgentSelectionStrategy string

const (
	StrategyConcentrated AgentSelectionStrategy = "concentrated"
	StrategyDispersed    AgentSelectionStrategy = "dispersed"
	StrategyRoundRobin   AgentSelectionStrategy = "roundrobin"
	StrategyLegacy       AgentSelectionStrategy = "legacy"
)

// SchedulingConfig is the per-scaling-group scheduler configuration.
type SchedulingConfig struct {
	ScalingGroup                    string
	Scheduler                       SchedulerName
	Strategy                        AgentSelectionStrategy
	MaxContainerCount               int // 0 = unlimited
	EnforceSpreadingEndpointReplica bool
	ResourcePriority                []string // tie-break ordering of slot names
	AllowedSessionTypes             []string // empty = all
}

// AllowsSessionType reports whether the group admits the given session type.
func (c *SchedulingConfig) AllowsSessionType(st SessionType) bool {
	if len(c.AllowedSessionTypes) == 0 {
		return true
	}
	for _, t := range c.AllowedSessionTypes {
		if SessionType(t) == st {
			return true
		}
	}
	return false
}

// KernelAllocation binds one kernel to one agent with its slot vector.
type KernelAllocation struct {
	KernelID     string
	AgentID      string
	AgentAddress string
	Slots        ResourceSlot
}

// SessionAllocation is the scheduling decision for one session.
type SessionAllocation struct {
	SessionID string
	Kernels   []KernelAllocation
}

// AgentAllocation is the aggregate slot delta to apply to one agent.
type AgentAllocation struct {
	AgentID        string
	SlotDelta      ResourceSlot
	ContainerDelta int
}

// AggregateByAgent folds session allocations into per-agent deltas.
func AggregateByAgent(allocs []SessionAllocation) []AgentAllocation {
	idx := make(map[string]int)
	var out []AgentAllocation
	for _, sa := range allocs {
		for _, ka := range sa.Kernels {
			i, ok := idx[ka.AgentID]
			if !ok {
				i = len(out)
				idx[ka.AgentID] = i
				out = append(out, AgentAllocation{AgentID: ka.AgentID, SlotDelta: ResourceSlot{}})
			}
			out[i].SlotDelta = out[i].SlotDelta.Add(ka.Slots)
			out[i].ContainerDelta++
		}
	}
	return out
}

// SessionSpec is the enqueue request consumed from the API layer.
type SessionSpec struct {
	Name         string
	AccessKey    string
	UserID       string
	GroupID      string
	DomainName   string
	SessionType  SessionType
	ClusterMode  ClusterMode
	ClusterSize  int
	ScalingGroup string
	Priority     int
	EndpointID   string
	StartsAt     time.Time
	Kernels      []KernelSpec
	Policy       ResourcePolicy
}

// TerminationResult is the outcome of one termination pass.
type TerminationResult struct {
	Terminated      []string // session ids fully destroyed this pass
	PartiallyFailed []string // session ids with at least one failed destroy
	Skipped         []string // sessions whose kernels all lacked agent/container
}
