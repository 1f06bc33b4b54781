package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lablup/backend.ai-sub022/pkg/lifecycle"
	"github.com/lablup/backend.ai-sub022/pkg/types"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketAgents        = []byte("agents")
	bucketSessions      = []byte("sessions")
	bucketKernels       = []byte("kernels")
	bucketPolicies      = []byte("policies")
	bucketScalingGroups = []byte("scaling_groups")
)

// BoltStore implements Store using BoltDB. Writes are serialized by bbolt's
// single-writer transaction, which is what makes the status_history appends
// race-free without a merge operator.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketSessions,
			bucketKernels,
			bucketPolicies,
			bucketScalingGroups,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, types.ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

// Agent operations

func (s *BoltStore) UpsertAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAgents, agent.ID, agent)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketAgents, id, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) ListAgentsByGroup(scalingGroup string, status types.AgentStatus) ([]*types.Agent, error) {
	all, err := s.ListAgents()
	if err != nil {
		return nil, err
	}
	var out []*types.Agent
	for _, a := range all {
		if a.ScalingGroup == scalingGroup && a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// Session and kernel operations

func (s *BoltStore) CreateSession(session *types.Session, kernels []*types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketSessions, session.ID, session); err != nil {
			return err
		}
		for _, k := range kernels {
			if err := putJSON(tx, bucketKernels, k.ID, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSessions, id, &sess)
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	return sessions, err
}

func (s *BoltStore) ListSessionsByStatus(status types.SessionStatus) ([]*types.Session, error) {
	all, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	var out []*types.Session
	for _, sess := range all {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSessions, session.ID, session)
	})
}

func (s *BoltStore) GetKernel(id string) (*types.Kernel, error) {
	var kern types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketKernels, id, &kern)
	})
	if err != nil {
		return nil, err
	}
	return &kern, nil
}

func (s *BoltStore) ListKernels() ([]*types.Kernel, error) {
	var kernels []*types.Kernel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
			var kern types.Kernel
			if err := json.Unmarshal(v, &kern); err != nil {
				return err
			}
			kernels = append(kernels, &kern)
			return nil
		})
	})
	return kernels, err
}

func (s *BoltStore) ListKernelsBySession(sessionID string) ([]*types.Kernel, error) {
	all, err := s.ListKernels()
	if err != nil {
		return nil, err
	}
	var out []*types.Kernel
	for _, k := range all {
		if k.SessionID == sessionID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateKernel(kernel *types.Kernel) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketKernels, kernel.ID, kernel)
	})
}

// listSessionKernelsTx loads a session's kernels inside a transaction.
func listSessionKernelsTx(tx *bolt.Tx, sessionID string) ([]*types.Kernel, error) {
	var out []*types.Kernel
	err := tx.Bucket(bucketKernels).ForEach(func(k, v []byte) error {
		var kern types.Kernel
		if err := json.Unmarshal(v, &kern); err != nil {
			return err
		}
		if kern.SessionID == sessionID {
			out = append(out, &kern)
		}
		return nil
	})
	return out, err
}

// AllocateBatch commits one tick's allocations in a single transaction:
// sessions and kernels move to SCHEDULED with agent bindings, agent
// occupancies get the aggregate deltas. A post-condition violation aborts
// the whole batch.
func (s *BoltStore) AllocateBatch(allocs []types.SessionAllocation, now time.Time) error {
	if len(allocs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, sa := range allocs {
			var sess types.Session
			if err := getJSON(tx, bucketSessions, sa.SessionID, &sess); err != nil {
				return err
			}
			if sess.Status != types.SessionStatusPending {
				return fmt.Errorf("session %s is %s, expected pending: %w",
					sess.ID, sess.Status, types.ErrAllocatorCommitFailed)
			}
			sess.Status = types.SessionStatusScheduled
			sess.StatusInfo = lifecycle.ReasonSchedulerAssigned
			sess.StatusHistory = append(sess.StatusHistory, types.StatusEntry{
				Status:    string(types.SessionStatusScheduled),
				Timestamp: now.UTC(),
				Reason:    lifecycle.ReasonSchedulerAssigned,
			})
			if err := putJSON(tx, bucketSessions, sess.ID, &sess); err != nil {
				return err
			}

			for _, ka := range sa.Kernels {
				var kern types.Kernel
				if err := getJSON(tx, bucketKernels, ka.KernelID, &kern); err != nil {
					return err
				}
				if err := lifecycle.TransitionKernel(&kern, types.KernelStatusScheduled,
					lifecycle.ReasonSchedulerAssigned, "agent "+ka.AgentID, now); err != nil {
					return fmt.Errorf("%v: %w", err, types.ErrAllocatorCommitFailed)
				}
				kern.AgentID = ka.AgentID
				kern.AgentAddress = ka.AgentAddress
				kern.OccupiedSlots = ka.Slots.Clone()
				if err := putJSON(tx, bucketKernels, kern.ID, &kern); err != nil {
					return err
				}
			}
		}

		for _, aa := range types.AggregateByAgent(allocs) {
			var agent types.Agent
			if err := getJSON(tx, bucketAgents, aa.AgentID, &agent); err != nil {
				return err
			}
			agent.OccupiedSlots = agent.OccupiedSlots.Add(aa.SlotDelta)
			agent.ContainerCount += aa.ContainerDelta
			if !agent.OccupiedSlots.LessOrEqual(agent.AvailableSlots) {
				return fmt.Errorf("agent %s oversubscribed after commit (occupied %s > available %s): %w",
					agent.ID, agent.OccupiedSlots, agent.AvailableSlots, types.ErrInvariantViolation)
			}
			if err := putJSON(tx, bucketAgents, agent.ID, &agent); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkSessionTerminating flips a session and all its kernels to TERMINATING.
// Kernels already terminal are left alone.
func (s *BoltStore) MarkSessionTerminating(sessionID, reason string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var sess types.Session
		if err := getJSON(tx, bucketSessions, sessionID, &sess); err != nil {
			return err
		}
		switch sess.Status {
		case types.SessionStatusTerminating, types.SessionStatusTerminated:
			return nil
		}

		kernels, err := listSessionKernelsTx(tx, sessionID)
		if err != nil {
			return err
		}
		for _, kern := range kernels {
			if !lifecycle.CanTransitionKernel(kern.Status, types.KernelStatusTerminating) {
				continue
			}
			if err := lifecycle.TransitionKernel(kern, types.KernelStatusTerminating, reason, "", now); err != nil {
				return err
			}
			if err := putJSON(tx, bucketKernels, kern.ID, kern); err != nil {
				return err
			}
		}

		sess.Status = types.SessionStatusTerminating
		sess.StatusInfo = reason
		sess.StatusHistory = append(sess.StatusHistory, types.StatusEntry{
			Status:    string(types.SessionStatusTerminating),
			Timestamp: now.UTC(),
			Reason:    reason,
		})
		return putJSON(tx, bucketSessions, sessionID, &sess)
	})
}

// ApplyTerminationResults batch-applies the terminator's per-kernel
// outcomes and re-derives session statuses. Returns the ids of sessions
// that reached TERMINATED in this batch.
func (s *BoltStore) ApplyTerminationResults(updates []KernelTerminationUpdate, now time.Time) ([]string, error) {
	var terminated []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		touched := make(map[string]bool)
		for _, u := range updates {
			var kern types.Kernel
			if err := getJSON(tx, bucketKernels, u.KernelID, &kern); err != nil {
				return err
			}
			touched[kern.SessionID] = true

			if u.Succeeded {
				if kern.Status == types.KernelStatusTerminated {
					continue // retried destroy of an already-dead kernel
				}
				if err := lifecycle.TransitionKernel(&kern, types.KernelStatusTerminated,
					u.Reason, u.Info, now); err != nil {
					return err
				}
				if err := releaseAgentSlotsTx(tx, &kern); err != nil {
					return err
				}
			} else {
				// Record the failed attempt without changing state.
				kern.StatusHistory = append(kern.StatusHistory, types.StatusEntry{
					Status:    string(kern.Status),
					Timestamp: now.UTC(),
					Reason:    lifecycle.ReasonDestroyFailed,
					Info:      u.Info,
				})
			}
			if err := putJSON(tx, bucketKernels, kern.ID, &kern); err != nil {
				return err
			}
		}

		for sessionID := range touched {
			var sess types.Session
			if err := getJSON(tx, bucketSessions, sessionID, &sess); err != nil {
				return err
			}
			kernels, err := listSessionKernelsTx(tx, sessionID)
			if err != nil {
				return err
			}
			if lifecycle.ReduceSession(&sess, kernels, lifecycle.ReasonDestroyed, now) {
				if sess.Status == types.SessionStatusTerminated {
					terminated = append(terminated, sessionID)
				}
				if err := putJSON(tx, bucketSessions, sessionID, &sess); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return terminated, nil
}

func releaseAgentSlotsTx(tx *bolt.Tx, kern *types.Kernel) error {
	if kern.AgentID == "" || kern.OccupiedSlots.IsZero() {
		return nil
	}
	var agent types.Agent
	if err := getJSON(tx, bucketAgents, kern.AgentID, &agent); err != nil {
		// The agent may have been purged already; nothing to release.
		return nil
	}
	agent.OccupiedSlots = agent.OccupiedSlots.Sub(kern.OccupiedSlots)
	if agent.OccupiedSlots.HasNegative() {
		// Clamp rather than corrupt; a double release would otherwise
		// poison every later capacity check.
		for name, q := range agent.OccupiedSlots {
			if q.IsNegative() {
				agent.OccupiedSlots[name] = decimal.Zero
			}
		}
	}
	if agent.ContainerCount > 0 {
		agent.ContainerCount--
	}
	return putJSON(tx, bucketAgents, agent.ID, &agent)
}

// RecordAdmissionRejection appends the rejection to the pending session's
// status history without changing its state.
func (s *BoltStore) RecordAdmissionRejection(sessionID string, reason *types.RejectReason, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var sess types.Session
		if err := getJSON(tx, bucketSessions, sessionID, &sess); err != nil {
			return err
		}
		sess.StatusInfo = string(reason.Code)
		sess.StatusHistory = append(sess.StatusHistory, types.StatusEntry{
			Status:    string(sess.Status),
			Timestamp: now.UTC(),
			Reason:    lifecycle.ReasonAdmissionRejected,
			Info:      reason.Message,
		})
		return putJSON(tx, bucketSessions, sessionID, &sess)
	})
}

// UpdateSessionPriority changes the priority of a still-pending session.
func (s *BoltStore) UpdateSessionPriority(sessionID string, priority int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var sess types.Session
		if err := getJSON(tx, bucketSessions, sessionID, &sess); err != nil {
			return err
		}
		if sess.Status != types.SessionStatusPending {
			return fmt.Errorf("session %s is %s, priority is only mutable while pending", sessionID, sess.Status)
		}
		sess.Priority = priority
		return putJSON(tx, bucketSessions, sessionID, &sess)
	})
}

// TransitionKernel applies an externally driven kernel transition (container
// create/start events) and re-derives the session status in the same
// transaction.
func (s *BoltStore) TransitionKernel(kernelID string, to types.KernelStatus, reason, info string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var kern types.Kernel
		if err := getJSON(tx, bucketKernels, kernelID, &kern); err != nil {
			return err
		}
		if err := lifecycle.TransitionKernel(&kern, to, reason, info, now); err != nil {
			return err
		}
		if err := putJSON(tx, bucketKernels, kern.ID, &kern); err != nil {
			return err
		}

		var sess types.Session
		if err := getJSON(tx, bucketSessions, kern.SessionID, &sess); err != nil {
			return err
		}
		kernels, err := listSessionKernelsTx(tx, kern.SessionID)
		if err != nil {
			return err
		}
		if lifecycle.ReduceSession(&sess, kernels, reason, now) {
			return putJSON(tx, bucketSessions, sess.ID, &sess)
		}
		return nil
	})
}

// Policy operations

func (s *BoltStore) SetPrincipalLimit(level PrincipalLevel, id string, limit types.ResourceSlot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketPolicies, string(level)+"/"+id, limit)
	})
}

func (s *BoltStore) GetPrincipalLimit(level PrincipalLevel, id string) (types.ResourceSlot, error) {
	var limit types.ResourceSlot
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPolicies, string(level)+"/"+id, &limit)
	})
	if err != nil {
		return nil, err
	}
	return limit, nil
}

// Scaling-group operations

func (s *BoltStore) UpsertScalingGroup(cfg *types.SchedulingConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketScalingGroups, cfg.ScalingGroup, cfg)
	})
}

func (s *BoltStore) GetScalingGroup(name string) (*types.SchedulingConfig, error) {
	var cfg types.SchedulingConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketScalingGroups, name, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) ListScalingGroups() ([]*types.SchedulingConfig, error) {
	var cfgs []*types.SchedulingConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScalingGroups).ForEach(func(k, v []byte) error {
			var cfg types.SchedulingConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			cfgs = append(cfgs, &cfg)
			return nil
		})
	})
	return cfgs, err
}
