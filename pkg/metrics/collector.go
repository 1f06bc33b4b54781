package metrics

import (
	"time"

	"github.com/lablup/backend.ai-sub022/pkg/types"
)

// StateSource is the narrow view of the store the collector reads from.
type StateSource interface {
	ListAgents() ([]*types.Agent, error)
	ListSessions() ([]*types.Session, error)
	ListKernels() ([]*types.Kernel, error)
}

// Collector periodically exports fleet-level gauges from the state store.
type Collector struct {
	source StateSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StateSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectSessionMetrics()
	c.collectKernelMetrics()
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.source.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[string]map[types.AgentStatus]int)
	for _, agent := range agents {
		if counts[agent.ScalingGroup] == nil {
			counts[agent.ScalingGroup] = make(map[types.AgentStatus]int)
		}
		counts[agent.ScalingGroup][agent.Status]++
	}

	for group, statuses := range counts {
		for status, count := range statuses {
			AgentsTotal.WithLabelValues(group, string(status)).Set(float64(count))
		}
	}
}

func (c *Collector) collectSessionMetrics() {
	sessions, err := c.source.ListSessions()
	if err != nil {
		return
	}

	counts := make(map[types.SessionStatus]int)
	pending := make(map[string]int)
	for _, sess := range sessions {
		counts[sess.Status]++
		if sess.Status == types.SessionStatusPending {
			pending[sess.ScalingGroup]++
		}
	}

	for status, count := range counts {
		SessionsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	for group, depth := range pending {
		PendingQueueDepth.WithLabelValues(group).Set(float64(depth))
	}
}

func (c *Collector) collectKernelMetrics() {
	kernels, err := c.source.ListKernels()
	if err != nil {
		return
	}

	counts := make(map[types.KernelStatus]int)
	for _, kern := range kernels {
		counts[kern.Status]++
	}

	for status, count := range counts {
		KernelsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
