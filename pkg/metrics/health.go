package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// readinessComponents are the dependencies the daemon cannot serve without.
// They are reported not_ready until the process marks them up.
var readinessComponents = []string{"store", "lock", "mq"}

type componentState struct {
	Healthy bool
	Detail  string
	Updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	startTime  time.Time
	version    string
}

var health = &healthRegistry{
	components: make(map[string]componentState),
	startTime:  time.Now(),
}

// SetVersion records the build version reported by the health endpoints.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetComponent records the up/down state of one named component. Call it on
// startup for each wired dependency and again whenever the state changes.
func SetComponent(name string, healthy bool, detail string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentState{
		Healthy: healthy,
		Detail:  detail,
		Updated: time.Now(),
	}
}

type healthReport struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
}

func (r *healthRegistry) report() healthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := healthReport{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
		Components: make(map[string]string, len(r.components)),
	}
	for name, comp := range r.components {
		if comp.Healthy {
			out.Components[name] = "healthy"
			continue
		}
		out.Status = "unhealthy"
		detail := "unhealthy"
		if comp.Detail != "" {
			detail += ": " + comp.Detail
		}
		out.Components[name] = detail
	}
	return out
}

func (r *healthRegistry) readiness() healthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := healthReport{
		Status:     "ready",
		Timestamp:  time.Now(),
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
		Components: make(map[string]string, len(readinessComponents)),
	}
	for _, name := range readinessComponents {
		comp, ok := r.components[name]
		switch {
		case !ok:
			out.Status = "not_ready"
			out.Components[name] = "not registered"
		case !comp.Healthy:
			out.Status = "not_ready"
			out.Components[name] = "not ready: " + comp.Detail
		default:
			out.Components[name] = "ready"
		}
	}
	return out
}

func writeReport(w http.ResponseWriter, report healthReport, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// HealthHandler reports the aggregate component health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := health.report()
		writeReport(w, report, report.Status == "healthy")
	}
}

// ReadyHandler reports whether the critical dependencies are up.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		report := health.readiness()
		writeReport(w, report, report.Status == "ready")
	}
}

// LivenessHandler answers 200 whenever the process is running.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.startTime).String(),
		})
	}
}
