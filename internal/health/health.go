// Package health serves liveness, readiness and component checks for a
// long-running "tagtime watch" process.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Status is the state of one component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown is reported before the first check has run.
	StatusUnknown Status = "unknown"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

func result(s Status, msg string, details map[string]any) CheckResult {
	return CheckResult{Status: s, Message: msg, Details: details}
}

func failure(msg string, err any) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: msg, Error: fmt.Sprint(err)}
}

// Check inspects one component.
type Check func(ctx context.Context) CheckResult

// Component is a named check. A failing critical component makes the
// process unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker runs the registered components and remembers their last results.
type Checker struct {
	started time.Time

	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	ready      bool
}

func NewChecker() *Checker {
	return &Checker{
		started:    time.Now(),
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
	}
}

// Register adds comp, replacing any component of the same name. Its result
// is unknown until the next Check.
func (c *Checker) Register(comp *Component) {
	if comp.Timeout == 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady marks whether the watcher has finished its first scan.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	out := make([]CheckResult, len(comps))
	var wg sync.WaitGroup
	for i, comp := range comps {
		i, comp := i, comp
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = run(ctx, comp)
		}()
	}
	wg.Wait()

	results := make(map[string]CheckResult, len(comps))
	c.mu.Lock()
	for i, comp := range comps {
		results[comp.Name] = out[i]
		// A component replaced while its check ran keeps its fresh state.
		if c.components[comp.Name] == comp {
			c.results[comp.Name] = out[i]
		}
	}
	c.mu.Unlock()
	return results
}

func run(ctx context.Context, comp *Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failure("check panicked", r)
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = failure("check timed out", ctx.Err())
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// GetResult returns the last recorded result for name.
func (c *Checker) GetResult(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.results[name]
	return res, ok
}

// OverallStatus folds the last results: unhealthy if a critical component
// failed, unknown while a critical component is unchecked, degraded if
// anything else is wrong.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, comp := range c.components {
		switch c.results[name].Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusUnknown:
			if comp.Critical {
				overall = StatusUnknown
			}
		}
	}
	return overall
}

// Response is the body of the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Response runs the checks and summarizes them.
func (c *Checker) Response(ctx context.Context, includeComponents bool) Response {
	components := c.Check(ctx)
	if !includeComponents {
		components = nil
	}
	return Response{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// LivenessHandler answers 200 while the process runs.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		writeJSON(w, statusCode(status != StatusUnhealthy), map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler serves a Response; ?full=true adds per-component results.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Response(r.Context(), r.URL.Query().Get("full") == "true")
		writeJSON(w, statusCode(resp.Status == StatusHealthy || resp.Status == StatusDegraded), resp)
	})
}

// DatabaseCheck reports the index unhealthy when ping fails.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return failure("database connection failed", err)
		}
		return result(StatusHealthy, "database connection ok", nil)
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFreeBytes available to unprivileged users.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return failure("statfs failed", err)
		}
		free := st.Bavail * uint64(st.Bsize)
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFreeBytes}
		if free < minFreeBytes {
			return result(StatusDegraded, "low disk space", details)
		}
		return result(StatusHealthy, "disk space ok", details)
	}
}

// FreshnessCheck degrades when last is older than maxAge. A zero time
// means nothing has been imported yet and is healthy.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) Check {
	return func(ctx context.Context) CheckResult {
		t := last()
		if t.IsZero() {
			return result(StatusHealthy, "no activity yet", nil)
		}
		age := time.Since(t)
		details := map[string]any{
			"last":    t.UTC().Format(time.RFC3339),
			"age":     age.Round(time.Second).String(),
			"max_age": maxAge.String(),
		}
		if maxAge > 0 && age > maxAge {
			return result(StatusDegraded, "no recent activity", details)
		}
		return result(StatusHealthy, "recent activity", details)
	}
}
