// Package health serves liveness and readiness probes.
//
// Checks run in the background, one goroutine each. A check flips to failing
// only after FailureThreshold consecutive errors and back to passing after
// SuccessThreshold consecutive successes, so a single slow ping does not pull
// the instance out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc returns nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Probe selects the endpoint a check contributes to.
type Probe int

const (
	// Liveness checks decide whether the process should be restarted.
	Liveness Probe = iota
	// Readiness checks decide whether the instance receives traffic.
	Readiness
)

func (p Probe) String() string {
	if p == Liveness {
		return "liveness"
	}
	return "readiness"
}

// Defaults applied by Add.
const (
	DefaultTimeout          = 2 * time.Second
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
)

// CheckOption tunes a single check.
type CheckOption func(*check)

// WithTimeout bounds one run of the check.
func WithTimeout(d time.Duration) CheckOption {
	return func(c *check) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithThresholds sets how many consecutive failures mark the check failing
// and how many successes recover it.
func WithThresholds(failures, successes int) CheckOption {
	return func(c *check) {
		if failures > 0 {
			c.failureThreshold = failures
		}
		if successes > 0 {
			c.successThreshold = successes
		}
	}
}

type result struct {
	err error
	at  time.Time
}

// check is run by exactly one goroutine; the counters need no locking.
// passing and last are read by HTTP handlers.
type check struct {
	name             string
	fn               CheckFunc
	timeout          time.Duration
	failureThreshold int
	successThreshold int

	passing atomic.Bool
	last    atomic.Pointer[result]

	fails int
	oks   int
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.fn(ctx)
	c.last.Store(&result{err: err, at: time.Now()})

	if err != nil {
		c.oks = 0
		c.fails++
		if c.fails >= c.failureThreshold {
			c.passing.Store(false)
		}
		return
	}
	c.fails = 0
	c.oks++
	if c.oks >= c.successThreshold {
		c.passing.Store(true)
	}
}

func (c *check) lastError() error {
	if r := c.last.Load(); r != nil {
		return r.err
	}
	return nil
}

// Health tracks the registered checks and the manual ready flag.
type Health struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[Probe][]*check
	cancel context.CancelFunc
}

// New creates a Health that reports not ready until SetReady(true).
func New() *Health {
	return &Health{checks: make(map[Probe][]*check)}
}

// Add registers a check on probe. Checks start out passing.
func (h *Health) Add(probe Probe, name string, fn CheckFunc, opts ...CheckOption) {
	c := &check{
		name:             name,
		fn:               fn,
		timeout:          DefaultTimeout,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	c.passing.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[probe] = append(h.checks[probe], c)
}

// Start runs every registered check immediately and then every interval
// until Stop or ctx is done.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.cancel = cancel
	var all []*check
	for _, cs := range h.checks {
		all = append(all, cs...)
	}
	h.mu.Unlock()

	for _, c := range all {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			c.run(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.run(ctx)
				}
			}
		}()
	}
}

// Stop cancels the background checks. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady flips the manual readiness flag. Set false first on shutdown so
// load balancers stop routing before the listener closes.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the instance is marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	for _, c := range h.snapshot(Readiness) {
		if !c.passing.Load() {
			return false
		}
	}
	return true
}

func (h *Health) snapshot(probe Probe) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*check, len(h.checks[probe]))
	copy(out, h.checks[probe])
	return out
}

// Register mounts GET /livez and GET /readyz on mux.
func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /livez", h.LiveEndpoint)
	mux.HandleFunc("GET /readyz", h.ReadyEndpoint)
}

// LiveEndpoint answers 200 while every liveness check passes, 503 otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, true, h.snapshot(Liveness))
}

// ReadyEndpoint answers 200 when the instance is marked ready and every
// readiness check passes.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.ready.Load(), h.snapshot(Readiness))
}

// writeReport renders
//
//	{"status":"ok|unhealthy","ready":bool,"checks":{"name":{"passing":bool,"error":"..."}}}
//
// Only checks that have failed at least once carry an error.
func writeReport(w http.ResponseWriter, ready bool, checks []*check) {
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	healthy := ready
	for _, c := range checks {
		if !c.passing.Load() {
			healthy = false
		}
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("status")
	if healthy {
		e.Str("ok")
	} else {
		e.Str("unhealthy")
	}
	e.FieldStart("ready")
	e.Bool(ready)
	if len(checks) > 0 {
		e.FieldStart("checks")
		e.ObjStart()
		for _, c := range checks {
			e.FieldStart(c.name)
			e.ObjStart()
			e.FieldStart("passing")
			e.Bool(c.passing.Load())
			if err := c.lastError(); err != nil {
				e.FieldStart("error")
				e.Str(err.Error())
			}
			if r := c.last.Load(); r != nil {
				e.FieldStart("checkedAt")
				e.Str(r.at.UTC().Format(time.RFC3339))
			}
			e.ObjEnd()
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
