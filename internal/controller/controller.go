// Package controller implements the model lifecycle state machine: the
// orchestrator's core. Grounded on original_source/core/model_controller.py
// (state machine, admission/eviction loop, idle reaper), restructured onto
// the teacher's internal/lifecycle.Manager shape (per-instance mutex plus
// manager-level map and a registered state-change callback).
package controller

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llmorch/orchd/internal/config"
	"github.com/llmorch/orchd/internal/device"
	"github.com/llmorch/orchd/internal/iface"
	"github.com/llmorch/orchd/internal/ringlog"
	"github.com/llmorch/orchd/internal/supervisor"
)

type Status string

const (
	Stopped     Status = "stopped"
	Starting    Status = "starting"
	InitScript  Status = "init_script"
	HealthCheck Status = "health_check"
	Routing     Status = "routing"
	Failed      Status = "failed"
)

func isLoadingStatus(s Status) bool {
	return s == Starting || s == InitScript || s == HealthCheck
}

const (
	probeDeadline   = 300 * time.Second
	evictionAttempts = 3
	evictionSleep   = 2 * time.Second
	loadWaitDeadline = 5 * time.Minute
)

// ProcessStarter is the subset of *supervisor.Supervisor the controller
// depends on; a fake satisfies this in tests.
type ProcessStarter interface {
	Start(ctx context.Context, spec supervisor.ProcessSpec) (*supervisor.ProcessRecord, error)
	Stop(name string, force bool, timeout time.Duration) error
	Get(name string) (supervisor.ProcessRecord, bool)
}

// LedgerWriter is the subset of *ledger.DB the controller writes to.
type LedgerWriter interface {
	RecordRuntimeStart(ctx context.Context, modelName string, start time.Time) (int64, error)
	RecordRuntimeEnd(ctx context.Context, modelName string, rowID int64, end time.Time) error
}

// MetricsSink is the subset of *metrics.Metrics the controller reports to.
type MetricsSink interface {
	SetPending(model string, n int)
	ObserveLoadWaitSeconds(seconds float64)
}

// Model is one managed model's live state.
type Model struct {
	mu sync.Mutex

	PrimaryName   string
	Status        Status
	LastAccess    time.Time
	PendingCount  int
	ActiveConfig  *config.AdaptiveConfig
	FailureReason string
	Log           *ringlog.Buffer

	runtimeRowID int64
}

// ModelStatus is the public, lock-free snapshot returned by ListStatus.
type ModelStatus struct {
	PrimaryName   string
	Status        Status
	LastAccess    time.Time
	PendingCount  int
	ConfigSource  string
	FailureReason string
}

type Controller struct {
	mu     sync.Mutex
	models map[string]*Model

	loadLock  sync.Mutex
	loadCond  *sync.Cond
	loadOwner string // primary name currently loading; "" if none

	devices    *device.Registry
	ifaces     *iface.Registry
	supervisor ProcessStarter
	cfg        config.Provider
	ledger     LedgerWriter
	metrics    MetricsSink

	idleStop chan struct{}
	idleOnce sync.Once
}

// New constructs a Controller. sup may be nil if the supervisor instance
// depends on this Controller's OnProcessDeath method value (which is valid
// to take before the controller is fully wired) — call SetSupervisor once
// the supervisor exists.
func New(cfg config.Provider, devices *device.Registry, ifaces *iface.Registry, sup ProcessStarter, led LedgerWriter) *Controller {
	c := &Controller{
		models:     make(map[string]*Model),
		devices:    devices,
		ifaces:     ifaces,
		supervisor: sup,
		cfg:        cfg,
		ledger:     led,
		idleStop:   make(chan struct{}),
	}
	c.loadCond = sync.NewCond(&c.loadLock)
	go c.idleReapLoop()
	return c
}

// SetSupervisor wires the process starter after construction, for the case
// where the supervisor itself needs this Controller's OnProcessDeath as its
// death callback.
func (c *Controller) SetSupervisor(sup ProcessStarter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supervisor = sup
}

// SetMetrics wires the metrics sink after construction, mirroring
// SetSupervisor, since the metrics registry is built after the controller in
// cmd/orchd/main.go's startup sequence.
func (c *Controller) SetMetrics(m MetricsSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// OnProcessDeath is registered with the supervisor as its death callback.
// The supervisor refers to processes by logical name only, never a direct
// handle, so this is safe to call without any process-specific context.
func (c *Controller) OnProcessDeath(name string) {
	m := c.getOrCreate(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Status != Stopped {
		m.Status = Stopped
		if c.ledger != nil && m.runtimeRowID != 0 {
			_ = c.ledger.RecordRuntimeEnd(context.Background(), name, m.runtimeRowID, time.Now())
			m.runtimeRowID = 0
		}
	}
}

func (c *Controller) getOrCreate(primaryName string) *Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[primaryName]
	if !ok {
		m = &Model{PrimaryName: primaryName, Status: Stopped, Log: ringlog.New(200)}
		c.models[primaryName] = m
	}
	return m
}

// StartModel ensures primaryName reaches Routing, serialized through the
// global load lock. A caller that finds primaryName itself already loading
// polls its status via waitForLoad without holding any lock; a caller whose
// turn is blocked by another load waits on loadCond, which is broadcast when
// the load lock's owner releases it.
func (c *Controller) StartModel(ctx context.Context, primaryName string) (bool, string) {
	m := c.getOrCreate(primaryName)

	m.mu.Lock()
	switch m.Status {
	case Routing:
		m.mu.Unlock()
		return true, "already routing"
	case Starting, InitScript, HealthCheck:
		m.mu.Unlock()
		if ok, reason := c.waitForLoad(ctx, primaryName); ok {
			return true, reason
		}
		// predecessor failed or stopped; fall through to attempt our own load
		m.mu.Lock()
	}
	m.mu.Unlock()

	// The load lock is process-wide, not per-model (spec §4.D: "at most one
	// model may be in states {starting, init_script, health_check} at any
	// time"): wait for loadOwner to go empty, not just for primaryName's own
	// slot, so two different models can never load concurrently.
	waitStart := time.Now()
	c.loadLock.Lock()
	for c.loadOwner != "" {
		c.loadCond.Wait()
	}
	c.loadOwner = primaryName
	c.loadLock.Unlock()
	if c.metrics != nil {
		c.metrics.ObserveLoadWaitSeconds(time.Since(waitStart).Seconds())
	}

	defer func() {
		c.loadLock.Lock()
		c.loadOwner = ""
		c.loadCond.Broadcast()
		c.loadLock.Unlock()
	}()

	m.mu.Lock()
	if m.Status == Routing {
		m.mu.Unlock()
		return true, "already routing"
	}
	m.Status = Starting
	m.FailureReason = ""
	m.mu.Unlock()

	ok, reason := c.bootModel(ctx, m)
	return ok, reason
}

// waitForLoad blocks until primaryName leaves its loading states, then
// reports whether it landed in Routing.
func (c *Controller) waitForLoad(ctx context.Context, primaryName string) (bool, string) {
	deadline := time.Now().Add(loadWaitDeadline)
	m := c.getOrCreate(primaryName)
	for {
		m.mu.Lock()
		status := m.Status
		m.mu.Unlock()
		if !isLoadingStatus(status) {
			return status == Routing, string(status)
		}
		if time.Now().After(deadline) {
			return false, "timed out waiting for concurrent load"
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err().Error()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Controller) bootModel(ctx context.Context, m *Model) (bool, string) {
	online := c.devices.OnlineSet(ctx)

	var ac *config.AdaptiveConfig
	ok := false
	if c.cfg.Program().DisableGPUMonitoring {
		ac, ok = c.cfg.AdaptiveConfig(m.PrimaryName, allDeviceNames(c.cfg))
	} else {
		ac, ok = c.cfg.AdaptiveConfig(m.PrimaryName, online)
	}
	if !ok {
		return c.fail(m, "no adaptive configuration satisfies the currently online devices")
	}

	if !c.cfg.Program().DisableGPUMonitoring {
		if !c.admitResources(ctx, m.PrimaryName, ac) {
			return c.fail(m, "insufficient device memory after eviction attempts")
		}
	}

	m.mu.Lock()
	m.ActiveConfig = ac
	m.mu.Unlock()

	dir := filepath.Dir(ac.ScriptPath)
	rec, err := c.supervisor.Start(ctx, supervisor.ProcessSpec{
		Name:    m.PrimaryName,
		Command: ac.ScriptPath,
		Dir:     dir,
		LogSink: m.Log,
	})
	if err != nil {
		return c.fail(m, fmt.Sprintf("spawn failed: %v", err))
	}
	_ = rec

	m.mu.Lock()
	m.Status = InitScript
	m.mu.Unlock()

	if c.ledger != nil {
		if id, err := c.ledger.RecordRuntimeStart(ctx, m.PrimaryName, time.Now()); err == nil {
			m.mu.Lock()
			m.runtimeRowID = id
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	m.Status = HealthCheck
	m.mu.Unlock()

	plugin, ok := c.ifaces.Get(iface.Mode(ac.Mode))
	if !ok {
		return c.fail(m, fmt.Sprintf("no interface plugin for mode %q", ac.Mode))
	}

	deadline := time.Now().Add(probeDeadline)
	if healthy, reason := plugin.HealthCheck(ctx, m.PrimaryName, ac.Port, deadline); !healthy {
		_ = c.supervisor.Stop(m.PrimaryName, true, 5*time.Second)
		return c.fail(m, reason)
	}

	m.mu.Lock()
	m.Status = Routing
	m.LastAccess = time.Now()
	m.mu.Unlock()
	return true, "routing"
}

func (c *Controller) fail(m *Model, reason string) (bool, string) {
	m.mu.Lock()
	m.Status = Failed
	m.FailureReason = reason
	m.mu.Unlock()
	log.Printf("controller: model %s failed to start: %s", m.PrimaryName, reason)
	return false, reason
}

func allDeviceNames(cfg config.Provider) map[string]struct{} {
	out := map[string]struct{}{}
	for _, d := range cfg.Devices() {
		out[d.Name] = struct{}{}
	}
	return out
}

// admitResources attempts, up to evictionAttempts times, to find enough
// free memory on ac's required devices, stopping the single oldest idle
// model between attempts when it doesn't.
func (c *Controller) admitResources(ctx context.Context, primaryName string, ac *config.AdaptiveConfig) bool {
	for attempt := 0; attempt < evictionAttempts; attempt++ {
		if c.hasDeficit(ctx, ac) {
			if attempt == evictionAttempts-1 {
				return false
			}
			if !c.stopOldestIdle(primaryName) {
				return false
			}
			time.Sleep(evictionSleep)
			continue
		}
		return true
	}
	return false
}

func (c *Controller) hasDeficit(ctx context.Context, ac *config.AdaptiveConfig) bool {
	for devName, needMB := range ac.MemoryMB {
		_, available, _, ok := c.devices.MemoryInfo(ctx, devName)
		if !ok || available < needMB {
			return true
		}
	}
	return false
}

// stopOldestIdle stops the idle (Routing, PendingCount==0) model with the
// oldest LastAccess, excluding except. Returns false if no candidate exists.
func (c *Controller) stopOldestIdle(except string) bool {
	c.mu.Lock()
	var candidates []*Model
	for name, m := range c.models {
		if name == except {
			continue
		}
		m.mu.Lock()
		if m.Status == Routing && m.PendingCount == 0 {
			candidates = append(candidates, m)
		}
		m.mu.Unlock()
	}
	c.mu.Unlock()

	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})
	victim := candidates[0]
	_, _ = c.StopModel(context.Background(), victim.PrimaryName)
	return true
}

// StopModel stops a running model. Idempotent.
func (c *Controller) StopModel(ctx context.Context, primaryName string) (bool, string) {
	m := c.getOrCreate(primaryName)
	m.mu.Lock()
	if m.Status == Stopped {
		m.mu.Unlock()
		return true, "already stopped"
	}
	rowID := m.runtimeRowID
	m.runtimeRowID = 0
	m.mu.Unlock()

	if err := c.supervisor.Stop(primaryName, false, 3*time.Second); err != nil {
		return false, fmt.Sprintf("stop failed: %v", err)
	}

	if c.ledger != nil && rowID != 0 {
		_ = c.ledger.RecordRuntimeEnd(ctx, primaryName, rowID, time.Now())
	}

	m.mu.Lock()
	m.Status = Stopped
	m.ActiveConfig = nil
	m.mu.Unlock()
	return true, "stopped"
}

// UnloadAll stops every non-stopped model in parallel.
func (c *Controller) UnloadAll(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.models))
	for name, m := range c.models {
		m.mu.Lock()
		if m.Status != Stopped {
			names = append(names, name)
		}
		m.mu.Unlock()
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			c.StopModel(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller) IncrementPending(primaryName string) {
	m := c.getOrCreate(primaryName)
	m.mu.Lock()
	m.PendingCount++
	m.LastAccess = time.Now()
	n := m.PendingCount
	m.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetPending(primaryName, n)
	}
}

func (c *Controller) MarkRequestCompleted(primaryName string) {
	m := c.getOrCreate(primaryName)
	m.mu.Lock()
	m.PendingCount--
	if m.PendingCount < 0 {
		m.PendingCount = 0
	}
	m.LastAccess = time.Now()
	n := m.PendingCount
	m.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetPending(primaryName, n)
	}
}

func (c *Controller) ListStatus() []ModelStatus {
	c.mu.Lock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	out := make([]ModelStatus, 0, len(names))
	for _, name := range names {
		m := c.getOrCreate(name)
		m.mu.Lock()
		src := ""
		if m.ActiveConfig != nil {
			src = m.ActiveConfig.ConfigSource
		}
		out = append(out, ModelStatus{
			PrimaryName:   m.PrimaryName,
			Status:        m.Status,
			LastAccess:    m.LastAccess,
			PendingCount:  m.PendingCount,
			ConfigSource:  src,
			FailureReason: m.FailureReason,
		})
		m.mu.Unlock()
	}
	return out
}

func (c *Controller) GetLog(primaryName string) []string {
	m := c.getOrCreate(primaryName)
	return m.Log.Lines()
}

// StartAutoStartModels fires off a non-blocking start for every model
// configured with auto_start: true.
func (c *Controller) StartAutoStartModels(ctx context.Context) {
	for _, name := range c.cfg.AutoStartModels() {
		name := name
		go func() {
			if ok, reason := c.StartModel(ctx, name); !ok {
				log.Printf("controller: auto-start of %s failed: %s", name, reason)
			}
		}()
	}
}

func (c *Controller) idleReapLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-c.idleStop:
			return
		case <-t.C:
			c.reapIdle()
		}
	}
}

func (c *Controller) reapIdle() {
	aliveMinutes := c.cfg.Program().AliveTimeMinutes
	if aliveMinutes <= 0 {
		return
	}
	cutoff := time.Duration(aliveMinutes) * time.Minute

	c.mu.Lock()
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		m := c.getOrCreate(name)
		m.mu.Lock()
		idle := m.Status == Routing && m.PendingCount == 0 && time.Since(m.LastAccess) > cutoff
		m.mu.Unlock()
		if idle {
			c.StopModel(context.Background(), name)
		}
	}
}

func (c *Controller) Shutdown(ctx context.Context) {
	c.idleOnce.Do(func() { close(c.idleStop) })
	c.UnloadAll(ctx)
}
