package addon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/metrics"
)

// Defaults for the manager.
const (
	DefaultLoadTimeout      = 30 * time.Second
	DefaultInvokeTimeout    = 30 * time.Second
	DefaultDegradeThreshold = 3
	DefaultDegradeWindow    = time.Minute
	DefaultRecoverThreshold = 3
	DefaultHealthInterval   = 30 * time.Second
)

const quarantineNamespace = "addon_quarantine"

// Config configures a Manager.
type Config struct {
	LoadTimeout   time.Duration
	InvokeTimeout time.Duration
	// DegradeThreshold consecutive errors inside DegradeWindow move a
	// Ready addon to Degraded.
	DegradeThreshold int
	DegradeWindow    time.Duration
	// RecoverThreshold consecutive successes move it back to Ready.
	RecoverThreshold int
	HealthInterval   time.Duration

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// State holds quarantine records. Optional.
	State StateStore
	Now   func() time.Time
}

type instance struct {
	def        Definition
	state      State
	since      time.Time
	handler    Handler
	lastError  string
	errTimes   []time.Time
	successes  int
	quarantine bool
	gen        uint64
	cancelLoad context.CancelFunc
}

// Manager owns every addon instance. Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	addons map[string]*instance
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultInvokeTimeout
	}
	if cfg.DegradeThreshold <= 0 {
		cfg.DegradeThreshold = DefaultDegradeThreshold
	}
	if cfg.DegradeWindow <= 0 {
		cfg.DegradeWindow = DefaultDegradeWindow
	}
	if cfg.RecoverThreshold <= 0 {
		cfg.RecoverThreshold = DefaultRecoverThreshold
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		base:       base,
		baseCancel: cancel,
		addons:     make(map[string]*instance),
	}
}

// Register adds an addon to the catalog in the Unloaded state, or in
// the Failed state if a previous run quarantined it.
func (m *Manager) Register(ctx context.Context, def Definition) error {
	if err := def.Manifest.Validate(); err != nil {
		return err
	}
	if def.Load == nil {
		return fmt.Errorf("addon %s: no loader", def.Manifest.Name)
	}

	reason := ""
	if m.cfg.State != nil {
		r, err := m.cfg.State.Get(ctx, quarantineNamespace, def.Manifest.Name)
		if err != nil {
			return fmt.Errorf("addon %s: read quarantine: %w", def.Manifest.Name, err)
		}
		reason = r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.addons[def.Manifest.Name]; ok {
		return fmt.Errorf("addon %s already registered", def.Manifest.Name)
	}
	inst := &instance{def: def, state: StateUnloaded, since: m.cfg.Now()}
	if reason != "" {
		inst.state = StateFailed
		inst.lastError = "quarantined: " + reason
		inst.quarantine = true
		m.logger.Warn("addon quarantined by a previous run", "addon", def.Manifest.Name, "reason", reason)
	}
	m.addons[def.Manifest.Name] = inst
	m.cfg.Metrics.AddonState(def.Manifest.Name, int(inst.state))
	return nil
}

// Start loads every addon marked Autoload.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.addons {
		if inst.def.Autoload && inst.state == StateUnloaded {
			m.startLoadLocked(inst)
		}
	}
}

// Load starts loading an addon and returns immediately. Loading an
// addon that is already loading or loaded is a no-op.
func (m *Manager) Load(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.addons[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddon, name)
	}
	if inst.quarantine {
		return fmt.Errorf("%w: %s (reload to clear)", ErrQuarantined, name)
	}
	if inst.state == StateUnloaded {
		m.startLoadLocked(inst)
	}
	return nil
}

func (m *Manager) startLoadLocked(inst *instance) {
	inst.gen++
	gen := inst.gen
	ctx, cancel := context.WithTimeout(m.base, m.cfg.LoadTimeout)
	inst.cancelLoad = cancel
	inst.lastError = ""
	m.setStateLocked(inst, StateLoading, "")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		h, err := m.runLoader(ctx, inst.def)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		m.finishLoad(inst, gen, h, err)
	}()
}

// runLoader calls the loader on its own goroutine so a loader that
// ignores its context still cannot hold the addon in Loading.
func (m *Manager) runLoader(ctx context.Context, def Definition) (Handler, error) {
	type result struct {
		h   Handler
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("loader panic: %v", r)}
			}
		}()
		h, err := def.Load(ctx)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		return r.h, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.h != nil {
				closeHandler(r.h)
			}
		}()
		return nil, fmt.Errorf("load abandoned: %w", ctx.Err())
	}
}

func (m *Manager) finishLoad(inst *instance, gen uint64, h Handler, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.gen != gen || inst.state != StateLoading {
		// Unloaded while loading.
		closeHandler(h)
		return
	}
	inst.cancelLoad = nil
	if err != nil {
		closeHandler(h)
		m.failLocked(inst, err)
		return
	}
	inst.handler = h
	inst.errTimes = nil
	inst.successes = 0
	m.setStateLocked(inst, StateReady, "")
	m.logger.Info("addon ready", "addon", inst.def.Manifest.Name, "version", inst.def.Manifest.Version)
}

// failLocked moves an addon to Failed, quarantines it and raises the
// alert. The process keeps running.
func (m *Manager) failLocked(inst *instance, cause error) {
	name := inst.def.Manifest.Name
	inst.lastError = cause.Error()
	inst.quarantine = true
	m.setStateLocked(inst, StateFailed, cause.Error())
	m.logger.Error("addon failed", "addon", name, "error", cause)

	if m.cfg.State != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.cfg.State.Set(ctx, quarantineNamespace, name, cause.Error()); err != nil {
			m.logger.Error("persist addon quarantine", "addon", name, "error", err)
		}
		cancel()
	}

	m.publish(events.TypeAddonFailed, FailedEvent{
		Name:    name,
		Version: inst.def.Manifest.Version,
		Error:   cause.Error(),
	})
}

// Unload moves an addon to Unloaded from any state, cancelling a load
// in progress and closing the handler. A quarantine record survives
// unload.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.addons[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddon, name)
	}
	m.unloadLocked(inst)
	return nil
}

func (m *Manager) unloadLocked(inst *instance) {
	if inst.state == StateUnloaded {
		return
	}
	inst.gen++
	if inst.cancelLoad != nil {
		inst.cancelLoad()
		inst.cancelLoad = nil
	}
	closeHandler(inst.handler)
	inst.handler = nil
	inst.errTimes = nil
	inst.successes = 0
	m.setStateLocked(inst, StateUnloaded, "")
}

// Reload clears any quarantine, unloads the addon and loads it again.
// It is the only way out of Failed.
func (m *Manager) Reload(ctx context.Context, name string) error {
	m.mu.Lock()
	inst, ok := m.addons[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddon, name)
	}

	if m.cfg.State != nil {
		if err := m.cfg.State.Delete(ctx, quarantineNamespace, name); err != nil {
			return fmt.Errorf("clear quarantine: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inst.quarantine = false
	inst.lastError = ""
	m.unloadLocked(inst)
	m.startLoadLocked(inst)
	m.logger.Info("addon reload requested", "addon", name)
	return nil
}

// Route returns the name of the addon whose manifest best covers typ.
// The longest matching supported type wins.
func (m *Manager) Route(typ string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.routeLocked(typ)
	if inst == nil {
		return "", false
	}
	return inst.def.Manifest.Name, true
}

func (m *Manager) routeLocked(typ string) *instance {
	var (
		best    *instance
		bestLen = -1
	)
	for _, inst := range m.addons {
		n := inst.def.Manifest.match(typ)
		if n > bestLen || (n == bestLen && n >= 0 && inst.def.Manifest.Name < best.def.Manifest.Name) {
			best, bestLen = inst, n
		}
	}
	if bestLen < 0 {
		return nil
	}
	return best
}

// Invoke routes env to its addon and runs the handler. While the addon
// is loading (or has just been asked to load on demand) it returns
// ErrLoading; a Failed addon yields an AddonUnavailable error.
func (m *Manager) Invoke(ctx context.Context, env events.Envelope) (json.RawMessage, error) {
	m.mu.Lock()
	inst := m.routeLocked(env.Type)
	if inst == nil {
		m.mu.Unlock()
		return nil, errs.Wrap(errs.KindValidation, "addon.route", fmt.Errorf("%w %q", ErrNoRoute, env.Type))
	}
	name := inst.def.Manifest.Name

	switch inst.state {
	case StateLoading:
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrLoading)
	case StateUnloaded:
		if inst.quarantine {
			m.mu.Unlock()
			return nil, errs.AddonUnavailable(name, ErrQuarantined)
		}
		m.startLoadLocked(inst)
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrLoading)
	case StateFailed:
		last := inst.lastError
		m.mu.Unlock()
		return nil, errs.AddonUnavailable(name, errors.New(last))
	}
	h, gen := inst.handler, inst.gen
	m.mu.Unlock()

	if !h.Supports(env.Type) {
		return nil, errs.Validationf("addon."+name, "type %q not supported", env.Type)
	}

	ictx, cancel := context.WithTimeout(ctx, m.cfg.InvokeTimeout)
	defer cancel()
	result, err := safeHandle(ictx, h, env)
	if err != nil && ictx.Err() != nil && ctx.Err() == nil {
		err = errs.Transient("addon."+name, fmt.Errorf("invoke timed out after %s: %w", m.cfg.InvokeTimeout, err))
	}

	m.record(inst, gen, err, ctx.Err() != nil)
	if err != nil {
		m.cfg.Metrics.AddonInvoked(name, "error")
		return nil, fmt.Errorf("addon %s: %w", name, err)
	}
	m.cfg.Metrics.AddonInvoked(name, "ok")
	return result, nil
}

func safeHandle(ctx context.Context, h Handler, env events.Envelope) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, env)
}

// record feeds an invocation or health check outcome into the degrade
// and recover counters. Caller cancellations and validation errors say
// nothing about the addon's health and are ignored.
func (m *Manager) record(inst *instance, gen uint64, err error, callerGone bool) {
	if callerGone || errs.IsValidation(err) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if inst.gen != gen || (inst.state != StateReady && inst.state != StateDegraded) {
		return
	}
	now := m.cfg.Now()

	if err == nil {
		inst.errTimes = inst.errTimes[:0]
		if inst.state == StateDegraded {
			inst.successes++
			if inst.successes >= m.cfg.RecoverThreshold {
				inst.successes = 0
				inst.lastError = ""
				m.setStateLocked(inst, StateReady, "")
			}
		}
		return
	}

	inst.successes = 0
	inst.lastError = err.Error()
	cutoff := now.Add(-m.cfg.DegradeWindow)
	kept := inst.errTimes[:0]
	for _, t := range inst.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	inst.errTimes = append(kept, now)

	if inst.state == StateReady && len(inst.errTimes) >= m.cfg.DegradeThreshold {
		m.setStateLocked(inst, StateDegraded, err.Error())
		m.logger.Warn("addon degraded",
			"addon", inst.def.Manifest.Name,
			"errors", len(inst.errTimes),
			"window", m.cfg.DegradeWindow,
			"error", err,
		)
	}
}

// RunHealthChecks calls Check on every Ready or Degraded addon that
// implements HealthChecker, once per health interval, until ctx ends.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one round of health checks.
func (m *Manager) CheckHealth(ctx context.Context) {
	type target struct {
		inst *instance
		hc   HealthChecker
		gen  uint64
	}
	m.mu.Lock()
	var targets []target
	for _, inst := range m.addons {
		if inst.state != StateReady && inst.state != StateDegraded {
			continue
		}
		if hc, ok := inst.handler.(HealthChecker); ok {
			targets = append(targets, target{inst, hc, inst.gen})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.InvokeTimeout)
		err := t.hc.Check(cctx)
		cancel()
		if err != nil {
			m.logger.Debug("addon health check failed", "addon", t.inst.def.Manifest.Name, "error", err)
			err = errs.Transient("addon."+t.inst.def.Manifest.Name+".check", err)
		}
		m.record(t.inst, t.gen, err, ctx.Err() != nil)
	}
}

// Status returns a snapshot of one addon.
func (m *Manager) Status(name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.addons[name]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownAddon, name)
	}
	return statusOf(inst), nil
}

// List returns every addon ordered by name.
func (m *Manager) List() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.addons))
	for _, inst := range m.addons {
		out = append(out, statusOf(inst))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SupportedTypes returns every supported type in the catalog, sorted.
func (m *Manager) SupportedTypes() []string {
	m.mu.Lock()
	seen := make(map[string]struct{})
	for _, inst := range m.addons {
		for _, t := range inst.def.Manifest.SupportedTypes {
			seen[t] = struct{}{}
		}
	}
	m.mu.Unlock()
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close unloads every addon and waits for loaders to return.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, inst := range m.addons {
		m.unloadLocked(inst)
	}
	m.mu.Unlock()
	m.baseCancel()
	m.wg.Wait()
	return nil
}

func statusOf(inst *instance) Status {
	return Status{
		Name:              inst.def.Manifest.Name,
		Version:           inst.def.Manifest.Version,
		SupportedTypes:    append([]string(nil), inst.def.Manifest.SupportedTypes...),
		State:             inst.state,
		Since:             inst.since,
		LastError:         inst.lastError,
		ConsecutiveErrors: len(inst.errTimes),
		Quarantined:       inst.quarantine,
	}
}

func (m *Manager) setStateLocked(inst *instance, to State, reason string) {
	from := inst.state
	if from == to {
		return
	}
	inst.state = to
	inst.since = m.cfg.Now()
	m.cfg.Metrics.AddonState(inst.def.Manifest.Name, int(to))
	m.logger.Debug("addon state changed", "addon", inst.def.Manifest.Name, "from", from, "to", to)
	m.publish(events.TypeAddonState, StateEvent{
		Name:    inst.def.Manifest.Name,
		Version: inst.def.Manifest.Version,
		From:    from,
		To:      to,
		Error:   reason,
	})
}

func (m *Manager) publish(typ string, payload any) {
	env, err := events.New(typ, events.SourceAddons, payload)
	if err != nil {
		m.logger.Error("build addon event", "type", typ, "error", err)
		return
	}
	m.cfg.Bus.Publish(env)
}

func closeHandler(h Handler) {
	if c, ok := h.(io.Closer); ok {
		_ = c.Close()
	}
}
