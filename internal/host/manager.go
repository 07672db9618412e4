// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package host holds the unit registry and is the single entry point the
// application calls to manage unit lifecycles. It owns enable/disable,
// autostart and ordering metadata and persists them in the global
// configuration document.
package host

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/unithost/unithost/internal/configstore"
	"github.com/unithost/unithost/internal/supervisor"
	"github.com/unithost/unithost/pkg/errutil"
	"github.com/unithost/unithost/pkg/param"
	"github.com/unithost/unithost/pkg/unit"
)

// DefaultStartOrder sorts units without an explicit start order after all
// units that have one.
const DefaultStartOrder = 999

// defaultJoinTimeout bounds each join during Shutdown.
const defaultJoinTimeout = 5 * time.Second

// Publisher is the event sink the manager emits warnings into.
type Publisher interface {
	Publish(unit.Event)
}

// Settings is the persisted per-unit metadata kept in the global document.
type Settings struct {
	Enabled    bool
	Autostart  bool
	StartOrder int
}

func defaultSettings() Settings {
	return Settings{Enabled: true, Autostart: false, StartOrder: DefaultStartOrder}
}

// entry is one registered unit.
type entry struct {
	u            unit.Unit
	schema       param.Schema
	hasSchema    bool
	regIndex     int
	surfaceBuilt bool
}

// Info is a read-only snapshot of one registered unit.
type Info struct {
	ID          string
	Name        string
	Description string
	Status      unit.Status
	Enabled     bool
	Autostart   bool
	StartOrder  int
	Uptime      time.Duration
	Interactive bool
}

// Manager is the unit registry. All mutation happens through it; worker
// goroutines never touch the registry directly.
type Manager struct {
	log         *slog.Logger
	store       *configstore.Store
	sup         *supervisor.Supervisor
	bus         Publisher
	joinTimeout time.Duration

	mu       sync.Mutex
	units    map[string]*entry
	settings map[string]Settings
	order    []string
	seq      int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithJoinTimeout bounds how long Shutdown waits on each unit.
func WithJoinTimeout(d time.Duration) Option {
	return func(m *Manager) { m.joinTimeout = d }
}

// New creates a Manager backed by the given store and supervisor. Unit
// metadata is read from the store's global document; an unreadable
// document degrades to defaults with a warning.
func New(store *configstore.Store, sup *supervisor.Supervisor, bus Publisher, opts ...Option) *Manager {
	m := &Manager{
		log:         slog.Default(),
		store:       store,
		sup:         sup,
		bus:         bus,
		joinTimeout: defaultJoinTimeout,
		units:       make(map[string]*entry),
		settings:    make(map[string]Settings),
	}
	for _, opt := range opts {
		opt(m)
	}

	doc, err := store.LoadGlobal(nil)
	if err != nil {
		errutil.LogWarn(m.log, "global config unreadable, starting from defaults", err)
	}
	m.settings, m.order = decodeGlobal(doc.Body)
	return m
}

var idStrip = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a stable unit id from a human-readable name.
func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = idStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// RegisterOption adjusts how one unit is registered.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	initial *Settings
}

// WithInitialSettings seeds the unit's metadata when no persisted settings
// exist yet. Settings already in the global document always win, so a
// manifest default never overrides an operator's choice.
func WithInitialSettings(s Settings) RegisterOption {
	return func(c *registerConfig) { c.initial = &s }
}

// Register adds a unit to the registry and assigns its id, derived from
// the unit's name. A unit with a parameter schema is rejected unless the
// schema is well formed. Id collisions are rejected.
func (m *Manager) Register(u unit.Unit, opts ...RegisterOption) (string, error) {
	var cfg registerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := slugify(u.Name())
	if id == "" {
		return "", oops.
			In("host").
			With("name", u.Name()).
			Errorf("unit name does not yield a usable id")
	}

	e := &entry{u: u}
	if pu, ok := u.(unit.Parameterized); ok {
		if schema := pu.Parameters(); schema != nil {
			if err := schema.Validate(); err != nil {
				return "", oops.
					In("host").
					With("unit", id).
					Wrapf(err, "unit %q declares an invalid parameter schema", id)
			}
			e.schema = schema
			e.hasSchema = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.units[id]; exists {
		return "", oops.
			Code("UNIT_ALREADY_REGISTERED").
			In("host").
			With("unit", id).
			Errorf("unit id %q is already registered", id)
	}
	e.regIndex = m.seq
	m.seq++
	m.units[id] = e
	if _, ok := m.settings[id]; !ok {
		if cfg.initial != nil {
			m.settings[id] = *cfg.initial
		} else {
			m.settings[id] = defaultSettings()
		}
	}

	m.log.Info("unit registered", "unit", id, "name", u.Name())
	return id, nil
}

// Unregister stops a unit if needed, drops it from the registry, and
// purges its persisted configuration and metadata. A run that cannot be
// joined within ctx aborts the unregister.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}

	if m.sup.Status(id).Active() {
		m.sup.Stop(id)
		if err := m.sup.Join(ctx, id); err != nil {
			return err
		}
	}
	if err := m.sup.Forget(id); err != nil {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, id)
	delete(m.settings, id)
	m.order = removeString(m.order, id)
	m.log.Info("unit unregistered", "unit", id)
	return m.persistGlobalLocked()
}

// Start resolves the unit's parameters from its persisted configuration
// and launches it. A corrupt config document degrades to schema defaults;
// that and every parameter substitution surface as warning events.
// Starting a unit that is already starting or running is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	var values param.Values
	if e.hasSchema {
		doc, err := m.store.Load(id, defaultsFor(e))
		if err != nil {
			errutil.LogWarn(m.log, "unit config unreadable, using defaults", err)
			m.bus.Publish(unit.WarningEvent(id, "configuration unreadable, falling back to defaults"))
		}
		persisted, _ := doc.Body["params"].(map[string]any)

		var warnings []param.Warning
		values, warnings = param.Resolve(e.schema, persisted)
		for _, w := range warnings {
			m.log.Warn("parameter value substituted", "unit", id, "parameter", w.Parameter, "reason", w.Message)
			m.bus.Publish(unit.WarningEvent(id, w.String()))
		}
	}

	return m.sup.Start(ctx, id, e.u, values)
}

// Stop requests the unit to wind down. Stopping an inactive unit is a
// no-op.
func (m *Manager) Stop(id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	m.sup.Stop(id)
	return nil
}

// Join waits for the unit's current run to exit, bounded by ctx.
func (m *Manager) Join(ctx context.Context, id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	return m.sup.Join(ctx, id)
}

// Restart stops the unit, waits for it within ctx, and starts it again
// with freshly resolved parameters.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	if err := m.Join(ctx, id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// Status reports the lifecycle state of the unit.
func (m *Manager) Status(id string) (unit.Status, error) {
	if _, err := m.lookup(id); err != nil {
		return "", err
	}
	return m.sup.Status(id), nil
}

// History returns the unit's most recent run log, oldest first.
func (m *Manager) History(id string) ([]string, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return m.sup.History(id), nil
}

// Enable marks the unit eligible for autostart and persists the change.
// It does not start the unit.
func (m *Manager) Enable(id string) error {
	return m.updateSettings(id, func(s *Settings) { s.Enabled = true })
}

// Disable clears the unit's enabled flag and persists the change. A
// running unit keeps running; disabling only gates future autostarts.
func (m *Manager) Disable(id string) error {
	return m.updateSettings(id, func(s *Settings) { s.Enabled = false })
}

// SetAutostart persists whether the unit launches with the host.
func (m *Manager) SetAutostart(id string, on bool) error {
	return m.updateSettings(id, func(s *Settings) { s.Autostart = on })
}

// SetStartOrder persists the unit's autostart priority; lower starts
// earlier.
func (m *Manager) SetStartOrder(id string, order int) error {
	return m.updateSettings(id, func(s *Settings) { s.StartOrder = order })
}

func (m *Manager) updateSettings(id string, apply func(*Settings)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[id]; !ok {
		return notFound(id)
	}
	s := m.settings[id]
	apply(&s)
	m.settings[id] = s
	return m.persistGlobalLocked()
}

// Settings returns the persisted metadata for the unit.
func (m *Manager) Settings(id string) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[id]; !ok {
		return Settings{}, notFound(id)
	}
	return m.settings[id], nil
}

// SetOrder persists the display order of the registry. Every id must be
// registered; units left out keep their registration order after the
// listed ones.
func (m *Manager) SetOrder(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := m.units[id]; !ok {
			return notFound(id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ordered = append(ordered, id)
	}
	m.order = ordered
	return m.persistGlobalLocked()
}

// Order returns the effective registry order: the persisted order first,
// then any remaining units by registration order.
func (m *Manager) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderLocked()
}

func (m *Manager) orderLocked() []string {
	out := make([]string, 0, len(m.units))
	listed := make(map[string]bool, len(m.order))
	for _, id := range m.order {
		if _, ok := m.units[id]; ok {
			out = append(out, id)
			listed[id] = true
		}
	}
	rest := make([]string, 0, len(m.units))
	for id := range m.units {
		if !listed[id] {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		return m.units[rest[i]].regIndex < m.units[rest[j]].regIndex
	})
	return append(out, rest...)
}

// List returns a snapshot of every registered unit in registry order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ids := m.orderLocked()
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		e := m.units[id]
		s := m.settings[id]
		_, interactive := e.u.(unit.Interactive)
		infos = append(infos, Info{
			ID:          id,
			Name:        e.u.Name(),
			Description: e.u.Description(),
			Enabled:     s.Enabled,
			Autostart:   s.Autostart,
			StartOrder:  s.StartOrder,
			Interactive: interactive,
		})
	}
	m.mu.Unlock()

	// Status and uptime come from the supervisor outside the registry
	// lock; they are point-in-time snapshots anyway.
	for i := range infos {
		infos[i].Status = m.sup.Status(infos[i].ID)
		infos[i].Uptime = m.sup.Uptime(infos[i].ID)
	}
	return infos
}

// Schema returns the unit's parameter schema, or nil when it declares
// none.
func (m *Manager) Schema(id string) (param.Schema, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !e.hasSchema {
		return nil, nil
	}
	return e.schema, nil
}

// AutostartAll starts every enabled unit whose autostart flag is set, in
// persisted start order. A unit still winding down from a previous run is
// retried with backoff; individual failures are aggregated, never abort
// the rest.
func (m *Manager) AutostartAll(ctx context.Context) error {
	m.mu.Lock()
	type candidate struct {
		id    string
		order int
		pos   int
	}
	pos := make(map[string]int)
	for i, id := range m.orderLocked() {
		pos[id] = i
	}
	var candidates []candidate
	for id := range m.units {
		s := m.settings[id]
		if s.Enabled && s.Autostart {
			candidates = append(candidates, candidate{id: id, order: s.StartOrder, pos: pos[id]})
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].order != candidates[j].order {
			return candidates[i].order < candidates[j].order
		}
		return candidates[i].pos < candidates[j].pos
	})

	var errs []error
	for _, c := range candidates {
		backoff := retry.WithMaxRetries(5, retry.NewExponential(50*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			startErr := m.Start(ctx, c.id)
			if errutil.CodeOf(startErr) == "UNIT_STOPPING" {
				return retry.RetryableError(startErr)
			}
			return startErr
		})
		if err != nil {
			errutil.LogError(m.log, "autostart failed", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadConfig loads the unit's configuration document merged over the
// given defaults; nil defaults mean the unit's schema defaults.
func (m *Manager) LoadConfig(id string, defaults map[string]any) (configstore.Document, error) {
	e, err := m.lookup(id)
	if err != nil {
		return configstore.Document{}, err
	}
	if defaults == nil {
		defaults = defaultsFor(e)
	}
	return m.store.Load(id, defaults)
}

// SaveConfig persists the unit's configuration document. Parameter values
// of an in-flight run fill any params the document leaves unset, so live
// state survives a host restart; keys present in the document always win.
func (m *Manager) SaveConfig(id string, doc configstore.Document) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}

	if live := m.sup.Params(id); len(live) > 0 {
		if doc.Body == nil {
			doc.Body = make(map[string]any)
		}
		params, _ := doc.Body["params"].(map[string]any)
		if params == nil {
			params = make(map[string]any)
		}
		for k, v := range live {
			if _, ok := params[k]; !ok {
				params[k] = v
			}
		}
		doc.Body["params"] = params
	}

	return m.store.Save(id, doc)
}

// BuildSurface constructs the unit's interactive surface. It must be
// called from the host's UI-owning goroutine, never from a worker, and
// succeeds at most once per registered unit.
func (m *Manager) BuildSurface(id string) (unit.Surface, error) {
	m.mu.Lock()
	e, ok := m.units[id]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(id)
	}
	iu, interactive := e.u.(unit.Interactive)
	if !interactive {
		m.mu.Unlock()
		return nil, oops.
			Code("NOT_INTERACTIVE").
			In("host").
			With("unit", id).
			Errorf("unit %q has no interactive surface", id)
	}
	if e.surfaceBuilt {
		m.mu.Unlock()
		return nil, oops.
			Code("SURFACE_ALREADY_BUILT").
			In("host").
			With("unit", id).
			Errorf("surface for unit %q was already built", id)
	}
	m.mu.Unlock()

	surface, err := iu.BuildSurface()
	if err != nil {
		return nil, oops.
			In("host").
			With("unit", id).
			Wrapf(err, "building surface for unit %q", id)
	}

	m.mu.Lock()
	e.surfaceBuilt = true
	m.mu.Unlock()
	return surface, nil
}

// Shutdown stops every active unit and joins each with a bounded timeout.
// Failures are collected and returned together; one stuck unit never
// blocks the rest of the shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	ids := m.sup.ActiveIDs()
	for _, id := range ids {
		m.sup.Stop(id)
	}

	var errs []error
	for _, id := range ids {
		joinCtx, cancel := context.WithTimeout(ctx, m.joinTimeout)
		err := m.sup.Join(joinCtx, id)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return oops.
			In("host").
			With("units", len(errs)).
			Wrapf(err, "shutdown left %d unit(s) unjoined", len(errs))
	}
	m.log.Info("all units stopped")
	return nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.units[id]
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

func notFound(id string) error {
	return oops.
		Code("UNIT_NOT_FOUND").
		In("host").
		With("unit", id).
		Errorf("unit %q is not registered", id)
}

// defaultsFor builds the config defaults document for a unit: its schema
// defaults under the params key.
func defaultsFor(e *entry) map[string]any {
	if !e.hasSchema {
		return map[string]any{}
	}
	params := make(map[string]any, len(e.schema))
	for _, f := range e.schema {
		if f.Default != nil {
			params[f.Name] = f.Default
		}
	}
	return map[string]any{"params": params}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
