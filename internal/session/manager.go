package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"droidcast/internal/events"
	"droidcast/internal/metrics"
	"droidcast/internal/scrcpy"
)

// LinkProvider resolves a serial to a usable device link, connecting on
// demand.
type LinkProvider interface {
	GetOrConnect(ctx context.Context, serial string) (DeviceLink, error)
}

// Manager enforces the one-session-per-device rule and owns every live
// supervisor. The slot for a serial is claimed under the lock before any
// slow work starts, so concurrent start requests for the same device
// resolve to exactly one winner.
type Manager struct {
	links    LinkProvider
	deployer *scrcpy.Deployer
	artifact *scrcpy.Artifact
	defaults scrcpy.Config
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Supervisor
}

func NewManager(links LinkProvider, deployer *scrcpy.Deployer, art *scrcpy.Artifact,
	defaults scrcpy.Config, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		links:    links,
		deployer: deployer,
		artifact: art,
		defaults: defaults,
		bus:      bus,
		metrics:  m,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Supervisor),
	}
}

// Start brings up a session for the device. Config overrides are validated
// before any device work; a validation error leaves no trace. A second
// start for the same serial fails with ErrSessionConflict while the first
// session is alive, whatever phase it is in.
func (m *Manager) Start(ctx context.Context, serial string, o scrcpy.Overrides) (*Supervisor, error) {
	cfg, err := scrcpy.BuildConfig(m.defaults, o)
	if err != nil {
		return nil, err
	}

	link, err := m.links.GetOrConnect(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", serial, err)
	}

	sup := NewSupervisor(link, m.deployer, m.artifact, cfg, m.bus, m.metrics, m.logger)

	m.mu.Lock()
	if existing, ok := m.sessions[serial]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionConflict, serial)
	}
	m.sessions[serial] = sup
	m.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		m.remove(serial, sup)
		return nil, err
	}
	return sup, nil
}

// Stop tears down the device's session and frees its slot. Stop is
// idempotent: a serial with no live session is already stopped, so the
// call succeeds without side effects.
func (m *Manager) Stop(ctx context.Context, serial string) error {
	m.mu.Lock()
	sup, ok := m.sessions[serial]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sup.Stop(ctx); err != nil {
		return err
	}
	m.remove(serial, sup)
	return nil
}

// Get returns the device's session, including one that has crashed and is
// awaiting inspection or restart.
func (m *Manager) Get(serial string) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.sessions[serial]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, serial)
	}
	return sup, nil
}

// List snapshots every known session, sorted by serial.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sessions))
	for _, sup := range m.sessions {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(sups))
	for _, sup := range sups {
		statuses = append(statuses, sup.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Serial < statuses[j].Serial })
	return statuses
}

// HandleLinkLost is wired to the registry: when a device's link dies, its
// session cannot survive and is torn down immediately.
func (m *Manager) HandleLinkLost(serial, reason string) {
	m.mu.Lock()
	sup, ok := m.sessions[serial]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Warn("device link lost, ending session", "serial", serial, "reason", reason)
	sup.crash("device link lost: " + reason)
	m.remove(serial, sup)
}

// StopAll shuts every session down, used at daemon exit.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sessions))
	for _, sup := range m.sessions {
		sups = append(sups, sup)
	}
	m.sessions = make(map[string]*Supervisor)
	m.mu.Unlock()

	for _, sup := range sups {
		if err := sup.Stop(ctx); err != nil {
			m.logger.Warn("stop session", "serial", sup.Serial(), "err", err)
		}
	}
}

// remove frees the slot, but only if it still holds the same supervisor:
// a replacement started in the meantime must not be evicted.
func (m *Manager) remove(serial string, sup *Supervisor) {
	m.mu.Lock()
	if current, ok := m.sessions[serial]; ok && current == sup {
		delete(m.sessions, serial)
	}
	m.mu.Unlock()
}
