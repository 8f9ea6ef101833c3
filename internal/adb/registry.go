package adb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"droidcast/internal/events"
	"droidcast/internal/metrics"
	"droidcast/internal/store"
)

// LinkState describes where a device is in its connection lifecycle.
type LinkState string

const (
	StateDiscovered   LinkState = "discovered"
	StateConnecting   LinkState = "connecting"
	StateConnected    LinkState = "connected"
	StateUnauthorized LinkState = "unauthorized"
	StateOffline      LinkState = "offline"
	StateDisconnected LinkState = "disconnected"
)

// Device is a registry entry: one reachable (or recently seen) target.
type Device struct {
	Serial         string     `json:"serial"`
	State          LinkState  `json:"state"`
	Transport      string     `json:"transport"` // "usb", "network", "virtual"
	Model          string     `json:"model,omitempty"`
	Manufacturer   string     `json:"manufacturer,omitempty"`
	AndroidVersion string     `json:"android_version,omitempty"`
	Resolution     Resolution `json:"resolution"`
	LastHealthAt   time.Time  `json:"last_health_at"`

	missedPolls int
}

// RegistryConfig holds registry polling parameters.
type RegistryConfig struct {
	PollInterval   time.Duration // discovery reconciliation
	HealthInterval time.Duration // per-link health probes
	VanishGrace    int           // missed polls before a vanished device goes Disconnected
}

// DefaultRegistryConfig matches the cadence the system is tuned for:
// discovery every 2s, health probes every 5s, and a 3-poll grace period so
// transient USB re-enumeration does not flap devices in and out.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PollInterval:   2 * time.Second,
		HealthInterval: 5 * time.Second,
		VanishGrace:    3,
	}
}

// LinkLostHandler is invoked when a device's link is invalidated (offline,
// vanished, or explicitly disconnected) so dependent sessions can be torn
// down. The registry calls it outside its own lock.
type LinkLostHandler func(serial, reason string)

type connectCall struct {
	done chan struct{}
	link *Link
	err  error
}

// Registry tracks known devices and owns their links. It is the only
// process-wide mutable map of devices; all writes are serialized under its
// lock and reads are served from snapshots.
type Registry struct {
	client  *Client
	store   store.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     RegistryConfig

	mu       sync.Mutex
	devices  map[string]*Device
	links    map[string]*Link
	inflight map[string]*connectCall

	onLinkLost LinkLostHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. Start must be called to begin polling.
func NewRegistry(client *Client, st store.Store, bus *events.Bus, m *metrics.Metrics, cfg RegistryConfig, logger *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		client:   client,
		store:    st,
		bus:      bus,
		metrics:  m,
		logger:   logger.With("component", "registry"),
		cfg:      cfg,
		devices:  make(map[string]*Device),
		links:    make(map[string]*Link),
		inflight: make(map[string]*connectCall),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLinkLostHandler registers the teardown hook. Must be called before Start.
func (r *Registry) SetLinkLostHandler(fn LinkLostHandler) {
	r.onLinkLost = fn
}

// Start launches discovery and health polling.
func (r *Registry) Start() {
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.pollLoop()
	}()
	go func() {
		defer r.wg.Done()
		r.healthLoop()
	}()
}

// Stop cancels polling, waits for the loops, and tears down all links.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	serials := make([]string, 0, len(r.links))
	for serial, link := range r.links {
		link.Close()
		serials = append(serials, serial)
	}
	clear(r.links)
	for _, dev := range r.devices {
		dev.State = StateDisconnected
	}
	r.metrics.DevicesConnected.Set(0)
	r.mu.Unlock()

	for _, serial := range serials {
		r.notifyLinkLost(serial, "registry shutdown")
	}
}

func (r *Registry) notifyLinkLost(serial, reason string) {
	if r.onLinkLost != nil {
		r.onLinkLost(serial, reason)
	}
}

// ListDevices returns a stable snapshot of all known devices.
func (r *Registry) ListDevices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		list = append(list, *dev)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Serial < list[j].Serial })
	return list
}

// GetDevice returns a snapshot of one device.
func (r *Registry) GetDevice(serial string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// ConnectedCount returns the number of devices with a live link.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// GetLink returns the live link for a serial, if any.
func (r *Registry) GetLink(serial string) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[serial]
	if !ok || link.Closed() {
		return nil, false
	}
	return link, true
}

// GetOrConnect returns the live link for serial, establishing one if needed.
// Concurrent calls for the same serial converge on a single connect attempt
// and all receive its result.
func (r *Registry) GetOrConnect(ctx context.Context, serial string) (*Link, error) {
	r.mu.Lock()
	if link, ok := r.links[serial]; ok && !link.Closed() {
		r.mu.Unlock()
		return link, nil
	}
	if call, ok := r.inflight[serial]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.link, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &connectCall{done: make(chan struct{})}
	r.inflight[serial] = call
	dev := r.ensureDeviceLocked(serial)
	dev.State = StateConnecting
	r.mu.Unlock()

	link, err := r.connect(ctx, serial)

	r.mu.Lock()
	delete(r.inflight, serial)
	dev = r.ensureDeviceLocked(serial)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeviceUnauthorized):
			dev.State = StateUnauthorized
		case errors.Is(err, ErrDeviceOffline):
			dev.State = StateOffline
		default:
			dev.State = StateDiscovered
		}
	} else {
		r.links[serial] = link
		dev.State = StateConnected
		dev.LastHealthAt = time.Now()
		r.metrics.DevicesConnected.Set(float64(len(r.links)))
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.ConnectFailures.Inc()
	}

	call.link, call.err = link, err
	close(call.done)

	if err == nil {
		r.bus.Emit(events.Event{Type: events.EventDeviceConnected, Data: map[string]interface{}{"serial": serial}})
	} else if errors.Is(err, ErrDeviceUnauthorized) {
		r.bus.Emit(events.Event{Type: events.EventDeviceUnauthorized, Data: map[string]interface{}{"serial": serial}})
	}
	return link, err
}

func (r *Registry) connect(ctx context.Context, serial string) (*Link, error) {
	infos, err := r.client.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var found *DeviceInfo
	for i := range infos {
		if infos[i].Serial == serial {
			found = &infos[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("connect %s: %w", serial, ErrDeviceNotFound)
	}
	switch found.State {
	case "unauthorized":
		return nil, fmt.Errorf("connect %s: %w", serial, ErrDeviceUnauthorized)
	case "offline":
		return nil, fmt.Errorf("connect %s: %w", serial, ErrDeviceOffline)
	case "device":
		// reachable
	default:
		return nil, fmt.Errorf("connect %s: unexpected adb state %q: %w", serial, found.State, ErrDeviceOffline)
	}

	link := newLink(serial, r.client, r.logger)
	props, err := link.ReadProps(ctx)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("probe %s: %w", serial, err)
	}

	r.mu.Lock()
	dev := r.ensureDeviceLocked(serial)
	dev.Model = props.Model
	dev.Manufacturer = props.Manufacturer
	dev.AndroidVersion = props.AndroidVersion
	dev.Resolution = props.Resolution
	r.mu.Unlock()

	r.persistDevice(serial, props)
	r.logger.Info("device connected", "serial", serial, "model", props.Model)
	return link, nil
}

func (r *Registry) persistDevice(serial string, props Props) {
	now := time.Now()
	err := r.store.UpdateDevice(serial, func(dev *store.Device) error {
		dev.Model = props.Model
		dev.Manufacturer = props.Manufacturer
		dev.AndroidVersion = props.AndroidVersion
		dev.Width = props.Resolution.Width
		dev.Height = props.Resolution.Height
		dev.LastSeen = now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		err = r.store.SaveDevice(&store.Device{
			Serial:         serial,
			Model:          props.Model,
			Manufacturer:   props.Manufacturer,
			AndroidVersion: props.AndroidVersion,
			Width:          props.Resolution.Width,
			Height:         props.Resolution.Height,
			Transport:      transportKind(serial),
			FirstSeen:      now,
			LastSeen:       now,
		})
	}
	if err != nil {
		r.logger.Error("persist device", "serial", serial, "err", err)
	}
}

// Disconnect tears down the link for serial and removes the device from the
// registry. Any active session on the serial is stopped first: a session
// cannot outlive its transport.
func (r *Registry) Disconnect(serial string) error {
	r.mu.Lock()
	dev, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", serial, ErrDeviceNotFound)
	}
	link := r.links[serial]
	delete(r.links, serial)
	dev.State = StateDisconnected
	delete(r.devices, serial)
	r.metrics.DevicesConnected.Set(float64(len(r.links)))
	r.mu.Unlock()

	r.notifyLinkLost(serial, "device disconnected")
	if link != nil {
		link.Close()
	}
	r.bus.Emit(events.Event{Type: events.EventDeviceDisconnected, Data: map[string]interface{}{"serial": serial}})
	r.logger.Info("device disconnected", "serial", serial)
	return nil
}

func (r *Registry) ensureDeviceLocked(serial string) *Device {
	dev, ok := r.devices[serial]
	if !ok {
		dev = &Device{
			Serial:    serial,
			State:     StateDiscovered,
			Transport: transportKind(serial),
		}
		r.devices[serial] = dev
	}
	return dev
}

func (r *Registry) pollLoop() {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reconcile()
		}
	}
}

// reconcile aligns the registry with the adb server's device list: newly
// visible serials are added as Discovered, vanished ones are given a grace
// period before being marked Disconnected.
func (r *Registry) reconcile() {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PollInterval)
	infos, err := r.client.ListDevices(ctx)
	cancel()
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Warn("discovery poll", "err", err)
		}
		return
	}

	seen := make(map[string]string, len(infos))
	for _, info := range infos {
		seen[info.Serial] = info.State
	}

	var discovered []string
	var lost []string

	r.mu.Lock()
	for serial, state := range seen {
		dev, ok := r.devices[serial]
		if !ok {
			dev = r.ensureDeviceLocked(serial)
			if state == "unauthorized" {
				dev.State = StateUnauthorized
			}
			discovered = append(discovered, serial)
			continue
		}
		dev.missedPolls = 0
		// A device that reappears after going offline is connectable again,
		// but never upgrade past Discovered without an explicit connect.
		if dev.State == StateOffline && state == "device" && r.links[serial] == nil {
			dev.State = StateDiscovered
		}
		if state == "unauthorized" && dev.State != StateConnected {
			dev.State = StateUnauthorized
		}
	}
	for serial, dev := range r.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		dev.missedPolls++
		if dev.missedPolls < r.cfg.VanishGrace {
			continue
		}
		if link := r.links[serial]; link != nil {
			link.Close()
			delete(r.links, serial)
		}
		dev.State = StateDisconnected
		delete(r.devices, serial)
		lost = append(lost, serial)
	}
	r.metrics.DevicesConnected.Set(float64(len(r.links)))
	r.mu.Unlock()

	for _, serial := range discovered {
		r.metrics.DevicesSeen.Inc()
		r.logger.Info("device discovered", "serial", serial)
		r.bus.Emit(events.Event{Type: events.EventDeviceDiscovered, Data: map[string]interface{}{"serial": serial}})
	}
	for _, serial := range lost {
		r.logger.Info("device vanished", "serial", serial)
		r.notifyLinkLost(serial, "device vanished")
		r.bus.Emit(events.Event{Type: events.EventDeviceDisconnected, Data: map[string]interface{}{"serial": serial}})
	}
}

func (r *Registry) healthLoop() {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.healthPass()
		}
	}
}

func (r *Registry) healthPass() {
	r.mu.Lock()
	links := make(map[string]*Link, len(r.links))
	for serial, link := range r.links {
		links[serial] = link
	}
	r.mu.Unlock()

	for serial, link := range links {
		healthy, dead := link.HealthCheck(r.ctx)
		if healthy {
			r.mu.Lock()
			if dev, ok := r.devices[serial]; ok {
				dev.LastHealthAt = link.LastHealthy()
			}
			r.mu.Unlock()
			continue
		}
		if dead {
			r.markOffline(serial, "health check failed")
		}
	}
}

// markOffline invalidates a link after sustained health failure. The device
// entry is kept (in Offline state) so it can be reconnected once reachable.
func (r *Registry) markOffline(serial, reason string) {
	r.mu.Lock()
	link, ok := r.links[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.links, serial)
	link.Close()
	if dev, okDev := r.devices[serial]; okDev {
		dev.State = StateOffline
	}
	r.metrics.DevicesConnected.Set(float64(len(r.links)))
	r.mu.Unlock()

	r.logger.Warn("device offline", "serial", serial, "reason", reason)
	r.notifyLinkLost(serial, reason)
	r.bus.Emit(events.Event{Type: events.EventDeviceOffline, Data: map[string]interface{}{"serial": serial, "reason": reason}})
}

// transportKind infers how a device is attached from its serial format.
func transportKind(serial string) string {
	switch {
	case strings.HasPrefix(serial, "emulator-"):
		return "virtual"
	case strings.Contains(serial, ":"):
		return "network"
	default:
		return "usb"
	}
}
