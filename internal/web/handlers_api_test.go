package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"droidcast/internal/adb"
	"droidcast/internal/events"
	"droidcast/internal/scrcpy"
	"droidcast/internal/session"
	"droidcast/internal/store"
)

// fakeRegistry serves a fixed device table.
type fakeRegistry struct {
	mu      sync.Mutex
	devices map[string]adb.Device

	connectErr    error
	disconnected  []string
	connectCalled []string
}

func newFakeRegistry(devices ...adb.Device) *fakeRegistry {
	f := &fakeRegistry{devices: make(map[string]adb.Device)}
	for _, d := range devices {
		f.devices[d.Serial] = d
	}
	return f
}

func (f *fakeRegistry) ListDevices() []adb.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]adb.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeRegistry) GetDevice(serial string) (adb.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[serial]
	return d, ok
}

func (f *fakeRegistry) GetOrConnect(_ context.Context, serial string) (*adb.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalled = append(f.connectCalled, serial)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return nil, nil
}

func (f *fakeRegistry) Disconnect(serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[serial]; !ok {
		return fmt.Errorf("unknown device %s", serial)
	}
	f.disconnected = append(f.disconnected, serial)
	return nil
}

func (f *fakeRegistry) ConnectedCount() int { return len(f.devices) }

// fakeSessions covers the session API error paths without live sessions.
type fakeSessions struct {
	startErr error
	stopErr  error
	statuses []session.Status
}

func (f *fakeSessions) Start(_ context.Context, serial string, o scrcpy.Overrides) (*session.Supervisor, error) {
	if _, err := scrcpy.BuildConfig(scrcpy.DefaultConfig(), o); err != nil {
		return nil, err
	}
	return nil, f.startErr
}

func (f *fakeSessions) Stop(_ context.Context, serial string) error { return f.stopErr }

func (f *fakeSessions) Get(serial string) (*session.Supervisor, error) {
	return nil, session.ErrSessionNotFound
}

func (f *fakeSessions) List() []session.Status { return f.statuses }

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*store.Device
}

func newMemStore() *memStore {
	return &memStore{devices: make(map[string]*store.Device)}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.Serial] = &cp
	return nil
}

func (m *memStore) GetDevice(serial string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *dev
	return &cp, nil
}

func (m *memStore) DeleteDevice(serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, serial)
	return nil
}

func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		cp := *dev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateDevice(serial string, fn func(*store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		return store.ErrNotFound
	}
	return fn(dev)
}

func (m *memStore) Close() error { return nil }

func setupTestServer(t *testing.T, registry *fakeRegistry, sessions *fakeSessions, opts ...ServerOption) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := newMemStore()
	for serial := range registry.devices {
		st.SaveDevice(&store.Device{Serial: serial, FriendlyName: ""})
	}
	srv := NewServer(registry, sessions, st, events.NewBus(logger), logger, opts...)
	t.Cleanup(srv.Stop)
	return srv
}

func doRequest(srv *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestAPIListDevices(t *testing.T) {
	registry := newFakeRegistry(
		adb.Device{Serial: "emulator-5554", State: adb.StateConnected, Transport: "virtual", Model: "sdk_gphone64"},
		adb.Device{Serial: "R5CT10ABCDE", State: adb.StateDiscovered, Transport: "usb"},
	)
	srv := setupTestServer(t, registry, &fakeSessions{})

	rec := doRequest(srv, http.MethodGet, "/api/devices", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []deviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("devices = %d, want 2", len(views))
	}
}

func TestAPIGetDevice(t *testing.T) {
	registry := newFakeRegistry(adb.Device{Serial: "emulator-5554", State: adb.StateConnected, Model: "sdk_gphone64"})
	srv := setupTestServer(t, registry, &fakeSessions{})

	rec := doRequest(srv, http.MethodGet, "/api/devices/emulator-5554", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view deviceView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Model != "sdk_gphone64" || view.State != "connected" {
		t.Errorf("view = %+v", view)
	}

	rec = doRequest(srv, http.MethodGet, "/api/devices/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestAPIConnectDevice(t *testing.T) {
	registry := newFakeRegistry(adb.Device{Serial: "emulator-5554"})
	srv := setupTestServer(t, registry, &fakeSessions{})

	rec := doRequest(srv, http.MethodPost, "/api/devices/emulator-5554/connect", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(registry.connectCalled) != 1 {
		t.Errorf("connect calls = %v", registry.connectCalled)
	}
}

func TestAPIConnectDeviceFailure(t *testing.T) {
	registry := newFakeRegistry(adb.Device{Serial: "emulator-5554"})
	registry.connectErr = adb.ErrDeviceUnauthorized
	srv := setupTestServer(t, registry, &fakeSessions{})

	rec := doRequest(srv, http.MethodPost, "/api/devices/emulator-5554/connect", "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestAPIRenameDevice(t *testing.T) {
	registry := newFakeRegistry(adb.Device{Serial: "emulator-5554"})
	srv := setupTestServer(t, registry, &fakeSessions{})

	rec := doRequest(srv, http.MethodPatch, "/api/devices/emulator-5554",
		`{"friendly_name":"test bench"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(srv, http.MethodGet, "/api/devices/emulator-5554", "", nil)
	var view deviceView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.FriendlyName != "test bench" {
		t.Errorf("friendly name = %q", view.FriendlyName)
	}
}

func TestAPIRenameUnknownDevice(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(), &fakeSessions{})
	rec := doRequest(srv, http.MethodPatch, "/api/devices/ghost", `{"friendly_name":"x"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAPIStartSessionErrors(t *testing.T) {
	registry := newFakeRegistry(adb.Device{Serial: "emulator-5554"})

	t.Run("conflict", func(t *testing.T) {
		srv := setupTestServer(t, registry, &fakeSessions{startErr: session.ErrSessionConflict})
		rec := doRequest(srv, http.MethodPost, "/api/sessions/emulator-5554", "", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		srv := setupTestServer(t, registry, &fakeSessions{})
		rec := doRequest(srv, http.MethodPost, "/api/sessions/emulator-5554",
			`{"bit_rate":-1}`, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
		}
	})

	t.Run("device failure", func(t *testing.T) {
		srv := setupTestServer(t, registry, &fakeSessions{startErr: session.ErrStartFailed})
		rec := doRequest(srv, http.MethodPost, "/api/sessions/emulator-5554", "", nil)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rec.Code)
		}
	})
}

func TestAPIStopSessionIdempotent(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(), &fakeSessions{})
	rec := doRequest(srv, http.MethodDelete, "/api/sessions/emulator-5554", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(), &fakeSessions{}, WithAPIKey("sekrit"))

	rec := doRequest(srv, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/health", "", map[string]string{"X-API-Key": "sekrit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", rec.Code)
	}

	rec = doRequest(srv, http.MethodGet, "/api/health", "", map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d, want 401", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(), &fakeSessions{},
		WithAllowedOrigins([]string{"https://console.example.com"}))

	rec := doRequest(srv, http.MethodOptions, "/api/devices", "",
		map[string]string{"Origin": "https://console.example.com"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allowed preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	rec = doRequest(srv, http.MethodOptions, "/api/devices", "",
		map[string]string{"Origin": "https://evil.example.com"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied preflight status = %d, want 403", rec.Code)
	}
}

func TestCORSMutatingRequestBlocked(t *testing.T) {
	registry := newFakeRegistry(adb.Device{Serial: "emulator-5554"})
	srv := setupTestServer(t, registry, &fakeSessions{},
		WithAllowedOrigins([]string{"https://console.example.com"}))

	rec := doRequest(srv, http.MethodPost, "/api/devices/emulator-5554/connect", "",
		map[string]string{"Origin": "https://evil.example.com"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAPIHealth(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(adb.Device{Serial: "a"}), &fakeSessions{})
	rec := doRequest(srv, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("resp = %v", resp)
	}
}

func TestAPIVersion(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(), &fakeSessions{}, WithVersion("1.2.3"))
	rec := doRequest(srv, http.MethodGet, "/api/version", "", nil)
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}
