package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"droidcast/internal/events"
	"droidcast/internal/session"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWSHub(logger)
}

func hubClientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hubClientCount(h) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub clients = %d, want %d", hubClientCount(h), want)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitForClients(t, hub, 1)

	hub.unregister <- client
	waitForClients(t, hub, 0)

	// send channel is closed on unregister
	if _, ok := <-client.send; ok {
		t.Error("send channel still open after unregister")
	}
}

func TestWSHubBroadcastFansOut(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	waitForClients(t, hub, 2)

	hub.Broadcast(events.Event{Type: events.EventDeviceConnected, Data: map[string]string{"serial": "emulator-5554"}})

	for _, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var ev events.Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("unmarshal broadcast: %v", err)
			}
			if ev.Type != events.EventDeviceConnected {
				t.Errorf("type = %q", ev.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	waitForClients(t, hub, 2)

	// First fills the slow client's buffer, second evicts it.
	hub.Broadcast("msg1")
	hub.Broadcast("msg2")
	waitForClients(t, hub, 1)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := newTestHub()
	// Hub loop not running: the broadcast channel fills up.

	for i := 0; i < 300; i++ {
		done := make(chan struct{})
		go func() {
			hub.Broadcast(i)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Broadcast blocked with full channel")
		}
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	hub.Stop() // must not panic
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitForClients(t, hub, 1)

	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel after hub stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed after hub stop")
	}
}

func TestWSEventsFeed(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)
	srv := NewServer(newFakeRegistry(), &fakeSessions{}, newMemStore(), bus, logger)
	t.Cleanup(srv.Stop)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForClients(t, srv.eventHub, 1)

	bus.Emit(events.Event{
		Type: events.EventDeviceConnected,
		Data: map[string]string{"serial": "emulator-5554"},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != events.EventDeviceConnected {
		t.Errorf("type = %q, want %q", ev.Type, events.EventDeviceConnected)
	}
	payload, _ := ev.Data.(map[string]interface{})
	if payload["serial"] != "emulator-5554" {
		t.Errorf("data = %v", ev.Data)
	}
}

func TestParseStreamKinds(t *testing.T) {
	cases := []struct {
		raw     string
		want    []session.StreamKind
		wantErr bool
	}{
		{"", []session.StreamKind{session.KindVideo, session.KindAudio, session.KindEvent}, false},
		{"video", []session.StreamKind{session.KindVideo}, false},
		{"video,audio", []session.StreamKind{session.KindVideo, session.KindAudio}, false},
		{"event", []session.StreamKind{session.KindEvent}, false},
		{" video , audio ", []session.StreamKind{session.KindVideo, session.KindAudio}, false},
		{"screenshot", nil, true},
		{"video,", nil, true},
	}
	for _, tc := range cases {
		got, err := parseStreamKinds(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseStreamKinds(%q) succeeded, want error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseStreamKinds(%q): %v", tc.raw, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("parseStreamKinds(%q) = %v, want %v", tc.raw, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("parseStreamKinds(%q)[%d] = %q, want %q", tc.raw, i, got[i], tc.want[i])
			}
		}
	}
}

func TestWSStreamNoSession(t *testing.T) {
	srv := setupTestServer(t, newFakeRegistry(), &fakeSessions{})

	rec := doRequest(srv, http.MethodGet, "/ws/stream/emulator-5554", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
