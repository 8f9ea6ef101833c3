package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"droidcast/internal/protocol"
	"droidcast/internal/session"
)

// Stream frame tags: the first byte of every binary WebSocket message on
// /ws/stream names the stream the rest of the payload belongs to.
const (
	tagVideo byte = 0x01
	tagAudio byte = 0x02
	tagEvent byte = 0x03
)

// WSHub manages the /ws/events connections and broadcasts bus events.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan interface{}

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan interface{}, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg interface{}) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// With no allowedOrigins configured, nhooyr enforces same-origin.
	return opts
}

func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.eventHub.register <- client:
	case <-s.eventHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.eventHub.unregister <- client:
		case <-s.eventHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.eventHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// The events feed is write-only; incoming messages are drained.
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}

// parseStreamKinds resolves the ?streams= selection. An absent or empty
// parameter means every stream; unknown names are an error.
func parseStreamKinds(raw string) ([]session.StreamKind, error) {
	if raw == "" {
		return []session.StreamKind{session.KindVideo, session.KindAudio, session.KindEvent}, nil
	}
	var kinds []session.StreamKind
	for _, name := range strings.Split(raw, ",") {
		switch session.StreamKind(strings.TrimSpace(name)) {
		case session.KindVideo:
			kinds = append(kinds, session.KindVideo)
		case session.KindAudio:
			kinds = append(kinds, session.KindAudio)
		case session.KindEvent:
			kinds = append(kinds, session.KindEvent)
		default:
			return nil, fmt.Errorf("unknown stream %q", name)
		}
	}
	return kinds, nil
}

// handleWSStream attaches the WebSocket client as a subscriber of the
// device's session. Video and audio frames arrive as tagged binary
// messages; incoming text messages are control events injected into the
// device.
func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	sup, err := s.sessions.Get(serial)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no session for device")
		return
	}
	kinds, err := parseStreamKinds(r.URL.Query().Get("streams"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(64 * 1024)

	sub, err := sup.Hub().Attach(kinds...)
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "session ended")
		return
	}
	defer sup.Hub().Detach(sub.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.streamWritePump(ctx, conn, sub)
	}()

	s.streamReadPump(ctx, conn, sup)
	cancel()
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
}

// streamWritePump forwards session messages to the client until the
// subscriber's channels close or the client goes away.
func (s *Server) streamWritePump(ctx context.Context, conn *websocket.Conn, sub *session.Subscriber) {
	video, audio, evs := sub.Video(), sub.Audio(), sub.Events()
	for video != nil || audio != nil || evs != nil {
		var (
			tag byte
			m   session.Message
			ok  bool
		)
		select {
		case m, ok = <-video:
			if !ok {
				video = nil
				continue
			}
			tag = tagVideo
		case m, ok = <-audio:
			if !ok {
				audio = nil
				continue
			}
			tag = tagAudio
		case m, ok = <-evs:
			if !ok {
				evs = nil
				continue
			}
			tag = tagEvent
		case <-ctx.Done():
			return
		}

		payload := make([]byte, 1+len(m.Data))
		payload[0] = tag
		copy(payload[1:], m.Data)

		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := conn.Write(writeCtx, websocket.MessageBinary, payload)
		cancel()
		if err != nil {
			return
		}
	}
}

// streamReadPump injects client control traffic into the session. Text
// messages carry JSON control events; binary messages are pre-encoded
// control payloads passed through untouched. Bad events are reported but
// do not end the connection.
func (s *Server) streamReadPump(ctx context.Context, conn *websocket.Conn, sup *session.Supervisor) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType == websocket.MessageBinary {
			if err := sup.InjectRaw(data); err != nil {
				s.logger.Debug("inject raw control payload", "err", err)
			}
			continue
		}
		var ev protocol.ControlEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("bad control event", "err", err)
			continue
		}
		if err := sup.Inject(ev); err != nil {
			s.logger.Debug("inject control event", "err", err)
		}
	}
}
