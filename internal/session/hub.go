package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"droidcast/internal/events"
	"droidcast/internal/metrics"
)

// StreamKind tags a message with the stream it belongs to.
type StreamKind string

const (
	KindVideo StreamKind = "video"
	KindAudio StreamKind = "audio"
	KindEvent StreamKind = "event"
)

// Queue depths per subscriber. Video and audio drop oldest on overflow so a
// slow consumer always sees the newest frames; lifecycle events are small
// and must arrive, so their queue is deeper than it will ever fill.
const (
	videoQueueLen = 32
	audioQueueLen = 64
	eventQueueLen = 16
)

// Message is one unit delivered to a subscriber.
type Message struct {
	Kind StreamKind
	Data []byte
}

// Terminal is the payload of the final event message a subscriber receives
// before its channels close.
type Terminal struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Subscriber is one attached stream consumer. Each kind has its own bounded
// queue, so a consumer that stalls on video still receives events promptly.
type Subscriber struct {
	id    string
	kinds map[StreamKind]bool

	video  chan Message
	audio  chan Message
	events chan Message

	mu       sync.Mutex
	closed   bool
	terminal *Terminal

	dropped map[StreamKind]uint64
}

func (s *Subscriber) ID() string { return s.id }

// Video yields encoded video frames, newest-biased under backpressure.
func (s *Subscriber) Video() <-chan Message { return s.video }

// Audio yields encoded audio frames, newest-biased under backpressure.
func (s *Subscriber) Audio() <-chan Message { return s.audio }

// Events yields lifecycle notifications, ending with the terminal notice.
func (s *Subscriber) Events() <-chan Message { return s.events }

// Terminal reports why the subscription ended, once the channels are closed.
func (s *Subscriber) Terminal() *Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// offer enqueues without ever blocking the producer. On a full queue the
// oldest entry is evicted first; if a racing reader empties the queue the
// second send lands, otherwise the message is counted dropped.
func (s *Subscriber) offer(ch chan Message, m Message) bool {
	select {
	case ch <- m:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- m:
		return true
	default:
		return false
	}
}

// Hub fans session streams out to subscribers. A hub belongs to exactly one
// session and closes when the session ends.
type Hub struct {
	serial  string
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool
	final  Terminal
}

func NewHub(serial string, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		serial:  serial,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "hub", "serial", serial),
		subs:    make(map[string]*Subscriber),
	}
}

// Attach registers a new subscriber for the given stream kinds. At least
// one kind is required; lifecycle events are always delivered regardless
// of the chosen set. Fails once the session has ended.
func (h *Hub) Attach(kinds ...StreamKind) (*Subscriber, error) {
	if len(kinds) == 0 {
		return nil, ErrNoStreams
	}
	attached := map[StreamKind]bool{KindEvent: true}
	for _, kind := range kinds {
		switch kind {
		case KindVideo, KindAudio, KindEvent:
			attached[kind] = true
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrNoStreams, kind)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &Subscriber{
		id:      uuid.NewString(),
		kinds:   attached,
		video:   make(chan Message, videoQueueLen),
		audio:   make(chan Message, audioQueueLen),
		events:  make(chan Message, eventQueueLen),
		dropped: make(map[StreamKind]uint64),
	}
	h.subs[sub.id] = sub
	h.metrics.ActiveSubscribers.Inc()
	h.bus.Emit(events.Event{Type: events.EventSubscriberAttached, Data: map[string]string{
		"serial": h.serial, "subscriber": sub.id,
	}})
	h.logger.Debug("subscriber attached", "id", sub.id, "total", len(h.subs))
	return sub, nil
}

// Detach removes a subscriber and closes its channels. Detaching an unknown
// or already-detached id is a no-op.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.close(nil)
	h.metrics.ActiveSubscribers.Dec()
	h.bus.Emit(events.Event{Type: events.EventSubscriberDetached, Data: map[string]string{
		"serial": h.serial, "subscriber": id,
	}})
}

// Broadcast delivers one frame to every subscriber attached to the given
// kind. Never blocks; saturated subscribers lose their oldest frame.
func (h *Hub) Broadcast(kind StreamKind, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	m := Message{Kind: kind, Data: data}
	for _, sub := range h.subs {
		if !sub.kinds[kind] {
			continue
		}
		var ch chan Message
		switch kind {
		case KindVideo:
			ch = sub.video
		case KindAudio:
			ch = sub.audio
		default:
			ch = sub.events
		}
		if sub.offer(ch, m) {
			h.metrics.FramesRouted.WithLabelValues(string(kind)).Inc()
		} else {
			h.metrics.FramesDropped.WithLabelValues(string(kind)).Inc()
			sub.mu.Lock()
			sub.dropped[kind]++
			sub.mu.Unlock()
		}
	}
}

// Count reports the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends the hub: every subscriber receives a terminal notice on its
// event queue and then has all channels closed. Idempotent.
func (h *Hub) Close(state State, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.final = Terminal{State: state, Reason: reason}
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	term := &Terminal{State: state, Reason: reason}
	for _, sub := range subs {
		sub.close(term)
		h.metrics.ActiveSubscribers.Dec()
	}
	if len(subs) > 0 {
		h.logger.Info("hub closed", "state", string(state), "reason", reason, "subscribers", len(subs))
	}
}

// close delivers the terminal notice, then closes the channels so range
// loops over them terminate.
func (s *Subscriber) close(term *Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.terminal = term
	if term != nil {
		data, _ := marshalTerminal(term)
		s.offer(s.events, Message{Kind: KindEvent, Data: data})
	}
	close(s.video)
	close(s.audio)
	close(s.events)
}

func marshalTerminal(t *Terminal) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Terminal
	}{Type: "session_ended", Terminal: *t})
}
