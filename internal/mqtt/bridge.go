//go:build !no_mqtt

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"droidcast/internal/adb"
	"droidcast/internal/events"
	"droidcast/internal/protocol"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// DeviceSource is the registry slice the bridge reads from.
type DeviceSource interface {
	ListDevices() []adb.Device
}

// SessionControl is the session surface the bridge drives on commands.
type SessionControl interface {
	StartSession(ctx context.Context, serial string) error
	StopSession(ctx context.Context, serial string) error
	Inject(serial string, ev protocol.ControlEvent) error
}

// Bridge mirrors device and session lifecycle onto an MQTT broker and
// accepts commands on per-device set topics.
type Bridge struct {
	client   pahomqtt.Client
	devices  DeviceSource
	sessions SessionControl
	bus      *events.Bus
	prefix   string
	logger   *slog.Logger
	unsub    func()

	// Per-device retained state document.
	mu     sync.Mutex
	states map[string]map[string]any // serial -> state doc

	// publishFn is swapped out in tests.
	publishFn func(topic string, payload []byte, retained bool)
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(devices DeviceSource, sessions SessionControl, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		devices:  devices,
		sessions: sessions,
		bus:      bus,
		prefix:   cfg.TopicPrefix,
		logger:   logger.With("component", "mqtt"),
		states:   make(map[string]map[string]any),
	}
	b.publishFn = b.publishMQTT

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("droidcast").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(bridgeStateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDevices()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to bus events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	// Every event goes to the firehose topic.
	b.publishFn(eventsTopic(b.prefix), mustJSON(event), false)

	data := eventPayload(event.Data)
	serial, _ := data["serial"].(string)
	if serial == "" {
		return
	}

	switch event.Type {
	case events.EventDeviceDiscovered, events.EventDeviceConnected,
		events.EventDeviceDisconnected, events.EventDeviceOffline,
		events.EventDeviceUnauthorized:
		b.updateDeviceState(serial, func(state map[string]any) {
			state["state"] = deviceStateForEvent(event.Type, data)
			if model, ok := data["model"].(string); ok && model != "" {
				state["model"] = model
			}
		})

	case events.EventSessionState:
		b.updateDeviceState(serial, func(state map[string]any) {
			if s, ok := data["state"].(string); ok {
				state["session"] = s
			}
			if reason, ok := data["reason"].(string); ok && reason != "" {
				state["session_reason"] = reason
			} else {
				delete(state, "session_reason")
			}
		})

	case events.EventSessionCrashed:
		b.updateDeviceState(serial, func(state map[string]any) {
			state["session"] = "crashed"
			if reason, ok := data["reason"].(string); ok {
				state["session_reason"] = reason
			}
		})
	}
}

// deviceStateForEvent maps a lifecycle event to the published state value.
func deviceStateForEvent(eventType string, data map[string]interface{}) string {
	if s, ok := data["state"].(string); ok && s != "" {
		return s
	}
	switch eventType {
	case events.EventDeviceDiscovered:
		return "discovered"
	case events.EventDeviceConnected:
		return "connected"
	case events.EventDeviceDisconnected:
		return "disconnected"
	case events.EventDeviceOffline:
		return "offline"
	case events.EventDeviceUnauthorized:
		return "unauthorized"
	}
	return ""
}

func (b *Bridge) updateDeviceState(serial string, apply func(map[string]any)) {
	b.mu.Lock()
	state, ok := b.states[serial]
	if !ok {
		state = map[string]any{"serial": serial}
		b.states[serial] = state
	}
	apply(state)
	state["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publishFn(deviceTopic(b.prefix, serial), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publishFn(bridgeStateTopic(b.prefix), []byte(state), true)
}

// publishAllDevices seeds retained state documents for everything the
// registry currently knows.
func (b *Bridge) publishAllDevices() {
	for _, dev := range b.devices.ListDevices() {
		dev := dev
		b.updateDeviceState(dev.Serial, func(state map[string]any) {
			state["state"] = string(dev.State)
			if dev.Model != "" {
				state["model"] = dev.Model
			}
		})
	}
}

func (b *Bridge) subscribeCommands() {
	filter := commandTopicFilter(b.prefix)
	token := b.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		serial, ok := serialFromCommandTopic(b.prefix, msg.Topic())
		if !ok {
			return
		}
		b.handleCommand(serial, msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "filter", filter)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "filter", filter, "err", err)
		}
	}()
}

func (b *Bridge) handleCommand(serial string, payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "serial", serial, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd.Session {
	case "start":
		if err := b.sessions.StartSession(ctx, serial); err != nil {
			b.logger.Warn("start session command failed", "serial", serial, "err", err)
		}
	case "stop":
		if err := b.sessions.StopSession(ctx, serial); err != nil {
			b.logger.Warn("stop session command failed", "serial", serial, "err", err)
		}
	}

	for _, ev := range controlEvents(cmd) {
		if err := b.sessions.Inject(serial, ev); err != nil {
			b.logger.Warn("inject command failed", "serial", serial, "type", ev.Type, "err", err)
			return
		}
	}
}

func (b *Bridge) publishMQTT(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
