//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"droidcast/internal/protocol"
)

// Topic layout under the configured prefix:
//
//	<prefix>/bridge/state          online|offline (retained, LWT)
//	<prefix>/events                every bus event as JSON (not retained)
//	<prefix>/devices/<serial>      per-device state document (retained)
//	<prefix>/devices/<serial>/set  inbound commands
func bridgeStateTopic(prefix string) string { return prefix + "/bridge/state" }

func eventsTopic(prefix string) string { return prefix + "/events" }

func deviceTopic(prefix, serial string) string {
	return prefix + "/devices/" + sanitizeTopicLevel(serial)
}

func commandTopicFilter(prefix string) string { return prefix + "/devices/+/set" }

// serialFromCommandTopic extracts the device serial from a command topic.
func serialFromCommandTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/devices/")
	if !ok {
		return "", false
	}
	serial, ok := strings.CutSuffix(rest, "/set")
	if !ok || serial == "" || strings.Contains(serial, "/") {
		return "", false
	}
	return serial, true
}

// sanitizeTopicLevel keeps only characters safe inside a single MQTT topic
// level. ADB serials are alphanumeric with dots, colons and dashes; colons
// show up in tcp/ip serials (192.168.1.20:5555).
func sanitizeTopicLevel(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == ':', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// command is the JSON document accepted on a device's /set topic.
type command struct {
	Session string  `json:"session,omitempty"` // "start" | "stop"
	Key     string  `json:"key,omitempty"`     // shortcut name: home, back, ...
	Keycode *int    `json:"keycode,omitempty"` // raw Android keycode press
	Text    *string `json:"text,omitempty"`
	Tap     *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	} `json:"tap,omitempty"`
}

func parseCommand(payload []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return command{}, fmt.Errorf("parse command: %w", err)
	}
	switch cmd.Session {
	case "", "start", "stop":
	default:
		return command{}, fmt.Errorf("parse command: unknown session action %q", cmd.Session)
	}
	return cmd, nil
}

// shortcutEvent maps a shortcut name to its control event.
func shortcutEvent(name string) (protocol.ControlEvent, bool) {
	var typ protocol.EventType
	switch name {
	case "home":
		typ = protocol.EventHome
	case "back":
		typ = protocol.EventBack
	case "app_switch":
		typ = protocol.EventAppSwitch
	case "power", "wake":
		typ = protocol.EventPower
	case "volume_up":
		typ = protocol.EventVolumeUp
	case "volume_down":
		typ = protocol.EventVolumeDown
	case "rotate":
		typ = protocol.EventRotate
	default:
		return protocol.ControlEvent{}, false
	}
	return protocol.ControlEvent{Type: typ}, true
}

// controlEvents expands a command into the control events it injects.
func controlEvents(cmd command) []protocol.ControlEvent {
	var evs []protocol.ControlEvent

	if cmd.Key != "" {
		if ev, ok := shortcutEvent(cmd.Key); ok {
			evs = append(evs, ev)
		}
	}
	if cmd.Keycode != nil {
		evs = append(evs,
			protocol.ControlEvent{Type: protocol.EventKeyDown, KeyCode: cmd.Keycode},
			protocol.ControlEvent{Type: protocol.EventKeyUp, KeyCode: cmd.Keycode},
		)
	}
	if cmd.Text != nil {
		evs = append(evs, protocol.ControlEvent{Type: protocol.EventTextInput, Text: cmd.Text})
	}
	if cmd.Tap != nil {
		pos := &protocol.Position{X: cmd.Tap.X, Y: cmd.Tap.Y}
		evs = append(evs,
			protocol.ControlEvent{Type: protocol.EventTouchDown, Position: pos},
			protocol.ControlEvent{Type: protocol.EventTouchUp, Position: pos},
		)
	}
	return evs
}

// eventPayload flattens a bus event payload to a string-keyed map, going
// through the JSON form for struct payloads.
func eventPayload(data interface{}) map[string]interface{} {
	switch v := data.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	case map[string]string:
		m := make(map[string]interface{}, len(v))
		for k, s := range v {
			m[k] = s
		}
		return m
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
		return m
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
