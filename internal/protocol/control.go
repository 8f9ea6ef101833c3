// Package protocol implements the scrcpy helper wire formats: the binary
// control message stream written to the device and the metadata and frame
// headers read from the video and audio sockets.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Control message type bytes understood by the helper.
const (
	msgInjectKeycode byte = 0
	msgInjectText    byte = 1
	msgInjectTouch   byte = 2
	msgInjectScroll  byte = 3
	msgBackOrScreen  byte = 4
	msgRotateDevice  byte = 11
)

// Key actions for keycode injection.
const (
	actionDown byte = 0
	actionUp   byte = 1
	actionMove byte = 2
)

// Android keycodes used by the named shortcut events.
const (
	KeycodeHome       = 3
	KeycodeBack       = 4
	KeycodeMenu       = 82
	KeycodePower      = 26
	KeycodeVolumeUp   = 24
	KeycodeVolumeDown = 25
	KeycodeAppSwitch  = 187
	KeycodeEnter      = 66
	KeycodeDel        = 67
	KeycodeSpace      = 62
)

const maxTextLen = 300

var (
	ErrUnsupportedEvent = errors.New("protocol: unsupported control event")
	ErrMalformedEvent   = errors.New("protocol: malformed control event")
)

// EventType names a client-facing control event.
type EventType string

const (
	EventTouchDown  EventType = "touch_down"
	EventTouchUp    EventType = "touch_up"
	EventTouchMove  EventType = "touch_move"
	EventScroll     EventType = "scroll"
	EventKeyDown    EventType = "key_down"
	EventKeyUp      EventType = "key_up"
	EventTextInput  EventType = "text_input"
	EventBack       EventType = "back"
	EventHome       EventType = "home"
	EventAppSwitch  EventType = "app_switch"
	EventPower      EventType = "power"
	EventVolumeUp   EventType = "volume_up"
	EventVolumeDown EventType = "volume_down"
	EventRotate     EventType = "rotate"
)

// Position is a touch point in normalized [0,1] screen coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ControlEvent is the JSON control event accepted from subscribers.
// Optional fields are pointers so absence is distinguishable from zero.
type ControlEvent struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp,omitempty"`

	Position  *Position `json:"position,omitempty"`
	PointerID *uint64   `json:"pointer_id,omitempty"`
	Pressure  *float64  `json:"pressure,omitempty"`

	DeltaX *float64 `json:"delta_x,omitempty"`
	DeltaY *float64 `json:"delta_y,omitempty"`

	KeyCode   *int `json:"key_code,omitempty"`
	MetaState *int `json:"meta_state,omitempty"`

	Text *string `json:"text,omitempty"`
}

// ControlEncoder turns JSON control events into the helper's binary control
// messages. It carries the device resolution to denormalize touch
// coordinates.
type ControlEncoder struct {
	width  uint16
	height uint16
}

func NewControlEncoder(width, height int) *ControlEncoder {
	return &ControlEncoder{width: uint16(width), height: uint16(height)}
}

// Encode renders one control event. Shortcut events that map to a key press
// produce a down/up pair in a single buffer; the helper consumes the stream
// message by message so concatenation is safe.
func (e *ControlEncoder) Encode(ev ControlEvent) ([]byte, error) {
	switch ev.Type {
	case EventTouchDown:
		return e.touch(ev, actionDown)
	case EventTouchUp:
		return e.touch(ev, actionUp)
	case EventTouchMove:
		return e.touch(ev, actionMove)
	case EventScroll:
		return e.scroll(ev)
	case EventKeyDown:
		return e.keycode(ev, actionDown)
	case EventKeyUp:
		return e.keycode(ev, actionUp)
	case EventTextInput:
		return e.text(ev)
	case EventBack:
		return []byte{msgBackOrScreen, actionDown, msgBackOrScreen, actionUp}, nil
	case EventHome:
		return e.keyPress(KeycodeHome), nil
	case EventAppSwitch:
		return e.keyPress(KeycodeAppSwitch), nil
	case EventPower:
		return e.keyPress(KeycodePower), nil
	case EventVolumeUp:
		return e.keyPress(KeycodeVolumeUp), nil
	case EventVolumeDown:
		return e.keyPress(KeycodeVolumeDown), nil
	case EventRotate:
		return []byte{msgRotateDevice}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Type)
	}
}

func (e *ControlEncoder) touch(ev ControlEvent, action byte) ([]byte, error) {
	if ev.Position == nil {
		return nil, fmt.Errorf("%w: %s without position", ErrMalformedEvent, ev.Type)
	}
	x, y, err := e.denormalize(*ev.Position)
	if err != nil {
		return nil, err
	}
	var pointerID uint64
	if ev.PointerID != nil {
		pointerID = *ev.PointerID
	}
	pressure := 1.0
	if action == actionUp {
		pressure = 0
	}
	if ev.Pressure != nil {
		pressure = *ev.Pressure
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(msgInjectTouch)
	buf.WriteByte(action)
	binary.Write(buf, binary.BigEndian, pointerID)
	binary.Write(buf, binary.BigEndian, x)
	binary.Write(buf, binary.BigEndian, y)
	binary.Write(buf, binary.BigEndian, e.width)
	binary.Write(buf, binary.BigEndian, e.height)
	binary.Write(buf, binary.BigEndian, fixedPointU16(pressure))
	binary.Write(buf, binary.BigEndian, uint32(1)) // action button: primary
	binary.Write(buf, binary.BigEndian, uint32(1)) // buttons held
	return buf.Bytes(), nil
}

func (e *ControlEncoder) scroll(ev ControlEvent) ([]byte, error) {
	if ev.Position == nil {
		return nil, fmt.Errorf("%w: scroll without position", ErrMalformedEvent)
	}
	x, y, err := e.denormalize(*ev.Position)
	if err != nil {
		return nil, err
	}
	var dx, dy float64
	if ev.DeltaX != nil {
		dx = *ev.DeltaX
	}
	if ev.DeltaY != nil {
		dy = *ev.DeltaY
	}

	buf := new(bytes.Buffer)
	buf.WriteByte(msgInjectScroll)
	binary.Write(buf, binary.BigEndian, x)
	binary.Write(buf, binary.BigEndian, y)
	binary.Write(buf, binary.BigEndian, e.width)
	binary.Write(buf, binary.BigEndian, e.height)
	binary.Write(buf, binary.BigEndian, fixedPointI16(dx))
	binary.Write(buf, binary.BigEndian, fixedPointI16(dy))
	binary.Write(buf, binary.BigEndian, uint32(0)) // buttons
	return buf.Bytes(), nil
}

func (e *ControlEncoder) keycode(ev ControlEvent, action byte) ([]byte, error) {
	if ev.KeyCode == nil {
		return nil, fmt.Errorf("%w: %s without key_code", ErrMalformedEvent, ev.Type)
	}
	var meta uint32
	if ev.MetaState != nil {
		meta = uint32(*ev.MetaState)
	}
	return encodeKeycode(action, uint32(*ev.KeyCode), meta), nil
}

func (e *ControlEncoder) keyPress(keycode int) []byte {
	down := encodeKeycode(actionDown, uint32(keycode), 0)
	up := encodeKeycode(actionUp, uint32(keycode), 0)
	return append(down, up...)
}

func (e *ControlEncoder) text(ev ControlEvent) ([]byte, error) {
	if ev.Text == nil {
		return nil, fmt.Errorf("%w: text_input without text", ErrMalformedEvent)
	}
	raw := []byte(*ev.Text)
	if len(raw) > maxTextLen {
		return nil, fmt.Errorf("%w: text exceeds %d bytes", ErrMalformedEvent, maxTextLen)
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(msgInjectText)
	binary.Write(buf, binary.BigEndian, uint32(len(raw)))
	buf.Write(raw)
	return buf.Bytes(), nil
}

func (e *ControlEncoder) denormalize(p Position) (uint32, uint32, error) {
	if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
		return 0, 0, fmt.Errorf("%w: position out of [0,1] range", ErrMalformedEvent)
	}
	x := uint32(math.Round(p.X * float64(e.width-1)))
	y := uint32(math.Round(p.Y * float64(e.height-1)))
	return x, y, nil
}

func encodeKeycode(action byte, keycode, meta uint32) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(msgInjectKeycode)
	buf.WriteByte(action)
	binary.Write(buf, binary.BigEndian, keycode)
	binary.Write(buf, binary.BigEndian, uint32(0)) // repeat
	binary.Write(buf, binary.BigEndian, meta)
	return buf.Bytes()
}

// fixedPointU16 maps [0,1] to the helper's u16 fixed point.
func fixedPointU16(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xffff
	}
	return uint16(v * 0x10000)
}

// fixedPointI16 maps [-1,1] to the helper's signed i16 fixed point.
func fixedPointI16(v float64) int16 {
	if v <= -1 {
		return -0x8000
	}
	if v >= 1 {
		return 0x7fff
	}
	return int16(v * 0x8000)
}
