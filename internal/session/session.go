// Package session runs scrcpy streaming sessions: one supervisor per
// device drives the helper lifecycle, and a hub fans the resulting
// streams out to subscribers.
package session

import (
	"context"
	"errors"
	"net"
	"time"

	"droidcast/internal/scrcpy"
)

// State is a session lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateDeploying State = "deploying"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCrashed   State = "crashed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

var (
	ErrSessionConflict   = errors.New("session: device already has an active session")
	ErrSessionNotFound   = errors.New("session: no session for device")
	ErrSessionNotRunning = errors.New("session: not running")
	ErrControlDisabled   = errors.New("session: control stream disabled")
	ErrBackpressure      = errors.New("session: control queue saturated")
	ErrHubClosed         = errors.New("session: session ended")
	ErrNoStreams         = errors.New("session: no stream kinds requested")
	ErrStartFailed       = errors.New("session: start failed")
)

// DeviceLink is the slice of an ADB link a session needs. It is a superset
// of what the deployer asks for, so one value serves both.
type DeviceLink interface {
	Serial() string
	Shell(ctx context.Context, cmd string) (string, error)
	ShellStream(ctx context.Context, cmd string) (net.Conn, error)
	Push(ctx context.Context, data []byte, remotePath string, mode uint32) error
	Forward(ctx context.Context, localPort int, remote string) error
	RemoveForward(ctx context.Context, localPort int) error
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	ID          string        `json:"id"`
	Serial      string        `json:"serial"`
	State       State         `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	Config      scrcpy.Config `json:"config"`
	DeviceName  string        `json:"device_name,omitempty"`
	VideoWidth  int           `json:"video_width,omitempty"`
	VideoHeight int           `json:"video_height,omitempty"`
	Subscribers int           `json:"subscribers"`
	StartedAt   time.Time     `json:"started_at"`
}

// StateChange is the event payload emitted on every transition.
type StateChange struct {
	SessionID string `json:"session_id"`
	Serial    string `json:"serial"`
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
}
