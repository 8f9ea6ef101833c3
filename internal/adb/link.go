package adb

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// healthFailLimit is the number of consecutive failed probes after which a
// link is considered dead and the owning device goes Offline.
const healthFailLimit = 3

// Resolution is a device screen size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Props holds device properties read once at connect time.
type Props struct {
	Model          string
	Manufacturer   string
	AndroidVersion string
	Resolution     Resolution
}

// Link is the live transport handle for one device. All operations go
// through the shared adb server client; the link adds per-serial state:
// health tracking, bounded timeouts and a closed flag. At most one Link
// exists per serial (enforced by the Registry).
type Link struct {
	serial string
	client *Client
	logger *slog.Logger

	shellTimeout time.Duration
	pushTimeout  time.Duration

	mu          sync.Mutex
	closed      bool
	failures    int
	lastHealthy time.Time
	connectedAt time.Time
}

func newLink(serial string, client *Client, logger *slog.Logger) *Link {
	return &Link{
		serial:       serial,
		client:       client,
		logger:       logger.With("component", "link", "serial", serial),
		shellTimeout: 10 * time.Second,
		pushTimeout:  60 * time.Second,
		lastHealthy:  time.Now(),
		connectedAt:  time.Now(),
	}
}

// Serial returns the owning device serial.
func (l *Link) Serial() string {
	return l.serial
}

// ConnectedAt returns when this link was established.
func (l *Link) ConnectedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectedAt
}

// Closed reports whether the link has been invalidated.
func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) checkOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("link %s: %w", l.serial, ErrLinkClosed)
	}
	return nil
}

// Shell runs a command on the device with the link's bounded timeout.
func (l *Link) Shell(ctx context.Context, command string) (string, error) {
	if err := l.checkOpen(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, l.shellTimeout)
	defer cancel()
	return l.client.Shell(ctx, l.serial, command)
}

// ShellStream starts a long-running command and hands the connection to the
// caller. No timeout is applied beyond connection establishment.
func (l *Link) ShellStream(ctx context.Context, command string) (net.Conn, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	return l.client.ShellStream(ctx, l.serial, command)
}

// Push writes data to remotePath on the device.
func (l *Link) Push(ctx context.Context, data []byte, remotePath string, mode uint32) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.pushTimeout)
	defer cancel()
	return l.client.Push(ctx, l.serial, data, remotePath, mode)
}

// Forward sets up a TCP forward to a device-side socket.
func (l *Link) Forward(ctx context.Context, localPort int, remote string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.shellTimeout)
	defer cancel()
	return l.client.Forward(ctx, l.serial, localPort, remote)
}

// RemoveForward removes a TCP forward.
func (l *Link) RemoveForward(ctx context.Context, localPort int) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, l.shellTimeout)
	defer cancel()
	return l.client.RemoveForward(ctx, l.serial, localPort)
}

// HealthCheck probes the device with a trivial shell command. Non-throwing:
// the result is a bool, and consecutive failures are counted internally.
// Returns (healthy, dead) where dead means the failure limit was reached.
func (l *Link) HealthCheck(ctx context.Context) (healthy, dead bool) {
	if l.Closed() {
		return false, true
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := l.client.Shell(ctx, l.serial, "echo ping")
	ok := err == nil && strings.Contains(out, "ping")

	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		l.failures = 0
		l.lastHealthy = time.Now()
		return true, false
	}
	l.failures++
	if err != nil {
		l.logger.Warn("health check failed", "failures", l.failures, "err", err)
	} else {
		l.logger.Warn("health check returned unexpected output", "failures", l.failures, "out", out)
	}
	return false, l.failures >= healthFailLimit
}

// LastHealthy returns the time of the last successful probe.
func (l *Link) LastHealthy() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHealthy
}

// Close invalidates the link. Safe to call multiple times.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// ReadProps reads identifying properties and the screen size from the device.
func (l *Link) ReadProps(ctx context.Context) (Props, error) {
	var p Props
	model, err := l.Shell(ctx, "getprop ro.product.model")
	if err != nil {
		return p, fmt.Errorf("read model: %w", err)
	}
	p.Model = strings.TrimSpace(model)

	manufacturer, err := l.Shell(ctx, "getprop ro.product.manufacturer")
	if err != nil {
		return p, fmt.Errorf("read manufacturer: %w", err)
	}
	p.Manufacturer = strings.TrimSpace(manufacturer)

	version, err := l.Shell(ctx, "getprop ro.build.version.release")
	if err != nil {
		return p, fmt.Errorf("read android version: %w", err)
	}
	p.AndroidVersion = strings.TrimSpace(version)

	if size, err := l.Shell(ctx, "wm size"); err == nil {
		p.Resolution = parseWMSize(size)
	}
	return p, nil
}

// parseWMSize extracts "Physical size: 1080x1920". Override size, when
// present, wins because it is what the compositor actually renders.
func parseWMSize(out string) Resolution {
	var res Resolution
	for _, prefix := range []string{"Physical size:", "Override size:"} {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			v, ok := strings.CutPrefix(line, prefix)
			if !ok {
				continue
			}
			parts := strings.SplitN(strings.TrimSpace(v), "x", 2)
			if len(parts) != 2 {
				continue
			}
			w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
			h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
			if errW == nil && errH == nil {
				res = Resolution{Width: w, Height: h}
			}
		}
	}
	return res
}
