package adb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// syncDataMax is the maximum payload of a single sync DATA chunk.
const syncDataMax = 64 * 1024

// DeviceInfo is one row of the adb server's device list.
type DeviceInfo struct {
	Serial  string
	State   string // "device", "offline", "unauthorized"
	Product string
	Model   string
}

// Client speaks the adb host ("smartsocket") protocol to a local adb server.
// Every request is a 4-hex-digit length prefix followed by the service name;
// responses are OKAY or FAIL plus a length-prefixed message. Each operation
// opens its own connection, which is how the adb server expects to be used.
type Client struct {
	addr        string
	dialTimeout time.Duration
}

// NewClient creates a client for the adb server at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{addr: addr, dialTimeout: 5 * time.Second}
}

// Addr returns the adb server address.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial adb server %s: %w", c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func sendRequest(conn net.Conn, service string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(service), service); err != nil {
		return fmt.Errorf("send request %q: %w", service, err)
	}
	return nil
}

// readStatus consumes an OKAY/FAIL marker. On FAIL the server's
// length-prefixed reason is returned as the error.
func readStatus(conn net.Conn, service string) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("read status for %q: %w", service, err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readHexPayload(conn)
		if err != nil {
			return fmt.Errorf("adb %q failed (unreadable reason): %w", service, err)
		}
		return classifyFailure(service, string(msg))
	default:
		return fmt.Errorf("adb %q: unexpected status %q", service, status)
	}
}

// classifyFailure maps well-known adb server failure strings onto the
// package sentinel errors so callers can branch without string matching.
func classifyFailure(service, reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "not found"):
		return fmt.Errorf("adb %q: %s: %w", service, reason, ErrDeviceNotFound)
	case strings.Contains(lower, "unauthorized"):
		return fmt.Errorf("adb %q: %s: %w", service, reason, ErrDeviceUnauthorized)
	case strings.Contains(lower, "offline"):
		return fmt.Errorf("adb %q: %s: %w", service, reason, ErrDeviceOffline)
	default:
		return fmt.Errorf("adb %q: %s", service, reason)
	}
}

func readHexPayload(conn net.Conn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("read payload length: %w", err)
	}
	n, err := strconv.ParseUint(string(lenBuf), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("parse payload length %q: %w", lenBuf, err)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

// Version returns the adb server protocol version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := sendRequest(conn, "host:version"); err != nil {
		return "", err
	}
	if err := readStatus(conn, "host:version"); err != nil {
		return "", err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// ListDevices returns all devices the adb server currently tracks.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := sendRequest(conn, "host:devices-l"); err != nil {
		return nil, err
	}
	if err := readStatus(conn, "host:devices-l"); err != nil {
		return nil, err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return nil, err
	}
	return parseDeviceList(string(payload)), nil
}

// parseDeviceList parses "devices-l" output: one device per line,
// "serial state key:value ...".
func parseDeviceList(s string) []DeviceInfo {
	var devices []DeviceInfo
	for _, line := range strings.Split(s, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		info := DeviceInfo{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			if v, ok := strings.CutPrefix(f, "product:"); ok {
				info.Product = v
			}
			if v, ok := strings.CutPrefix(f, "model:"); ok {
				info.Model = v
			}
		}
		devices = append(devices, info)
	}
	return devices
}

// openTransport dials and switches the connection to the given device.
func (c *Client) openTransport(ctx context.Context, serial string) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	service := "host:transport:" + serial
	if err := sendRequest(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Shell runs a command on the device and returns its combined output.
// The command runs until it exits or ctx expires.
func (c *Client) Shell(ctx context.Context, serial, command string) (string, error) {
	conn, err := c.openTransport(ctx, serial)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	service := "shell:" + command
	if err := sendRequest(conn, service); err != nil {
		return "", err
	}
	if err := readStatus(conn, service); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read shell output: %w", err)
	}
	return string(out), nil
}

// ShellStream starts a command and returns the open connection. The caller
// owns the connection and reads the command's output until EOF; closing it
// abandons the remote command. Used for long-running processes.
func (c *Client) ShellStream(ctx context.Context, serial, command string) (net.Conn, error) {
	conn, err := c.openTransport(ctx, serial)
	if err != nil {
		return nil, err
	}
	service := "shell:" + command
	if err := sendRequest(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readStatus(conn, service); err != nil {
		conn.Close()
		return nil, err
	}
	// Lift the ctx deadline: the stream outlives the starting call.
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// Push writes data to remotePath on the device via the sync service.
func (c *Client) Push(ctx context.Context, serial string, data []byte, remotePath string, mode uint32) error {
	conn, err := c.openTransport(ctx, serial)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendRequest(conn, "sync:"); err != nil {
		return err
	}
	if err := readStatus(conn, "sync:"); err != nil {
		return err
	}

	spec := fmt.Sprintf("%s,%d", remotePath, mode)
	if err := writeSyncChunk(conn, "SEND", []byte(spec)); err != nil {
		return err
	}
	for off := 0; off < len(data); off += syncDataMax {
		end := min(off+syncDataMax, len(data))
		if err := writeSyncChunk(conn, "DATA", data[off:end]); err != nil {
			return err
		}
	}
	done := make([]byte, 8)
	copy(done, "DONE")
	binary.LittleEndian.PutUint32(done[4:], uint32(time.Now().Unix()))
	if _, err := conn.Write(done); err != nil {
		return fmt.Errorf("sync DONE: %w", err)
	}

	return readSyncStatus(conn)
}

func writeSyncChunk(conn net.Conn, id string, payload []byte) error {
	hdr := make([]byte, 8)
	copy(hdr, id)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := conn.Write(hdr); err != nil {
		return fmt.Errorf("sync %s header: %w", id, err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("sync %s payload: %w", id, err)
	}
	return nil
}

func readSyncStatus(conn net.Conn) error {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("read sync status: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[4:])
	switch string(hdr[:4]) {
	case "OKAY":
		return nil
	case "FAIL":
		msg := make([]byte, n)
		if _, err := io.ReadFull(conn, msg); err != nil {
			return fmt.Errorf("sync failed (unreadable reason): %w", err)
		}
		return fmt.Errorf("sync failed: %s", msg)
	default:
		return fmt.Errorf("sync: unexpected status %q", hdr[:4])
	}
}

// Forward asks the adb server to forward localTCP port to the device-side
// remote endpoint (e.g. "localabstract:scrcpy_1a2b3c4d").
func (c *Client) Forward(ctx context.Context, serial string, localPort int, remote string) error {
	service := fmt.Sprintf("host-serial:%s:forward:tcp:%d;%s", serial, localPort, remote)
	return c.hostService(ctx, service, true)
}

// RemoveForward removes a previously established forward.
func (c *Client) RemoveForward(ctx context.Context, serial string, localPort int) error {
	service := fmt.Sprintf("host-serial:%s:killforward:tcp:%d", serial, localPort)
	return c.hostService(ctx, service, true)
}

// hostService issues a request/ack host service. Forward-family services
// acknowledge twice (once for the host connection, once for the result).
func (c *Client) hostService(ctx context.Context, service string, doubleAck bool) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := sendRequest(conn, service); err != nil {
		return err
	}
	if err := readStatus(conn, service); err != nil {
		return err
	}
	if doubleAck {
		if err := readStatus(conn, service); err != nil {
			return err
		}
	}
	return nil
}
