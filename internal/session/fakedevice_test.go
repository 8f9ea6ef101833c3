package session

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"droidcast/internal/events"
	"droidcast/internal/metrics"
	"droidcast/internal/protocol"
	"droidcast/internal/scrcpy"
)

// fakeDevice emulates the device side of a session: the deploy shell
// commands, the forwarded helper sockets and the helper process stream.
// Forward binds a real listener on the requested port; the accepted
// connections are assigned stream roles in connect order.
type fakeDevice struct {
	serial     string
	kinds      []string
	deviceName string
	width      uint32
	height     uint32

	failPush bool

	mu        sync.Mutex
	files     map[string][]byte
	shellCmds []string
	streamCmd string

	ln        net.Listener
	procLocal net.Conn
	video     net.Conn
	audio     net.Conn
	controlRx bytes.Buffer

	forwards map[int]string
	ready    chan struct{}
}

func newFakeDevice(serial string) *fakeDevice {
	return &fakeDevice{
		serial:     serial,
		kinds:      []string{"control", "video", "audio"},
		deviceName: "Pixel 8",
		width:      1080,
		height:     1920,
		files:      make(map[string][]byte),
		forwards:   make(map[int]string),
	}
}

func (d *fakeDevice) Serial() string { return d.serial }

func (d *fakeDevice) Shell(_ context.Context, cmd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shellCmds = append(d.shellCmds, cmd)
	switch {
	case strings.HasPrefix(cmd, "md5sum "):
		path := strings.TrimPrefix(cmd, "md5sum ")
		data, ok := d.files[path]
		if !ok {
			return fmt.Sprintf("md5sum: %s: No such file or directory", path), nil
		}
		return fmt.Sprintf("%x  %s", md5.Sum(data), path), nil
	case strings.HasPrefix(cmd, "rm -f "):
		delete(d.files, strings.TrimPrefix(cmd, "rm -f "))
		return "", nil
	}
	return "", nil
}

func (d *fakeDevice) Push(_ context.Context, data []byte, remotePath string, _ uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPush {
		return errors.New("push refused")
	}
	d.files[remotePath] = append([]byte(nil), data...)
	return nil
}

func (d *fakeDevice) ShellStream(_ context.Context, cmd string) (net.Conn, error) {
	local, remote := net.Pipe()
	d.mu.Lock()
	d.streamCmd = cmd
	d.procLocal = local
	d.mu.Unlock()
	return remote, nil
}

func (d *fakeDevice) Forward(_ context.Context, localPort int, remote string) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.ln = ln
	d.forwards[localPort] = remote
	d.ready = make(chan struct{})
	kinds := d.kinds
	d.mu.Unlock()
	go d.serve(ln, kinds)
	return nil
}

func (d *fakeDevice) RemoveForward(_ context.Context, localPort int) error {
	d.mu.Lock()
	ln := d.ln
	delete(d.forwards, localPort)
	d.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	return nil
}

// serve hands out stream roles in accept order and writes the banner and
// codec headers the helper would send.
func (d *fakeDevice) serve(ln net.Listener, kinds []string) {
	metaSent := false
	for _, kind := range kinds {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		switch kind {
		case "control":
			go d.drainControl(conn)
		case "video":
			if !metaSent {
				conn.Write(d.metaBlock())
				metaSent = true
			}
			header := make([]byte, 12)
			putU32 := func(off int, v uint32) {
				header[off] = byte(v >> 24)
				header[off+1] = byte(v >> 16)
				header[off+2] = byte(v >> 8)
				header[off+3] = byte(v)
			}
			putU32(0, uint32(protocol.CodecH264))
			putU32(4, d.width)
			putU32(8, d.height)
			conn.Write(header)
			d.mu.Lock()
			d.video = conn
			d.mu.Unlock()
		case "audio":
			if !metaSent {
				conn.Write(d.metaBlock())
				metaSent = true
			}
			codec := uint32(protocol.CodecOpus)
			conn.Write([]byte{byte(codec >> 24), byte(codec >> 16), byte(codec >> 8), byte(codec)})
			d.mu.Lock()
			d.audio = conn
			d.mu.Unlock()
		}
	}
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	close(ready)
}

func (d *fakeDevice) metaBlock() []byte {
	block := make([]byte, 64)
	copy(block, d.deviceName)
	return block
}

func (d *fakeDevice) drainControl(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			d.mu.Lock()
			d.controlRx.Write(buf[:n])
			d.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (d *fakeDevice) controlBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.controlRx.Bytes()...)
}

func (d *fakeDevice) sendVideoFrame(t *testing.T, pts uint64, payload []byte) {
	t.Helper()
	d.waitReady(t)
	d.mu.Lock()
	conn := d.video
	d.mu.Unlock()
	f := protocol.Frame{Header: protocol.FrameHeader{PTS: pts}, Payload: payload}
	if _, err := conn.Write(f.Marshal()); err != nil {
		t.Fatalf("send video frame: %v", err)
	}
}

func (d *fakeDevice) killHelper() {
	d.mu.Lock()
	proc := d.procLocal
	d.mu.Unlock()
	if proc != nil {
		proc.Close()
	}
}

func (d *fakeDevice) waitReady(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	if ready == nil {
		t.Fatal("device was never forwarded")
	}
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("helper sockets never connected")
	}
}

func (d *fakeDevice) forwardCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.forwards)
}

// fakeLinks is a LinkProvider over a fixed set of fake devices.
type fakeLinks struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
}

func newFakeLinks(devs ...*fakeDevice) *fakeLinks {
	f := &fakeLinks{devices: make(map[string]*fakeDevice)}
	for _, d := range devs {
		f.devices[d.serial] = d
	}
	return f
}

func (f *fakeLinks) GetOrConnect(_ context.Context, serial string) (DeviceLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[serial]
	if !ok {
		return nil, fmt.Errorf("device %s not found", serial)
	}
	return d, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func testBus() *events.Bus {
	return events.NewBus(testLogger())
}

func testArtifact() *scrcpy.Artifact {
	return &scrcpy.Artifact{Version: "2.7", Data: []byte("helper jar bytes for session tests")}
}

// waitState polls until the supervisor reaches the wanted state.
func waitState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", sup.State(), want)
}
