package adb

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeDevice is one device known to the fake adb server.
type fakeDevice struct {
	state      string // "device", "offline", "unauthorized"
	props      map[string]string
	files      map[string][]byte
	healthFail bool
	shellHook  func(cmd string) (string, bool)
}

// fakeAdbServer implements enough of the adb host protocol for the client:
// host:version, host:devices-l, host:transport + shell/sync, forwards.
type fakeAdbServer struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	devices  map[string]*fakeDevice
	forwards map[int]string
}

func newFakeAdbServer(t *testing.T) *fakeAdbServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeAdbServer{
		t:        t,
		ln:       ln,
		devices:  make(map[string]*fakeDevice),
		forwards: make(map[int]string),
	}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeAdbServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeAdbServer) addDevice(serial, state string) *fakeDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := &fakeDevice{
		state: state,
		props: map[string]string{
			"ro.product.model":         "sdk_gphone64_x86_64",
			"ro.product.manufacturer":  "Google",
			"ro.build.version.release": "14",
		},
		files: make(map[string][]byte),
	}
	s.devices[serial] = dev
	return dev
}

func (s *fakeAdbServer) removeDevice(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, serial)
}

func (s *fakeAdbServer) setHealthFail(serial string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.devices[serial]; ok {
		dev.healthFail = fail
	}
}

func (s *fakeAdbServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func readFakeRequest(conn net.Conn) (string, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(lenBuf), 16, 32)
	if err != nil {
		return "", err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return "", err
	}
	return string(payload), nil
}

func writeOkay(conn net.Conn)                 { _, _ = conn.Write([]byte("OKAY")) }
func writeFail(conn net.Conn, reason string)  { fmt.Fprintf(conn, "FAIL%04x%s", len(reason), reason) }
func writePayload(conn net.Conn, body string) { fmt.Fprintf(conn, "%04x%s", len(body), body) }

func (s *fakeAdbServer) serve(conn net.Conn) {
	defer conn.Close()
	req, err := readFakeRequest(conn)
	if err != nil {
		return
	}

	switch {
	case req == "host:version":
		writeOkay(conn)
		writePayload(conn, "0029")

	case req == "host:devices-l":
		writeOkay(conn)
		writePayload(conn, s.deviceList())

	case strings.HasPrefix(req, "host:transport:"):
		serial := strings.TrimPrefix(req, "host:transport:")
		s.mu.Lock()
		dev, ok := s.devices[serial]
		s.mu.Unlock()
		if !ok {
			writeFail(conn, fmt.Sprintf("device '%s' not found", serial))
			return
		}
		if dev.state != "device" {
			writeFail(conn, "device "+dev.state)
			return
		}
		writeOkay(conn)
		s.serveTransport(conn, dev)

	case strings.HasPrefix(req, "host-serial:"):
		s.serveHostSerial(conn, req)

	default:
		writeFail(conn, "unknown service "+req)
	}
}

func (s *fakeAdbServer) deviceList() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for serial, dev := range s.devices {
		fmt.Fprintf(&b, "%s %s product:gphone model:%s device:emu64\n",
			serial, dev.state, dev.props["ro.product.model"])
	}
	return b.String()
}

func (s *fakeAdbServer) serveHostSerial(conn net.Conn, req string) {
	rest := strings.TrimPrefix(req, "host-serial:")
	idx := strings.Index(rest, ":")
	if idx < 0 {
		writeFail(conn, "malformed host-serial request")
		return
	}
	serial, op := rest[:idx], rest[idx+1:]
	s.mu.Lock()
	_, ok := s.devices[serial]
	s.mu.Unlock()
	if !ok {
		writeFail(conn, fmt.Sprintf("device '%s' not found", serial))
		return
	}

	switch {
	case strings.HasPrefix(op, "forward:tcp:"):
		spec := strings.TrimPrefix(op, "forward:tcp:")
		parts := strings.SplitN(spec, ";", 2)
		port, err := strconv.Atoi(parts[0])
		if err != nil || len(parts) != 2 {
			writeFail(conn, "malformed forward spec")
			return
		}
		s.mu.Lock()
		s.forwards[port] = parts[1]
		s.mu.Unlock()
		writeOkay(conn)
		writeOkay(conn)

	case strings.HasPrefix(op, "killforward:tcp:"):
		port, err := strconv.Atoi(strings.TrimPrefix(op, "killforward:tcp:"))
		if err != nil {
			writeFail(conn, "malformed killforward spec")
			return
		}
		s.mu.Lock()
		delete(s.forwards, port)
		s.mu.Unlock()
		writeOkay(conn)
		writeOkay(conn)

	default:
		writeFail(conn, "unknown host-serial op "+op)
	}
}

func (s *fakeAdbServer) serveTransport(conn net.Conn, dev *fakeDevice) {
	req, err := readFakeRequest(conn)
	if err != nil {
		return
	}
	switch {
	case strings.HasPrefix(req, "shell:"):
		cmd := strings.TrimPrefix(req, "shell:")
		writeOkay(conn)
		_, _ = conn.Write([]byte(s.runShell(dev, cmd)))

	case req == "sync:":
		writeOkay(conn)
		s.serveSync(conn, dev)

	default:
		writeFail(conn, "unknown transport service "+req)
	}
}

func (s *fakeAdbServer) runShell(dev *fakeDevice, cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev.shellHook != nil {
		if out, handled := dev.shellHook(cmd); handled {
			return out
		}
	}

	switch {
	case cmd == "echo ping":
		if dev.healthFail {
			return ""
		}
		return "ping\n"
	case strings.HasPrefix(cmd, "getprop "):
		return dev.props[strings.TrimPrefix(cmd, "getprop ")] + "\n"
	case cmd == "wm size":
		return "Physical size: 1080x2400\n"
	case strings.HasPrefix(cmd, "md5sum "):
		path := strings.TrimSpace(strings.TrimPrefix(cmd, "md5sum "))
		data, ok := dev.files[path]
		if !ok {
			return fmt.Sprintf("md5sum: %s: No such file or directory\n", path)
		}
		return fmt.Sprintf("%x  %s\n", md5.Sum(data), path)
	case strings.HasPrefix(cmd, "rm -f "):
		delete(dev.files, strings.TrimSpace(strings.TrimPrefix(cmd, "rm -f ")))
		return ""
	default:
		return ""
	}
}

func (s *fakeAdbServer) serveSync(conn net.Conn, dev *fakeDevice) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return
	}
	if string(hdr[:4]) != "SEND" {
		return
	}
	n := binary.LittleEndian.Uint32(hdr[4:])
	spec := make([]byte, n)
	if _, err := io.ReadFull(conn, spec); err != nil {
		return
	}
	path := strings.SplitN(string(spec), ",", 2)[0]

	var data []byte
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		chunkLen := binary.LittleEndian.Uint32(hdr[4:])
		switch string(hdr[:4]) {
		case "DATA":
			chunk := make([]byte, chunkLen)
			if _, err := io.ReadFull(conn, chunk); err != nil {
				return
			}
			data = append(data, chunk...)
		case "DONE":
			s.mu.Lock()
			dev.files[path] = data
			s.mu.Unlock()
			okay := make([]byte, 8)
			copy(okay, "OKAY")
			_, _ = conn.Write(okay)
			return
		default:
			return
		}
	}
}
