package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"droidcast/internal/protocol"
	"droidcast/internal/scrcpy"
)

// gatedDeployer parks Deploy until the gate is released, holding the
// session in the deploying state.
type gatedDeployer struct {
	gate chan struct{}
}

func (g *gatedDeployer) Deploy(ctx context.Context, _ scrcpy.DeviceLink, _ *scrcpy.Artifact) error {
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedDeployer) RemotePath() string { return scrcpy.DefaultRemotePath }

func newTestSupervisor(t *testing.T, dev *fakeDevice, o scrcpy.Overrides) *Supervisor {
	t.Helper()
	cfg, err := scrcpy.BuildConfig(scrcpy.DefaultConfig(), o)
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	dev.kinds = cfg.StreamKinds()
	deployer := scrcpy.NewDeployer(testMetrics(), testLogger())
	sup := NewSupervisor(dev, deployer, testArtifact(), cfg, testBus(), testMetrics(), testLogger())
	t.Cleanup(func() { sup.Stop(context.Background()) })
	return sup
}

func TestSupervisorStart(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateRunning {
		t.Fatalf("state = %s, want running", sup.State())
	}

	st := sup.Status()
	if st.DeviceName != "Pixel 8" {
		t.Errorf("device name = %q", st.DeviceName)
	}
	if st.VideoWidth != 1080 || st.VideoHeight != 1920 {
		t.Errorf("video size = %dx%d", st.VideoWidth, st.VideoHeight)
	}

	dev.mu.Lock()
	cmd := dev.streamCmd
	jar := dev.files[scrcpy.DefaultRemotePath]
	dev.mu.Unlock()
	if !strings.Contains(cmd, "com.genymobile.scrcpy.Server") {
		t.Errorf("helper command = %q", cmd)
	}
	if !strings.Contains(cmd, "scid="+sup.scid) {
		t.Errorf("command missing scid: %q", cmd)
	}
	if len(jar) == 0 {
		t.Error("helper jar was not pushed")
	}
	if dev.forwardCount() != 1 {
		t.Errorf("forwards = %d, want 1", dev.forwardCount())
	}
}

func TestSupervisorStreamsFrames(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub, err := sup.Hub().Attach(KindVideo)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	dev.sendVideoFrame(t, 1000, []byte("first nal"))
	dev.sendVideoFrame(t, 2000, []byte("second nal"))

	for i, want := range []string{"first nal", "second nal"} {
		select {
		case m := <-sub.Video():
			frame, err := protocol.ReadFrame(bytes.NewReader(m.Data))
			if err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
			if string(frame.Payload) != want {
				t.Errorf("frame %d payload = %q, want %q", i, frame.Payload, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestSupervisorControlInjection(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.waitReady(t)

	ev := protocol.ControlEvent{
		Type:     protocol.EventTouchDown,
		Position: &protocol.Position{X: 0.5, Y: 0.25},
	}
	if err := sup.Inject(ev); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := dev.controlBytes(); len(got) >= 32 {
			if got[0] != 2 { // inject touch
				t.Fatalf("control message type = %d", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("control message never reached the device")
}

func TestSupervisorRawControlInjection(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.waitReady(t)

	// A pre-encoded BACK key press, forwarded without re-encoding.
	raw := []byte{0, 0, 0, 0, 0, 4, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := sup.InjectRaw(raw); err != nil {
		t.Fatalf("InjectRaw: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := dev.controlBytes(); len(got) >= len(raw) {
			if string(got[:len(raw)]) != string(raw) {
				t.Fatalf("device received %v, want %v", got[:len(raw)], raw)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("raw control payload never reached the device")
}

func TestSupervisorInjectRawBeforeRunning(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})

	if err := sup.InjectRaw([]byte{0}); !errors.Is(err, ErrSessionNotRunning) {
		t.Fatalf("err = %v, want ErrSessionNotRunning", err)
	}
}

func TestSupervisorControlDisabled(t *testing.T) {
	off := false
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{Control: &off})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := sup.Inject(protocol.ControlEvent{Type: protocol.EventHome})
	if !errors.Is(err, ErrControlDisabled) {
		t.Fatalf("err = %v, want ErrControlDisabled", err)
	}
}

func TestSupervisorInjectBeforeRunning(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})

	err := sup.Inject(protocol.ControlEvent{Type: protocol.EventHome})
	if !errors.Is(err, ErrSessionNotRunning) {
		t.Fatalf("err = %v, want ErrSessionNotRunning", err)
	}
}

func TestSupervisorCrashOnHelperExit(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, _ := sup.Hub().Attach(KindEvent)

	dev.killHelper()
	waitState(t, sup, StateCrashed)

	// The subscriber learns about the crash before its channels close.
	var sawTerminal bool
	for range sub.Events() {
		sawTerminal = true
	}
	if !sawTerminal {
		t.Error("no terminal notice delivered")
	}
	term := sub.Terminal()
	if term == nil || term.State != StateCrashed {
		t.Errorf("terminal = %+v, want crashed", term)
	}
}

func TestSupervisorCrashOnStreamLoss(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.waitReady(t)

	dev.mu.Lock()
	dev.video.Close()
	dev.mu.Unlock()

	waitState(t, sup, StateCrashed)
}

func TestSupervisorStopIdempotent(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", sup.State())
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if dev.forwardCount() != 0 {
		t.Errorf("forwards = %d, want 0 after stop", dev.forwardCount())
	}
}

func TestSupervisorStartDeployFailure(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	dev.failPush = true
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})

	err := sup.Start(context.Background())
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("err = %v, want ErrStartFailed", err)
	}
	if sup.State() != StateCrashed {
		t.Errorf("state = %s, want crashed", sup.State())
	}
}

func TestSupervisorStopDuringDeploy(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	cfg, err := scrcpy.BuildConfig(scrcpy.DefaultConfig(), scrcpy.Overrides{})
	if err != nil {
		t.Fatalf("BuildConfig: %v", err)
	}
	dev.kinds = cfg.StreamKinds()
	deployer := &gatedDeployer{gate: make(chan struct{})}
	sup := NewSupervisor(dev, deployer, testArtifact(), cfg, testBus(), testMetrics(), testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(context.Background()) }()
	waitState(t, sup, StateDeploying)

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", sup.State())
	}

	close(deployer.gate)
	if err := <-errCh; !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Start err = %v, want ErrStartFailed", err)
	}
	// The stop's terminal state must stand; the startup must not push the
	// session back into starting or running.
	if sup.State() != StateStopped {
		t.Fatalf("state = %s after start unwound, want stopped", sup.State())
	}
	dev.mu.Lock()
	cmd := dev.streamCmd
	dev.mu.Unlock()
	if cmd != "" {
		t.Errorf("helper was started after stop: %q", cmd)
	}
}

func TestSupervisorStopDuringSocketConnect(t *testing.T) {
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{})

	gate := make(chan struct{})
	origDial := sup.dial
	sup.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return origDial(ctx, addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(context.Background()) }()
	waitState(t, sup, StateStarting)

	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Start err = %v, want ErrStartFailed", err)
	}
	if sup.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", sup.State())
	}
	if dev.forwardCount() != 0 {
		t.Errorf("forwards = %d, want 0 after stop", dev.forwardCount())
	}
}

func TestSupervisorVideoOnly(t *testing.T) {
	noAudio, noControl := false, false
	dev := newFakeDevice("emulator-5554")
	sup := newTestSupervisor(t, dev, scrcpy.Overrides{Audio: &noAudio, Control: &noControl})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateRunning {
		t.Fatalf("state = %s", sup.State())
	}
}
