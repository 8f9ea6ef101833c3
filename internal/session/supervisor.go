package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"droidcast/internal/events"
	"droidcast/internal/metrics"
	"droidcast/internal/protocol"
	"droidcast/internal/scrcpy"
)

const (
	startTimeout       = 10 * time.Second
	socketRetries      = 5
	socketRetryDelay   = 300 * time.Millisecond
	stopGrace          = 3 * time.Second
	controlQueueLen    = 64
	controlSendTimeout = 100 * time.Millisecond
)

// helperDeployer is what the supervisor needs from the deploy layer.
type helperDeployer interface {
	Deploy(ctx context.Context, link scrcpy.DeviceLink, art *scrcpy.Artifact) error
	RemotePath() string
}

// Supervisor owns one session end to end: helper deployment, the on-device
// process, the stream sockets and the pump goroutines. State transitions
// are serialized by the mutex; teardown runs exactly once regardless of
// whether a stop request or a crash gets there first.
type Supervisor struct {
	id     string
	serial string
	scid   string
	cfg    scrcpy.Config

	link     DeviceLink
	deployer helperDeployer
	artifact *scrcpy.Artifact
	hub      *Hub
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// dial and allocPort are swapped out in tests.
	dial      func(ctx context.Context, addr string) (net.Conn, error)
	allocPort func() (int, error)

	mu        sync.Mutex
	state     State
	reason    string
	startedAt time.Time
	meta      protocol.DeviceMeta
	video     protocol.VideoHeader

	port      int
	procConn  net.Conn
	conns     []net.Conn
	controlCh chan []byte
	encoder   *protocol.ControlEncoder

	cancel   context.CancelFunc
	pumps    sync.WaitGroup
	teardown sync.Once
}

// NewSupervisor builds an idle supervisor. Call Start to bring the session
// up.
func NewSupervisor(link DeviceLink, deployer helperDeployer, art *scrcpy.Artifact,
	cfg scrcpy.Config, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Supervisor {

	serial := link.Serial()
	var dialer net.Dialer
	return &Supervisor{
		id:        uuid.NewString(),
		serial:    serial,
		scid:      newSCID(),
		cfg:       cfg,
		link:      link,
		deployer:  deployer,
		artifact:  art,
		hub:       NewHub(serial, bus, m, logger),
		bus:       bus,
		metrics:   m,
		logger:    logger.With("component", "session", "serial", serial),
		dial:      func(ctx context.Context, addr string) (net.Conn, error) { return dialer.DialContext(ctx, "tcp", addr) },
		allocPort: allocatePort,
		state:     StateIdle,
		controlCh: make(chan []byte, controlQueueLen),
	}
}

func newSCID() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

// Hub exposes the subscriber fan-out for this session.
func (s *Supervisor) Hub() *Hub { return s.hub }

func (s *Supervisor) ID() string     { return s.id }
func (s *Supervisor) Serial() string { return s.serial }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status snapshots the session for API consumers.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:          s.id,
		Serial:      s.serial,
		State:       s.state,
		Reason:      s.reason,
		Config:      s.cfg,
		DeviceName:  s.meta.DeviceName,
		VideoWidth:  int(s.video.Width),
		VideoHeight: int(s.video.Height),
		Subscribers: s.hub.Count(),
		StartedAt:   s.startedAt,
	}
}

// Start drives the session to the running state: deploy the helper, start
// it, connect the stream sockets and wait for the readiness banner. It
// returns only after the session is running or has failed; on failure the
// session is left in the crashed state with everything torn down.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already started", ErrStartFailed)
	}
	s.state = StateDeploying
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()
	s.emitState(StateDeploying, "")

	ctx, cancelStart := context.WithTimeout(ctx, startTimeout)
	defer cancelStart()

	if err := s.deployer.Deploy(ctx, s.link, s.artifact); err != nil {
		s.fail("deploy failed", err)
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	s.mu.Lock()
	if s.state != StateDeploying {
		// A stop raced the deploy; its terminal state stands.
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s during startup", ErrStartFailed, state)
	}
	s.state = StateStarting
	s.mu.Unlock()
	s.emitState(StateStarting, "")

	if err := s.launch(ctx, runCtx); err != nil {
		s.fail("helper start failed", err)
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	s.mu.Lock()
	if s.state != StateStarting {
		// A stop raced the startup; teardown already ran, but launch may
		// have opened sockets after its snapshot. Close them here.
		state := s.state
		procConn := s.procConn
		conns := append([]net.Conn(nil), s.conns...)
		s.mu.Unlock()
		if procConn != nil {
			procConn.Close()
		}
		for _, conn := range conns {
			conn.Close()
		}
		return fmt.Errorf("%w: session %s during startup", ErrStartFailed, state)
	}
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.emitState(StateRunning, "")
	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionsStarted.Inc()
	s.logger.Info("session running",
		"scid", s.scid, "device", s.meta.DeviceName,
		"video", fmt.Sprintf("%dx%d", s.video.Width, s.video.Height))

	s.startPumps(runCtx)
	return nil
}

// launch starts the helper process and connects the stream sockets in
// order: control, then video, then audio.
func (s *Supervisor) launch(ctx, runCtx context.Context) error {
	port, err := s.allocPort()
	if err != nil {
		return fmt.Errorf("allocate port: %w", err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	socketName := "localabstract:scrcpy_" + s.scid
	if err := s.link.Forward(ctx, port, socketName); err != nil {
		return fmt.Errorf("forward %s: %w", socketName, err)
	}

	cmd := s.cfg.Command(s.deployer.RemotePath(), s.artifact.Version, s.scid)
	procConn, err := s.link.ShellStream(runCtx, cmd)
	if err != nil {
		return fmt.Errorf("start helper: %w", err)
	}
	s.mu.Lock()
	s.procConn = procConn
	s.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for _, kind := range s.cfg.StreamKinds() {
		conn, err := s.dialRetry(ctx, addr)
		if err != nil {
			return fmt.Errorf("connect %s socket: %w", kind, err)
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}

	return s.readHeaders(s.cfg.StreamKinds())
}

// dialRetry connects to the forwarded port, tolerating the window where the
// helper has not bound its socket yet.
func (s *Supervisor) dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < socketRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(socketRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err := s.dial(ctx, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// readHeaders consumes the readiness banner and per-stream codec metadata.
// The device banner arrives on the first media socket.
func (s *Supervisor) readHeaders(kinds []string) error {
	metaRead := false
	for i, kind := range kinds {
		conn := s.conns[i]
		switch kind {
		case "video":
			if !metaRead {
				meta, err := protocol.ReadDeviceMeta(conn)
				if err != nil {
					return err
				}
				s.setMeta(meta)
				metaRead = true
			}
			header, err := protocol.ReadVideoHeader(conn)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.video = header
			s.encoder = protocol.NewControlEncoder(int(header.Width), int(header.Height))
			s.mu.Unlock()
		case "audio":
			if !metaRead {
				meta, err := protocol.ReadDeviceMeta(conn)
				if err != nil {
					return err
				}
				s.setMeta(meta)
				metaRead = true
			}
			if _, err := protocol.ReadAudioHeader(conn); err != nil {
				return err
			}
		}
	}
	s.mu.Lock()
	if s.encoder == nil {
		// Control-only session, no video header to size against.
		s.encoder = protocol.NewControlEncoder(1080, 1920)
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) setMeta(meta protocol.DeviceMeta) {
	s.mu.Lock()
	s.meta = meta
	s.mu.Unlock()
}

// startPumps launches the long-lived goroutines: the process watcher, one
// reader per media socket and the single control writer.
func (s *Supervisor) startPumps(runCtx context.Context) {
	s.pumps.Add(1)
	go s.watchProcess()

	kinds := s.cfg.StreamKinds()
	for i, kind := range kinds {
		conn := s.conns[i]
		switch kind {
		case "control":
			s.pumps.Add(1)
			go s.controlWriter(runCtx, conn)
		case "video":
			s.pumps.Add(1)
			go s.mediaPump(conn, KindVideo)
		case "audio":
			s.pumps.Add(1)
			go s.mediaPump(conn, KindAudio)
		}
	}
}

// watchProcess blocks on the helper's shell stream. EOF while the session
// is running means the helper died. The crash runs on its own goroutine:
// teardown waits for the pumps, so a pump must never run it inline.
func (s *Supervisor) watchProcess() {
	defer s.pumps.Done()
	buf := make([]byte, 4096)
	for {
		if _, err := s.procConn.Read(buf); err != nil {
			go s.crash("helper process exited")
			return
		}
	}
}

// mediaPump reframes one stream and broadcasts each packet as a
// self-contained unit.
func (s *Supervisor) mediaPump(conn net.Conn, kind StreamKind) {
	defer s.pumps.Done()
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			go s.crash(fmt.Sprintf("%s stream ended", kind))
			return
		}
		s.hub.Broadcast(kind, frame.Marshal())
	}
}

// controlWriter is the single goroutine allowed to write to the control
// socket, so events injected from many subscribers keep a total order.
func (s *Supervisor) controlWriter(ctx context.Context, conn net.Conn) {
	defer s.pumps.Done()
	for {
		select {
		case msg := <-s.controlCh:
			if _, err := conn.Write(msg); err != nil {
				go s.crash("control socket write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Inject encodes a control event and queues it for the control writer.
// The queue is bounded; a saturated queue rejects the event rather than
// stalling the caller indefinitely.
func (s *Supervisor) Inject(ev protocol.ControlEvent) error {
	s.mu.Lock()
	state := s.state
	enc := s.encoder
	s.mu.Unlock()
	if state != StateRunning {
		return ErrSessionNotRunning
	}
	if !s.cfg.Control {
		return ErrControlDisabled
	}
	msg, err := enc.Encode(ev)
	if err != nil {
		s.metrics.ControlRejected.Inc()
		return err
	}
	return s.queueControl(msg)
}

// InjectRaw queues an already-encoded control message for the control
// writer. The payload is forwarded to the helper as-is; callers are
// responsible for producing valid wire bytes.
func (s *Supervisor) InjectRaw(msg []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning {
		return ErrSessionNotRunning
	}
	if !s.cfg.Control {
		return ErrControlDisabled
	}
	if len(msg) == 0 {
		s.metrics.ControlRejected.Inc()
		return fmt.Errorf("session: empty control payload")
	}
	return s.queueControl(msg)
}

func (s *Supervisor) queueControl(msg []byte) error {
	select {
	case s.controlCh <- msg:
		s.metrics.ControlEvents.Inc()
		return nil
	case <-time.After(controlSendTimeout):
		s.metrics.ControlRejected.Inc()
		return ErrBackpressure
	}
}

// Stop shuts the session down. Safe to call in any state and more than
// once; stopping an already-terminal session is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.state == StateRunning
	s.state = StateStopping
	s.mu.Unlock()
	s.emitState(StateStopping, "")

	s.shutdown(StateStopped, "stopped by request", wasRunning)
	return nil
}

// crash is the teardown path for unexpected helper death. Only a running
// or starting session can crash; a stop already in progress wins.
func (s *Supervisor) crash(reason string) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateCrashed
	s.reason = reason
	s.mu.Unlock()

	s.logger.Warn("session crashed", "reason", reason)
	s.metrics.SessionsCrashed.Inc()
	s.bus.Emit(events.Event{Type: events.EventSessionCrashed, Data: StateChange{
		SessionID: s.id, Serial: s.serial, State: StateCrashed, Reason: reason,
	}})
	s.shutdown(StateCrashed, reason, true)
}

// fail handles errors during Start: the session never ran, but partial
// resources may exist.
func (s *Supervisor) fail(reason string, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		// A forced teardown got there first; its state stands.
		s.mu.Unlock()
		return
	}
	s.state = StateCrashed
	s.reason = fmt.Sprintf("%s: %v", reason, err)
	s.mu.Unlock()
	s.logger.Warn("session start failed", "reason", reason, "err", err)
	s.shutdown(StateCrashed, reason, false)
}

// shutdown releases every resource exactly once: sockets first so pump
// goroutines unblock, then the pumps themselves with a bounded grace
// period, then the adb forward. The hub close delivers the terminal
// notice to subscribers after the state is final.
func (s *Supervisor) shutdown(final State, reason string, wasRunning bool) {
	s.teardown.Do(func() {
		// Snapshot the socket fields under the lock: a forced teardown can
		// arrive while the startup goroutine is still populating them.
		s.mu.Lock()
		cancel := s.cancel
		procConn := s.procConn
		conns := append([]net.Conn(nil), s.conns...)
		port := s.port
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if procConn != nil {
			procConn.Close()
		}
		for _, conn := range conns {
			conn.Close()
		}

		done := make(chan struct{})
		go func() {
			s.pumps.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopGrace):
			s.logger.Warn("pump goroutines did not exit within grace period")
		}

		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelCleanup()
		if port != 0 {
			if err := s.link.RemoveForward(cleanupCtx, port); err != nil {
				s.logger.Debug("remove forward failed", "port", port, "err", err)
			}
		}

		s.mu.Lock()
		if s.state != StateCrashed {
			s.state = final
			s.reason = reason
		}
		final = s.state
		reason = s.reason
		s.mu.Unlock()

		if wasRunning {
			s.metrics.ActiveSessions.Dec()
		}
		s.hub.Close(final, reason)
		s.emitState(final, reason)
		s.logger.Info("session ended", "state", string(final), "reason", reason)
	})
}

func (s *Supervisor) setState(state State, reason string) {
	s.mu.Lock()
	s.state = state
	s.reason = reason
	s.mu.Unlock()
	s.emitState(state, reason)
}

func (s *Supervisor) emitState(state State, reason string) {
	s.bus.Emit(events.Event{Type: events.EventSessionState, Data: StateChange{
		SessionID: s.id, Serial: s.serial, State: state, Reason: reason,
	}})
}
