package realtime

import (
	"context"

	"calsync/internal/codec"
	"calsync/internal/obs"
	"calsync/pkg/exception"
	"calsync/pkg/websocket"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type connectionHandlers struct {
	onOpen    func(link Registrar)
	onMessage func(payload []byte)
	onClose   func(ev ClosureEvent)
	onError   func(err error)
	onState   func(state ConnectionState)
}

// connectionManager owns the single session connection. Every method runs on the loop.
type connectionManager struct {
	endpoint string
	dialer   websocket.Dialer
	runner   Runner
	post     func(fn func()) bool
	liveness *livenessProbe
	metrics  *obs.Metrics
	handlers connectionHandlers

	state      ConnectionState
	generation uint64
	conn       websocket.Conn
	cancelDial context.CancelFunc
}

func newConnectionManager(endpoint string, dialer websocket.Dialer, runner Runner, post func(func()) bool,
	liveness *livenessProbe, metrics *obs.Metrics, handlers connectionHandlers) *connectionManager {
	return &connectionManager{
		endpoint: endpoint,
		dialer:   dialer,
		runner:   runner,
		post:     post,
		liveness: liveness,
		metrics:  metrics,
		handlers: handlers,
		state:    StateIdle,
	}
}

func (m *connectionManager) State() ConnectionState {
	return m.state
}

func (m *connectionManager) IsOpen() bool {
	return m.state == StateOpen
}

// Busy reports whether an attempt is in flight or the connection is open.
func (m *connectionManager) Busy() bool {
	return m.state == StateConnecting || m.state == StateOpen
}

func (m *connectionManager) transition(to ConnectionState) bool {
	if err := checkTransition(m.state, to); err != nil {
		logs.Errorf("connection: %s -> %s rejected, err: %+v", m.state, to, err)
		return false
	}
	m.state = to
	m.metrics.SetConnectionState(int(to))
	if m.handlers.onState != nil {
		m.handlers.onState(to)
	}
	return true
}

// Open starts an asynchronous connection attempt. It is a no-op returning false while
// an attempt is in flight or the connection is already open.
func (m *connectionManager) Open(token string) bool {
	if m.Busy() {
		return false
	}
	if !m.transition(StateConnecting) {
		return false
	}
	m.generation++
	gen := m.generation
	m.metrics.IncConnectAttempt()

	dialCtx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel

	var dialed websocket.Conn
	req := websocket.DialRequest{
		Endpoint: m.endpoint,
		Token:    token,
		OnPong: func() {
			m.post(func() { m.pong(gen) })
		},
	}
	m.runner.Go(func(ctx context.Context) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		conn, err := m.dialer.Dial(dialCtx, req)
		if err != nil {
			return err
		}
		dialed = conn
		return nil
	}, func(err error) {
		m.dialDone(gen, dialed, err)
	}, func() {
		if dialed != nil {
			_ = dialed.Close(websocket.CloseGoingAway, "session ended")
		}
	})
	return true
}

func (m *connectionManager) dialDone(gen uint64, conn websocket.Conn, err error) {
	if gen != m.generation || m.state != StateConnecting {
		if conn != nil {
			m.closeAsync(conn, websocket.CloseNormal, "superseded")
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		err = errors.Wrap(err, "dial").With("endpoint", m.endpoint)
		if m.handlers.onError != nil {
			m.handlers.onError(err)
		}
		m.finish(ClosureEvent{Code: websocket.CloseConnectFailed, Reason: err.Error()})
		return
	}

	m.conn = conn
	if !m.transition(StateOpen) {
		m.closeAsync(conn, websocket.CloseNormal, "rejected")
		m.conn = nil
		return
	}
	m.liveness.start(func() { m.heartbeat(gen, conn) }, func() { m.expire(gen) })
	m.read(gen, conn)
	if m.handlers.onOpen != nil {
		m.handlers.onOpen(wireRegistrar{conn: conn})
	}
}

func (m *connectionManager) read(gen uint64, conn websocket.Conn) {
	m.runner.Go(func(ctx context.Context) error {
		for {
			msgType, payload, err := conn.Read(ctx)
			if err != nil {
				return err
			}
			if msgType != websocket.MessageText && msgType != websocket.MessageBinary {
				continue
			}
			if !m.post(func() { m.frame(gen, payload) }) {
				_ = conn.Close(websocket.CloseGoingAway, "session ended")
				return exception.ErrDisposed
			}
		}
	}, func(err error) {
		m.readDone(gen, err)
	}, nil)
}

func (m *connectionManager) frame(gen uint64, payload []byte) {
	if gen != m.generation || m.state != StateOpen {
		return
	}
	m.liveness.ack()
	m.metrics.IncFrameReceived()
	if m.handlers.onMessage != nil {
		m.handlers.onMessage(payload)
	}
}

func (m *connectionManager) pong(gen uint64) {
	if gen != m.generation || m.state != StateOpen {
		return
	}
	m.liveness.ack()
}

func (m *connectionManager) readDone(gen uint64, err error) {
	if gen != m.generation || m.state != StateOpen {
		return
	}
	ce := websocket.CloseErrorOf(err)
	if ce == nil {
		ce = &websocket.CloseError{Code: websocket.CloseAbnormal}
	}
	m.conn = nil
	m.finish(ClosureEvent{Code: ce.Code, Reason: ce.Reason, WasClean: ce.Clean})
}

func (m *connectionManager) heartbeat(gen uint64, conn websocket.Conn) {
	m.runner.Go(func(ctx context.Context) error {
		return conn.Write(ctx, websocket.MessagePing, nil)
	}, func(err error) {
		if err != nil && gen == m.generation {
			logs.Warnf("connection: heartbeat write failed, err: %+v", err)
		}
	}, nil)
}

func (m *connectionManager) expire(gen uint64) {
	if gen != m.generation || m.state != StateOpen {
		return
	}
	logs.Warnf("connection: heartbeat unacknowledged, closing")
	m.metrics.IncLivenessTimeout()
	m.shutdown(ClosureEvent{Code: websocket.CloseLivenessTimeout, Reason: "liveness timeout"})
}

// Close performs a clean shutdown with code 1000. A pending dial is canceled.
func (m *connectionManager) Close() {
	if m.state != StateConnecting && m.state != StateOpen {
		return
	}
	m.shutdown(ClosureEvent{Code: websocket.CloseNormal, Reason: "client closed", WasClean: true})
}

func (m *connectionManager) shutdown(ev ClosureEvent) {
	if m.state == StateConnecting {
		if m.cancelDial != nil {
			m.cancelDial()
			m.cancelDial = nil
		}
		m.finish(ev)
		return
	}
	if !m.transition(StateClosing) {
		return
	}
	m.liveness.stop()
	if m.conn != nil {
		m.closeAsync(m.conn, ev.Code, ev.Reason)
		m.conn = nil
	}
	m.finish(ev)
}

// finish moves to Closed and emits the one closure event of the current generation.
func (m *connectionManager) finish(ev ClosureEvent) {
	m.liveness.stop()
	m.generation++
	if !m.transition(StateClosed) {
		return
	}
	m.metrics.IncClosure(ev.Code.String())
	if m.handlers.onClose != nil {
		m.handlers.onClose(ev)
	}
}

func (m *connectionManager) closeAsync(conn websocket.Conn, code websocket.CloseCode, reason string) {
	m.runner.Go(func(context.Context) error {
		return conn.Close(code, reason)
	}, nil, nil)
}

// wireRegistrar writes control frames on one specific connection.
type wireRegistrar struct {
	conn websocket.Conn
}

func (r wireRegistrar) Register(ctx context.Context, paths []string) error {
	return r.write(ctx, codec.KeyRegister, paths)
}

func (r wireRegistrar) Unregister(ctx context.Context, paths []string) error {
	return r.write(ctx, codec.KeyUnregister, paths)
}

func (r wireRegistrar) write(ctx context.Context, op string, paths []string) error {
	var (
		frame []byte
		err   error
	)
	if op == codec.KeyRegister {
		frame, err = codec.EncodeRegister(nil, paths)
	} else {
		frame, err = codec.EncodeUnregister(nil, paths)
	}
	if err != nil {
		return err
	}
	if err := r.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return errors.Wrapf(err, "write %s frame", op)
	}
	return nil
}
