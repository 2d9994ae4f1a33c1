package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"calsync/internal/auth"
	"calsync/internal/obs"
	"calsync/internal/resource"
	"calsync/pkg/exception"
	"calsync/pkg/websocket"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// DesiredSource provides the subscription set the client wants.
// Changed may return nil when the source never changes on its own.
type DesiredSource interface {
	Desired() resource.Set
	Changed() <-chan struct{}
}

// Options configures a Coordinator.
type Options struct {
	// Endpoint is the ws:// or wss:// notification endpoint.
	Endpoint   string
	Dialer     websocket.Dialer
	Desired    DesiredSource
	Dispatcher Dispatcher
	// Index resolves calendar context for dispatched ids. When nil the desired source
	// is used if it implements resource.CalendarIndex, otherwise the desired set itself.
	Index resource.CalendarIndex

	Backoff     websocket.Backoff
	MaxAttempts int

	HeartbeatPeriod  time.Duration
	HeartbeatTimeout time.Duration
	// Debounce is the coalescing window. Zero dispatches every update immediately.
	Debounce            time.Duration
	RegistrationTimeout time.Duration

	Clock   clock.Clock
	Metrics *obs.Metrics

	// OnStateChange, OnExhausted and OnCredentialsExpired run on the event loop and must not block.
	OnStateChange func(state ConnectionState)
	OnExhausted   func(attempts int)

	// OnCredentialsExpired runs whenever a connection is not opened because the held token expired.
	OnCredentialsExpired func()
}

// DefaultOptions returns Options with every tunable set to its default.
func DefaultOptions() Options {
	return Options{
		Backoff:             websocket.DefaultBackoff(),
		MaxAttempts:         DefaultMaxAttempts,
		HeartbeatPeriod:     DefaultHeartbeatPeriod,
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		Debounce:            DefaultDebounce,
		RegistrationTimeout: DefaultRegistrationTimeout,
	}
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	Authenticated bool   `json:"authenticated"`
	Subject       string `json:"subject,omitempty"`
	Attempt       int    `json:"attempt"`
	Phase         string `json:"reconnect_phase"`
	Exhausted     bool   `json:"exhausted"`
	Suspended     bool   `json:"suspended"`
	Desired       int    `json:"desired"`
	Confirmed     int    `json:"confirmed"`
	Pending       int    `json:"pending"`

	// CredentialsExpired is set while the held token is past its expiry.
	CredentialsExpired bool `json:"credentials_expired"`
}

// Coordinator runs one client session: it opens the connection while authenticated,
// keeps registrations in line with the desired set, routes inbound updates and reconnects.
type Coordinator struct {
	opts      Options
	sessionID string
	clock     clock.Clock
	index     func() resource.CalendarIndex

	loop    *eventLoop
	wg      sync.WaitGroup
	runCtx  context.Context
	stopRun context.CancelFunc
	running atomic.Bool

	network  *networkAwareness
	liveness *livenessProbe
	conn     *connectionManager
	policy   *reconnectPolicy
	registry *registrationSynchronizer
	router   *messageRouter

	creds    auth.Credentials
	disposed bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Dialer == nil {
		return nil, exception.ErrNilDialer
	}
	if opts.Endpoint == "" {
		return nil, exception.ErrEmptyEndpoint
	}
	if opts.Desired == nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "nil desired source")
	}
	if opts.Dispatcher == nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, "nil dispatcher")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	c := &Coordinator{
		opts:      opts,
		sessionID: uuid.NewString(),
		clock:     opts.Clock,
		loop:      newEventLoop(defaultLoopQueueSize),
		network:   &networkAwareness{},
	}
	c.runCtx, c.stopRun = context.WithCancel(context.Background())
	c.index = c.calendarIndex()

	sched := &loopScheduler{clock: opts.Clock, loop: c.loop}
	runner := &loopRunner{ctx: c.runCtx, loop: c.loop, wg: &c.wg}

	c.liveness = newLivenessProbe(sched, opts.HeartbeatPeriod, opts.HeartbeatTimeout)
	c.conn = newConnectionManager(opts.Endpoint, opts.Dialer, runner, c.loop.post, c.liveness, opts.Metrics, connectionHandlers{
		onOpen:    c.handleOpen,
		onMessage: c.handleMessage,
		onClose:   c.handleClose,
		onError:   c.handleError,
		onState:   c.handleState,
	})
	c.policy = newReconnectPolicy(sched, opts.Backoff, opts.MaxAttempts, c.network, opts.Metrics, c.open, c.handleExhausted)
	c.registry = newRegistrationSynchronizer(runner, opts.RegistrationTimeout, opts.Desired.Desired, opts.Metrics)
	c.router = newMessageRouter(sched, opts.Debounce, c.index, opts.Dispatcher, opts.Metrics)
	opts.Metrics.SetReachable(true)
	return c, nil
}

func (c *Coordinator) calendarIndex() func() resource.CalendarIndex {
	if c.opts.Index != nil {
		index := c.opts.Index
		return func() resource.CalendarIndex { return index }
	}
	if index, ok := c.opts.Desired.(resource.CalendarIndex); ok {
		return func() resource.CalendarIndex { return index }
	}
	return func() resource.CalendarIndex {
		return resource.SetIndex(c.opts.Desired.Desired())
	}
}

func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Run drives the session until ctx is done, then tears it down in order: reconnection timer,
// flush timer and pending batch, liveness probe, connection. It returns after every helper
// goroutine exited.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return exception.ErrAlreadyRunning
	}
	logs.Infof("coordinator: session %s started, endpoint: %s", c.sessionID, c.opts.Endpoint)

	c.watchDesired(ctx)
	c.loop.run(ctx)

	c.teardown()
	c.loop.stop()
	c.stopRun()
	c.wg.Wait()

	logs.Infof("coordinator: session %s stopped", c.sessionID)
	return ctx.Err()
}

func (c *Coordinator) watchDesired(ctx context.Context) {
	changed := c.opts.Desired.Changed()
	if changed == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changed:
				if !ok {
					return
				}
				if !c.loop.post(c.registry.sync) {
					return
				}
			}
		}
	}()
}

func (c *Coordinator) teardown() {
	c.disposed = true
	c.policy.Cancel()
	c.router.Discard()
	c.liveness.stop()
	c.conn.Close()
}

func (c *Coordinator) do(fn func()) error {
	if !c.loop.post(fn) {
		return exception.ErrDisposed
	}
	return nil
}

// SetCredentials authenticates the session. It counts as a fresh authentication: the
// reconnection counter is reset and a connection is opened when none is active.
func (c *Coordinator) SetCredentials(creds auth.Credentials) error {
	if err := creds.Validate(c.clock.Now()); err != nil {
		return err
	}
	return c.do(func() {
		if c.disposed {
			return
		}
		previous := c.creds
		c.creds = creds
		c.policy.Reset()
		logs.Infof("coordinator: authenticated, subject: %q", creds.Subject)
		if c.conn.Busy() {
			if previous.Token == creds.Token {
				return
			}
			c.conn.Close()
		}
		c.open()
	})
}

// Logout ends the authenticated part of the session without disposing it.
func (c *Coordinator) Logout() error {
	return c.do(func() {
		if c.disposed {
			return
		}
		c.creds = auth.Credentials{}
		c.policy.Reset()
		c.router.Discard()
		c.liveness.stop()
		c.conn.Close()
		logs.Infof("coordinator: logged out")
	})
}

func (c *Coordinator) ReachabilityLost() error {
	return c.do(func() {
		c.policy.ReachabilityLost()
		c.opts.Metrics.SetReachable(false)
		logs.Warnf("coordinator: network unreachable")
	})
}

// ReachabilityRegained resets the backoff and reconnects right away when not connected.
func (c *Coordinator) ReachabilityRegained() error {
	return c.do(func() {
		c.policy.ReachabilityRegained()
		c.opts.Metrics.SetReachable(true)
		logs.Infof("coordinator: network reachable")
		if !c.conn.Busy() {
			c.open()
		}
	})
}

// DesiredChanged asks for a registration pass. Sources with a Changed channel do not need it.
func (c *Coordinator) DesiredChanged() error {
	return c.do(func() {
		c.registry.sync()
	})
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	out := make(chan Status, 1)
	if err := c.do(func() { out <- c.snapshot() }); err != nil {
		return Status{}, err
	}
	select {
	case st := <-out:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Healthy fails once reconnection gave up, or while the connection is down
// because the held token expired.
func (c *Coordinator) Healthy(ctx context.Context) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if st.Exhausted {
		return errors.Wrapf(exception.ErrReconnectExhausted, "attempts: %d", st.Attempt)
	}
	if st.CredentialsExpired && st.State != StateOpen.String() {
		return errors.Wrapf(exception.ErrCredentialsExpired, "subject: %q", st.Subject)
	}
	return nil
}

func (c *Coordinator) snapshot() Status {
	return Status{
		SessionID:          c.sessionID,
		State:              c.conn.State().String(),
		Authenticated:      !c.creds.Empty(),
		Subject:            c.creds.Subject,
		Attempt:            c.policy.Attempt(),
		Phase:              c.policy.Phase().String(),
		Exhausted:          c.policy.Phase() == PhaseExhausted,
		Suspended:          c.network.Suspended(),
		Desired:            c.opts.Desired.Desired().Len(),
		Confirmed:          c.registry.confirmed.Len(),
		Pending:            c.router.Pending(),
		CredentialsExpired: !c.creds.Empty() && c.creds.Expired(c.clock.Now()),
	}
}

func (c *Coordinator) open() {
	if c.disposed || c.creds.Empty() {
		return
	}
	if c.creds.Expired(c.clock.Now()) {
		logs.Warnf("coordinator: credentials of %q expired, not connecting", c.creds.Subject)
		if c.opts.OnCredentialsExpired != nil {
			c.opts.OnCredentialsExpired()
		}
		return
	}
	c.conn.Open(c.creds.Token)
}

func (c *Coordinator) handleOpen(link Registrar) {
	c.policy.OnOpen()
	logs.Infof("coordinator: connected to %s", c.opts.Endpoint)
	c.registry.attach(link)
}

func (c *Coordinator) handleMessage(payload []byte) {
	c.router.Route(payload)
}

func (c *Coordinator) handleClose(ev ClosureEvent) {
	c.registry.detach()
	if ev.Retryable() {
		logs.Warnf("coordinator: connection closed, code: %d (%s), reason: %q", ev.Code, ev.Code, ev.Reason)
	} else {
		logs.Infof("coordinator: connection closed, code: %d (%s)", ev.Code, ev.Code)
	}
	if c.disposed || c.creds.Empty() {
		return
	}
	c.policy.OnClosure(ev)
}

func (c *Coordinator) handleError(err error) {
	logs.Warnf("coordinator: connect failed, err: %+v", err)
}

func (c *Coordinator) handleState(state ConnectionState) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

func (c *Coordinator) handleExhausted(attempts int) {
	if c.opts.OnExhausted != nil {
		c.opts.OnExhausted(attempts)
	}
}
