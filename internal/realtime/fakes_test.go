package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"calsync/internal/resource"
	"calsync/pkg/websocket"
)

// manualScheduler fires timers only when the test advances it.
type manualScheduler struct {
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	delay   time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *manualScheduler) Now() time.Time {
	return s.now
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.seq++
	t := &manualTimer{at: s.now.Add(d), delay: d, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves time forward, firing due timers in order.
func (s *manualScheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		next.fn()
	}
	s.now = target
}

func (s *manualScheduler) nextDue(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range s.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

// Active returns the armed timers.
func (s *manualScheduler) Active() []*manualTimer {
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// inlineRunner runs work and done synchronously.
type inlineRunner struct{}

func (inlineRunner) Go(work func(ctx context.Context) error, done func(err error), _ func()) {
	err := work(context.Background())
	if done != nil {
		done(err)
	}
}

// queuedRunner holds jobs until the test releases them.
type queuedRunner struct {
	jobs []func()
}

func (r *queuedRunner) Go(work func(ctx context.Context) error, done func(err error), _ func()) {
	r.jobs = append(r.jobs, func() {
		err := work(context.Background())
		if done != nil {
			done(err)
		}
	})
}

func (r *queuedRunner) RunAll() {
	for len(r.jobs) != 0 {
		job := r.jobs[0]
		r.jobs = r.jobs[1:]
		job()
	}
}

type registrarCall struct {
	op    string
	paths []string
}

type fakeRegistrar struct {
	calls     []registrarCall
	failReg   error
	failUnreg error
}

func (r *fakeRegistrar) Register(_ context.Context, paths []string) error {
	r.calls = append(r.calls, registrarCall{op: "register", paths: append([]string(nil), paths...)})
	return r.failReg
}

func (r *fakeRegistrar) Unregister(_ context.Context, paths []string) error {
	r.calls = append(r.calls, registrarCall{op: "unregister", paths: append([]string(nil), paths...)})
	return r.failUnreg
}

type flushed struct {
	id      string
	payload string
	hint    resource.CalendarContext
}

// recordingDispatcher is safe for use from the coordinator loop and the test goroutine.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []flushed
}

func (d *recordingDispatcher) Flush(id string, payload json.RawMessage, hint resource.CalendarContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, flushed{id: id, payload: string(payload), hint: hint})
}

func (d *recordingDispatcher) Calls() []flushed {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]flushed(nil), d.calls...)
}

type staticDesired struct {
	mu  sync.Mutex
	set resource.Set
}

func newStaticDesired(ids ...string) *staticDesired {
	return &staticDesired{set: resource.NewSet(ids...)}
}

func (s *staticDesired) Desired() resource.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Clone()
}

func (s *staticDesired) Changed() <-chan struct{} {
	return nil
}

func (s *staticDesired) Replace(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = resource.NewSet(ids...)
}

// fakeConn is an in-memory websocket.Conn.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	writes    []string
	pings     int
	closeCode websocket.CloseCode
	readErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case payload := <-c.inbound:
		return websocket.MessageText, payload, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) Write(_ context.Context, msgType websocket.MessageType, payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if msgType == websocket.MessagePing {
		c.pings++
		return nil
	}
	c.writes = append(c.writes, string(payload))
	return nil
}

func (c *fakeConn) Close(code websocket.CloseCode, reason string) error {
	c.terminate(code, &websocket.CloseError{Code: code, Reason: reason, Clean: true})
	return nil
}

// Drop simulates the peer ending the connection with code.
func (c *fakeConn) Drop(code websocket.CloseCode) {
	c.terminate(0, &websocket.CloseError{Code: code, Clean: code != websocket.CloseAbnormal})
}

func (c *fakeConn) terminate(local websocket.CloseCode, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = local
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) CloseCode() websocket.CloseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeDialer hands out fresh fakeConns, or fails while failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	tokens  []string
	failing bool
	dials   int
}

func (d *fakeDialer) Dial(_ context.Context, req websocket.DialRequest) (websocket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, req.Token)
	if d.failing {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) SetFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) Token(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.tokens) {
		return ""
	}
	return d.tokens[i]
}
