package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"calsync/internal/auth"
	"calsync/pkg/exception"
	"calsync/pkg/websocket"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type coordinatorHarness struct {
	t          *testing.T
	clock      *clock.Mock
	dialer     *fakeDialer
	desired    *staticDesired
	dispatcher *recordingDispatcher
	coord      *Coordinator

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan error
	result   error
}

func startCoordinator(t *testing.T, configure func(opts *Options)) *coordinatorHarness {
	t.Helper()
	h := &coordinatorHarness{
		t:          t,
		clock:      clock.NewMock(),
		dialer:     &fakeDialer{},
		desired:    newStaticDesired("cal1", "cal2"),
		dispatcher: &recordingDispatcher{},
		done:       make(chan error, 1),
	}

	opts := DefaultOptions()
	opts.Endpoint = "ws://calendar.test/notify"
	opts.Dialer = h.dialer
	opts.Desired = h.desired
	opts.Dispatcher = h.dispatcher
	opts.Clock = h.clock
	opts.Backoff.Jitter = func() float64 { return 0.5 }
	if configure != nil {
		configure(&opts)
	}

	coord, err := New(opts)
	require.NoError(t, err)
	h.coord = coord

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- coord.Run(ctx) }()
	return h
}

func (h *coordinatorHarness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.result = <-h.done:
		case <-time.After(waitFor):
			h.t.Fatalf("coordinator did not stop")
		}
	})
	return h.result
}

func (h *coordinatorHarness) status() Status {
	st, err := h.coord.Status(context.Background())
	require.NoError(h.t, err)
	return st
}

func (h *coordinatorHarness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

func (h *coordinatorHarness) login() {
	h.t.Helper()
	require.NoError(h.t, h.coord.SetCredentials(auth.Credentials{Token: "tok", Subject: "alice"}))
}

func (h *coordinatorHarness) waitOpen(dials int) *fakeConn {
	h.t.Helper()
	h.eventually(func() bool {
		st := h.status()
		return h.dialer.Dials() == dials && st.State == StateOpen.String() && st.Confirmed == h.desired.Desired().Len()
	}, fmt.Sprintf("connection %d never opened and registered", dials))
	return h.dialer.Conn(dials - 1)
}

const registerBoth = `{"register":["/calendars/cal1","/calendars/cal2"]}`

func TestCoordinatorRegistersAndReconnectsAfterAbnormalClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()

	first := h.waitOpen(1)
	require.Len(t, first.Writes(), 1)
	require.JSONEq(t, registerBoth, first.Writes()[0])
	require.Equal(t, []string{"tok"}, h.dialer.tokens)

	first.Drop(websocket.CloseAbnormal)
	h.eventually(func() bool {
		st := h.status()
		return st.State == StateClosed.String() && st.Phase == PhaseWaiting.String() && st.Confirmed == 0
	}, "reconnect never scheduled")

	h.clock.Add(999 * time.Millisecond)
	require.Never(t, func() bool { return h.dialer.Dials() > 1 }, 50*time.Millisecond, tick)

	h.clock.Add(time.Millisecond)
	second := h.waitOpen(2)
	require.Len(t, second.Writes(), 1)
	require.JSONEq(t, registerBoth, second.Writes()[0])
	require.Equal(t, 0, h.status().Attempt)

	require.ErrorIs(t, h.stop(), context.Canceled)
	require.Equal(t, websocket.CloseNormal, second.CloseCode())
}

func TestCoordinatorCleanRemoteCloseIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()

	h.waitOpen(1).Drop(websocket.CloseGoingAway)
	h.eventually(func() bool { return h.status().State == StateClosed.String() }, "close not observed")
	require.Equal(t, PhaseIdle.String(), h.status().Phase)

	h.clock.Add(time.Hour)
	require.Never(t, func() bool { return h.dialer.Dials() > 1 }, 50*time.Millisecond, tick)
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorExhaustionAndRegain(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	exhausted := make(chan int, 1)
	h := startCoordinator(t, func(opts *Options) {
		opts.MaxAttempts = 2
		opts.OnExhausted = func(attempts int) { exhausted <- attempts }
	})
	h.dialer.SetFailing(true)
	h.login()

	h.eventually(func() bool {
		st := h.status()
		return h.dialer.Dials() == 1 && st.Phase == PhaseWaiting.String() && st.Attempt == 0
	}, "first retry not armed")
	h.clock.Add(time.Second)

	h.eventually(func() bool {
		st := h.status()
		return h.dialer.Dials() == 2 && st.Phase == PhaseWaiting.String() && st.Attempt == 1
	}, "second retry not armed")
	h.clock.Add(2 * time.Second)

	h.eventually(func() bool {
		return h.dialer.Dials() == 3 && h.status().Exhausted
	}, "policy never exhausted")
	select {
	case n := <-exhausted:
		require.Equal(t, 2, n)
	case <-time.After(waitFor):
		t.Fatalf("exhausted hook not called")
	}
	require.ErrorIs(t, h.coord.Healthy(context.Background()), exception.ErrReconnectExhausted)

	h.clock.Add(time.Hour)
	require.Never(t, func() bool { return h.dialer.Dials() > 3 }, 50*time.Millisecond, tick)

	h.dialer.SetFailing(false)
	require.NoError(t, h.coord.ReachabilityRegained())
	h.waitOpen(4)
	require.NoError(t, h.coord.Healthy(context.Background()))
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorDefersWhileOffline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()
	first := h.waitOpen(1)

	require.NoError(t, h.coord.ReachabilityLost())
	first.Drop(websocket.CloseAbnormal)
	h.eventually(func() bool {
		st := h.status()
		return st.Suspended && st.Phase == PhaseDeferred.String()
	}, "retry not deferred")

	h.clock.Add(time.Hour)
	require.Never(t, func() bool { return h.dialer.Dials() > 1 }, 50*time.Millisecond, tick)

	// no clock movement: regained connectivity reconnects immediately
	require.NoError(t, h.coord.ReachabilityRegained())
	h.waitOpen(2)
	require.False(t, h.status().Suspended)
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorCoalescesUpdates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()
	conn := h.waitOpen(1)

	for i := 0; i < 5; i++ {
		conn.inbound <- []byte(fmt.Sprintf(`{"/calendars/cal1": {"n": %d}}`, i))
	}
	conn.inbound <- []byte(`{"/calendars/cal2": {"updated": true}, "/calendars/unknown": {}}`)
	h.eventually(func() bool { return h.status().Pending == 2 }, "updates not pending")
	require.Empty(t, h.dispatcher.Calls())

	h.clock.Add(500 * time.Millisecond)
	h.eventually(func() bool { return len(h.dispatcher.Calls()) == 2 }, "batch not flushed")
	require.Never(t, func() bool { return len(h.dispatcher.Calls()) > 2 }, 50*time.Millisecond, tick)

	calls := h.dispatcher.Calls()
	require.Equal(t, "cal1", calls[0].id)
	require.JSONEq(t, `{"n": 4}`, calls[0].payload)
	require.Equal(t, "cal2", calls[1].id)
	require.Equal(t, 0, h.status().Pending)
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorTeardownDiscardsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()
	conn := h.waitOpen(1)

	conn.inbound <- []byte(`{"/calendars/cal1": {}}`)
	h.eventually(func() bool { return h.status().Pending == 1 }, "update not pending")

	require.ErrorIs(t, h.stop(), context.Canceled)
	require.Equal(t, websocket.CloseNormal, conn.CloseCode())
	h.clock.Add(time.Second)
	require.Empty(t, h.dispatcher.Calls())

	_, err := h.coord.Status(context.Background())
	require.ErrorIs(t, err, exception.ErrDisposed)
	require.ErrorIs(t, h.coord.SetCredentials(auth.Credentials{Token: "tok"}), exception.ErrDisposed)
	require.ErrorIs(t, h.coord.Run(context.Background()), exception.ErrAlreadyRunning)
}

func TestCoordinatorLivenessTimeoutReconnects(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()
	conn := h.waitOpen(1)

	h.clock.Add(DefaultHeartbeatPeriod)
	h.eventually(func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.pings == 1
	}, "heartbeat not sent")

	h.clock.Add(DefaultHeartbeatTimeout)
	h.eventually(func() bool {
		return conn.CloseCode() == websocket.CloseLivenessTimeout && h.status().Phase == PhaseWaiting.String()
	}, "liveness timeout not detected")

	h.clock.Add(time.Second)
	h.waitOpen(2)
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorLogoutClosesWithoutRetry(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()
	conn := h.waitOpen(1)

	require.NoError(t, h.coord.Logout())
	h.eventually(func() bool {
		st := h.status()
		return st.State == StateClosed.String() && !st.Authenticated
	}, "logout not applied")
	require.Equal(t, websocket.CloseNormal, conn.CloseCode())

	h.clock.Add(time.Hour)
	require.Never(t, func() bool { return h.dialer.Dials() > 1 }, 50*time.Millisecond, tick)

	h.login()
	h.waitOpen(2)
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorDesiredChangeWhileOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, nil)
	h.login()
	conn := h.waitOpen(1)

	h.desired.Replace("cal2", "cal3")
	require.NoError(t, h.coord.DesiredChanged())
	h.eventually(func() bool { return len(conn.Writes()) == 3 }, "delta not sent")

	writes := conn.Writes()[1:]
	require.ElementsMatch(t, []string{`{"register":["/calendars/cal3"]}`, `{"unregister":["/calendars/cal1"]}`}, writes)
	h.eventually(func() bool { return h.status().Confirmed == 2 }, "confirmed not updated")
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestNewValidatesOptions(t *testing.T) {
	base := DefaultOptions()
	base.Endpoint = "ws://x"
	base.Dialer = &fakeDialer{}
	base.Desired = newStaticDesired()
	base.Dispatcher = &recordingDispatcher{}

	cases := []struct {
		name   string
		mutate func(o *Options)
		want   error
	}{
		{"nil dialer", func(o *Options) { o.Dialer = nil }, exception.ErrNilDialer},
		{"empty endpoint", func(o *Options) { o.Endpoint = "" }, exception.ErrEmptyEndpoint},
		{"nil desired", func(o *Options) { o.Desired = nil }, exception.ErrInvalidArgument},
		{"nil dispatcher", func(o *Options) { o.Dispatcher = nil }, exception.ErrInvalidArgument},
	}
	for _, tc := range cases {
		opts := base
		tc.mutate(&opts)
		if _, err := New(opts); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}

	c, err := New(base)
	require.NoError(t, err)
	require.NotEmpty(t, c.SessionID())
	require.ErrorIs(t, c.SetCredentials(auth.Credentials{}), exception.ErrNoCredentials)
	require.ErrorIs(t, c.SetCredentials(auth.Credentials{Token: "t", ExpiresAt: time.Unix(1, 0)}), exception.ErrCredentialsExpired)
}

func TestCoordinatorReauthenticationAfterExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := startCoordinator(t, func(opts *Options) {
		opts.MaxAttempts = 1
	})
	h.dialer.SetFailing(true)
	h.login()

	h.eventually(func() bool {
		return h.dialer.Dials() == 1 && h.status().Phase == PhaseWaiting.String()
	}, "first retry not armed")
	h.clock.Add(time.Second)
	h.eventually(func() bool {
		st := h.status()
		return h.dialer.Dials() == 2 && st.Exhausted && st.Attempt == 1
	}, "policy never exhausted")

	// re-authentication resets attempt and dials right away
	require.NoError(t, h.coord.SetCredentials(auth.Credentials{Token: "tok2", Subject: "alice"}))
	h.eventually(func() bool {
		st := h.status()
		return h.dialer.Dials() == 3 && !st.Exhausted && st.Phase == PhaseWaiting.String() && st.Attempt == 0
	}, "re-authentication did not reset the policy")
	require.NoError(t, h.coord.Healthy(context.Background()))

	h.dialer.SetFailing(false)
	h.clock.Add(time.Second)
	h.waitOpen(4)
	require.Equal(t, 0, h.status().Attempt)
	require.Equal(t, "tok2", h.dialer.Token(3))
	require.ErrorIs(t, h.stop(), context.Canceled)
}

func TestCoordinatorReportsExpiredCredentials(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	expired := make(chan struct{}, 4)
	h := startCoordinator(t, func(opts *Options) {
		opts.OnCredentialsExpired = func() { expired <- struct{}{} }
	})
	require.NoError(t, h.coord.SetCredentials(auth.Credentials{
		Token:     "short",
		Subject:   "alice",
		ExpiresAt: h.clock.Now().Add(500 * time.Millisecond),
	}))
	first := h.waitOpen(1)
	require.NoError(t, h.coord.Healthy(context.Background()))

	first.Drop(websocket.CloseAbnormal)
	h.eventually(func() bool { return h.status().Phase == PhaseWaiting.String() }, "retry not armed")
	h.clock.Add(time.Second)

	select {
	case <-expired:
	case <-time.After(waitFor):
		t.Fatalf("expired hook not called")
	}
	st := h.status()
	require.True(t, st.CredentialsExpired)
	require.Equal(t, StateClosed.String(), st.State)
	require.Equal(t, 1, h.dialer.Dials())
	require.ErrorIs(t, h.coord.Healthy(context.Background()), exception.ErrCredentialsExpired)

	require.NoError(t, h.coord.SetCredentials(auth.Credentials{
		Token:     "renewed",
		Subject:   "alice",
		ExpiresAt: h.clock.Now().Add(time.Hour),
	}))
	h.waitOpen(2)
	require.False(t, h.status().CredentialsExpired)
	require.NoError(t, h.coord.Healthy(context.Background()))
	require.ErrorIs(t, h.stop(), context.Canceled)
}
