package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLivenessExpiresWithoutAck(t *testing.T) {
	sched := newManualScheduler()
	probe := newLivenessProbe(sched, 30*time.Second, 45*time.Second)

	var pings, expired int
	probe.start(func() { pings++ }, func() { expired++ })

	sched.Advance(30 * time.Second)
	require.Equal(t, 1, pings)
	require.Equal(t, 0, expired)

	// the second beat must not push the first deadline out
	sched.Advance(30 * time.Second)
	require.Equal(t, 2, pings)
	require.Equal(t, 0, expired)

	sched.Advance(15 * time.Second)
	require.Equal(t, 1, expired)
	require.False(t, probe.active())
	require.Empty(t, sched.Active())
}

func TestLivenessAckClearsDeadline(t *testing.T) {
	sched := newManualScheduler()
	probe := newLivenessProbe(sched, 30*time.Second, 45*time.Second)

	var expired int
	probe.start(func() {}, func() { expired++ })

	for i := 0; i < 5; i++ {
		sched.Advance(30 * time.Second)
		sched.Advance(time.Second)
		probe.ack()
	}
	require.Equal(t, 0, expired)
	require.Equal(t, sched.Now(), probe.lastAckAt)
}

func TestLivenessStopCancelsTimers(t *testing.T) {
	sched := newManualScheduler()
	probe := newLivenessProbe(sched, time.Second, 2*time.Second)

	var pings, expired int
	probe.start(func() { pings++ }, func() { expired++ })
	sched.Advance(time.Second)
	probe.stop()
	sched.Advance(time.Minute)

	require.Equal(t, 1, pings)
	require.Equal(t, 0, expired)
	require.Empty(t, sched.Active())
}

func TestLivenessTimeoutAboveFloor(t *testing.T) {
	probe := newLivenessProbe(newManualScheduler(), 10*time.Second, 5*time.Second)
	if probe.timeout <= probe.period {
		t.Fatalf("timeout: got %v want > %v", probe.timeout, probe.period)
	}
}
