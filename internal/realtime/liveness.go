package realtime

import (
	"time"
)

const (
	DefaultHeartbeatPeriod  = 30 * time.Second
	DefaultHeartbeatTimeout = 45 * time.Second
)

// livenessProbe sends a heartbeat every period and expires the connection when no
// acknowledgment arrives before the deadline. It lives only while the connection is open.
type livenessProbe struct {
	sched   Scheduler
	period  time.Duration
	timeout time.Duration

	ping   func()
	expire func()

	running   bool
	lastAckAt time.Time
	probe     Timer
	deadline  Timer
}

func newLivenessProbe(sched Scheduler, period, timeout time.Duration) *livenessProbe {
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	if timeout <= period {
		timeout = period + period/2
	}
	return &livenessProbe{sched: sched, period: period, timeout: timeout}
}

func (p *livenessProbe) start(ping, expire func()) {
	p.stop()
	p.ping = ping
	p.expire = expire
	p.running = true
	p.lastAckAt = p.sched.Now()
	p.probe = p.sched.AfterFunc(p.period, p.beat)
}

func (p *livenessProbe) beat() {
	p.probe = nil
	if !p.running {
		return
	}
	p.ping()
	// an outstanding deadline keeps running; re-arming it on every beat would push it out forever
	if p.deadline == nil {
		p.deadline = p.sched.AfterFunc(p.timeout, p.expired)
	}
	p.probe = p.sched.AfterFunc(p.period, p.beat)
}

// ack records a pong or any inbound frame.
func (p *livenessProbe) ack() {
	if !p.running {
		return
	}
	p.lastAckAt = p.sched.Now()
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
}

func (p *livenessProbe) expired() {
	p.deadline = nil
	if !p.running {
		return
	}
	expire := p.expire
	p.stop()
	expire()
}

func (p *livenessProbe) stop() {
	p.running = false
	if p.probe != nil {
		p.probe.Stop()
		p.probe = nil
	}
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
	p.ping = nil
	p.expire = nil
}

func (p *livenessProbe) active() bool {
	return p.running
}
