package realtime

import (
	"time"

	"calsync/internal/obs"
	"calsync/pkg/websocket"

	"github.com/yanun0323/logs"
)

const DefaultMaxAttempts = 10

// Decision is what the reconnection policy did with a closure.
type Decision uint8

const (
	// DecisionNone means the closure was clean and nothing was scheduled.
	DecisionNone Decision = iota
	// DecisionScheduled means a reconnection timer was armed.
	DecisionScheduled
	// DecisionDeferred means the network is unreachable and the retry waits for it.
	DecisionDeferred
	// DecisionExhausted means the attempt budget is spent.
	DecisionExhausted
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionScheduled:
		return "scheduled"
	case DecisionDeferred:
		return "deferred"
	case DecisionExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// reconnectPolicy decides on each closure whether and when to reconnect.
// attempt and the single timer handle are only changed by the methods below.
type reconnectPolicy struct {
	sched       Scheduler
	backoff     websocket.Backoff
	maxAttempts int
	network     *networkAwareness
	metrics     *obs.Metrics

	reconnect   func()
	onExhausted func(attempts int)

	attempt   int
	phase     ReconnectPhase
	timer     Timer
	lastDelay time.Duration
}

func newReconnectPolicy(sched Scheduler, backoff websocket.Backoff, maxAttempts int, network *networkAwareness,
	metrics *obs.Metrics, reconnect func(), onExhausted func(int)) *reconnectPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &reconnectPolicy{
		sched:       sched,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		network:     network,
		metrics:     metrics,
		reconnect:   reconnect,
		onExhausted: onExhausted,
		phase:       PhaseIdle,
	}
}

func (p *reconnectPolicy) Attempt() int {
	return p.attempt
}

func (p *reconnectPolicy) Phase() ReconnectPhase {
	return p.phase
}

func (p *reconnectPolicy) setPhase(to ReconnectPhase) {
	if err := checkPhaseTransition(p.phase, to); err != nil {
		logs.Errorf("reconnect: %s -> %s rejected, err: %+v", p.phase, to, err)
		return
	}
	p.phase = to
}

// OnClosure evaluates one closure. Clean codes leave attempt untouched.
func (p *reconnectPolicy) OnClosure(ev ClosureEvent) Decision {
	if !ev.Retryable() {
		return DecisionNone
	}
	return p.evaluate()
}

func (p *reconnectPolicy) evaluate() Decision {
	p.stopTimer()
	if p.attempt >= p.maxAttempts {
		if p.phase != PhaseExhausted {
			p.setPhase(PhaseExhausted)
			p.metrics.IncReconnectExhausted()
			logs.Errorf("reconnect: gave up after %d attempts", p.attempt)
			if p.onExhausted != nil {
				p.onExhausted(p.attempt)
			}
		}
		return DecisionExhausted
	}
	if p.network.Suspended() {
		p.setPhase(PhaseDeferred)
		logs.Infof("reconnect: network unreachable, retry deferred")
		return DecisionDeferred
	}

	delay := p.backoff.Delay(p.attempt)
	p.lastDelay = delay
	p.timer = p.sched.AfterFunc(delay, p.fire)
	p.setPhase(PhaseWaiting)
	p.metrics.ObserveReconnect(delay)
	logs.Infof("reconnect: attempt %d in %s", p.attempt+1, delay)
	return DecisionScheduled
}

func (p *reconnectPolicy) fire() {
	p.timer = nil
	p.setPhase(PhaseIdle)
	p.attempt++
	if p.reconnect != nil {
		p.reconnect()
	}
}

// OnOpen resets the counter after a successful open.
func (p *reconnectPolicy) OnOpen() {
	p.attempt = 0
	p.stopTimer()
}

// ReachabilityLost suspends scheduling. An armed timer is canceled and its decision parked.
func (p *reconnectPolicy) ReachabilityLost() {
	p.network.lose()
	if p.phase == PhaseWaiting {
		p.stopTimer()
		p.setPhase(PhaseDeferred)
	}
}

// ReachabilityRegained resets the policy. The caller reconnects immediately.
func (p *reconnectPolicy) ReachabilityRegained() {
	p.network.regain()
	p.Reset()
}

// Reset clears attempt and any pending decision, including exhaustion.
func (p *reconnectPolicy) Reset() {
	p.attempt = 0
	p.stopTimer()
	if p.phase != PhaseIdle {
		p.setPhase(PhaseIdle)
	}
}

// Cancel drops the armed timer without touching attempt.
func (p *reconnectPolicy) Cancel() {
	p.stopTimer()
	if p.phase == PhaseDeferred {
		p.setPhase(PhaseIdle)
	}
}

func (p *reconnectPolicy) stopTimer() {
	if p.timer == nil {
		return
	}
	p.timer.Stop()
	p.timer = nil
	if p.phase == PhaseWaiting {
		p.setPhase(PhaseIdle)
	}
}

func (p *reconnectPolicy) Armed() bool {
	return p.timer != nil
}
