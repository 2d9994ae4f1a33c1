package realtime

import (
	"context"
	"time"

	"calsync/internal/codec"
	"calsync/internal/obs"
	"calsync/internal/resource"

	"github.com/yanun0323/logs"
)

const DefaultRegistrationTimeout = 10 * time.Second

// Registrar sends subscription changes to the backend.
type Registrar interface {
	Register(ctx context.Context, paths []string) error
	Unregister(ctx context.Context, paths []string) error
}

type registrationOp uint8

const (
	opRegister registrationOp = iota
	opUnregister
)

func (op registrationOp) String() string {
	if op == opRegister {
		return codec.KeyRegister
	}
	return codec.KeyUnregister
}

// registrationSynchronizer reconciles the desired set against the confirmed set while open.
type registrationSynchronizer struct {
	runner  Runner
	timeout time.Duration
	desired func() resource.Set
	metrics *obs.Metrics

	link      Registrar
	epoch     uint64
	confirmed resource.Set
	inflight  [2]bool
	dirty     [2]bool
}

func newRegistrationSynchronizer(runner Runner, timeout time.Duration, desired func() resource.Set, metrics *obs.Metrics) *registrationSynchronizer {
	if timeout <= 0 {
		timeout = DefaultRegistrationTimeout
	}
	return &registrationSynchronizer{
		runner:    runner,
		timeout:   timeout,
		desired:   desired,
		metrics:   metrics,
		confirmed: resource.NewSet(),
	}
}

// attach starts a new epoch on a freshly opened connection. Confirmed restarts empty,
// so the whole desired set is registered.
func (s *registrationSynchronizer) attach(link Registrar) {
	s.epoch++
	s.link = link
	s.reset()
	s.sync()
}

func (s *registrationSynchronizer) detach() {
	s.epoch++
	s.link = nil
	s.reset()
}

func (s *registrationSynchronizer) reset() {
	s.confirmed = resource.NewSet()
	s.inflight = [2]bool{}
	s.dirty = [2]bool{}
	s.metrics.SetConfirmed(0)
}

func (s *registrationSynchronizer) Confirmed() resource.Set {
	return s.confirmed.Clone()
}

// sync runs one reconciliation pass. Without an open connection it does nothing.
func (s *registrationSynchronizer) sync() {
	if s.link == nil {
		return
	}
	desired := s.desired()
	s.reconcile(opRegister, desired.Minus(s.confirmed))
	s.reconcile(opUnregister, s.confirmed.Minus(desired))
}

func (s *registrationSynchronizer) reconcile(op registrationOp, delta resource.Set) {
	if s.inflight[op] {
		s.dirty[op] = true
		return
	}
	if delta.Len() == 0 {
		return
	}
	s.inflight[op] = true

	ids := delta.Sorted()
	paths := resource.CalendarPaths(ids)
	link, epoch, timeout := s.link, s.epoch, s.timeout
	s.runner.Go(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if op == opRegister {
			return link.Register(ctx, paths)
		}
		return link.Unregister(ctx, paths)
	}, func(err error) {
		s.done(op, epoch, delta, err)
	}, nil)
}

func (s *registrationSynchronizer) done(op registrationOp, epoch uint64, delta resource.Set, err error) {
	if epoch != s.epoch {
		return
	}
	s.inflight[op] = false
	s.metrics.ObserveRegistration(op.String(), err)
	if err != nil {
		logs.Warnf("registration: %s %v failed, err: %+v", op, delta.Sorted(), err)
	} else {
		if op == opRegister {
			s.confirmed.Merge(delta)
		} else {
			s.confirmed.Remove(delta)
		}
		s.metrics.SetConfirmed(s.confirmed.Len())
		logs.Debugf("registration: %s %v confirmed", op, delta.Sorted())
	}

	if s.dirty[op] {
		s.dirty[op] = false
		s.sync()
	}
}
