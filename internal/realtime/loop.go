package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const defaultLoopQueueSize = 256

// Timer is a cancelable pending callback.
type Timer interface {
	// Stop cancels the callback. It returns false when the callback already ran or was stopped.
	Stop() bool
}

// Scheduler arms timers. Callbacks run on the event loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Runner executes blocking work off the loop and reports the result back on it.
// When the loop is already gone, done never runs and discard, if set, is called on
// the worker goroutine instead so the work can release what it acquired.
type Runner interface {
	Go(work func(ctx context.Context) error, done func(err error), discard func())
}

// eventLoop serializes every state mutation of a session onto one goroutine.
// posting holds a read lock for the whole enqueue so stop can wait out
// in-flight posts before its final drain.
type eventLoop struct {
	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
	posting  sync.RWMutex
}

func newEventLoop(size int) *eventLoop {
	if size <= 0 {
		size = defaultLoopQueueSize
	}
	return &eventLoop{
		events: make(chan func(), size),
		done:   make(chan struct{}),
	}
}

// post queues fn for the loop. It returns false once the loop stopped.
func (l *eventLoop) post(fn func()) bool {
	l.posting.RLock()
	defer l.posting.RUnlock()
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// run drains events until ctx is done.
func (l *eventLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.events:
			fn()
		}
	}
}

// stop rejects further posts and runs what is still queued, including
// posts that raced with it and were accepted.
func (l *eventLoop) stop() {
	l.stopOnce.Do(func() { close(l.done) })
	l.posting.Lock()
	l.posting.Unlock()
	for {
		select {
		case fn := <-l.events:
			fn()
		default:
			return
		}
	}
}

type loopScheduler struct {
	clock clock.Clock
	loop  *eventLoop
}

func (s *loopScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *loopScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = s.clock.AfterFunc(d, func() {
		s.loop.post(func() {
			if t.finished {
				return
			}
			t.finished = true
			fn()
		})
	})
	return t
}

// loopTimer is only touched on the loop goroutine. A Stop that runs before the posted fire wins.
type loopTimer struct {
	timer    *clock.Timer
	finished bool
}

func (t *loopTimer) Stop() bool {
	if t.finished {
		return false
	}
	t.finished = true
	t.timer.Stop()
	return true
}

type loopRunner struct {
	ctx  context.Context
	loop *eventLoop
	wg   *sync.WaitGroup
}

func (r *loopRunner) Go(work func(ctx context.Context) error, done func(err error), discard func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := work(r.ctx)
		if done == nil {
			done = func(error) {}
		}
		if !r.loop.post(func() { done(err) }) && discard != nil {
			discard()
		}
	}()
}
