package realtime

import (
	"encoding/json"
	"sort"
	"time"

	"calsync/internal/codec"
	"calsync/internal/obs"
	"calsync/internal/resource"

	"github.com/yanun0323/logs"
)

const DefaultDebounce = 500 * time.Millisecond

// Dispatcher receives one refresh instruction per resource per debounce window.
type Dispatcher interface {
	Flush(id string, payload json.RawMessage, hint resource.CalendarContext)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(id string, payload json.RawMessage, hint resource.CalendarContext)

func (f DispatcherFunc) Flush(id string, payload json.RawMessage, hint resource.CalendarContext) {
	f(id, payload, hint)
}

type pendingUpdate struct {
	payload json.RawMessage
	hint    resource.CalendarContext
}

// messageRouter classifies inbound frames and coalesces resource updates behind a single flush timer.
type messageRouter struct {
	sched      Scheduler
	window     time.Duration
	index      func() resource.CalendarIndex
	dispatcher Dispatcher
	metrics    *obs.Metrics

	pending map[string]pendingUpdate
	timer   Timer
}

func newMessageRouter(sched Scheduler, window time.Duration, index func() resource.CalendarIndex,
	dispatcher Dispatcher, metrics *obs.Metrics) *messageRouter {
	if window < 0 {
		window = 0
	}
	return &messageRouter{
		sched:      sched,
		window:     window,
		index:      index,
		dispatcher: dispatcher,
		metrics:    metrics,
		pending:    make(map[string]pendingUpdate),
	}
}

// Route handles one inbound data frame.
func (r *messageRouter) Route(frame []byte) {
	in, err := codec.DecodeInbound(frame)
	if err != nil {
		r.metrics.IncFrameDropped("malformed")
		logs.Debugf("router: drop malformed frame, err: %+v", err)
		return
	}
	for _, key := range in.Dropped {
		r.metrics.IncFrameDropped("unknown_key")
		logs.Debugf("router: drop key %q", key)
	}
	if len(in.Registered) != 0 {
		logs.Debugf("router: registered %v", in.Registered)
	}
	if len(in.Unregistered) != 0 {
		logs.Debugf("router: unregistered %v", in.Unregistered)
	}

	var index resource.CalendarIndex
	if len(in.Updates) != 0 {
		index = r.index()
	}
	for _, update := range in.Updates {
		hint, ok := lookup(index, update.ID)
		if !ok {
			r.metrics.IncFrameDropped("unknown_resource")
			logs.Debugf("router: drop update for unknown calendar %q", update.ID)
			continue
		}
		if r.window == 0 {
			r.dispatch(update.ID, pendingUpdate{payload: update.Payload, hint: hint})
			continue
		}
		if _, ok := r.pending[update.ID]; ok {
			r.metrics.IncCoalesced()
		}
		r.pending[update.ID] = pendingUpdate{payload: update.Payload, hint: hint}
		if r.timer == nil {
			r.timer = r.sched.AfterFunc(r.window, r.flush)
		}
	}
}

func lookup(index resource.CalendarIndex, id string) (resource.CalendarContext, bool) {
	if index == nil {
		return resource.CalendarContext{}, false
	}
	return index.Lookup(id)
}

func (r *messageRouter) flush() {
	r.timer = nil
	batch := r.pending
	r.pending = make(map[string]pendingUpdate, len(batch))

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.dispatch(id, batch[id])
	}
}

func (r *messageRouter) dispatch(id string, update pendingUpdate) {
	defer func() {
		if rec := recover(); rec != nil {
			logs.Errorf("router: dispatcher panicked on %q: %v", id, rec)
		}
	}()
	r.metrics.IncDispatch()
	r.dispatcher.Flush(id, update.payload, update.hint)
}

// Discard cancels the flush timer and drops the pending batch without dispatching.
func (r *messageRouter) Discard() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if len(r.pending) != 0 {
		r.pending = make(map[string]pendingUpdate)
	}
}

func (r *messageRouter) Pending() int {
	return len(r.pending)
}
