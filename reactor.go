package qinet

import (
	"errors"
	"sync"
)

// ErrIOSetup is returned by NetworkReactor.Start when the event loop cannot
// be (re)created.
var ErrIOSetup = errors.New("qinet: reactor: io setup failed")

// Registrant is anything a NetworkReactor can drive: a single object whose
// lifecycle the reactor tracks so Stop can tear every registrant down
// before the event loop goroutine exits.
type Registrant interface {
	// reactorClose is invoked from the reactor goroutine during Stop.
	reactorClose()
}

// NetworkReactor owns a single goroutine that is the only thread allowed to
// invoke socket lifecycle/readiness callbacks (§4.1, §5: "Callback delivery
// on a single socket is serialized"). Registered TransportSockets deliver
// their events by calling Post from their own read-pump goroutines; the
// reactor goroutine drains the queue and runs each job to completion before
// picking up the next, which serializes delivery across every registered
// socket, a stricter guarantee than the per-socket ordering §5 requires.
//
// Go's runtime netpoller is itself the non-blocking multiplexer underneath
// every net.Conn; NetworkReactor does not reimplement epoll, it only
// centralizes callback dispatch onto one goroutine (see DESIGN.md).
type NetworkReactor struct {
	mu      sync.Mutex
	queue   chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	running bool

	regs map[Registrant]struct{}
}

// NewNetworkReactor builds a reactor with the given event queue depth. A
// non-positive depth uses DefaultReactorQueue.
func NewNetworkReactor(queueDepth int) *NetworkReactor {
	if queueDepth <= 0 {
		queueDepth = DefaultReactorQueue
	}
	return &NetworkReactor{
		queue: make(chan func(), queueDepth),
		regs:  make(map[Registrant]struct{}),
	}
}

// Start launches the event-loop goroutine. Calling Start on an already
// running reactor fails with ErrIOSetup.
func (r *NetworkReactor) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrIOSetup
	}
	r.done = make(chan struct{})
	r.running = true
	r.wg.Add(1)
	go r.loop(r.done)
	return nil
}

func (r *NetworkReactor) loop(done chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.queue:
			job()
		case <-done:
			// Drain any already-queued jobs before tearing down
			// registrants, so in-flight deliveries still land.
			for {
				select {
				case job := <-r.queue:
					job()
					continue
				default:
				}
				break
			}
			r.mu.Lock()
			regs := make([]Registrant, 0, len(r.regs))
			for reg := range r.regs {
				regs = append(regs, reg)
			}
			r.mu.Unlock()
			for _, reg := range regs {
				reg.reactorClose()
			}
			return
		}
	}
}

// Stop halts the event loop and closes every registered Registrant. It
// blocks until the loop goroutine has exited.
func (r *NetworkReactor) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.done
	r.mu.Unlock()

	close(done)
	r.wg.Wait()
}

// Register adds a Registrant to the reactor's tracked set so Stop() tears
// it down. It is a no-op if the reactor has already stopped.
func (r *NetworkReactor) Register(reg Registrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.regs[reg] = struct{}{}
}

// Unregister removes a Registrant from the tracked set without closing it.
func (r *NetworkReactor) Unregister(reg Registrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, reg)
}

// Post enqueues a callback to run on the reactor goroutine. It reports
// false (and drops the job) if the reactor is not running.
func (r *NetworkReactor) Post(job func()) bool {
	r.mu.Lock()
	running := r.running
	queue := r.queue
	r.mu.Unlock()
	if !running {
		return false
	}
	select {
	case queue <- job:
		return true
	default:
		// Queue full: run synchronously on the caller's goroutine rather
		// than block it indefinitely or silently drop a lifecycle event.
		job()
		return true
	}
}
