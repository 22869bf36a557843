package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	topicState = "state"
	// subscriberBuffer is how many snapshots a slow observer may lag
	// before it starts missing intermediate ones.
	subscriberBuffer = 16
)

type mutation func(*State)

type request struct {
	apply mutation
	reply chan State
	// subscribed is set for subscription requests instead of apply.
	subscribed chan chan State
	// unsubscribe is set to end a subscription; reply is closed once done.
	unsubscribe chan State
}

// store owns the session state. A single goroutine applies every mutation
// in order and broadcasts the resulting snapshot; nothing else writes it.
type store struct {
	requests chan request
	bus      *pubsub.PubSub[string, State]
	current  atomic.Pointer[State]
	subs     *xsync.Counter

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func newStore() *store {
	s := &store{
		requests: make(chan request),
		bus:      pubsub.New[string, State](subscriberBuffer),
		subs:     xsync.NewCounter(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	initial := initialState()
	initial.UpdatedAt = time.Now()
	s.current.Store(&initial)

	go s.run()
	return s
}

func (s *store) run() {
	defer close(s.done)

	state := s.current.Load().clone()
	for {
		select {
		case req := <-s.requests:
			if req.subscribed != nil {
				// Subscribing here orders the priming snapshot before any
				// later publish.
				ch := s.bus.Sub(topicState)
				ch <- state.clone()
				req.subscribed <- ch
				continue
			}
			if req.unsubscribe != nil {
				// Publishing never blocks, so the bus is free to take this.
				s.bus.Unsub(req.unsubscribe, topicState)
				close(req.reply)
				continue
			}

			req.apply(&state)
			state.Version++
			state.UpdatedAt = time.Now()

			snap := state.clone()
			s.current.Store(&snap)
			s.bus.TryPub(snap.clone(), topicState)
			req.reply <- snap.clone()
		case <-s.quit:
			return
		}
	}
}

// update applies fn on the owner goroutine and returns the new snapshot.
// After close it is a no-op.
func (s *store) update(fn mutation) State {
	req := request{apply: fn, reply: make(chan State, 1)}
	select {
	case s.requests <- req:
		return <-req.reply
	case <-s.done:
		return s.snapshot()
	}
}

func (s *store) snapshot() State {
	return s.current.Load().clone()
}

// subscribe returns a channel that first receives the current snapshot and
// then every later one. Slow readers miss snapshots rather than block the
// owner. The returned func unsubscribes and closes the channel.
func (s *store) subscribe() (<-chan State, func()) {
	req := request{subscribed: make(chan chan State, 1)}
	var ch chan State
	select {
	case s.requests <- req:
		ch = <-req.subscribed
	case <-s.done:
		closed := make(chan State)
		close(closed)
		return closed, func() {}
	}
	s.subs.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subs.Dec()
			req := request{unsubscribe: ch, reply: make(chan State)}
			select {
			case s.requests <- req:
				<-req.reply
			case <-s.done:
				// close shuts the bus down, which closes ch.
			}
		})
	}
}

func (s *store) subscribers() int64 {
	return s.subs.Value()
}

// close stops the owner and closes every subscriber channel.
func (s *store) close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.bus.Shutdown()
	})
}
