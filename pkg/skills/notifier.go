package skills

import (
	"context"
	"sync"
	"time"

	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

// DefaultDebounce is the quiet period before pending changes are delivered
const DefaultDebounce = 200 * time.Millisecond

// Callback receives one batch of changes, keyed by skill name
type Callback func(ctx context.Context, batch map[string]ChangeType)

// PendingChange is a change waiting for the debounce window to close
type PendingChange struct {
	Skill  string
	Change ChangeType
}

// subscriber fields other than id and cb are guarded by Notifier.mu
type subscriber struct {
	id string
	cb Callback

	queue []map[string]ChangeType
	busy  bool
}

// Notifier batches skill changes and delivers them to subscribers once the
// debounce window has been quiet. Each subscriber receives its batches in
// order from one tracked goroutine at a time, and Close waits for them.
type Notifier struct {
	mu          sync.Mutex
	delay       time.Duration
	subscribers []*subscriber
	pending     []PendingChange
	timer       *time.Timer
	gen         uint64
	closed      bool

	live    map[uint64]struct{}
	taskID  uint64
	drained chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier creates a notifier with the given debounce window
func NewNotifier(delay time.Duration) *Notifier {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		delay:  delay,
		live:   make(map[uint64]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers a callback under id. It returns false, and keeps the
// existing registration, when id is already subscribed.
func (n *Notifier) Subscribe(id string, cb Callback) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subscribers {
		if s.id == id {
			return false
		}
	}
	n.subscribers = append(n.subscribers, &subscriber{id: id, cb: cb})
	return true
}

// Unsubscribe removes the callback registered under id
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subscribers {
		if s.id == id {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			return
		}
	}
}

// NotifyChange queues a change and restarts the debounce timer
func (n *Notifier) NotifyChange(skill string, change ChangeType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	n.pending = append(n.pending, PendingChange{Skill: skill, Change: change})

	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.delay, func() {
		n.fire(gen)
	})
}

// Pending returns the number of queued, undelivered changes
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// InFlight returns the number of callback deliveries still running
func (n *Notifier) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.live)
}

func (n *Notifier) fire(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || n.closed {
		n.mu.Unlock()
		return
	}
	n.timer = nil
	batch, subs := n.takeLocked()
	n.mu.Unlock()

	n.dispatch(batch, subs)
}

// takeLocked collapses the pending queue into a batch, last change wins
func (n *Notifier) takeLocked() (map[string]ChangeType, []*subscriber) {
	if len(n.pending) == 0 {
		return nil, nil
	}
	batch := make(map[string]ChangeType, len(n.pending))
	for _, p := range n.pending {
		batch[p.Skill] = p.Change
	}
	n.pending = nil
	subs := make([]*subscriber, len(n.subscribers))
	copy(subs, n.subscribers)
	return batch, subs
}

func (n *Notifier) dispatch(batch map[string]ChangeType, subs []*subscriber) {
	if len(batch) == 0 {
		return
	}
	logger.G(n.ctx).WithField("changes", len(batch)).WithField("subscribers", len(subs)).Debug("delivering skill changes")

	var idle []*subscriber
	n.mu.Lock()
	for _, s := range subs {
		own := make(map[string]ChangeType, len(batch))
		for k, v := range batch {
			own[k] = v
		}
		s.queue = append(s.queue, own)
		if !s.busy {
			s.busy = true
			idle = append(idle, s)
		}
	}
	n.mu.Unlock()

	for _, s := range idle {
		n.spawn(s)
	}
}

// spawn drains the subscriber's queue in a goroutine tracked in the live
// task set until the queue is empty
func (n *Notifier) spawn(s *subscriber) {
	n.mu.Lock()
	n.taskID++
	taskID := n.taskID
	if len(n.live) == 0 {
		n.drained = make(chan struct{})
	}
	n.live[taskID] = struct{}{}
	n.mu.Unlock()

	go func() {
		defer func() {
			n.mu.Lock()
			delete(n.live, taskID)
			if len(n.live) == 0 {
				close(n.drained)
			}
			n.mu.Unlock()
		}()
		for {
			n.mu.Lock()
			if len(s.queue) == 0 {
				s.busy = false
				n.mu.Unlock()
				return
			}
			batch := s.queue[0]
			s.queue = s.queue[1:]
			n.mu.Unlock()

			n.deliver(s, batch)
		}
	}()
}

func (n *Notifier) deliver(s *subscriber, batch map[string]ChangeType) {
	defer func() {
		if r := recover(); r != nil {
			logger.G(n.ctx).WithField("subscriber", s.id).Errorf("skill change callback panicked: %v", r)
		}
	}()
	s.cb(n.ctx, batch)
}

// Flush delivers pending changes immediately and waits for the deliveries
func (n *Notifier) Flush(ctx context.Context) error {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	batch, subs := n.takeLocked()
	n.mu.Unlock()

	n.dispatch(batch, subs)
	return n.Wait(ctx)
}

// Wait blocks until every in-flight delivery has completed or ctx is done
func (n *Notifier) Wait(ctx context.Context) error {
	for {
		n.mu.Lock()
		if len(n.live) == 0 {
			n.mu.Unlock()
			return nil
		}
		drained := n.drained
		n.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close delivers what is still pending, then waits for in-flight deliveries.
// If ctx expires first, running callbacks see their context canceled.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	batch, subs := n.takeLocked()
	n.closed = true
	n.mu.Unlock()

	n.dispatch(batch, subs)
	err := n.Wait(ctx)
	n.cancel()
	return err
}
