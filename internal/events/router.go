package events

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/strandsec/strand/internal/model"
)

// subscriberBuffer bounds each subscriber's mailbox. Delivery is best-effort
// at-least-once; a full mailbox drops the change and the subscriber recovers
// via its own LSN dedup on the next hydration.
const subscriberBuffer = 256

var nextSubID atomic.Uint64

// Subscription is one subscriber's handle on a topic. Cancel is idempotent.
type Subscription struct {
	C      <-chan Change
	ch     chan Change
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

type topic struct {
	mu   sync.RWMutex
	subs map[uint64]chan Change
}

func (t *topic) add(id uint64, ch chan Change) {
	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()
}

func (t *topic) remove(id uint64) {
	t.mu.Lock()
	ch, ok := t.subs[id]
	delete(t.subs, id)
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (t *topic) publish(c Change) (delivered, dropped int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- c:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Router fans typed changes out to per-account topics plus one firehose
// topic consumed by the directory-sync invalidation path.
type Router struct {
	logger   *log.Logger
	topics   *xsync.Map[model.ID, *topic]
	firehose *topic
}

// NewRouter builds an empty router.
func NewRouter(logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		logger:   logger,
		topics:   xsync.NewMap[model.ID, *topic](),
		firehose: &topic{subs: make(map[uint64]chan Change)},
	}
}

// Subscribe attaches to one account's topic.
func (r *Router) Subscribe(accountID model.ID) *Subscription {
	t, _ := r.topics.LoadOrCompute(accountID, func() (*topic, bool) {
		return &topic{subs: make(map[uint64]chan Change)}, false
	})
	return attach(t)
}

// SubscribeAll attaches to the firehose topic carrying every change.
func (r *Router) SubscribeAll() *Subscription {
	return attach(r.firehose)
}

func attach(t *topic) *Subscription {
	id := nextSubID.Add(1)
	ch := make(chan Change, subscriberBuffer)
	t.add(id, ch)
	return &Subscription{
		C:      ch,
		ch:     ch,
		cancel: func() { t.remove(id) },
	}
}

// Dispatch routes one change to the owning account's subscribers and the
// firehose. Changes whose account cannot be determined go to the firehose
// only.
func (r *Router) Dispatch(c Change) {
	if accountID, err := c.AccountID(); err == nil {
		if t, ok := r.topics.Load(accountID); ok {
			if _, dropped := t.publish(c); dropped > 0 {
				r.logger.Printf("[events] dropped change lsn=%d table=%s for %d slow subscribers", c.LSN, c.Table, dropped)
			}
		}
	} else {
		r.logger.Printf("[events] change lsn=%d table=%s has no account: %v", c.LSN, c.Table, err)
	}
	if _, dropped := r.firehose.publish(c); dropped > 0 {
		r.logger.Printf("[events] dropped change lsn=%d table=%s for %d slow firehose subscribers", c.LSN, c.Table, dropped)
	}
}
