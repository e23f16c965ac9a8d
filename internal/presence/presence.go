// Package presence tracks which clients, gateways and relays are currently
// online across the cluster. State is a per-topic map merged last-writer-wins
// on online_at; nodes broadcast local joins and leaves over Redis pub/sub and
// apply remote ones on receipt. Best-effort: no global serialization.
package presence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/strandsec/strand/internal/model"
)

// Topic partitions presence by entity kind.
type Topic string

const (
	TopicGlobalRelays Topic = "global_relays"
	TopicGateways     Topic = "gateways"
	TopicClients      Topic = "clients"
)

// Meta is what presence knows about one online entity.
type Meta struct {
	ID          model.ID  `json:"id"`
	AccountID   model.ID  `json:"account_id"`
	OnlineAt    time.Time `json:"online_at"`
	IPv4Address string    `json:"ipv4_address,omitempty"`
	IPv6Address string    `json:"ipv6_address,omitempty"`
	StampSecret string    `json:"stamp_secret,omitempty"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	NodeID      string    `json:"node_id"`
}

// Diff is one batch of presence changes on a topic.
type Diff struct {
	Topic  Topic      `json:"topic"`
	Joins  []Meta     `json:"joins,omitempty"`
	Leaves []model.ID `json:"leaves,omitempty"`
}

var nextSubID atomic.Uint64

// Subscription delivers presence diffs for one topic. Cancel is idempotent.
type Subscription struct {
	C      <-chan Diff
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

const subscriberBuffer = 64

type subscribers struct {
	mu   sync.RWMutex
	subs map[uint64]chan Diff
}

func (s *subscribers) notify(d Diff) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- d:
		default:
		}
	}
}

// Tracker is one node's view of cluster presence.
type Tracker struct {
	nodeID    string
	topics    *xsync.Map[Topic, *xsync.Map[model.ID, Meta]]
	listeners *xsync.Map[Topic, *subscribers]
	broadcast func(Diff) // nil on single-node deployments
}

// NewTracker builds an empty tracker. nodeID distinguishes this node's
// entries in cluster merges.
func NewTracker(nodeID string) *Tracker {
	return &Tracker{
		nodeID:    nodeID,
		topics:    xsync.NewMap[Topic, *xsync.Map[model.ID, Meta]](),
		listeners: xsync.NewMap[Topic, *subscribers](),
	}
}

func (t *Tracker) topic(topic Topic) *xsync.Map[model.ID, Meta] {
	m, _ := t.topics.LoadOrCompute(topic, func() (*xsync.Map[model.ID, Meta], bool) {
		return xsync.NewMap[model.ID, Meta](), false
	})
	return m
}

func (t *Tracker) subsFor(topic Topic) *subscribers {
	s, _ := t.listeners.LoadOrCompute(topic, func() (*subscribers, bool) {
		return &subscribers{subs: make(map[uint64]chan Diff)}, false
	})
	return s
}

// Connect marks an entity online on this node and fans the join out locally
// and to the cluster.
func (t *Tracker) Connect(topic Topic, meta Meta) {
	if meta.OnlineAt.IsZero() {
		meta.OnlineAt = time.Now().UTC()
	}
	meta.NodeID = t.nodeID
	t.topic(topic).Store(meta.ID, meta)

	d := Diff{Topic: topic, Joins: []Meta{meta}}
	t.subsFor(topic).notify(d)
	if t.broadcast != nil {
		t.broadcast(d)
	}
}

// Disconnect marks an entity offline, typically on socket close.
func (t *Tracker) Disconnect(topic Topic, id model.ID) {
	if _, loaded := t.topic(topic).LoadAndDelete(id); !loaded {
		return
	}
	d := Diff{Topic: topic, Leaves: []model.ID{id}}
	t.subsFor(topic).notify(d)
	if t.broadcast != nil {
		t.broadcast(d)
	}
}

// Merge applies a remote diff: joins win only when their online_at is not
// older than the local entry, leaves only remove entries owned by the
// leaving node or older than the local join. Local subscribers see whatever
// actually changed.
func (t *Tracker) Merge(d Diff) {
	m := t.topic(d.Topic)
	applied := Diff{Topic: d.Topic}

	for _, join := range d.Joins {
		join := join
		m.Compute(join.ID, func(current Meta, loaded bool) (Meta, xsync.ComputeOp) {
			if loaded && current.OnlineAt.After(join.OnlineAt) {
				return current, xsync.CancelOp
			}
			applied.Joins = append(applied.Joins, join)
			return join, xsync.UpdateOp
		})
	}
	for _, id := range d.Leaves {
		m.Compute(id, func(current Meta, loaded bool) (Meta, xsync.ComputeOp) {
			if !loaded {
				return current, xsync.CancelOp
			}
			applied.Leaves = append(applied.Leaves, id)
			return current, xsync.DeleteOp
		})
	}

	if len(applied.Joins) > 0 || len(applied.Leaves) > 0 {
		t.subsFor(d.Topic).notify(applied)
	}
}

// Subscribe attaches to one topic's diff stream.
func (t *Tracker) Subscribe(topic Topic) *Subscription {
	s := t.subsFor(topic)
	id := nextSubID.Add(1)
	ch := make(chan Diff, subscriberBuffer)
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()

	return &Subscription{
		C: ch,
		cancel: func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		},
	}
}

// Online reports whether an entity is currently present.
func (t *Tracker) Online(topic Topic, id model.ID) (Meta, bool) {
	return t.topic(topic).Load(id)
}

// AllConnectedRelays snapshots every online relay except the given ids.
func (t *Tracker) AllConnectedRelays(except map[model.ID]struct{}) []Meta {
	var out []Meta
	t.topic(TopicGlobalRelays).Range(func(id model.ID, meta Meta) bool {
		if _, skip := except[id]; !skip {
			out = append(out, meta)
		}
		return true
	})
	return out
}

// OnlineGateways snapshots online gateways among the given candidates.
func (t *Tracker) OnlineGateways(candidates []model.ID) []Meta {
	m := t.topic(TopicGateways)
	var out []Meta
	for _, id := range candidates {
		if meta, ok := m.Load(id); ok {
			out = append(out, meta)
		}
	}
	return out
}
