package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
)

func TestConnectDisconnect(t *testing.T) {
	tr := NewTracker("node-a")
	relay := uuid.New()

	sub := tr.Subscribe(TopicGlobalRelays)
	defer sub.Cancel()

	tr.Connect(TopicGlobalRelays, Meta{ID: relay, StampSecret: "s1"})
	if _, online := tr.Online(TopicGlobalRelays, relay); !online {
		t.Fatalf("relay must be online after connect")
	}

	select {
	case d := <-sub.C:
		if len(d.Joins) != 1 || d.Joins[0].ID != relay {
			t.Fatalf("unexpected diff: %+v", d)
		}
		if d.Joins[0].NodeID != "node-a" {
			t.Fatalf("join must carry node id, got %q", d.Joins[0].NodeID)
		}
	default:
		t.Fatalf("expected join diff")
	}

	tr.Disconnect(TopicGlobalRelays, relay)
	if _, online := tr.Online(TopicGlobalRelays, relay); online {
		t.Fatalf("relay must be offline after disconnect")
	}
	select {
	case d := <-sub.C:
		if len(d.Leaves) != 1 || d.Leaves[0] != relay {
			t.Fatalf("unexpected diff: %+v", d)
		}
	default:
		t.Fatalf("expected leave diff")
	}

	// Double disconnect is silent.
	tr.Disconnect(TopicGlobalRelays, relay)
	select {
	case d := <-sub.C:
		t.Fatalf("unexpected diff after double disconnect: %+v", d)
	default:
	}
}

func TestMergeLastWriterWins(t *testing.T) {
	tr := NewTracker("node-a")
	relay := uuid.New()
	early := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	tr.Connect(TopicGlobalRelays, Meta{ID: relay, OnlineAt: late, StampSecret: "new"})

	// A remote join with an older online_at must not clobber.
	tr.Merge(Diff{Topic: TopicGlobalRelays, Joins: []Meta{
		{ID: relay, OnlineAt: early, StampSecret: "old", NodeID: "node-b"},
	}})
	meta, _ := tr.Online(TopicGlobalRelays, relay)
	if meta.StampSecret != "new" {
		t.Fatalf("older remote join must lose, got %q", meta.StampSecret)
	}

	// A newer remote join wins.
	tr.Merge(Diff{Topic: TopicGlobalRelays, Joins: []Meta{
		{ID: relay, OnlineAt: late.Add(time.Minute), StampSecret: "newest", NodeID: "node-b"},
	}})
	meta, _ = tr.Online(TopicGlobalRelays, relay)
	if meta.StampSecret != "newest" {
		t.Fatalf("newer remote join must win, got %q", meta.StampSecret)
	}
}

func TestMergeLeaveUnknownIsNoop(t *testing.T) {
	tr := NewTracker("node-a")
	sub := tr.Subscribe(TopicClients)
	defer sub.Cancel()

	tr.Merge(Diff{Topic: TopicClients, Leaves: []model.ID{uuid.New()}})
	select {
	case d := <-sub.C:
		t.Fatalf("leave of unknown entity must not notify: %+v", d)
	default:
	}
}

func TestAllConnectedRelays(t *testing.T) {
	tr := NewTracker("node-a")
	r1 := uuid.New()
	r2 := uuid.New()
	r3 := uuid.New()
	for _, id := range []model.ID{r1, r2, r3} {
		tr.Connect(TopicGlobalRelays, Meta{ID: id})
	}

	got := tr.AllConnectedRelays(map[model.ID]struct{}{r2: {}})
	if len(got) != 2 {
		t.Fatalf("expected 2 relays, got %d", len(got))
	}
	for _, m := range got {
		if m.ID == r2 {
			t.Fatalf("excluded relay returned")
		}
	}
}

func TestOnlineGateways(t *testing.T) {
	tr := NewTracker("node-a")
	online := uuid.New()
	offline := uuid.New()
	tr.Connect(TopicGateways, Meta{ID: online})

	got := tr.OnlineGateways([]model.ID{online, offline})
	if len(got) != 1 || got[0].ID != online {
		t.Fatalf("unexpected online gateways: %+v", got)
	}
}
