package events

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
)

func TestDecodePolicy(t *testing.T) {
	id := uuid.New()
	account := uuid.New()
	group := uuid.New()
	resource := uuid.New()
	row := map[string]any{
		"id":             id.String(),
		"persistent_id":  id.String(),
		"account_id":     account.String(),
		"actor_group_id": group.String(),
		"resource_id":    resource.String(),
		"description":    "engineering to vault",
		"conditions":     `[{"property":"client_verified","operator":"is","values":["true"]}]`,
		"disabled_at":    nil,
		"deleted_at":     nil,
	}

	p, err := DecodePolicy(row)
	if err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if p.ID != id || p.AccountID != account || p.ActorGroupID != group || p.ResourceID != resource {
		t.Fatalf("unexpected ids: %+v", p)
	}
	if !p.Enabled() {
		t.Fatalf("expected enabled policy")
	}
	if len(p.Conditions) != 1 || p.Conditions[0].Property != model.PropertyClientVerified {
		t.Fatalf("unexpected conditions: %+v", p.Conditions)
	}
}

func TestDecodePolicy_MissingColumn(t *testing.T) {
	if _, err := DecodePolicy(map[string]any{"id": uuid.New().String()}); err == nil {
		t.Fatalf("expected error for missing account_id")
	}
}

func TestRowTime(t *testing.T) {
	row := map[string]any{"at": "2024-06-03 17:00:00.123456+00"}
	got := rowTime(row, "at")
	if got == nil {
		t.Fatalf("expected parsed timestamp")
	}
	want := time.Date(2024, 6, 3, 17, 0, 0, 123456000, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if rowTime(row, "missing") != nil {
		t.Fatalf("missing column must be nil")
	}
}

func TestChangeAccountID(t *testing.T) {
	account := uuid.New()

	del := Change{
		Table: "resources",
		Op:    model.OpDelete,
		Old:   map[string]any{"id": uuid.New().String(), "account_id": account.String()},
	}
	got, err := del.AccountID()
	if err != nil {
		t.Fatalf("account id from delete: %v", err)
	}
	if got != account {
		t.Fatalf("expected %s, got %s", account, got)
	}

	acct := Change{
		Table: "accounts",
		Op:    model.OpUpdate,
		New:   map[string]any{"id": account.String(), "slug": "acme"},
	}
	got, err = acct.AccountID()
	if err != nil {
		t.Fatalf("account id from accounts row: %v", err)
	}
	if got != account {
		t.Fatalf("expected %s, got %s", account, got)
	}
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter(nil)
	account := uuid.New()
	other := uuid.New()

	sub := r.Subscribe(account)
	defer sub.Cancel()
	otherSub := r.Subscribe(other)
	defer otherSub.Cancel()
	all := r.SubscribeAll()
	defer all.Cancel()

	r.Dispatch(Change{
		LSN:   10,
		Table: "policies",
		Op:    model.OpInsert,
		New:   map[string]any{"id": uuid.New().String(), "account_id": account.String()},
	})

	select {
	case c := <-sub.C:
		if c.LSN != 10 {
			t.Fatalf("unexpected change: %+v", c)
		}
	default:
		t.Fatalf("expected change on account topic")
	}
	select {
	case c := <-otherSub.C:
		t.Fatalf("other account must not receive change: %+v", c)
	default:
	}
	select {
	case c := <-all.C:
		if c.LSN != 10 {
			t.Fatalf("unexpected firehose change: %+v", c)
		}
	default:
		t.Fatalf("expected change on firehose")
	}
}

func TestSubscriptionCancel(t *testing.T) {
	r := NewRouter(nil)
	account := uuid.New()
	sub := r.Subscribe(account)
	sub.Cancel()
	sub.Cancel() // idempotent

	if _, open := <-sub.C; open {
		t.Fatalf("expected closed channel after cancel")
	}

	// Dispatch after cancel must not panic or deliver.
	r.Dispatch(Change{
		LSN:   11,
		Table: "policies",
		Op:    model.OpInsert,
		New:   map[string]any{"account_id": account.String()},
	})
}
