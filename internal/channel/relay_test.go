package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/presence"
)

func coords(lat, lon float64) (*float64, *float64) {
	return &lat, &lon
}

func relayMeta(lat, lon *float64) presence.Meta {
	return presence.Meta{
		ID:          uuid.New(),
		IPv4Address: "198.51.100.1",
		StampSecret: "relay-secret",
		Lat:         lat,
		Lon:         lon,
	}
}

func TestSelectRelaysByDistance(t *testing.T) {
	berlinLat, berlinLon := coords(52.52, 13.40)
	paris := relayMeta(coords(48.85, 2.35))
	warsaw := relayMeta(coords(52.23, 21.01))
	tokyo := relayMeta(coords(35.68, 139.69))

	picked := selectRelays([]presence.Meta{tokyo, paris, warsaw}, berlinLat, berlinLon)
	if len(picked) != 2 {
		t.Fatalf("picked %d relays, want 2", len(picked))
	}
	got := map[model.ID]bool{picked[0].ID: true, picked[1].ID: true}
	if !got[paris.ID] || !got[warsaw.ID] {
		t.Fatalf("picked wrong relays: %v", picked)
	}
}

func TestSelectRelaysUnknownCoordinatesLast(t *testing.T) {
	berlinLat, berlinLon := coords(52.52, 13.40)
	warsaw := relayMeta(coords(52.23, 21.01))
	nowhere := relayMeta(nil, nil)

	picked := selectRelays([]presence.Meta{nowhere, warsaw}, berlinLat, berlinLon)
	if len(picked) != 2 {
		t.Fatalf("picked %d relays, want 2", len(picked))
	}
	if picked[0].ID != warsaw.ID {
		t.Fatalf("relay with coordinates should sort first")
	}
}

func TestSelectRelaysWithoutSessionCoordinates(t *testing.T) {
	relays := []presence.Meta{relayMeta(nil, nil), relayMeta(nil, nil), relayMeta(nil, nil)}
	picked := selectRelays(relays, nil, nil)
	if len(picked) != maxRelaysPerClient {
		t.Fatalf("picked %d relays, want %d", len(picked), maxRelaysPerClient)
	}
	if picked[0].ID == picked[1].ID {
		t.Fatalf("picked the same relay twice")
	}
}

func TestSelectRelaysEmpty(t *testing.T) {
	if picked := selectRelays(nil, nil, nil); picked != nil {
		t.Fatalf("expected nil, got %v", picked)
	}
}

// The relay verifies a credential by recomputing the HMAC over the username
// from its own secret. The stamp must survive that check.
func TestStampRelayCredential(t *testing.T) {
	m := relayMeta(nil, nil)
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	view := stampRelay(m, "client-salt", now)

	parts := strings.SplitN(view.Username, ":", 2)
	if len(parts) != 2 || parts[1] != "client-salt" {
		t.Fatalf("unexpected username %q", view.Username)
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("parse expiry: %v", err)
	}
	if want := now.Add(relayCredentialTTL).Unix(); expiry != want {
		t.Fatalf("expiry %d, want %d", expiry, want)
	}
	if view.ExpiresAt != expiry {
		t.Fatalf("ExpiresAt %d does not match username expiry %d", view.ExpiresAt, expiry)
	}

	mac := hmac.New(sha256.New, []byte(m.StampSecret))
	mac.Write([]byte(view.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); view.Password != want {
		t.Fatalf("password %q, want %q", view.Password, want)
	}
}
