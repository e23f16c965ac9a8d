package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/strandsec/strand/internal/geoip"
	"github.com/strandsec/strand/internal/presence"
)

// relayCredentialTTL bounds how long a stamped relay credential is honored.
const relayCredentialTTL = 24 * time.Hour

// maxRelaysPerClient is how many relays each client gets.
const maxRelaysPerClient = 2

// selectRelays picks up to two relays for a session at (lat, lon): scored by
// great-circle distance, relays without coordinates last. Without session
// coordinates the pick is random.
func selectRelays(relays []presence.Meta, lat, lon *float64) []presence.Meta {
	if len(relays) == 0 {
		return nil
	}

	picked := make([]presence.Meta, len(relays))
	copy(picked, relays)

	if lat == nil || lon == nil {
		rand.Shuffle(len(picked), func(i, j int) {
			picked[i], picked[j] = picked[j], picked[i]
		})
	} else {
		score := func(m presence.Meta) float64 {
			if m.Lat == nil || m.Lon == nil {
				return float64(1 << 62)
			}
			return geoip.Distance(*lat, *lon, *m.Lat, *m.Lon)
		}
		sort.SliceStable(picked, func(i, j int) bool {
			return score(picked[i]) < score(picked[j])
		})
	}

	if len(picked) > maxRelaysPerClient {
		picked = picked[:maxRelaysPerClient]
	}
	return picked
}

// stampRelay derives a time-limited credential from the relay's secret:
// username is "<expiry_unix>:<salt>", password the HMAC over the username.
// The relay recomputes the HMAC from its own secret to verify.
func stampRelay(m presence.Meta, salt string, now time.Time) RelayView {
	expires := now.Add(relayCredentialTTL)
	username := fmt.Sprintf("%d:%s", expires.Unix(), salt)
	mac := hmac.New(sha256.New, []byte(m.StampSecret))
	mac.Write([]byte(username))
	return RelayView{
		ID:          m.ID,
		IPv4Address: m.IPv4Address,
		IPv6Address: m.IPv6Address,
		Username:    username,
		Password:    base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:   expires.Unix(),
	}
}

func stampRelays(relays []presence.Meta, salt string, now time.Time) []RelayView {
	views := make([]RelayView, 0, len(relays))
	for _, m := range relays {
		views = append(views, stampRelay(m, salt, now))
	}
	return views
}
