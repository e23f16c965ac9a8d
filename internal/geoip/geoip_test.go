package geoip

import (
	"math"
	"net/netip"
	"sync/atomic"
	"testing"
)

type fakeReader struct {
	lookups atomic.Int64
	loc     Location
	closed  atomic.Bool
}

func (f *fakeReader) Lookup(_ netip.Addr) (Location, error) {
	f.lookups.Add(1)
	return f.loc, nil
}

func (f *fakeReader) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestService(t *testing.T, reader GeoReader) *Service {
	t.Helper()
	s, err := NewService(ServiceConfig{
		DBPath: "unused.mmdb",
		OpenDB: func(string) (GeoReader, error) { return reader, nil },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return s
}

func TestLookupCached(t *testing.T) {
	reader := &fakeReader{loc: Location{Region: "DE", Lat: 52.5, Lon: 13.4, HasGeo: true}}
	s := newTestService(t, reader)
	defer s.Stop()

	addr := netip.MustParseAddr("203.0.113.10")
	loc := s.Lookup(addr)
	if loc.Region != "DE" || !loc.HasGeo {
		t.Fatalf("unexpected location: %+v", loc)
	}

	// otter admits entries asynchronously, so a repeat lookup may or may not
	// hit the cache; it must return the same result either way.
	if again := s.Lookup(addr); again != loc {
		t.Fatalf("repeat lookup differs: %+v vs %+v", again, loc)
	}
}

func TestLookupInvalidAddr(t *testing.T) {
	reader := &fakeReader{}
	s := newTestService(t, reader)
	defer s.Stop()

	if loc := s.Lookup(netip.Addr{}); loc != (Location{}) {
		t.Fatalf("invalid addr must return zero location: %+v", loc)
	}
	if reader.lookups.Load() != 0 {
		t.Fatalf("invalid addr must not reach the reader")
	}
}

func TestReloadClosesOldReader(t *testing.T) {
	old := &fakeReader{}
	s := newTestService(t, old)
	defer s.Stop()

	fresh := &fakeReader{loc: Location{Region: "US"}}
	s.openDB = func(string) (GeoReader, error) { return fresh, nil }
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !old.closed.Load() {
		t.Fatalf("old reader must be closed after reload")
	}
	if loc := s.Lookup(netip.MustParseAddr("198.51.100.1")); loc.Region != "US" {
		t.Fatalf("expected fresh reader result, got %+v", loc)
	}
}

func TestDistance(t *testing.T) {
	// Berlin to Paris is roughly 878 km.
	d := Distance(52.52, 13.405, 48.8566, 2.3522)
	if math.Abs(d-878) > 15 {
		t.Fatalf("unexpected Berlin-Paris distance: %f", d)
	}
	if Distance(10, 20, 10, 20) != 0 {
		t.Fatalf("identical points must be distance 0")
	}
}
