// Package geoip resolves the region and coordinates of peer addresses from a
// MaxMind-format database, with a bounded TTL cache in front of the reader.
// The database file is hot-reloadable so updates never interrupt lookups.
package geoip

import (
	"fmt"
	"log"
	"math"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// Location is the lookup result for one address.
type Location struct {
	Region string // two-letter country code, empty when unknown
	Lat    float64
	Lon    float64
	HasGeo bool
}

// GeoReader abstracts the database reader for testing.
type GeoReader interface {
	Lookup(ip netip.Addr) (Location, error)
	Close() error
}

// OpenFunc opens a database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

type mmdbReader struct {
	db *maxminddb.Reader
}

// mmdbRecord maps the nested GeoLite2 city structure.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// MaxMindOpen is the production OpenFunc.
func MaxMindOpen(path string) (GeoReader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &mmdbReader{db: db}, nil
}

func (r *mmdbReader) Lookup(ip netip.Addr) (Location, error) {
	var rec mmdbRecord
	if err := r.db.Lookup(net.IP(ip.AsSlice()), &rec); err != nil {
		return Location{}, fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	loc := Location{Region: rec.Country.ISOCode}
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		loc.Lat = rec.Location.Latitude
		loc.Lon = rec.Location.Longitude
		loc.HasGeo = true
	}
	return loc, nil
}

func (r *mmdbReader) Close() error { return r.db.Close() }

// ServiceConfig configures the geo service.
type ServiceConfig struct {
	DBPath         string   // path to the mmdb file
	ReloadSchedule string   // cron expression, default daily at 04:10
	CacheSize      int      // lookup cache entries, default 65536
	CacheTTL       time.Duration
	OpenDB         OpenFunc // defaults to MaxMindOpen
	Logger         *log.Logger
}

// Service provides cached lookups with hot reload of the underlying reader.
type Service struct {
	mu     sync.RWMutex
	reader GeoReader // nil until first load

	dbPath string
	openDB OpenFunc
	cache  otter.Cache[netip.Addr, Location]
	cron   *cron.Cron
	logger *log.Logger
}

// NewService builds the service and schedules periodic reloads. The initial
// load happens in Start.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.OpenDB == nil {
		cfg.OpenDB = MaxMindOpen
	}
	if cfg.ReloadSchedule == "" {
		cfg.ReloadSchedule = "10 4 * * *"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 65536
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	cache, err := otter.MustBuilder[netip.Addr, Location](cfg.CacheSize).
		Cost(func(_ netip.Addr, _ Location) uint32 { return 1 }).
		WithTTL(cfg.CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("geoip: build cache: %w", err)
	}

	s := &Service{
		dbPath: cfg.DBPath,
		openDB: cfg.OpenDB,
		cache:  cache,
		cron:   cron.New(),
		logger: cfg.Logger,
	}
	if _, err := s.cron.AddFunc(cfg.ReloadSchedule, func() {
		if err := s.Reload(); err != nil {
			s.logger.Printf("[geoip] scheduled reload failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("geoip: invalid reload schedule %q: %w", cfg.ReloadSchedule, err)
	}
	return s, nil
}

// Start loads the database and starts the reload scheduler. A missing file
// is not fatal: lookups return empty locations until a reload succeeds.
func (s *Service) Start() error {
	if _, err := os.Stat(s.dbPath); err != nil {
		if os.IsNotExist(err) {
			s.logger.Printf("[geoip] database %s not present, lookups disabled until reload", s.dbPath)
			s.cron.Start()
			return nil
		}
		return fmt.Errorf("geoip: stat %s: %w", s.dbPath, err)
	}
	if err := s.Reload(); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and closes the reader.
func (s *Service) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
	s.cache.Close()
}

// Reload swaps in a fresh reader and drops the lookup cache. RLock holders
// finish on the old reader before it is closed.
func (s *Service) Reload() error {
	newReader, err := s.openDB(filepath.Clean(s.dbPath))
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.cache.Clear()
	return nil
}

// Lookup resolves one address, serving repeats from the cache.
func (s *Service) Lookup(ip netip.Addr) Location {
	if !ip.IsValid() {
		return Location{}
	}
	ip = ip.Unmap()
	if loc, ok := s.cache.Get(ip); ok {
		return loc
	}

	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil {
		return Location{}
	}
	loc, err := reader.Lookup(ip)
	if err != nil {
		s.logger.Printf("[geoip] lookup %s: %v", ip, err)
		return Location{}
	}
	s.cache.Set(ip, loc)
	return loc
}

const earthRadiusKm = 6371.0

// Distance returns the great-circle distance in kilometers between two
// coordinate pairs.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
