// Package telemetry defines the typed observability events the subsystems
// emit and a pluggable sink to receive them. The default sink logs; a
// deployment can swap in a metrics pipeline without touching emitters.
package telemetry

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/strandsec/strand/internal/model"
)

// ReplicationLagEvent fires when commit lag crosses the alert threshold in
// either direction.
type ReplicationLagEvent struct {
	Exceeded bool
	Lag      time.Duration
}

// SessionKind distinguishes client from gateway channels.
type SessionKind string

const (
	SessionClient  SessionKind = "client"
	SessionGateway SessionKind = "gateway"
)

// SessionEvent tracks channel joins and leaves.
type SessionEvent struct {
	Kind      SessionKind
	AccountID model.ID
	Joined    bool
}

// DirectorySyncEvent reports one provider sync outcome.
type DirectorySyncEvent struct {
	ProviderID          model.ID
	Succeeded           bool
	ConsecutiveFailures int
}

// Sink receives events. Implementations must be safe for concurrent use and
// must not block.
type Sink interface {
	ReplicationLag(ReplicationLagEvent)
	Session(SessionEvent)
	DirectorySync(DirectorySyncEvent)
}

// LogSink writes events to a standard logger and keeps live session gauges.
type LogSink struct {
	logger   *log.Logger
	clients  atomic.Int64
	gateways atomic.Int64
}

// NewLogSink wraps logger; nil means the process default.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) ReplicationLag(e ReplicationLagEvent) {
	if e.Exceeded {
		s.logger.Printf("[telemetry] replication lag %s exceeded threshold", e.Lag)
	} else {
		s.logger.Printf("[telemetry] replication lag recovered at %s", e.Lag)
	}
}

func (s *LogSink) Session(e SessionEvent) {
	gauge := &s.clients
	if e.Kind == SessionGateway {
		gauge = &s.gateways
	}
	delta := int64(1)
	if !e.Joined {
		delta = -1
	}
	total := gauge.Add(delta)
	s.logger.Printf("[telemetry] %s sessions: %d (account %s)", e.Kind, total, e.AccountID)
}

func (s *LogSink) DirectorySync(e DirectorySyncEvent) {
	if e.Succeeded {
		return
	}
	s.logger.Printf("[telemetry] directory sync failed for provider %s (%d consecutive)",
		e.ProviderID, e.ConsecutiveFailures)
}

// Sessions reports the current live session gauges.
func (s *LogSink) Sessions() (clients, gateways int64) {
	return s.clients.Load(), s.gateways.Load()
}
