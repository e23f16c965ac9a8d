package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

// advisoryLockKey guards the cluster-exclusive replication slot. Only the
// instance holding the lock consumes the stream.
const advisoryLockKey = 0x5374726e64526570 // "StrndRep"

// DefaultAlertThreshold is the commit-lag level that flips the
// lag_threshold_exceeded state.
const DefaultAlertThreshold = 5 * time.Second

// statusInterval bounds how long the tailer goes without acknowledging
// progress when the server is quiet.
const statusInterval = 10 * time.Second

// RowChange is one decoded committed row change. LSN is the row's own WAL
// position, unique and increasing across the stream; rows of one
// transaction share only CommitTime.
type RowChange struct {
	LSN        LSN
	Table      string
	Op         string // "insert", "update", "delete"
	Old        map[string]any
	New        map[string]any
	CommitTime time.Time
}

// Config configures the Tailer.
type Config struct {
	// DSN is the primary database connection string. The tailer adds
	// replication=database for the streaming connection itself.
	DSN         string
	Slot        string
	Publication string
	// Tables is the desired publication table set.
	Tables []string
	// ProtoVersion is the pgoutput protocol version (default 1).
	ProtoVersion int
	// AlertThreshold is the commit-lag alert level (default 5 s).
	AlertThreshold time.Duration
	// OnChange receives each committed row change in LSN order.
	OnChange func(RowChange)
	// OnLagAlert fires when commit lag crosses AlertThreshold in either
	// direction.
	OnLagAlert func(exceeded bool, lag time.Duration)
}

// Tailer is the cluster-singleton consumer of the logical replication slot.
type Tailer struct {
	cfg Config

	framesSeen   atomic.Uint64
	lastLSN      atomic.Uint64
	lagExceeded  bool
	relations    *RelationSet
	tableAllowed map[string]bool

	// Pending transaction state while streaming.
	txOpen    bool
	txCommit  time.Time
	txChanges []RowChange
}

// NewTailer creates a Tailer. Config.OnChange must be set.
func NewTailer(cfg Config) (*Tailer, error) {
	if cfg.DSN == "" {
		return nil, errors.New("replication: DSN is required")
	}
	if cfg.Slot == "" || cfg.Publication == "" {
		return nil, errors.New("replication: slot and publication names are required")
	}
	if cfg.OnChange == nil {
		return nil, errors.New("replication: OnChange is required")
	}
	if cfg.ProtoVersion == 0 {
		cfg.ProtoVersion = 1
	}
	if cfg.AlertThreshold == 0 {
		cfg.AlertThreshold = DefaultAlertThreshold
	}
	allowed := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		allowed[t] = true
	}
	return &Tailer{
		cfg:          cfg,
		relations:    NewRelationSet(),
		tableAllowed: allowed,
	}, nil
}

// FramesSeen returns the monotonic count of Write frames consumed.
func (t *Tailer) FramesSeen() uint64 { return t.framesSeen.Load() }

// LastLSN returns the highest committed LSN delivered so far.
func (t *Tailer) LastLSN() LSN { return LSN(t.lastLSN.Load()) }

// Run connects and streams until ctx is cancelled. Transient errors retry
// with exponential backoff; the slot's server-side position makes restarts
// resume at the last acknowledged LSN.
func (t *Tailer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry forever, lifecycle is ctx-driven
	policy.MaxInterval = 30 * time.Second

	for {
		err := t.connectAndStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := policy.NextBackOff()
		log.Printf("[replication] stream ended: %v; reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *Tailer) connectAndStream(ctx context.Context) error {
	// Regular connection: advisory lock + publication management.
	sqlConn, err := pgconn.Connect(ctx, t.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sqlConn.Close(context.Background())

	locked, err := tryAdvisoryLock(ctx, sqlConn)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return errors.New("another instance holds the replication lease")
	}

	if err := t.ensurePublication(ctx, sqlConn); err != nil {
		return err
	}

	// Streaming connection.
	replConn, err := pgconn.Connect(ctx, t.cfg.DSN+" replication=database")
	if err != nil {
		return fmt.Errorf("replication connect: %w", err)
	}
	defer replConn.Close(context.Background())

	if err := t.ensureSlot(ctx, sqlConn, replConn); err != nil {
		return err
	}
	return t.stream(ctx, replConn)
}

func tryAdvisoryLock(ctx context.Context, conn *pgconn.PgConn) (bool, error) {
	sql := fmt.Sprintf("SELECT pg_try_advisory_lock(%d)", int64(advisoryLockKey))
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) == 0 {
		return false, errors.New("unexpected advisory lock result")
	}
	return string(results[0].Rows[0][0]) == "t", nil
}

// ensurePublication walks check_publication / check_publication_tables:
// create the publication if missing, otherwise reconcile its table set
// against the configured one.
func (t *Tailer) ensurePublication(ctx context.Context, conn *pgconn.PgConn) error {
	exists, err := queryBool(ctx, conn, fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = %s)",
		quoteLiteral(t.cfg.Publication)))
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if !exists {
		quoted := make([]string, len(t.cfg.Tables))
		for i, table := range t.cfg.Tables {
			quoted[i] = quoteIdent(table)
		}
		sql := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			quoteIdent(t.cfg.Publication), strings.Join(quoted, ", "))
		if _, err := conn.Exec(ctx, sql).ReadAll(); err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
		log.Printf("[replication] created publication %s with %d tables",
			t.cfg.Publication, len(t.cfg.Tables))
		return nil
	}

	current, err := queryStrings(ctx, conn, fmt.Sprintf(
		"SELECT tablename FROM pg_publication_tables WHERE pubname = %s",
		quoteLiteral(t.cfg.Publication)))
	if err != nil {
		return fmt.Errorf("list publication tables: %w", err)
	}
	currentSet := make(map[string]bool, len(current))
	for _, name := range current {
		currentSet[name] = true
	}

	var toAdd, toRemove []string
	for _, table := range t.cfg.Tables {
		if !currentSet[table] {
			toAdd = append(toAdd, table)
		}
	}
	for _, name := range current {
		if !t.tableAllowed[name] {
			toRemove = append(toRemove, name)
		}
	}

	if len(toAdd) > 0 {
		quoted := make([]string, len(toAdd))
		for i, table := range toAdd {
			quoted[i] = quoteIdent(table)
		}
		sql := fmt.Sprintf("ALTER PUBLICATION %s ADD TABLE %s",
			quoteIdent(t.cfg.Publication), strings.Join(quoted, ", "))
		if _, err := conn.Exec(ctx, sql).ReadAll(); err != nil {
			return fmt.Errorf("add publication tables: %w", err)
		}
		log.Printf("[replication] added %d tables to publication %s", len(toAdd), t.cfg.Publication)
	}
	for _, table := range toRemove {
		sql := fmt.Sprintf("ALTER PUBLICATION %s DROP TABLE %s",
			quoteIdent(t.cfg.Publication), quoteIdent(table))
		if _, err := conn.Exec(ctx, sql).ReadAll(); err != nil {
			return fmt.Errorf("drop publication table %s: %w", table, err)
		}
		log.Printf("[replication] dropped table %s from publication %s", table, t.cfg.Publication)
	}
	return nil
}

// ensureSlot walks check_replication_slot / create_slot. The existence check
// runs on the regular connection; creation uses the walsender command on the
// streaming connection so NOEXPORT_SNAPSHOT applies.
func (t *Tailer) ensureSlot(ctx context.Context, sqlConn, replConn *pgconn.PgConn) error {
	exists, err := queryBool(ctx, sqlConn, fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = %s)",
		quoteLiteral(t.cfg.Slot)))
	if err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if exists {
		return nil
	}
	sql := fmt.Sprintf("CREATE_REPLICATION_SLOT %s LOGICAL pgoutput NOEXPORT_SNAPSHOT",
		quoteIdent(t.cfg.Slot))
	if _, err := replConn.Exec(ctx, sql).ReadAll(); err != nil {
		return fmt.Errorf("create replication slot: %w", err)
	}
	log.Printf("[replication] created logical slot %s", t.cfg.Slot)
	return nil
}

// stream issues START_REPLICATION and consumes frames until error or cancel.
func (t *Tailer) stream(ctx context.Context, conn *pgconn.PgConn) error {
	sql := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL 0/0 (proto_version '%d', publication_names '%s')",
		quoteIdent(t.cfg.Slot), t.cfg.ProtoVersion, t.cfg.Publication)

	conn.Frontend().SendQuery(&pgproto3.Query{String: sql})
	if err := conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	// The server answers CopyBothResponse before streaming begins.
	for {
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("await copy-both: %w", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyBothResponse:
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("start replication refused: %s", m.Message)
		case *pgproto3.NoticeResponse:
			continue
		default:
			return fmt.Errorf("unexpected message before stream: %T", msg)
		}
		break
	}
	log.Printf("[replication] streaming from slot %s publication %s", t.cfg.Slot, t.cfg.Publication)

	// Reset per-connection decode state; the server resends Relation
	// messages on each new stream.
	t.relations = NewRelationSet()
	t.txOpen = false
	t.txChanges = nil

	lastStatus := time.Now()
	for {
		recvCtx, cancel := context.WithDeadline(ctx, lastStatus.Add(statusInterval))
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				// Quiet stream: volunteer a status update so the slot
				// advances server-side.
				if err := t.sendStatus(conn, t.LastLSN()+1, false); err != nil {
					return err
				}
				lastStatus = time.Now()
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if err := t.handleFrame(conn, m.Data); err != nil {
				return err
			}
			if time.Since(lastStatus) >= statusInterval {
				lastStatus = time.Now()
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication error %s: %s", m.Code, m.Message)
		default:
			// CopyDone, ParameterStatus and friends carry nothing for us.
		}
	}
}

func (t *Tailer) handleFrame(conn *pgconn.PgConn, data []byte) error {
	frame, err := ParseCopyData(data)
	if err != nil {
		log.Printf("[replication] malformed frame dropped: %v", err)
		return nil
	}
	switch f := frame.(type) {
	case *KeepAlive:
		if f.ReplyRequested {
			return t.sendStatus(conn, f.WALEnd+1, true)
		}
	case *XLogData:
		t.framesSeen.Add(1)
		t.handlePayload(f.WALStart, f.Payload)
	}
	return nil
}

func (t *Tailer) sendStatus(conn *pgconn.PgConn, pos LSN, replyToKeepalive bool) error {
	frame := EncodeStandbyStatus(pos, pos, pos, time.Now(), replyToKeepalive)
	conn.Frontend().Send(&pgproto3.CopyData{Data: frame})
	if err := conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("standby status: %w", err)
	}
	return nil
}

// handlePayload decodes one pgoutput message and folds it into the open
// transaction. walStart is the message's own WAL position and becomes the
// row's LSN. Malformed messages are logged and dropped.
func (t *Tailer) handlePayload(walStart LSN, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		log.Printf("[replication] malformed pgoutput message dropped: %v", err)
		return
	}
	switch m := msg.(type) {
	case *Relation:
		t.relations.Add(m)

	case *Begin:
		t.txOpen = true
		t.txCommit = m.CommitTime
		t.txChanges = t.txChanges[:0]

	case *Insert:
		t.appendChange(walStart, m.RelationID, "insert", nil, m.New)

	case *Update:
		t.appendUpdate(walStart, m)

	case *Delete:
		t.appendChange(walStart, m.RelationID, "delete", m.Old, nil)

	case *Commit:
		t.commit(m)
	}
}

func (t *Tailer) relationName(relationID uint32) (string, bool) {
	rel, ok := t.relations.Get(relationID)
	if !ok {
		log.Printf("[replication] row change for unknown relation OID %d dropped", relationID)
		return "", false
	}
	if len(t.tableAllowed) > 0 && !t.tableAllowed[rel.Name] {
		return "", false
	}
	return rel.Name, true
}

func (t *Tailer) appendChange(walStart LSN, relationID uint32, op string, oldTuple, newTuple *TupleData) {
	if !t.txOpen {
		return
	}
	name, ok := t.relationName(relationID)
	if !ok {
		return
	}
	oldRow, err := t.relations.RowValues(relationID, oldTuple, nil)
	if err != nil {
		log.Printf("[replication] %s on %s dropped: %v", op, name, err)
		return
	}
	newRow, err := t.relations.RowValues(relationID, newTuple, oldRow)
	if err != nil {
		log.Printf("[replication] %s on %s dropped: %v", op, name, err)
		return
	}
	t.txChanges = append(t.txChanges, RowChange{
		LSN:   walStart,
		Table: name,
		Op:    op,
		Old:   oldRow,
		New:   newRow,
	})
}

func (t *Tailer) appendUpdate(walStart LSN, m *Update) {
	if !t.txOpen {
		return
	}
	name, ok := t.relationName(m.RelationID)
	if !ok {
		return
	}
	oldRow, err := t.relations.RowValues(m.RelationID, m.Old, nil)
	if err != nil {
		log.Printf("[replication] update on %s dropped: %v", name, err)
		return
	}
	newRow, err := t.relations.RowValues(m.RelationID, m.New, oldRow)
	if err != nil {
		log.Printf("[replication] update on %s dropped: %v", name, err)
		return
	}
	t.txChanges = append(t.txChanges, RowChange{
		LSN:   walStart,
		Table: name,
		Op:    "update",
		Old:   oldRow,
		New:   newRow,
	})
}

// commit delivers the batch in order, stamped with the commit time. Each
// row keeps its own WAL position; rows without one, or out of order, are
// bumped so delivered LSNs stay strictly increasing. Consumers dedupe and
// the change log enforces UNIQUE(lsn), so siblings must never collide.
func (t *Tailer) commit(m *Commit) {
	if !t.txOpen {
		return
	}
	t.txOpen = false

	prev := LSN(t.lastLSN.Load())
	for i := range t.txChanges {
		if t.txChanges[i].LSN <= prev {
			t.txChanges[i].LSN = prev + 1
		}
		prev = t.txChanges[i].LSN
		t.txChanges[i].CommitTime = m.CommitTime
		t.cfg.OnChange(t.txChanges[i])
	}
	t.txChanges = t.txChanges[:0]
	last := m.CommitLSN
	if prev > last {
		last = prev
	}
	t.lastLSN.Store(uint64(last))

	lag := time.Since(m.CommitTime)
	exceeded := lag > t.cfg.AlertThreshold
	if exceeded != t.lagExceeded {
		t.lagExceeded = exceeded
		if t.cfg.OnLagAlert != nil {
			t.cfg.OnLagAlert(exceeded, lag)
		}
		if exceeded {
			log.Printf("[replication] commit lag %s exceeds threshold %s", lag, t.cfg.AlertThreshold)
		} else {
			log.Printf("[replication] commit lag %s back under threshold", lag)
		}
	}
}

// --- simple query helpers ---

func queryBool(ctx context.Context, conn *pgconn.PgConn, sql string) (bool, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) == 0 {
		return false, fmt.Errorf("no rows for %q", sql)
	}
	return string(results[0].Rows[0][0]) == "t", nil
}

func queryStrings(ctx context.Context, conn *pgconn.PgConn, sql string) ([]string, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, result := range results {
		for _, row := range result.Rows {
			if len(row) > 0 {
				out = append(out, string(row[0]))
			}
		}
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
