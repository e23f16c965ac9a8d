// Package replication tails the primary database's logical replication
// stream and converts committed row changes into in-memory events.
package replication

import (
	"encoding/binary"
	"fmt"
	"time"
)

// LSN is a position in the write-ahead log. Monotone per publisher.
type LSN uint64

// String formats the LSN in the usual X/X hex notation.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// pgEpoch is the zero point of replication-protocol clocks (microseconds
// since 2000-01-01T00:00:00Z).
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func timeFromMicros(us int64) time.Time {
	return pgEpoch.Add(time.Duration(us) * time.Microsecond)
}

func microsFromTime(t time.Time) int64 {
	return int64(t.Sub(pgEpoch) / time.Microsecond)
}

// Replication stream frame tags.
const (
	tagKeepAlive     = 'k'
	tagXLogData      = 'w'
	tagStandbyStatus = 'r'
)

// KeepAlive is the server's `k` frame.
type KeepAlive struct {
	WALEnd         LSN
	ServerClock    time.Time
	ReplyRequested bool
}

// XLogData is the server's `w` frame wrapping one logical decoding payload.
type XLogData struct {
	WALStart    LSN
	WALEnd      LSN
	ServerClock time.Time
	Payload     []byte
}

// ParseCopyData parses a CopyData body from the replication stream.
// Returns a *KeepAlive or *XLogData; unknown tags return (nil, nil) and are
// ignored by the caller.
func ParseCopyData(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty replication frame")
	}
	switch data[0] {
	case tagKeepAlive:
		if len(data) < 18 {
			return nil, fmt.Errorf("keepalive frame too short: %d bytes", len(data))
		}
		return &KeepAlive{
			WALEnd:         LSN(binary.BigEndian.Uint64(data[1:9])),
			ServerClock:    timeFromMicros(int64(binary.BigEndian.Uint64(data[9:17]))),
			ReplyRequested: data[17] != 0,
		}, nil
	case tagXLogData:
		if len(data) < 25 {
			return nil, fmt.Errorf("xlogdata frame too short: %d bytes", len(data))
		}
		return &XLogData{
			WALStart:    LSN(binary.BigEndian.Uint64(data[1:9])),
			WALEnd:      LSN(binary.BigEndian.Uint64(data[9:17])),
			ServerClock: timeFromMicros(int64(binary.BigEndian.Uint64(data[17:25]))),
			Payload:     data[25:],
		}, nil
	default:
		return nil, nil
	}
}

// EncodeStandbyStatus builds the `r` standby-status frame acknowledging
// progress up to the given positions.
func EncodeStandbyStatus(write, flush, apply LSN, clock time.Time, replyRequested bool) []byte {
	buf := make([]byte, 34)
	buf[0] = tagStandbyStatus
	binary.BigEndian.PutUint64(buf[1:9], uint64(write))
	binary.BigEndian.PutUint64(buf[9:17], uint64(flush))
	binary.BigEndian.PutUint64(buf[17:25], uint64(apply))
	binary.BigEndian.PutUint64(buf[25:33], uint64(microsFromTime(clock)))
	if replyRequested {
		buf[33] = 1
	}
	return buf
}

// --- pgoutput logical decoding messages ---

// RelationColumn describes one column of a published relation.
type RelationColumn struct {
	Flags    uint8
	Name     string
	TypeOID  uint32
	Modifier int32
}

// Relation is the schema announcement preceding row messages.
type Relation struct {
	ID              uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []RelationColumn
}

// Begin opens a transaction in the stream.
type Begin struct {
	FinalLSN   LSN
	CommitTime time.Time
	XID        uint32
}

// Commit closes a transaction; its row messages commit atomically.
type Commit struct {
	Flags      byte
	CommitLSN  LSN
	EndLSN     LSN
	CommitTime time.Time
}

// Insert carries a new tuple.
type Insert struct {
	RelationID uint32
	New        *TupleData
}

// Update carries the optional old tuple (key or full, per replica identity)
// and the new tuple.
type Update struct {
	RelationID uint32
	Old        *TupleData
	OldIsKey   bool
	New        *TupleData
}

// Delete carries the old tuple.
type Delete struct {
	RelationID uint32
	Old        *TupleData
	OldIsKey   bool
}

// Tuple column kinds.
const (
	tupleNull      = 'n'
	tupleUnchanged = 'u'
	tupleText      = 't'
)

// TupleColumn is a single column value in wire form.
type TupleColumn struct {
	Kind byte   // 'n' null, 'u' unchanged toast, 't' text
	Data []byte // set for 't'
}

// TupleData is the column list of one row image.
type TupleData struct {
	Columns []TupleColumn
}

// DecodeMessage decodes one pgoutput payload. Unknown message types return
// (nil, nil): the tailer logs and skips them.
func DecodeMessage(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty pgoutput message")
	}
	r := &byteReader{buf: payload[1:]}
	switch payload[0] {
	case 'R':
		rel := &Relation{}
		rel.ID = r.uint32()
		rel.Namespace = r.cstring()
		rel.Name = r.cstring()
		rel.ReplicaIdentity = r.byte()
		ncols := int(r.uint16())
		for i := 0; i < ncols && r.err == nil; i++ {
			rel.Columns = append(rel.Columns, RelationColumn{
				Flags:    r.byte(),
				Name:     r.cstring(),
				TypeOID:  r.uint32(),
				Modifier: int32(r.uint32()),
			})
		}
		return rel, r.err

	case 'B':
		b := &Begin{}
		b.FinalLSN = LSN(r.uint64())
		b.CommitTime = timeFromMicros(int64(r.uint64()))
		b.XID = r.uint32()
		return b, r.err

	case 'C':
		c := &Commit{}
		c.Flags = r.byte()
		c.CommitLSN = LSN(r.uint64())
		c.EndLSN = LSN(r.uint64())
		c.CommitTime = timeFromMicros(int64(r.uint64()))
		return c, r.err

	case 'I':
		ins := &Insert{}
		ins.RelationID = r.uint32()
		if kind := r.byte(); kind != 'N' {
			return nil, fmt.Errorf("insert: unexpected tuple kind %q", kind)
		}
		ins.New = r.tuple()
		return ins, r.err

	case 'U':
		upd := &Update{}
		upd.RelationID = r.uint32()
		switch kind := r.byte(); kind {
		case 'K', 'O':
			upd.OldIsKey = kind == 'K'
			upd.Old = r.tuple()
			if next := r.byte(); next != 'N' {
				return nil, fmt.Errorf("update: unexpected tuple kind %q", next)
			}
		case 'N':
			// No old tuple published.
		default:
			return nil, fmt.Errorf("update: unexpected tuple kind %q", kind)
		}
		upd.New = r.tuple()
		return upd, r.err

	case 'D':
		del := &Delete{}
		del.RelationID = r.uint32()
		switch kind := r.byte(); kind {
		case 'K', 'O':
			del.OldIsKey = kind == 'K'
		default:
			return nil, fmt.Errorf("delete: unexpected tuple kind %q", kind)
		}
		del.Old = r.tuple()
		return del, r.err

	default:
		// Origin, Type, Truncate, Message: not consumed by this pipeline.
		return nil, nil
	}
}

// byteReader is a cursor over a pgoutput payload. The first decode error
// sticks; subsequent reads return zero values.
type byteReader struct {
	buf []byte
	pos int
	err error
}

func (r *byteReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("truncated message at offset %d (need %d of %d)", r.pos, n, len(r.buf))
		return false
	}
	return true
}

func (r *byteReader) byte() byte {
	if !r.need(1) {
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *byteReader) uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *byteReader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *byteReader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *byteReader) cstring() string {
	if r.err != nil {
		return ""
	}
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s
		}
	}
	r.err = fmt.Errorf("unterminated string at offset %d", r.pos)
	return ""
}

func (r *byteReader) tuple() *TupleData {
	ncols := int(r.uint16())
	t := &TupleData{}
	for i := 0; i < ncols && r.err == nil; i++ {
		kind := r.byte()
		col := TupleColumn{Kind: kind}
		switch kind {
		case tupleNull, tupleUnchanged:
		case tupleText:
			length := int(r.uint32())
			if r.need(length) {
				col.Data = r.buf[r.pos : r.pos+length]
				r.pos += length
			}
		default:
			r.err = fmt.Errorf("unknown tuple column kind %q", kind)
		}
		t.Columns = append(t.Columns, col)
	}
	return t
}

// RelationSet caches Relation announcements by OID so later row messages can
// be zipped into named column maps.
type RelationSet struct {
	relations map[uint32]*Relation
}

// NewRelationSet creates an empty RelationSet.
func NewRelationSet() *RelationSet {
	return &RelationSet{relations: make(map[uint32]*Relation)}
}

// Add records or replaces a relation announcement.
func (s *RelationSet) Add(rel *Relation) {
	s.relations[rel.ID] = rel
}

// Get looks up a relation by OID.
func (s *RelationSet) Get(id uint32) (*Relation, bool) {
	rel, ok := s.relations[id]
	return rel, ok
}

// RowValues zips a tuple with its relation's column names. Null columns map
// to nil; unchanged-toast columns are filled from prior when given, else
// omitted.
func (s *RelationSet) RowValues(relationID uint32, tuple *TupleData, prior map[string]any) (map[string]any, error) {
	rel, ok := s.relations[relationID]
	if !ok {
		return nil, fmt.Errorf("unknown relation OID %d", relationID)
	}
	if tuple == nil {
		return nil, nil
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("relation %s: tuple has %d columns, schema has %d",
			rel.Name, len(tuple.Columns), len(rel.Columns))
	}
	row := make(map[string]any, len(rel.Columns))
	for i, col := range tuple.Columns {
		name := rel.Columns[i].Name
		switch col.Kind {
		case tupleNull:
			row[name] = nil
		case tupleText:
			row[name] = string(col.Data)
		case tupleUnchanged:
			if prior != nil {
				if v, exists := prior[name]; exists {
					row[name] = v
				}
			}
		}
	}
	return row, nil
}
