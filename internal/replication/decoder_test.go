package replication

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

// buildRelation serializes a pgoutput Relation message for tests.
func buildRelation(id uint32, name string, columns ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('R')
	binary.Write(&buf, binary.BigEndian, id)
	buf.WriteString("public")
	buf.WriteByte(0)
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteByte('d') // replica identity default
	binary.Write(&buf, binary.BigEndian, uint16(len(columns)))
	for _, col := range columns {
		buf.WriteByte(0) // flags
		buf.WriteString(col)
		buf.WriteByte(0)
		binary.Write(&buf, binary.BigEndian, uint32(25)) // text oid
		binary.Write(&buf, binary.BigEndian, uint32(0xFFFFFFFF))
	}
	return buf.Bytes()
}

func buildTuple(buf *bytes.Buffer, values []any) {
	binary.Write(buf, binary.BigEndian, uint16(len(values)))
	for _, v := range values {
		switch val := v.(type) {
		case nil:
			buf.WriteByte('n')
		case string:
			buf.WriteByte('t')
			binary.Write(buf, binary.BigEndian, uint32(len(val)))
			buf.WriteString(val)
		}
	}
}

func buildInsert(relID uint32, values []any) []byte {
	var buf bytes.Buffer
	buf.WriteByte('I')
	binary.Write(&buf, binary.BigEndian, relID)
	buf.WriteByte('N')
	buildTuple(&buf, values)
	return buf.Bytes()
}

func buildDelete(relID uint32, values []any) []byte {
	var buf bytes.Buffer
	buf.WriteByte('D')
	binary.Write(&buf, binary.BigEndian, relID)
	buf.WriteByte('O')
	buildTuple(&buf, values)
	return buf.Bytes()
}

func TestDecodeMessage_Relation(t *testing.T) {
	msg, err := DecodeMessage(buildRelation(42, "resources", "id", "account_id", "address"))
	if err != nil {
		t.Fatalf("decode relation: %v", err)
	}
	rel, ok := msg.(*Relation)
	if !ok {
		t.Fatalf("expected *Relation, got %T", msg)
	}
	if rel.ID != 42 || rel.Name != "resources" || rel.Namespace != "public" {
		t.Fatalf("unexpected relation: %+v", rel)
	}
	if len(rel.Columns) != 3 || rel.Columns[2].Name != "address" {
		t.Fatalf("unexpected columns: %+v", rel.Columns)
	}
}

func TestDecodeMessage_InsertRoundTrip(t *testing.T) {
	rs := NewRelationSet()
	relMsg, err := DecodeMessage(buildRelation(7, "policies", "id", "description"))
	if err != nil {
		t.Fatalf("decode relation: %v", err)
	}
	rs.Add(relMsg.(*Relation))

	msg, err := DecodeMessage(buildInsert(7, []any{"abc", nil}))
	if err != nil {
		t.Fatalf("decode insert: %v", err)
	}
	ins := msg.(*Insert)
	row, err := rs.RowValues(ins.RelationID, ins.New, nil)
	if err != nil {
		t.Fatalf("row values: %v", err)
	}
	if row["id"] != "abc" {
		t.Fatalf("expected id=abc, got %v", row["id"])
	}
	if v, exists := row["description"]; !exists || v != nil {
		t.Fatalf("expected explicit nil description, got %v (present=%v)", v, exists)
	}
}

func TestDecodeMessage_Delete(t *testing.T) {
	msg, err := DecodeMessage(buildDelete(7, []any{"abc", "gone"}))
	if err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	del := msg.(*Delete)
	if del.RelationID != 7 || del.OldIsKey {
		t.Fatalf("unexpected delete: %+v", del)
	}
	if len(del.Old.Columns) != 2 {
		t.Fatalf("expected 2 old columns, got %d", len(del.Old.Columns))
	}
}

func TestDecodeMessage_BeginCommit(t *testing.T) {
	commitTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	var b bytes.Buffer
	b.WriteByte('B')
	binary.Write(&b, binary.BigEndian, uint64(0x1000))
	binary.Write(&b, binary.BigEndian, uint64(microsFromTime(commitTime)))
	binary.Write(&b, binary.BigEndian, uint32(99))

	msg, err := DecodeMessage(b.Bytes())
	if err != nil {
		t.Fatalf("decode begin: %v", err)
	}
	begin := msg.(*Begin)
	if begin.FinalLSN != 0x1000 || begin.XID != 99 || !begin.CommitTime.Equal(commitTime) {
		t.Fatalf("unexpected begin: %+v", begin)
	}

	var c bytes.Buffer
	c.WriteByte('C')
	c.WriteByte(0)
	binary.Write(&c, binary.BigEndian, uint64(0x1000))
	binary.Write(&c, binary.BigEndian, uint64(0x1010))
	binary.Write(&c, binary.BigEndian, uint64(microsFromTime(commitTime)))

	msg, err = DecodeMessage(c.Bytes())
	if err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	commit := msg.(*Commit)
	if commit.CommitLSN != 0x1000 || commit.EndLSN != 0x1010 {
		t.Fatalf("unexpected commit: %+v", commit)
	}
}

func TestDecodeMessage_UnknownTagIgnored(t *testing.T) {
	msg, err := DecodeMessage([]byte{'Y', 1, 2, 3})
	if err != nil {
		t.Fatalf("unknown tag must not error: %v", err)
	}
	if msg != nil {
		t.Fatalf("unknown tag must decode to nil, got %T", msg)
	}
}

func TestDecodeMessage_Truncated(t *testing.T) {
	full := buildRelation(42, "resources", "id")
	if _, err := DecodeMessage(full[:len(full)-4]); err == nil {
		t.Fatalf("expected error for truncated relation")
	}
}

func TestParseCopyData_KeepAlive(t *testing.T) {
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	buf.WriteByte('k')
	binary.Write(&buf, binary.BigEndian, uint64(0xABCD))
	binary.Write(&buf, binary.BigEndian, uint64(microsFromTime(clock)))
	buf.WriteByte(1)

	frame, err := ParseCopyData(buf.Bytes())
	if err != nil {
		t.Fatalf("parse keepalive: %v", err)
	}
	ka := frame.(*KeepAlive)
	if ka.WALEnd != 0xABCD || !ka.ReplyRequested || !ka.ServerClock.Equal(clock) {
		t.Fatalf("unexpected keepalive: %+v", ka)
	}
}

func TestParseCopyData_UnknownTag(t *testing.T) {
	frame, err := ParseCopyData([]byte{'z', 0, 0})
	if err != nil || frame != nil {
		t.Fatalf("unknown frame tag must be ignored, got %v / %v", frame, err)
	}
}

func TestEncodeStandbyStatus(t *testing.T) {
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frame := EncodeStandbyStatus(10, 10, 10, clock, true)
	if len(frame) != 34 {
		t.Fatalf("expected 34-byte frame, got %d", len(frame))
	}
	if frame[0] != 'r' || frame[33] != 1 {
		t.Fatalf("unexpected framing: tag=%c reply=%d", frame[0], frame[33])
	}
	if got := binary.BigEndian.Uint64(frame[1:9]); got != 10 {
		t.Fatalf("expected write lsn 10, got %d", got)
	}
	if got := int64(binary.BigEndian.Uint64(frame[25:33])); got != microsFromTime(clock) {
		t.Fatalf("unexpected clock %d", got)
	}
}

func TestLSNString(t *testing.T) {
	if got := LSN(0x0000000A0000FFFF).String(); got != "A/FFFF" {
		t.Fatalf("unexpected LSN format: %s", got)
	}
}
