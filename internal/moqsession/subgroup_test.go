package moqsession

import (
	"bufio"
	"bytes"
	"testing"
)

func TestSubgroupHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteSubgroupHeader(&buf, 7, 3, 0, 128); err != nil {
		t.Fatal(err)
	}

	alias, group, subgroup, priority, err := ReadSubgroupHeader(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if alias != 7 || group != 3 || subgroup != 0 || priority != 128 {
		t.Fatalf("got alias=%d group=%d subgroup=%d priority=%d", alias, group, subgroup, priority)
	}
}

func TestSubgroupObjectRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	locHeader := []byte{0x01, 0x02, 0x03}
	if err := WriteSubgroupObject(&buf, 5, payload, 0, locHeader); err != nil {
		t.Fatal(err)
	}

	objectID, gotPayload, status, gotLOC, err := ReadSubgroupObject(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if objectID != 5 {
		t.Fatalf("objectID = %d, want 5", objectID)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload = %v, want %v", gotPayload, payload)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if !bytes.Equal(gotLOC, locHeader) {
		t.Fatalf("locHeader = %v, want %v", gotLOC, locHeader)
	}
}

func TestSubgroupObjectEndOfGroupEmptyPayloadNoLOC(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteSubgroupObject(&buf, 12, nil, 3, nil); err != nil {
		t.Fatal(err)
	}

	objectID, payload, status, locHeader, err := ReadSubgroupObject(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if objectID != 12 || status != 3 {
		t.Fatalf("objectID=%d status=%d", objectID, status)
	}
	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(payload))
	}
	if len(locHeader) != 0 {
		t.Fatalf("expected no loc header, got %d bytes", len(locHeader))
	}
}

func TestReadSubgroupHeaderRejectsWrongStreamType(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.WriteByte(0x01) // not moqStreamTypeSubgroupSIDExt
	_, _, _, _, err := ReadSubgroupHeader(bufio.NewReader(&buf))
	if err == nil {
		t.Fatal("expected error for wrong stream type")
	}
}

func TestMultipleObjectsOnOneStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteSubgroupObject(&buf, 0, []byte{0x01}, 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := WriteSubgroupObject(&buf, 1, []byte{0x02}, 0, nil); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	id0, p0, _, _, err := ReadSubgroupObject(r)
	if err != nil || id0 != 0 || !bytes.Equal(p0, []byte{0x01}) {
		t.Fatalf("first object: id=%d payload=%v err=%v", id0, p0, err)
	}
	id1, p1, _, _, err := ReadSubgroupObject(r)
	if err != nil || id1 != 1 || !bytes.Equal(p1, []byte{0x02}) {
		t.Fatalf("second object: id=%d payload=%v err=%v", id1, p1, err)
	}
}
