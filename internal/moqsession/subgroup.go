package moqsession

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// moqStreamTypeSubgroupSIDExt marks a uni-stream as a MoQT subgroup
// stream carrying an explicit subgroup id and per-object LOC extension
// headers (draft-ietf-moq-transport-15 §9.4.1).
const moqStreamTypeSubgroupSIDExt uint64 = 0x0d

// WriteSubgroupHeader writes a SUBGROUP_STREAM_HEADER: stream type,
// track alias, group id, subgroup id, and publisher priority.
func WriteSubgroupHeader(w io.Writer, trackAlias, groupID, subgroupID uint64, priority byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, moqStreamTypeSubgroupSIDExt)
	buf = quicvarint.Append(buf, trackAlias)
	buf = quicvarint.Append(buf, groupID)
	buf = quicvarint.Append(buf, subgroupID)
	buf = append(buf, priority)
	_, err := w.Write(buf)
	return err
}

// ReadSubgroupHeader reads a SUBGROUP_STREAM_HEADER from the front of a
// freshly opened uni-stream.
func ReadSubgroupHeader(r io.Reader) (trackAlias, groupID, subgroupID uint64, priority byte, err error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("moqsession: reader must implement io.ByteReader")
	}
	streamType, err := quicvarint.Read(br)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read stream type: %w", err)
	}
	if streamType != moqStreamTypeSubgroupSIDExt {
		return 0, 0, 0, 0, fmt.Errorf("moqsession: unexpected stream type %#x", streamType)
	}
	if trackAlias, err = quicvarint.Read(br); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read track alias: %w", err)
	}
	if groupID, err = quicvarint.Read(br); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read group id: %w", err)
	}
	if subgroupID, err = quicvarint.Read(br); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read subgroup id: %w", err)
	}
	var p [1]byte
	if _, err = io.ReadFull(r, p[:]); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read priority: %w", err)
	}
	return trackAlias, groupID, subgroupID, p[0], nil
}

// WriteSubgroupObject writes a SUBGROUP_STREAM_OBJECT: objectId, a u32
// big-endian payload length, the payload, the object status, and an
// optional LOC header (varint length-prefixed, zero if absent).
func WriteSubgroupObject(w io.Writer, objectID uint64, payload []byte, status uint8, locHeader []byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, objectID)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	buf = append(buf, status)
	buf = quicvarint.Append(buf, uint64(len(locHeader)))
	buf = append(buf, locHeader...)

	_, err := w.Write(buf)
	return err
}

// ReadSubgroupObject reads one SUBGROUP_STREAM_OBJECT from r.
func ReadSubgroupObject(r io.Reader) (objectID uint64, payload []byte, status uint8, locHeader []byte, err error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		return 0, nil, 0, nil, fmt.Errorf("moqsession: reader must implement io.ByteReader")
	}
	if objectID, err = quicvarint.Read(br); err != nil {
		return 0, nil, 0, nil, fmt.Errorf("read object id: %w", err)
	}

	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, 0, nil, fmt.Errorf("read payload length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	payload = make([]byte, length)
	if length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, nil, 0, nil, fmt.Errorf("read payload: %w", err)
		}
	}

	var statusBuf [1]byte
	if _, err = io.ReadFull(r, statusBuf[:]); err != nil {
		return 0, nil, 0, nil, fmt.Errorf("read object status: %w", err)
	}
	status = statusBuf[0]

	locLen, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, 0, nil, fmt.Errorf("read loc header length: %w", err)
	}
	if locLen > 0 {
		locHeader = make([]byte, locLen)
		if _, err = io.ReadFull(r, locHeader); err != nil {
			return 0, nil, 0, nil, fmt.Errorf("read loc header: %w", err)
		}
	}

	return objectID, payload, status, locHeader, nil
}
