// Package loc implements the Low-Overhead Container (LOC) object
// extension header: a typed, ordered sequence of per-object extensions
// carrying capture timestamp, video decoder config, frame marking, and
// audio level, per the MOQ-LOC extension drafts. Wire layout follows
// the MoQ object-extension even/odd varint-key convention (see the
// sibling internal/moqsession writer).
package loc

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// Extension IDs. Even IDs carry a varint value; odd IDs carry a
// length-prefixed byte string. IDs not recognized here are forwarded
// unchanged as Unknown extensions.
const (
	ExtCaptureTimestamp  uint64 = 2  // even: microseconds since Unix epoch
	ExtVideoFrameMarking uint64 = 4  // even: RFC 9626 flags
	ExtAudioLevel        uint64 = 6  // even: signed 8-bit level, carried as its two's-complement byte value
	ExtVideoConfig       uint64 = 13 // odd: decoder configuration record bytes
)

// RFC 9626 non-scalable video frame marking flag values.
const (
	FrameMarkingKeyframe    uint64 = 0xE0
	FrameMarkingNonKeyframe uint64 = 0xC0
)

// Header is an ordered sequence of typed extensions attached to one
// MoQT object. Fields are pointers so "not present" is distinguishable
// from the zero value; Unknown holds any extension this package does
// not interpret, so intermediaries can forward it unchanged.
type Header struct {
	CaptureTimestamp  *uint64 // microseconds since Unix epoch
	VideoConfig       []byte
	VideoFrameMarking *uint64
	AudioLevel        *int8
	Unknown           []UnknownExt
}

// UnknownExt preserves an extension this package doesn't interpret.
type UnknownExt struct {
	ID      uint64
	Value   uint64 // valid when ID is even
	Bytes   []byte // valid when ID is odd
	IsBytes bool
}

// Empty reports whether the header carries no extensions at all.
func (h Header) Empty() bool {
	return h.CaptureTimestamp == nil && h.VideoConfig == nil &&
		h.VideoFrameMarking == nil && h.AudioLevel == nil && len(h.Unknown) == 0
}

// Append encodes h's extensions onto buf in a stable order (capture
// timestamp, frame marking, audio level, video config, then any unknown
// extensions in their original order) and returns the extended slice.
func Append(buf []byte, h Header) []byte {
	if h.CaptureTimestamp != nil {
		buf = quicvarint.Append(buf, ExtCaptureTimestamp)
		buf = quicvarint.Append(buf, *h.CaptureTimestamp)
	}
	if h.VideoFrameMarking != nil {
		buf = quicvarint.Append(buf, ExtVideoFrameMarking)
		buf = quicvarint.Append(buf, *h.VideoFrameMarking)
	}
	if h.AudioLevel != nil {
		buf = quicvarint.Append(buf, ExtAudioLevel)
		buf = quicvarint.Append(buf, uint64(uint8(*h.AudioLevel)))
	}
	if h.VideoConfig != nil {
		buf = quicvarint.Append(buf, ExtVideoConfig)
		buf = quicvarint.Append(buf, uint64(len(h.VideoConfig)))
		buf = append(buf, h.VideoConfig...)
	}
	for _, u := range h.Unknown {
		buf = quicvarint.Append(buf, u.ID)
		if u.IsBytes {
			buf = quicvarint.Append(buf, uint64(len(u.Bytes)))
			buf = append(buf, u.Bytes...)
		} else {
			buf = quicvarint.Append(buf, u.Value)
		}
	}
	return buf
}

// Parse decodes a LOC extension block of the given total byte length
// from the front of data, returning the header and the number of bytes
// consumed.
func Parse(data []byte) (Header, int, error) {
	var h Header
	pos := 0

	for pos < len(data) {
		id, n, err := quicvarint.Parse(data[pos:])
		if err != nil {
			return h, pos, fmt.Errorf("loc: parse extension id: %w", err)
		}
		pos += n

		if id%2 == 1 {
			length, n, err := quicvarint.Parse(data[pos:])
			if err != nil {
				return h, pos, fmt.Errorf("loc: parse extension length: %w", err)
			}
			pos += n
			end := pos + int(length)
			if end > len(data) {
				return h, pos, fmt.Errorf("loc: extension %d length %d exceeds buffer", id, length)
			}
			val := data[pos:end]
			pos = end

			switch id {
			case ExtVideoConfig:
				h.VideoConfig = append([]byte(nil), val...)
			default:
				h.Unknown = append(h.Unknown, UnknownExt{ID: id, Bytes: append([]byte(nil), val...), IsBytes: true})
			}
			continue
		}

		val, n, err := quicvarint.Parse(data[pos:])
		if err != nil {
			return h, pos, fmt.Errorf("loc: parse extension value: %w", err)
		}
		pos += n

		switch id {
		case ExtCaptureTimestamp:
			v := val
			h.CaptureTimestamp = &v
		case ExtVideoFrameMarking:
			v := val
			h.VideoFrameMarking = &v
		case ExtAudioLevel:
			v := int8(val)
			h.AudioLevel = &v
		default:
			h.Unknown = append(h.Unknown, UnknownExt{ID: id, Value: val})
		}
	}

	return h, pos, nil
}
