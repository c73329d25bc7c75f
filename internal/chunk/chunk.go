// Package chunk implements the framed-object codec used for every MoQT
// object carrying encoded media: a big-endian length-prefixed JSON
// metadata header followed by the raw encoded payload.
package chunk

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Type distinguishes a random-access (key) chunk from a predicted (delta) one.
type Type string

const (
	TypeKey   Type = "key"
	TypeDelta Type = "delta"
)

// AVCFormat records which NALU framing the payload uses.
type AVCFormat string

const (
	AVCFormatAnnexB AVCFormat = "annexb"
	AVCFormatAVC    AVCFormat = "avc"
)

// ErrMalformed is returned by Deserialize when the payload is too short
// to contain a length prefix, or the declared metadata length overruns
// the payload.
var ErrMalformed = errors.New("chunk: malformed payload")

// Metadata is the JSON-serialized header prefixed to every chunk payload.
// Optional fields are omitted from the wire when unset.
type Metadata struct {
	Type              Type      `json:"type"`
	Timestamp         int64     `json:"timestamp"`
	Duration          *int64    `json:"duration,omitempty"`
	Codec             string    `json:"codec,omitempty"`
	DescriptionBase64 string    `json:"descriptionBase64,omitempty"`
	AVCFormat         AVCFormat `json:"avcFormat,omitempty"`
	SampleRate        int       `json:"sampleRate,omitempty"`
	Channels          int       `json:"channels,omitempty"`
}

// Extra carries metadata fields supplied by the caller at serialization
// time (codec/description on first-object-per-alias, format hints) that
// are not part of the underlying chunk's own fields.
type Extra struct {
	Codec             string
	DescriptionBase64 string
	AVCFormat         AVCFormat
	SampleRate        int
	Channels          int
}

// Chunk is one encoded media access unit as produced by an encoder,
// before it is split into metadata + payload for the wire.
type Chunk struct {
	Type      Type
	Timestamp int64
	Duration  *int64
	Data      []byte
}

// Serialize builds the wire payload for a chunk: a big-endian uint32
// metadata length, the UTF-8 JSON metadata, then the raw payload bytes.
// extra may be nil when no first-object codec metadata needs attaching.
func Serialize(c Chunk, extra *Extra) ([]byte, error) {
	meta := Metadata{
		Type:      c.Type,
		Timestamp: c.Timestamp,
		Duration:  c.Duration,
	}
	if extra != nil {
		meta.Codec = extra.Codec
		meta.DescriptionBase64 = extra.DescriptionBase64
		meta.AVCFormat = extra.AVCFormat
		meta.SampleRate = extra.SampleRate
		meta.Channels = extra.Channels
	}
	return SerializeMetadata(meta, c.Data)
}

// SerializeMetadata is the core wire-framing primitive: it prepends the
// big-endian uint32 JSON-metadata length to meta's JSON encoding, then
// appends data unchanged. Deserialize inverts this exactly.
func SerializeMetadata(meta Metadata, data []byte) ([]byte, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("chunk: marshal metadata: %w", err)
	}

	out := make([]byte, 4, 4+len(metaJSON)+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(metaJSON)))
	out = append(out, metaJSON...)
	out = append(out, data...)
	return out, nil
}

// Deserialize splits a wire payload back into its metadata and raw
// encoded bytes. Returns ErrMalformed if the payload is too short or
// the declared metadata length is inconsistent.
func Deserialize(payload []byte) (Metadata, []byte, error) {
	if len(payload) < 4 {
		return Metadata{}, nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrMalformed, len(payload))
	}

	metaLen := binary.BigEndian.Uint32(payload[:4])
	end := 4 + uint64(metaLen)
	if end > uint64(len(payload)) {
		return Metadata{}, nil, fmt.Errorf("%w: declared metadata length %d exceeds payload", ErrMalformed, metaLen)
	}

	var meta Metadata
	if metaLen > 0 {
		if err := json.Unmarshal(payload[4:end], &meta); err != nil {
			return Metadata{}, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	data := payload[end:]
	return meta, data, nil
}
