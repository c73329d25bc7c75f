package chunk

import (
	"bytes"
	"reflect"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	dur := int64(33000)
	cases := []struct {
		name string
		meta Metadata
		data []byte
	}{
		{"key frame with codec", Metadata{Type: TypeKey, Timestamp: 1000, Codec: "avc1.640028", AVCFormat: AVCFormatAVC}, []byte{1, 2, 3}},
		{"delta with duration", Metadata{Type: TypeDelta, Timestamp: 2000, Duration: &dur}, []byte{0xAA}},
		{"empty payload", Metadata{Type: TypeDelta, Timestamp: 3000}, nil},
		{"audio with sample rate", Metadata{Type: TypeKey, Timestamp: 0, SampleRate: 48000, Channels: 2, Codec: "opus"}, bytes.Repeat([]byte{0xFF}, 200)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			wire, err := SerializeMetadata(tc.meta, tc.data)
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}
			gotMeta, gotData, err := Deserialize(wire)
			if err != nil {
				t.Fatalf("deserialize: %v", err)
			}
			if !reflect.DeepEqual(gotMeta, tc.meta) {
				t.Fatalf("metadata = %+v, want %+v", gotMeta, tc.meta)
			}
			if !bytes.Equal(gotData, tc.data) {
				t.Fatalf("data = %v, want %v", gotData, tc.data)
			}
		})
	}
}

func TestDeserializeMalformed(t *testing.T) {
	t.Parallel()
	cases := [][]byte{
		nil,
		{1, 2, 3},
		{0, 0, 0, 100, 1, 2}, // declared length 100, only 2 bytes follow
	}
	for _, payload := range cases {
		if _, _, err := Deserialize(payload); err == nil {
			t.Fatalf("expected error for payload %v", payload)
		}
	}
}

func TestSerializeAttachesExtraOnlyOnce(t *testing.T) {
	t.Parallel()
	wire, err := Serialize(Chunk{Type: TypeKey, Timestamp: 5, Data: []byte("x")}, &Extra{Codec: "avc1.640028"})
	if err != nil {
		t.Fatal(err)
	}
	meta, data, err := Deserialize(wire)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Codec != "avc1.640028" {
		t.Fatalf("codec = %q, want avc1.640028", meta.Codec)
	}
	if string(data) != "x" {
		t.Fatalf("data = %q, want x", data)
	}

	wireNoExtra, err := Serialize(Chunk{Type: TypeDelta, Timestamp: 6, Data: []byte("y")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	meta2, _, err := Deserialize(wireNoExtra)
	if err != nil {
		t.Fatal(err)
	}
	if meta2.Codec != "" {
		t.Fatalf("codec = %q, want empty", meta2.Codec)
	}
}
