package protocol

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse
// operations for every message variant.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{name: "text", msg: &Text{Text: "hi"}},
		{name: "empty text", msg: &Text{Text: ""}},
		{name: "control without metadata", msg: &Control{Kind: ControlBye}},
		{name: "control with metadata", msg: &Control{Kind: "typing", Metadata: map[string]string{"state": "on"}}},
		{
			name: "first chunk of empty file",
			msg:  &Chunk{TransferID: "t-1", Seq: 0, IsLast: true, FileName: "empty.bin", TotalBytes: 0},
		},
		{
			name: "first chunk",
			msg:  &Chunk{TransferID: "t-2", Seq: 0, FileName: "a.txt", TotalBytes: 20, Data: []byte("0123456789")},
		},
		{
			name: "last chunk",
			msg:  &Chunk{TransferID: "t-2", Seq: 1, IsLast: true, Data: []byte("abcdefghij")},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, tc.msg.Type(), decoded.Type())

			if c, ok := tc.msg.(*Chunk); ok {
				got := decoded.(*Chunk)
				require.Equal(t, c.TransferID, got.TransferID)
				require.Equal(t, c.Seq, got.Seq)
				require.Equal(t, c.IsLast, got.IsLast)
				require.Equal(t, c.FileName, got.FileName)
				require.Equal(t, c.TotalBytes, got.TotalBytes)
				require.Equal(t, len(c.Data), len(got.Data))
				return
			}
			require.Equal(t, tc.msg, decoded)
		})
	}
}

// TestEncodeDeterministic verifies that the same message always yields the same bytes.
func TestEncodeDeterministic(t *testing.T) {
	msg := &Control{Kind: "meta", Metadata: map[string]string{"z": "1", "a": "2", "m": "3"}}

	first, err := Encode(msg)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Encode(msg)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

// TestChunkMetadataOnlyOnFirst verifies that metadata is emitted for seq 0 and
// dropped for later chunks.
func TestChunkMetadataOnlyOnFirst(t *testing.T) {
	data, err := Encode(&Chunk{TransferID: "t", Seq: 3, FileName: "ignored", TotalBytes: 99, Data: []byte{1}})
	require.NoError(t, err)

	var env struct {
		Payload map[string]any `cbor:"payload"`
	}
	require.NoError(t, cbor.Unmarshal(data, &env))
	require.NotContains(t, env.Payload, "fileName")
	require.NotContains(t, env.Payload, "totalBytes")

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, decoded.(*Chunk).FileName)
	require.Zero(t, decoded.(*Chunk).TotalBytes)
}

// TestChunkOverheadBound verifies that a worst-case chunk header fits MaxOverhead.
func TestChunkOverheadBound(t *testing.T) {
	name := make([]byte, MaxFileNameLen)
	for i := range name {
		name[i] = 'x'
	}
	payload := make([]byte, 16*1024)

	data, err := Encode(&Chunk{
		TransferID: "3f2b8c1e-0d4a-4e7b-9c55-6a1f0e2d3b4c",
		Seq:        0,
		FileName:   string(name),
		TotalBytes: 1 << 40,
		Data:       payload,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, len(data)-len(payload), MaxOverhead)
}

// TestEncodeRejectsInvalid verifies that messages breaking wire rules are not encoded.
func TestEncodeRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{name: "control without kind", msg: &Control{}},
		{name: "chunk without transfer id", msg: &Chunk{Seq: 1}},
		{name: "first chunk without file name", msg: &Chunk{TransferID: "t", Seq: 0}},
		{name: "negative total size", msg: &Chunk{TransferID: "t", Seq: 0, FileName: "a", TotalBytes: -1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.msg)
			require.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

// TestDecodeMalformed verifies that undecodable frames fail with ErrMalformedMessage.
func TestDecodeMalformed(t *testing.T) {
	mustMarshal := func(v any) []byte {
		b, err := cbor.Marshal(v)
		require.NoError(t, err)
		return b
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "garbage", data: []byte{0xff, 0x00, 0x13}},
		{name: "plain text", data: []byte("hello")},
		{name: "missing payload", data: mustMarshal(map[string]any{"type": "text"})},
		{
			name: "unknown type",
			data: mustMarshal(map[string]any{"type": "video", "payload": map[string]any{}}),
		},
		{
			name: "first chunk without metadata",
			data: mustMarshal(map[string]any{
				"type":    "chunk",
				"payload": map[string]any{"transferId": "t", "seq": 0, "isLast": true, "data": []byte{}},
			}),
		},
		{
			name: "later chunk with metadata",
			data: mustMarshal(map[string]any{
				"type": "chunk",
				"payload": map[string]any{
					"transferId": "t", "seq": 2, "isLast": false,
					"fileName": "a", "totalBytes": 1, "data": []byte{1},
				},
			}),
		},
		{
			name: "payload of wrong shape",
			data: mustMarshal(map[string]any{"type": "text", "payload": 42}),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode(tc.data)
			require.ErrorIs(t, err, ErrMalformedMessage)
			require.Nil(t, msg)
		})
	}
}
