package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedMessage is returned when a frame cannot be decoded into a valid
// Message, or when a Message violates the wire rules on encode.
var ErrMalformedMessage = errors.New("malformed message")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the same message always yields the same bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 1024,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// ---------------------------------------------------------------------------
// Wire shapes
// ---------------------------------------------------------------------------

type envelope struct {
	Type    Type            `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload"`
}

type wireText struct {
	Text string `cbor:"text"`
}

type wireControl struct {
	Kind     string            `cbor:"kind"`
	Metadata map[string]string `cbor:"metadata,omitempty"`
}

type wireChunk struct {
	TransferID string  `cbor:"transferId"`
	Seq        uint32  `cbor:"seq"`
	IsLast     bool    `cbor:"isLast"`
	FileName   *string `cbor:"fileName,omitempty"`
	TotalBytes *int64  `cbor:"totalBytes,omitempty"`
	Data       []byte  `cbor:"data"`
}

// ---------------------------------------------------------------------------
// Encode / Decode
// ---------------------------------------------------------------------------

// Encode serializes a Message into a single data channel frame.
func Encode(msg Message) ([]byte, error) {
	var payload any

	switch m := msg.(type) {
	case *Text:
		payload = wireText{Text: m.Text}

	case *Control:
		if m.Kind == "" {
			return nil, fmt.Errorf("%w: control message without kind", ErrMalformedMessage)
		}
		payload = wireControl{Kind: m.Kind, Metadata: m.Metadata}

	case *Chunk:
		w := wireChunk{
			TransferID: m.TransferID,
			Seq:        m.Seq,
			IsLast:     m.IsLast,
			Data:       m.Data,
		}
		if m.Seq == 0 {
			name, total := m.FileName, m.TotalBytes
			w.FileName, w.TotalBytes = &name, &total
		}
		if err := validateChunk(&w); err != nil {
			return nil, err
		}
		payload = w

	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformedMessage, msg)
	}

	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Type(), err)
	}

	return encMode.Marshal(envelope{Type: msg.Type(), Payload: raw})
}

// Decode deserializes a data channel frame into a Message. Every failure
// wraps ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}

	switch env.Type {
	case TypeText:
		var w wireText
		if err := decMode.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("%w: text: %v", ErrMalformedMessage, err)
		}
		return &Text{Text: w.Text}, nil

	case TypeControl:
		var w wireControl
		if err := decMode.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("%w: control: %v", ErrMalformedMessage, err)
		}
		if w.Kind == "" {
			return nil, fmt.Errorf("%w: control message without kind", ErrMalformedMessage)
		}
		return &Control{Kind: w.Kind, Metadata: w.Metadata}, nil

	case TypeChunk:
		var w wireChunk
		if err := decMode.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("%w: chunk: %v", ErrMalformedMessage, err)
		}
		if err := validateChunk(&w); err != nil {
			return nil, err
		}
		c := &Chunk{
			TransferID: w.TransferID,
			Seq:        w.Seq,
			IsLast:     w.IsLast,
			Data:       w.Data,
		}
		if w.Seq == 0 {
			c.FileName, c.TotalBytes = *w.FileName, *w.TotalBytes
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

// validateChunk enforces that file metadata travels on seq 0 and only there.
func validateChunk(w *wireChunk) error {
	if w.TransferID == "" {
		return fmt.Errorf("%w: chunk without transfer id", ErrMalformedMessage)
	}

	if w.Seq == 0 {
		if w.FileName == nil || w.TotalBytes == nil {
			return fmt.Errorf("%w: first chunk of %s lacks file metadata", ErrMalformedMessage, w.TransferID)
		}
		if *w.FileName == "" || len(*w.FileName) > MaxFileNameLen {
			return fmt.Errorf("%w: invalid file name length %d", ErrMalformedMessage, len(*w.FileName))
		}
		if *w.TotalBytes < 0 {
			return fmt.Errorf("%w: negative total size %d", ErrMalformedMessage, *w.TotalBytes)
		}
		return nil
	}

	if w.FileName != nil || w.TotalBytes != nil {
		return fmt.Errorf("%w: chunk %d of %s carries file metadata", ErrMalformedMessage, w.Seq, w.TransferID)
	}
	return nil
}
