// Package protocol defines the message format exchanged over the tunnel data channel.
package protocol

// Type discriminates the variants of Message on the wire.
type Type string

// Message type constants.
const (
	TypeText    Type = "text"    // Chat text
	TypeControl Type = "control" // Out-of-band signal between engines
	TypeChunk   Type = "chunk"   // One fragment of a file transfer
)

// Well-known control kinds.
const (
	ControlBye   = "bye"   // Peer is terminating; close the session
	ControlAbort = "abort" // Sender gave up on a transfer; metadata["transferId"] names it
)

// MaxFileNameLen bounds the file name carried on the first chunk of a transfer.
const MaxFileNameLen = 255

// MaxOverhead is an upper bound on the encoded size of a chunk message minus
// its data bytes (envelope, transfer id, sequence number, flags, file name
// and total size). Chunk sizes must leave this much room under the frame limit.
const MaxOverhead = 512

// Message is one of *Text, *Control or *Chunk.
type Message interface {
	Type() Type
}

// Text is a chat line.
type Text struct {
	Text string
}

// Control carries a kind and optional string metadata.
type Control struct {
	Kind     string
	Metadata map[string]string
}

// Chunk is one fragment of a file. FileName and TotalBytes are only
// meaningful (and only transmitted) when Seq == 0.
type Chunk struct {
	TransferID string
	Seq        uint32
	IsLast     bool
	FileName   string
	TotalBytes int64
	Data       []byte
}

func (*Text) Type() Type    { return TypeText }
func (*Control) Type() Type { return TypeControl }
func (*Chunk) Type() Type   { return TypeChunk }
