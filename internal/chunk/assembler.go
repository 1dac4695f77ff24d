package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/util"
)

var (
	// ErrGap matches any *GapError.
	ErrGap = errors.New("chunk sequence gap")

	// ErrCorrupt is returned when chunks disagree with the transfer's metadata.
	ErrCorrupt = errors.New("corrupt transfer")
)

// GapError reports a chunk that arrived out of the expected order.
type GapError struct {
	TransferID string
	Expected   uint32
	Got        uint32
}

func (e *GapError) Error() string {
	return fmt.Sprintf("transfer %s: expected chunk %d, got %d", e.TransferID, e.Expected, e.Got)
}

func (e *GapError) Is(target error) bool { return target == ErrGap }

// Completed is a fully reassembled file.
type Completed struct {
	TransferID string
	FileName   string
	TotalBytes int64
	Data       []byte
}

// Assembler accumulates the chunks of a single incoming transfer.
//
// Chunks must arrive strictly in order starting at seq 0. Future chunks are
// never buffered: the data channel is ordered and reliable, so a gap means a
// protocol error and the transfer is failed rather than reordered. It is not
// safe for concurrent use; the engine feeds it from the channel's message
// callback only.
type Assembler struct {
	transferID string
	nextSeq    uint32

	fileName string
	total    int64
	buf      bytes.Buffer

	done bool
}

// NewAssembler creates an assembler expecting seq 0 of the given transfer.
func NewAssembler(transferID string) *Assembler {
	return &Assembler{transferID: transferID}
}

// Feed appends one chunk. It returns the completed file when c is the final
// chunk, nil while the transfer is still in flight, or an error if the chunk
// breaks ordering or disagrees with the metadata from seq 0.
func (a *Assembler) Feed(c *protocol.Chunk) (*Completed, error) {
	if c.TransferID != a.transferID {
		return nil, fmt.Errorf("%w: chunk for %s fed to %s", ErrCorrupt, c.TransferID, a.transferID)
	}
	if a.done {
		return nil, fmt.Errorf("%w: transfer %s received chunk %d after its last chunk", ErrCorrupt, a.transferID, c.Seq)
	}
	if c.Seq != a.nextSeq {
		return nil, &GapError{TransferID: a.transferID, Expected: a.nextSeq, Got: c.Seq}
	}

	if c.Seq == 0 {
		a.fileName = c.FileName
		a.total = c.TotalBytes
		a.buf.Grow(int(min(a.total, 64<<20)))
	}

	if int64(a.buf.Len())+int64(len(c.Data)) > a.total {
		return nil, fmt.Errorf("%w: transfer %s exceeds declared size %d", ErrCorrupt, a.transferID, a.total)
	}

	a.buf.Write(c.Data)
	a.nextSeq++

	if !c.IsLast {
		return nil, nil
	}

	a.done = true
	if int64(a.buf.Len()) != a.total {
		return nil, fmt.Errorf("%w: transfer %s ended at %d of %d bytes", ErrCorrupt, a.transferID, a.buf.Len(), a.total)
	}

	util.LogDebug("[%s] reassembled %q (%d chunks, %d bytes)", a.transferID, a.fileName, a.nextSeq, a.total)

	return &Completed{
		TransferID: a.transferID,
		FileName:   a.fileName,
		TotalBytes: a.total,
		Data:       a.buf.Bytes(),
	}, nil
}

// Progress reports how much of the transfer has arrived so far.
func (a *Assembler) Progress() Progress {
	return Progress{
		TransferID:       a.transferID,
		FileName:         a.fileName,
		BytesTransferred: int64(a.buf.Len()),
		TotalBytes:       a.total,
		Direction:        DirectionReceive,
		Done:             a.done,
	}
}
