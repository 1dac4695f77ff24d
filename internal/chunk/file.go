// Package chunk splits files into sequentially numbered chunks sized for the
// data channel and reassembles them on the receiving side.
package chunk

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultChunkSize keeps a chunk plus its envelope well below the common
// 64 KiB SCTP message ceiling.
const DefaultChunkSize = 16 * 1024

// File is the sender-side view of a file: a name, a declared size and a body
// that yields exactly Size bytes.
type File struct {
	Name string
	Size int64
	Body io.Reader
}

// BytesFile wraps an in-memory payload as a File.
func BytesFile(name string, data []byte) File {
	return File{Name: name, Size: int64(len(data)), Body: bytes.NewReader(data)}
}

// OpenFile opens a file on disk. The returned Body is an *os.File which the
// caller (or the engine, once the transfer ends) must close.
func OpenFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, err
	}
	if info.IsDir() {
		f.Close()
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	return File{Name: filepath.Base(path), Size: info.Size(), Body: f}, nil
}

// Direction tells which side of a transfer a Progress snapshot describes.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Progress is a snapshot of one transfer after a chunk was sent or received.
type Progress struct {
	TransferID       string
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
	Direction        Direction
	Done             bool
}

// TotalChunks returns how many chunks a file of the given size splits into.
// An empty file still takes one (empty, final) chunk.
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}
