package chunk

import (
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/tunnelio/internal/protocol"
)

// Splitter produces the chunks of one outgoing transfer, one at a time, so
// that the file body is never held in memory as a whole.
//
// The sequence is deterministic: the same file and chunk size always yield
// the same chunks. Seq starts at 0; the first chunk carries the file name and
// total size; the last chunk (possibly shorter) is marked IsLast.
type Splitter struct {
	transferID string
	file       File
	chunkSize  int

	seq  uint32
	sent int64
	done bool
}

// NewSplitter validates its arguments and returns a Splitter positioned at seq 0.
func NewSplitter(transferID string, file File, chunkSize int) (*Splitter, error) {
	switch {
	case transferID == "":
		return nil, errors.New("empty transfer id")
	case chunkSize <= 0:
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	case file.Size < 0:
		return nil, fmt.Errorf("invalid file size %d", file.Size)
	case file.Name == "" || len(file.Name) > protocol.MaxFileNameLen:
		return nil, fmt.Errorf("invalid file name %q", file.Name)
	case file.Body == nil && file.Size > 0:
		return nil, errors.New("file has no body")
	}

	return &Splitter{transferID: transferID, file: file, chunkSize: chunkSize}, nil
}

// Next returns the next chunk, or io.EOF once the final chunk has been returned.
// A body that ends before the declared size yields io.ErrUnexpectedEOF.
func (s *Splitter) Next() (*protocol.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	n := int64(s.chunkSize)
	if remaining := s.file.Size - s.sent; remaining < n {
		n = remaining
	}

	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(s.file.Body, data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read chunk %d of %s: %w", s.seq, s.file.Name, err)
		}
	}

	c := &protocol.Chunk{
		TransferID: s.transferID,
		Seq:        s.seq,
		IsLast:     s.sent+n == s.file.Size,
		Data:       data,
	}
	if s.seq == 0 {
		c.FileName = s.file.Name
		c.TotalBytes = s.file.Size
	}

	s.seq++
	s.sent += n
	s.done = c.IsLast

	return c, nil
}

// Progress reports how much of the file has been handed out so far.
func (s *Splitter) Progress() Progress {
	return Progress{
		TransferID:       s.transferID,
		FileName:         s.file.Name,
		BytesTransferred: s.sent,
		TotalBytes:       s.file.Size,
		Direction:        DirectionSend,
		Done:             s.done,
	}
}

// Split returns every chunk of file at once.
func Split(transferID string, file File, chunkSize int) ([]*protocol.Chunk, error) {
	s, err := NewSplitter(transferID, file, chunkSize)
	if err != nil {
		return nil, err
	}

	chunks := make([]*protocol.Chunk, 0, TotalChunks(file.Size, chunkSize))
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}
