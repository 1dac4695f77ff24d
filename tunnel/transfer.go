package tunnel

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/1ureka/tunnelio/internal/chunk"
	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/util"
)

// SendFiles queues files for transfer and returns their transfer ids in the
// same order. Files are streamed one after another in the background; each
// chunk reports OnFileProgress and a failure reports OnTransferError. The
// transfers belong to the session and stop when it closes.
//
// Bodies implementing io.Closer are closed once their transfer ends, including
// when SendFiles itself fails.
func (e *Engine) SendFiles(files ...File) ([]string, error) {
	s, err := e.current()
	if err != nil {
		closeBodies(files)
		return nil, err
	}
	if !s.peer.Channel().IsOpen() {
		closeBodies(files)
		return nil, ErrChannelNotOpen
	}

	ids := make([]string, len(files))
	splitters := make([]*chunk.Splitter, len(files))
	for i, f := range files {
		ids[i] = uuid.NewString()
		sp, err := chunk.NewSplitter(ids[i], f, s.cfg.ChunkSize)
		if err != nil {
			closeBodies(files)
			return nil, fmt.Errorf("file %d (%s): %w", i, f.Name, err)
		}
		splitters[i] = sp
	}

	go func() {
		for i, sp := range splitters {
			s.sendFile(ids[i], files[i], sp)
		}
	}()

	return ids, nil
}

// sendFile streams one file. A transfer that fails after its first chunk went
// out is followed by an abort control so the receiver drops its partial copy.
// A transfer cut short by the session closing reports ErrTransferAborted and
// sends nothing further; the receiver discards its copy when the channel goes.
func (s *session) sendFile(id string, f File, sp *chunk.Splitter) {
	defer closeBody(f)

	util.Stats.OpenTransfer()
	defer util.Stats.CloseTransfer()

	ch := s.peer.Channel()
	started := false

	fail := func(err error) {
		if s.sends.Err() != nil || !ch.IsOpen() {
			err = fmt.Errorf("%w: %w", ErrTransferAborted, err)
		} else if started {
			abort := &protocol.Control{
				Kind:     protocol.ControlAbort,
				Metadata: map[string]string{"transferId": id},
			}
			ctx, cancel := context.WithTimeout(s.sends, byeTimeout)
			if err := ch.Send(ctx, abort); err != nil {
				util.LogDebug("failed to send abort for %s: %v", id, err)
			}
			cancel()
		}
		util.LogWarning("transfer %s (%s) failed: %v", id, f.Name, err)
		invoke2("OnTransferError", s.cbs.OnTransferError, id, err)
	}

	for {
		c, err := sp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(err)
			return
		}

		if err := ch.Send(s.sends, c); err != nil {
			fail(err)
			return
		}
		started = true
		invoke("OnFileProgress", s.cbs.OnFileProgress, sp.Progress())
	}

	util.LogDebug("transfer %s (%s, %s) sent", id, f.Name, util.FormatSize(f.Size))
}

// handleChunk routes one incoming chunk to its assembler. Chunks of a
// transfer that already failed are ignored.
func (s *session) handleChunk(c *protocol.Chunk) {
	if s.registry.Discarded(c.TransferID) {
		return
	}

	a, existed := s.registry.GetOrCreate(c.TransferID)
	if !existed {
		util.Stats.OpenTransfer()
	}

	done, err := a.Feed(c)
	if err != nil {
		s.registry.Discard(c.TransferID)
		util.Stats.CloseTransfer()
		util.LogWarning("incoming transfer %s dropped: %v", c.TransferID, err)
		invoke2("OnTransferError", s.cbs.OnTransferError, c.TransferID, err)
		return
	}

	invoke("OnFileProgress", s.cbs.OnFileProgress, a.Progress())

	if done != nil {
		s.registry.Remove(c.TransferID)
		util.Stats.CloseTransfer()
		invoke("OnFileReceived", s.cbs.OnFileReceived, *done)
	}
}

func closeBody(f File) {
	if c, ok := f.Body.(io.Closer); ok {
		_ = c.Close()
	}
}

func closeBodies(files []File) {
	for _, f := range files {
		closeBody(f)
	}
}
