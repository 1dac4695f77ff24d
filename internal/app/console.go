package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"

	"github.com/1ureka/tunnelio/internal/util"
	"github.com/1ureka/tunnelio/tunnel"
)

// console renders engine events for a terminal user: chat lines, one progress
// bar per transfer, received files written to outDir.
type console struct {
	outDir string
	out    io.Writer

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newConsole(outDir string, out io.Writer) *console {
	return &console{
		outDir: outDir,
		out:    out,
		bars:   make(map[string]*progressbar.ProgressBar),
	}
}

func (c *console) callbacks() tunnel.Callbacks {
	return tunnel.Callbacks{
		OnChannelOpen: func() {
			util.LogSuccess("data channel open, type a message or /help")
		},
		OnChannelClose: func() {
			util.LogWarning("data channel closed")
		},
		OnMessage:          c.handleMessage,
		OnRemoteTrack:      c.handleRemoteTrack,
		OnFileProgress:     c.handleProgress,
		OnFileReceived:     c.handleFileReceived,
		OnTransferError:    c.handleTransferError,
		OnMalformedMessage: func(err error) { util.LogWarning("peer sent a malformed frame: %v", err) },
		OnStateChange:      func(s tunnel.State) { util.LogDebug("session state: %s", s) },
	}
}

func (c *console) handleMessage(m tunnel.Message) {
	switch msg := m.(type) {
	case *tunnel.Text:
		pterm.Fprintln(c.out, pterm.Cyan("peer › ")+msg.Text)
	case *tunnel.Control:
		util.LogDebug("control from peer: %s %v", msg.Kind, msg.Metadata)
	}
}

// handleRemoteTrack logs the track and drains its packets; rendering is left
// to dedicated players.
func (c *console) handleRemoteTrack(t tunnel.RemoteTrack) {
	util.LogInfo("remote %s track %s (stream %s, %s)",
		t.Track.Kind(), t.Track.ID(), t.StreamID, t.Track.Codec().MimeType)

	go func() {
		var packets, bytes int
		buf := make([]byte, 1500)
		for {
			n, _, err := t.Track.Read(buf)
			if err != nil {
				util.LogDebug("remote track %s ended after %d packets (%s)",
					t.Track.ID(), packets, util.FormatSize(int64(bytes)))
				return
			}
			packets++
			bytes += n
		}
	}()
}

func (c *console) handleProgress(p tunnel.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bar, ok := c.bars[p.TransferID]
	if !ok {
		arrow := "↑"
		if p.Direction == tunnel.DirectionReceive {
			arrow = "↓"
		}
		bar = progressbar.NewOptions64(p.TotalBytes,
			progressbar.OptionSetWriter(c.out),
			progressbar.OptionSetDescription(fmt.Sprintf("%s %s", arrow, p.FileName)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		c.bars[p.TransferID] = bar
	}

	_ = bar.Set64(p.BytesTransferred)

	if p.Done {
		_ = bar.Finish()
		delete(c.bars, p.TransferID)
		if p.Direction == tunnel.DirectionSend {
			util.LogSuccess("sent %s (%s)", p.FileName, util.FormatSize(p.TotalBytes))
		}
	}
}

func (c *console) handleFileReceived(f tunnel.ReceivedFile) {
	path, err := saveFile(c.outDir, f.FileName, f.Data)
	if err != nil {
		util.LogError("failed to save %s: %v", f.FileName, err)
		return
	}
	util.LogSuccess("received %s (%s) → %s", f.FileName, util.FormatSize(f.TotalBytes), path)
}

func (c *console) handleTransferError(id string, err error) {
	c.mu.Lock()
	if bar, ok := c.bars[id]; ok {
		_ = bar.Exit()
		delete(c.bars, id)
	}
	c.mu.Unlock()

	util.LogError("transfer %s failed: %v", id, err)
}

// saveFile writes data under dir using the base of name, adding a numeric
// suffix instead of overwriting an existing file.
func saveFile(dir, name string, data []byte) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == ".." {
		return "", fmt.Errorf("unusable file name %q", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 0; ; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}
