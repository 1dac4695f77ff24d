package media

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tunnelio/internal/transport"
)

// writeIVF writes a minimal IVF file with the given fourcc and frame count.
func writeIVF(t *testing.T, fourcc string, frames int) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:6], 0)
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], fourcc)
	binary.LittleEndian.PutUint16(header[12:14], 64)
	binary.LittleEndian.PutUint16(header[14:16], 48)
	binary.LittleEndian.PutUint32(header[16:20], 100) // timebase denominator
	binary.LittleEndian.PutUint32(header[20:24], 1)   // timebase numerator
	binary.LittleEndian.PutUint32(header[24:28], uint32(frames))

	data := header
	for i := 0; i < frames; i++ {
		payload := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, byte(i)}
		frameHeader := make([]byte, 12)
		binary.LittleEndian.PutUint32(frameHeader[0:4], uint32(len(payload)))
		binary.LittleEndian.PutUint64(frameHeader[4:12], uint64(i))
		data = append(data, frameHeader...)
		data = append(data, payload...)
	}

	path := filepath.Join(t.TempDir(), "clip.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// TestIVFCapture verifies that a VP8 IVF file yields one VP8 video track.
func TestIVFCapture(t *testing.T) {
	c := &IVFCapturer{Path: writeIVF(t, "VP80", 5), Loop: true}

	stream, err := c.Capture(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, stream.ID)
	require.Len(t, stream.Tracks, 1)
	require.Equal(t, webrtc.RTPCodecTypeVideo, stream.Tracks[0].Kind())
	require.Equal(t, stream.ID, stream.Tracks[0].StreamID())

	// Let the pump cross end of file at least once.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
}

// TestIVFCaptureErrors verifies that unusable inputs fail with ErrCapture.
func TestIVFCaptureErrors(t *testing.T) {
	testCases := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.ivf") }},
		{name: "wrong codec", path: func(t *testing.T) string { return writeIVF(t, "H264", 1) }},
		{
			name: "not an ivf file",
			path: func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "junk.ivf")
				require.NoError(t, os.WriteFile(p, []byte("definitely not a video file header"), 0o600))
				return p
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := (&IVFCapturer{Path: tc.path(t)}).Capture(context.Background())
			require.ErrorIs(t, err, ErrCapture)
		})
	}
}

// TestFrameDuration verifies the timebase conversion.
func TestFrameDuration(t *testing.T) {
	c := &IVFCapturer{Path: writeIVF(t, "VP80", 1)}
	_, _, header, err := openIVF(c.Path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, frameDurationOf(header))
}

// fakePeer records tracks without a real PeerConnection.
type fakePeer struct {
	state   transport.State
	added   []webrtc.TrackLocal
	removed int
	failOn  int
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if p.failOn > 0 && len(p.added)+1 == p.failOn {
		return nil, errors.New("add failed")
	}
	p.added = append(p.added, track)
	return nil, nil
}

func (p *fakePeer) RemoveTrack(*webrtc.RTPSender) error {
	p.removed++
	return nil
}

func (p *fakePeer) State() transport.State { return p.state }

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "stream")
	require.NoError(t, err)
	return track
}

// TestBridgeAttachBeforeConnect verifies that tracks are added while negotiating.
func TestBridgeAttachBeforeConnect(t *testing.T) {
	peer := &fakePeer{state: transport.StateIdle}
	b := NewBridge(peer)

	stream := NewLocalStream("stream", newTrack(t, "v1"), newTrack(t, "v2"))
	require.NoError(t, b.AttachLocal(stream))
	require.Len(t, peer.added, 2)
	require.Equal(t, 1, b.Streams())

	require.NoError(t, b.DetachAll())
	require.Equal(t, 2, peer.removed)
	require.Zero(t, b.Streams())
}

// TestBridgeAttachAfterConnect verifies the renegotiation limitation.
func TestBridgeAttachAfterConnect(t *testing.T) {
	peer := &fakePeer{state: transport.StateConnected}
	b := NewBridge(peer)

	err := b.AttachLocal(NewLocalStream("s", newTrack(t, "v")))
	require.ErrorIs(t, err, ErrRenegotiationRequired)
	require.Empty(t, peer.added)

	peer.state = transport.StateClosed
	err = b.AttachLocal(NewLocalStream("s", newTrack(t, "v")))
	require.ErrorIs(t, err, transport.ErrNegotiation)
}

// TestBridgeAttachRollback verifies that a partial attach is undone.
func TestBridgeAttachRollback(t *testing.T) {
	peer := &fakePeer{state: transport.StateIdle, failOn: 2}
	b := NewBridge(peer)

	err := b.AttachLocal(NewLocalStream("s", newTrack(t, "v1"), newTrack(t, "v2")))
	require.Error(t, err)
	require.Equal(t, 1, peer.removed)
	require.Zero(t, b.Streams())
}
