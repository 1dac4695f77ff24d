package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/tunnelio/internal/util"
)

// IVFCapturer plays a VP8 IVF file as a live video track. Frames are written
// at the file's timebase; at end of file playback restarts when Loop is set.
type IVFCapturer struct {
	Path string
	Loop bool
}

// Capture opens the file, validates its header and starts the sample pump.
func (c *IVFCapturer) Capture(ctx context.Context) (*LocalStream, error) {
	reader, closer, header, err := openIVF(c.Path)
	if err != nil {
		return nil, err
	}

	if header.FourCC != "VP80" {
		closer.Close()
		return nil, fmt.Errorf("%w: %s: unsupported codec %q (want VP80)", ErrCapture, c.Path, header.FourCC)
	}

	streamID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}

	frameDuration := frameDurationOf(header)

	pumpCtx, cancel := context.WithCancel(context.Background())
	stream := &LocalStream{ID: streamID, Tracks: []webrtc.TrackLocal{track}, cancel: cancel}

	stream.wg.Add(1)
	go func() {
		defer stream.wg.Done()
		c.pump(pumpCtx, track, reader, closer, frameDuration)
	}()

	util.LogDebug("capturing %s (%dx%d, %s/frame) as stream %s",
		c.Path, header.Width, header.Height, frameDuration, streamID)

	return stream, nil
}

// pump writes one frame per tick until ctx is cancelled or the file ends.
func (c *IVFCapturer) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample,
	reader *ivfreader.IVFReader, closer io.Closer, frameDuration time.Duration) {
	defer func() {
		if closer != nil {
			closer.Close()
		}
	}()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && c.Loop {
			closer.Close()
			if reader, closer, _, err = openIVF(c.Path); err != nil {
				util.LogWarning("failed to restart %s: %v", c.Path, err)
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogWarning("failed to read frame from %s: %v", c.Path, err)
			}
			return
		}

		if err := track.WriteSample(pmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			util.LogWarning("failed to write sample: %v", err)
			return
		}
	}
}

func openIVF(path string) (*ivfreader.IVFReader, io.Closer, *ivfreader.IVFFileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrCapture, err)
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, nil, nil, fmt.Errorf("%w: %s: %v", ErrCapture, path, err)
	}

	return reader, f, header, nil
}

// frameDurationOf converts the IVF timebase to a per-frame duration,
// defaulting to 30 fps for a zero timebase.
func frameDurationOf(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return time.Second / 30
	}
	return time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
}
