package util

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/transfer counter.
var Stats = &stats{}

type stats struct {
	FramesSent      atomic.Int64 // cumulative frames written to the data channel
	FramesRecv      atomic.Int64 // cumulative frames read from the data channel
	BytesSent       atomic.Int64 // cumulative bytes written to the data channel
	BytesRecv       atomic.Int64 // cumulative bytes read from the data channel
	TransfersOpened atomic.Int64 // file transfers started, either direction
	TransfersClosed atomic.Int64 // file transfers finished or aborted, either direction
}

func (s *stats) AddSent(n int) { s.FramesSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.FramesRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) OpenTransfer()  { s.TransfersOpened.Add(1) }
func (s *stats) CloseTransfer() { s.TransfersClosed.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFramesSent, prevFramesRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.TransfersOpened.Load()
				closed := Stats.TransfersClosed.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				framesSent := Stats.FramesSent.Load()
				framesRecv := Stats.FramesRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				outF := framesSent - prevFramesSent
				inF := framesRecv - prevFramesRecv
				upT := opened - prevOpened
				downT := closed - prevClosed

				if upT > 0 || downT > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inF, outF, upT, downT))
				}

				prevSent = sent
				prevRecv = recv
				prevFramesSent = framesSent
				prevFramesRecv = framesRecv
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// FormatSize is FormatBytes without the fixed-width padding.
func FormatSize(n int64) string {
	return strings.Join(strings.Fields(FormatBytes(float64(n))), " ")
}

// formatStats returns a formatted string of the current stats for display in
// the logger. Frame counts cover the last reporting interval.
func formatStats(inS, outS float64, inF, outF, upT, downT int64) string {
	return fmt.Sprintf("In: %s/s %5d fr | Out: %s/s %5d fr | Transfers: %2d↑ %2d↓",
		FormatBytes(inS),
		inF,
		FormatBytes(outS),
		outF,
		upT,
		downT,
	)
}
