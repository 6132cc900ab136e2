package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/datagram counter.
var Stats = &stats{}

type stats struct {
	TotalSessions  atomic.Int64 // cumulative control connections accepted
	ClosedSessions atomic.Int64 // cumulative control connections closed
	SegmentsSent   atomic.Int64 // data segments written, retransmissions included
	Retransmits    atomic.Int64 // data segments written more than once
	AcksSent       atomic.Int64
	AcksRecv       atomic.Int64 // matching acks observed by senders
	Discarded      atomic.Int64 // malformed, corrupted or foreign datagrams dropped
	BytesSent      atomic.Int64 // payload bytes acknowledged by the peer
	BytesRecv      atomic.Int64 // payload bytes delivered to a sink
}

func (s *stats) AddSession()    { s.TotalSessions.Add(1) }
func (s *stats) RemoveSession() { s.ClosedSessions.Add(1) }
func (s *stats) AddSegment()    { s.SegmentsSent.Add(1) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddAckSent()    { s.AcksSent.Add(1) }
func (s *stats) AddAckRecv()    { s.AcksRecv.Add(1) }
func (s *stats) AddDiscard()    { s.Discarded.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transfer statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevTotal, prevClosed, prevRetx int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalSessions.Load()
				closed := Stats.ClosedSessions.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				retx := Stats.Retransmits.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 || retx > prevRetx {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, retx-prevRetx))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed
				prevRetx = retx

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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC, retx int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Sessions: %2d↑ %2d↓ | Retx: %d",
		FormatBytes(inS),
		FormatBytes(outS),
		inC,
		outC,
		retx,
	)
}
