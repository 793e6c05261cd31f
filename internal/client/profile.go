package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/chronologos/goadb/internal/transport"
	"github.com/chronologos/goadb/internal/version"
)

// statsConn is implemented by QUIC transport connections.
type statsConn interface {
	ConnectionStats() quic.ConnectionStats
}

// logProfileSummary emits a final summary to stderr and writes JSON to the
// temp dir. TCP connections carry no statistics.
func (c *Client) logProfileSummary(conn transport.Conn) {
	sc, ok := conn.(statsConn)
	if !ok {
		fmt.Fprintf(c.stderr, "[profile] no transport statistics for %s\n", c.cfg.Mode)
		return
	}
	stats := sc.ConnectionStats()
	duration := time.Since(c.profileStart)
	fmt.Fprintf(c.stderr, "[profile] === Connection Profile ===\n")
	fmt.Fprintf(c.stderr, "[profile] Duration: %s\n", duration.Round(time.Second))
	fmt.Fprintf(c.stderr, "[profile] RTT: min=%s smooth=%s latest=%s jitter=%s\n",
		formatDuration(stats.MinRTT),
		formatDuration(stats.SmoothedRTT),
		formatDuration(stats.LatestRTT),
		formatDuration(stats.MeanDeviation),
	)
	fmt.Fprintf(c.stderr, "[profile] Traffic: sent=%s/%dpkts recv=%s/%dpkts lost=%dpkts\n",
		formatBytes(stats.BytesSent),
		stats.PacketsSent,
		formatBytes(stats.BytesReceived),
		stats.PacketsReceived,
		stats.PacketsLost,
	)

	c.writeProfileJSON(stats, duration)
}

type profileJSON struct {
	Timestamp string         `json:"timestamp"`
	Commit    string         `json:"commit"`
	Device    string         `json:"device"`
	DurationS float64        `json:"duration_s"`
	RTT       profileRTT     `json:"rtt"`
	Traffic   profileTraffic `json:"traffic"`
}

type profileRTT struct {
	MinMs    float64 `json:"min_ms"`
	SmoothMs float64 `json:"smooth_ms"`
	LatestMs float64 `json:"latest_ms"`
	JitterMs float64 `json:"jitter_ms"`
}

type profileTraffic struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
	PktsSent  uint64 `json:"pkts_sent"`
	PktsRecv  uint64 `json:"pkts_recv"`
	PktsLost  uint64 `json:"pkts_lost"`
}

// writeProfileJSON dumps a JSON profile to $TMPDIR/goadb-profile-<timestamp>.json.
func (c *Client) writeProfileJSON(stats quic.ConnectionStats, duration time.Duration) {
	now := time.Now()
	p := profileJSON{
		Timestamp: now.UTC().Format(time.RFC3339),
		Commit:    version.Commit,
		Device:    c.cfg.Addr,
		DurationS: duration.Seconds(),
		RTT: profileRTT{
			MinMs:    msFloat(stats.MinRTT),
			SmoothMs: msFloat(stats.SmoothedRTT),
			LatestMs: msFloat(stats.LatestRTT),
			JitterMs: msFloat(stats.MeanDeviation),
		},
		Traffic: profileTraffic{
			BytesSent: stats.BytesSent,
			BytesRecv: stats.BytesReceived,
			PktsSent:  stats.PacketsSent,
			PktsRecv:  stats.PacketsReceived,
			PktsLost:  stats.PacketsLost,
		},
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		c.log.Error("profile: json marshal", "err", err)
		return
	}

	filename := filepath.Join(os.TempDir(), fmt.Sprintf("goadb-profile-%s.json", now.Format("20060102-150405")))
	if err := os.WriteFile(filename, data, 0644); err != nil {
		c.log.Error("profile: write failed", "file", filename, "err", err)
		return
	}

	fmt.Fprintf(c.stderr, "[profile] wrote %s\n", filename)
}

// msFloat converts a Duration to milliseconds as float64.
func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatDuration formats a duration as milliseconds with one decimal.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", msFloat(d))
}
