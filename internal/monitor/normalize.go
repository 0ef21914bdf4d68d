// Package monitor implements the telemetry fan-out plane: sample
// normalization, the per-host frame cache, subscriber bookkeeping with
// status hysteresis, and the SSH probe collector.
package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxBytes caps byte counters at the largest integer a JSON double can
// represent exactly.
const maxBytes = float64(1 << 53)

// CPU is the processor section of a telemetry frame.
type CPU struct {
	Usage float64 `json:"usage"`
	Cores int     `json:"cores,omitempty"`
	Model string  `json:"model,omitempty"`
}

// Capacity describes a sized resource (memory, swap, disk).
type Capacity struct {
	Total          float64 `json:"total"`
	Used           float64 `json:"used"`
	Free           float64 `json:"free"`
	UsedPercentage float64 `json:"usedPercentage"`
}

// Network carries aggregate link speeds in bytes per second.
type Network struct {
	TotalRxSpeed float64 `json:"total_rx_speed"`
	TotalTxSpeed float64 `json:"total_tx_speed"`
}

// OSInfo is the host identity section.
type OSInfo struct {
	Hostname string `json:"hostname,omitempty"`
}

// Frame is the canonical telemetry record per host. Exactly one frame per
// HostId lives in the cache; newer frames replace older ones.
type Frame struct {
	HostID      string   `json:"hostId"`
	CPU         CPU      `json:"cpu"`
	Memory      Capacity `json:"memory"`
	Swap        Capacity `json:"swap"`
	Disk        Capacity `json:"disk"`
	Network     Network  `json:"network"`
	OS          OSInfo   `json:"os"`
	Timestamp   int64    `json:"timestamp"`   // milliseconds
	Source      string   `json:"source,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	LastUpdated int64    `json:"lastUpdated"` // milliseconds
	Cached      bool     `json:"cached,omitempty"`
}

// rawSample tolerates the looser shapes agents and probes report.
type rawSample struct {
	HostID       string    `json:"hostId"`
	UniqueHostID string    `json:"uniqueHostId"`
	Hostname     string    `json:"hostname"`
	CPU          *CPU      `json:"cpu"`
	Memory       *Capacity `json:"memory"`
	Swap         *Capacity `json:"swap"`
	Disk         *Capacity `json:"disk"`
	Network      *Network  `json:"network"`
	OS           *OSInfo   `json:"os"`
	Timestamp    int64     `json:"timestamp"`
}

// Normalize coerces a raw sample into a canonical frame: every percentage
// clamped to [0,100], byte counters clamped to [0, 2^53-1], usedPercentage
// recomputed from total/used, and a missing timestamp filled with receive
// time.
func Normalize(raw []byte, source, sessionID string) (Frame, error) {
	var s rawSample
	if err := json.Unmarshal(raw, &s); err != nil {
		return Frame{}, fmt.Errorf("decode sample: %w", err)
	}

	hostID := s.HostID
	if hostID == "" {
		hostID = s.UniqueHostID
	}
	if hostID == "" {
		hostID = s.Hostname
	}
	if hostID == "" && s.OS != nil {
		hostID = s.OS.Hostname
	}
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return Frame{}, fmt.Errorf("sample carries no host identifier")
	}

	now := nowMillis()
	f := Frame{
		HostID:      hostID,
		Timestamp:   s.Timestamp,
		Source:      source,
		SessionID:   sessionID,
		LastUpdated: now,
	}
	if f.Timestamp <= 0 {
		f.Timestamp = now
	}

	if s.CPU != nil {
		f.CPU = *s.CPU
		f.CPU.Usage = clampPct(f.CPU.Usage)
		if f.CPU.Cores < 0 {
			f.CPU.Cores = 0
		}
	}
	f.Memory = normalizeCapacity(s.Memory)
	f.Swap = normalizeCapacity(s.Swap)
	f.Disk = normalizeCapacity(s.Disk)
	if s.Network != nil {
		f.Network = Network{
			TotalRxSpeed: clampBytes(s.Network.TotalRxSpeed),
			TotalTxSpeed: clampBytes(s.Network.TotalTxSpeed),
		}
	}
	if s.OS != nil {
		f.OS = *s.OS
	}
	if f.OS.Hostname == "" && s.Hostname != "" {
		f.OS.Hostname = s.Hostname
	}
	return f, nil
}

func normalizeCapacity(c *Capacity) Capacity {
	if c == nil {
		return Capacity{}
	}
	out := Capacity{
		Total: clampBytes(c.Total),
		Used:  clampBytes(c.Used),
		Free:  clampBytes(c.Free),
	}
	if out.Total > 0 {
		out.UsedPercentage = clampPct(100 * out.Used / out.Total)
	}
	return out
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clampBytes(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > maxBytes {
		return maxBytes
	}
	return v
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// SplitHostID breaks a combined hostname@ip identifier into its parts.
func SplitHostID(hostID string) (hostname, ip string, ok bool) {
	i := strings.LastIndex(hostID, "@")
	if i <= 0 || i == len(hostID)-1 {
		return "", "", false
	}
	return hostID[:i], hostID[i+1:], true
}
