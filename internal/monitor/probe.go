package monitor

import (
	"fmt"
	"strconv"
	"strings"
)

// probeCommand fetches every metric source in one round trip. Sections are
// delimited so one slow pipe cannot interleave outputs.
const probeCommand = `echo "===STAT===" && head -1 /proc/stat && echo "===MEMINFO===" && cat /proc/meminfo && echo "===DF===" && (df -B1 / | tail -1) && echo "===NETDEV===" && cat /proc/net/dev && echo "===HOSTNAME===" && hostname && echo "===NPROC===" && (nproc || echo 1) && echo "===MODEL===" && (grep -m1 "model name" /proc/cpuinfo || true) && echo "===END==="`

type cpuCounters struct {
	total uint64
	idle  uint64
}

type netCounters struct {
	rx uint64
	tx uint64
}

type memCounters struct {
	total     uint64 // bytes
	available uint64
	swapTotal uint64
	swapFree  uint64
}

type diskCounters struct {
	total uint64 // bytes
	used  uint64
	free  uint64
}

// parseSections splits marker-delimited probe output into named sections.
func parseSections(output string) map[string]string {
	sections := make(map[string]string)
	var key string
	var lines []string

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "===") && strings.HasSuffix(trimmed, "===") {
			if key != "" {
				sections[key] = strings.Join(lines, "\n")
			}
			key = strings.Trim(trimmed, "= ")
			lines = nil
			continue
		}
		if key != "" && trimmed != "" {
			lines = append(lines, line)
		}
	}
	if key != "" && key != "END" {
		sections[key] = strings.Join(lines, "\n")
	}
	return sections
}

// parseCPUStat reads the aggregate line of /proc/stat. Idle time includes
// iowait.
func parseCPUStat(section string) (cpuCounters, error) {
	fields := strings.Fields(section)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuCounters{}, fmt.Errorf("unexpected /proc/stat line %q", section)
	}
	var c cpuCounters
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuCounters{}, fmt.Errorf("parse /proc/stat field %d: %w", i+1, err)
		}
		c.total += v
		// fields[1:]: user nice system idle iowait irq softirq steal ...
		if i == 3 || i == 4 {
			c.idle += v
		}
	}
	return c, nil
}

// cpuUsagePercent computes utilization from two /proc/stat snapshots.
func cpuUsagePercent(prev, cur cpuCounters) float64 {
	if cur.total <= prev.total {
		return 0
	}
	total := float64(cur.total - prev.total)
	idle := float64(cur.idle - prev.idle)
	if idle < 0 || idle > total {
		return 0
	}
	return clampPct(100 * (total - idle) / total)
}

// parseMeminfo extracts memory and swap sizes in bytes from /proc/meminfo.
// MemAvailable falls back to MemFree on old kernels.
func parseMeminfo(section string) memCounters {
	var m memCounters
	var memFree uint64
	for _, line := range strings.Split(section, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		v *= 1024 // meminfo reports kB
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			m.total = v
		case "MemAvailable":
			m.available = v
		case "MemFree":
			memFree = v
		case "SwapTotal":
			m.swapTotal = v
		case "SwapFree":
			m.swapFree = v
		}
	}
	if m.available == 0 {
		m.available = memFree
	}
	return m
}

// parseDF reads one `df -B1 /` data line: filesystem, total, used,
// available, use%, mount.
func parseDF(section string) (diskCounters, error) {
	fields := strings.Fields(strings.TrimSpace(section))
	if len(fields) < 4 {
		return diskCounters{}, fmt.Errorf("unexpected df line %q", section)
	}
	total, err1 := strconv.ParseUint(fields[1], 10, 64)
	used, err2 := strconv.ParseUint(fields[2], 10, 64)
	free, err3 := strconv.ParseUint(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return diskCounters{}, fmt.Errorf("parse df fields %q", section)
	}
	return diskCounters{total: total, used: used, free: free}, nil
}

// parseNetDev totals rx/tx byte counters across interfaces, skipping
// loopback.
func parseNetDev(section string) netCounters {
	var n netCounters
	for _, line := range strings.Split(section, "\n") {
		i := strings.Index(line, ":")
		if i < 0 {
			continue // header lines
		}
		iface := strings.TrimSpace(line[:i])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[i+1:])
		if len(fields) < 9 {
			continue
		}
		if rx, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			n.rx += rx
		}
		if tx, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			n.tx += tx
		}
	}
	return n
}

func parseNproc(section string) int {
	v, err := strconv.Atoi(strings.TrimSpace(section))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// parseCPUModel extracts the model string from a "model name : ..." line.
func parseCPUModel(section string) string {
	_, after, found := strings.Cut(section, ":")
	if !found {
		return ""
	}
	return strings.TrimSpace(after)
}

// rate converts a counter delta into a per-second value.
func rate(prev, cur uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsedSeconds
}
