package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/shan-hee/easyssh/internal/registry"
)

const (
	probeTimeout = 8 * time.Second

	// MinInterval and MaxInterval bound the probe cadence.
	MinInterval     = 500 * time.Millisecond
	MaxInterval     = 10 * time.Second
	DefaultInterval = time.Second

	highCPUThreshold = 80.0

	// maxProbeFailures ends the collector after this many consecutive
	// errors even when none of them names the connection.
	maxProbeFailures = 5
)

// connectionErrPattern identifies errors that mean the SSH transport is
// gone, not that one probe misfired.
var connectionErrPattern = regexp.MustCompile(`SSH连接|Not connected|Unable to exec|Connection closed|ECONNRESET|ENOTFOUND|ETIMEDOUT`)

// Collector runs periodic probes over a live SSH session and feeds the
// samples into the hub. It holds a non-owning handle to the session's
// client; the session decides when the collector dies.
type Collector struct {
	hub    *Hub
	reg    *registry.Registry
	client *ssh.Client

	connID    uint64
	sessionID string
	host      string

	base time.Duration

	mu       sync.Mutex
	hostID   string
	slowdown int

	prevCPU  cpuCounters
	prevNet  netCounters
	prevAt   time.Time
	havePrev bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector builds a collector for the session's host. interval is
// clamped to [MinInterval, MaxInterval].
func NewCollector(hub *Hub, reg *registry.Registry, client *ssh.Client, connID uint64, sessionID, host string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return &Collector{
		hub:       hub,
		reg:       reg,
		client:    client,
		connID:    connID,
		sessionID: sessionID,
		host:      host,
		base:      interval,
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop.
func (c *Collector) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	go c.run(ctx)
}

// Stop ends the probe loop and waits for it to finish.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// HostID returns the combined hostname@ip identifier once known.
func (c *Collector) HostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostID
}

func (c *Collector) run(ctx context.Context) {
	defer func() {
		if id := c.HostID(); id != "" {
			c.hub.CollectorLost(id)
		}
		close(c.done)
	}()

	timer := time.NewTimer(0) // first probe immediately
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		out, err := c.probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if connectionErrPattern.MatchString(err.Error()) {
				log.Printf("[monitor] collector for %s stopping, connection error: %v", c.host, err)
				return
			}
			if failures >= maxProbeFailures {
				log.Printf("[monitor] collector for %s stopping after %d consecutive failures: %v", c.host, failures, err)
				return
			}
			log.Printf("[monitor] probe failed for %s (%d/%d): %v", c.host, failures, maxProbeFailures, err)
			timer.Reset(c.interval())
			continue
		}
		failures = 0

		sample, cpu := c.buildSample(out)
		c.adapt(cpu)

		raw, err := json.Marshal(sample)
		if err == nil {
			if _, err := c.hub.Ingest(raw, "ssh", c.sessionID); err != nil {
				log.Printf("[monitor] ingest failed for %s: %v", c.host, err)
			}
		}
		timer.Reset(c.interval())
	}
}

// probe runs the combined command with a hard timeout.
func (c *Collector) probe(ctx context.Context) (string, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("Unable to exec probe: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.Output(probeCommand)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		return "", ctx.Err()
	case <-time.After(probeTimeout):
		sess.Close()
		return "", fmt.Errorf("probe timed out after %s", probeTimeout)
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("probe: %w", r.err)
		}
		return string(r.out), nil
	}
}

// buildSample parses probe output into a raw sample for ingestion and
// returns the computed CPU usage for interval adaptation.
func (c *Collector) buildSample(out string) (map[string]interface{}, float64) {
	sections := parseSections(out)
	now := time.Now()

	hostname := ""
	if h, ok := sections["HOSTNAME"]; ok {
		hostname = firstLine(h)
	}
	c.resolveHostID(hostname)

	var cpuUsage float64
	cur, err := parseCPUStat(sections["STAT"])
	if err == nil {
		if c.havePrev {
			cpuUsage = cpuUsagePercent(c.prevCPU, cur)
		}
		c.prevCPU = cur
	}

	mem := parseMeminfo(sections["MEMINFO"])
	memUsed := uint64(0)
	if mem.total > mem.available {
		memUsed = mem.total - mem.available
	}
	swapUsed := uint64(0)
	if mem.swapTotal > mem.swapFree {
		swapUsed = mem.swapTotal - mem.swapFree
	}

	disk, _ := parseDF(sections["DF"])

	var rx, tx float64
	curNet := parseNetDev(sections["NETDEV"])
	if c.havePrev {
		elapsed := now.Sub(c.prevAt).Seconds()
		rx = rate(c.prevNet.rx, curNet.rx, elapsed)
		tx = rate(c.prevNet.tx, curNet.tx, elapsed)
	}
	c.prevNet = curNet
	c.prevAt = now
	c.havePrev = true

	sample := map[string]interface{}{
		"hostId":   c.HostID(),
		"hostname": hostname,
		"cpu": map[string]interface{}{
			"usage": cpuUsage,
			"cores": parseNproc(sections["NPROC"]),
			"model": parseCPUModel(sections["MODEL"]),
		},
		"memory": map[string]interface{}{
			"total": mem.total,
			"used":  memUsed,
			"free":  mem.available,
		},
		"swap": map[string]interface{}{
			"total": mem.swapTotal,
			"used":  swapUsed,
			"free":  mem.swapFree,
		},
		"disk": map[string]interface{}{
			"total": disk.total,
			"used":  disk.used,
			"free":  disk.free,
		},
		"network": map[string]interface{}{
			"total_rx_speed": rx,
			"total_tx_speed": tx,
		},
		"os":        map[string]interface{}{"hostname": hostname},
		"timestamp": now.UnixMilli(),
	}
	return sample, cpuUsage
}

// resolveHostID fixes the combined hostname@ip identifier on the first
// probe and registers the new descriptors with the session registry.
func (c *Collector) resolveHostID(hostname string) {
	c.mu.Lock()
	if c.hostID != "" {
		c.mu.Unlock()
		return
	}
	ip := c.host
	if addr := c.client.RemoteAddr(); addr != nil {
		if h, _, err := net.SplitHostPort(addr.String()); err == nil {
			ip = h
		}
	}
	var id string
	if hostname != "" {
		id = hostname + "@" + ip
	} else {
		id = ip
	}
	c.hostID = id
	c.mu.Unlock()

	c.reg.AddDescriptors(c.connID, id, hostname, ip)
	log.Printf("[monitor] collector for %s identified host %s", c.host, id)
}

// interval applies the adaptive slowdown to the base cadence.
func (c *Collector) interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.slowdown {
	case 1:
		return time.Duration(float64(c.base) * 1.5)
	case 2:
		return c.base * 2
	}
	return c.base
}

// adapt slows probing progressively while the host is busy and restores the
// base interval once it calms down.
func (c *Collector) adapt(cpuUsage float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cpuUsage > highCPUThreshold {
		if c.slowdown < 2 {
			c.slowdown++
		}
		return
	}
	c.slowdown = 0
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
