package monitor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/registry"
)

// startProbeServer runs an SSH server that answers every exec request with
// canned probe output. Counters scale with the call number so consecutive
// probes see real deltas.
func startProbeServer(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var calls atomic.Int64
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func(nc net.Conn) {
				_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go serveProbeExec(ch, chReqs, &calls)
				}
			}(nc)
		}
	}()
	return ln.Addr().String()
}

func serveProbeExec(ch ssh.Channel, reqs <-chan *ssh.Request, calls *atomic.Int64) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)
		fmt.Fprint(ch, probeOutputFor(calls.Add(1)))
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
		return
	}
}

// probeOutputFor renders output for the n-th probe. Each call advances the
// CPU counters by 1000 jiffies (800 idle) and the network counters by a
// fixed step, so usage computes to 20% and rates come out positive.
func probeOutputFor(n int64) string {
	return fmt.Sprintf(`===STAT===
cpu  %d 0 %d %d %d 0 0 0
===MEMINFO===
MemTotal:       16384000 kB
MemFree:         2048000 kB
MemAvailable:    8192000 kB
SwapTotal:       4096000 kB
SwapFree:        3072000 kB
===DF===
/dev/vda1 105089261568 8589934592 96499326976 9%% /
===NETDEV===
Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000 10 0 0 0 0 0 0 1000 10 0 0 0 0 0 0
  eth0: %d 50 0 0 0 0 0 0 %d 30 0 0 0 0 0 0
===HOSTNAME===
web-1
===NPROC===
4
===MODEL===
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
===END===
`, 100*n, 100*n, 700*n, 100*n, 5000*n, 3000*n)
}

func dialProbeServer(t *testing.T, addr string) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "probe",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial probe server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// collect polls the sink until cond holds over all frames seen so far.
func collect(t *testing.T, sink *fakeSink, timeout time.Duration, cond func([]gateway.Frame) bool) []gateway.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []gateway.Frame
	for time.Now().Before(deadline) {
		got = append(got, sink.take()...)
		if cond(got) {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v; frames = %v", timeout, frameTypes(got))
	return nil
}

func statsFrames(t *testing.T, frames []gateway.Frame) []Frame {
	t.Helper()
	var out []Frame
	for _, f := range frames {
		if f.Type == FrameSystemStats {
			out = append(out, decodeStats(t, f))
		}
	}
	return out
}

func TestCollectorProbesAndPublishes(t *testing.T) {
	addr := startProbeServer(t)
	client := dialProbeServer(t, addr)

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	hub := newTestHub()
	reg := registry.New()
	reg.Register(7, "sess-1", 1, host, port, host)

	sink := &fakeSink{id: 1}
	hub.Register(sink, "frontend")
	hub.Subscribe(sink.id, "127.0.0.1")
	sink.take()

	c := NewCollector(hub, reg, client, 7, "sess-1", host, MinInterval)
	c.Start(context.Background())
	defer c.Stop()

	frames := collect(t, sink, 5*time.Second, func(fs []gateway.Frame) bool {
		return len(statsFrames(t, fs)) >= 2
	})
	stats := statsFrames(t, frames)

	first := stats[0]
	if first.HostID != "web-1@127.0.0.1" {
		t.Errorf("hostId = %q, want web-1@127.0.0.1", first.HostID)
	}
	if first.OS.Hostname != "web-1" || first.CPU.Cores != 4 {
		t.Errorf("os/cpu = %+v %+v", first.OS, first.CPU)
	}
	if first.Memory.Total != 16384000*1024 {
		t.Errorf("memory.total = %v", first.Memory.Total)
	}
	if first.Source != "ssh" || first.SessionID != "sess-1" {
		t.Errorf("source/session = %q/%q", first.Source, first.SessionID)
	}
	if first.CPU.Usage != 0 {
		t.Errorf("first probe has no delta, usage = %v", first.CPU.Usage)
	}

	second := stats[1]
	if second.CPU.Usage != 20 {
		t.Errorf("second probe usage = %v, want 20", second.CPU.Usage)
	}
	if second.Network.TotalRxSpeed <= 0 || second.Network.TotalTxSpeed <= 0 {
		t.Errorf("network rates = %+v, want positive", second.Network)
	}

	if c.HostID() != "web-1@127.0.0.1" {
		t.Errorf("HostID = %q", c.HostID())
	}
	// The probe result registers the hostname as a session descriptor.
	if entries := reg.Resolve("web-1"); len(entries) != 1 || entries[0].ConnID != 7 {
		t.Errorf("Resolve(web-1) = %+v", entries)
	}
	if _, ok := hub.Cache().Lookup("web-1"); !ok {
		t.Error("cache should hold the latest frame under the hostname")
	}

	c.Stop()
	if _, ok := hub.Cache().Lookup("web-1"); ok {
		t.Error("Stop should drop the cached frame")
	}
	var sawLost bool
	for _, f := range sink.take() {
		if f.Type == FrameStatus && decodeStatus(t, f).Status == StatusNotInstalled {
			sawLost = true
		}
	}
	if !sawLost {
		t.Error("watchers should learn the collector is gone")
	}
}

func TestCollectorStopsOnConnectionError(t *testing.T) {
	addr := startProbeServer(t)
	client := dialProbeServer(t, addr)

	hub := newTestHub()
	reg := registry.New()
	sink := &fakeSink{id: 1}
	hub.Register(sink, "frontend")
	hub.Subscribe(sink.id, "127.0.0.1")
	sink.take()

	c := NewCollector(hub, reg, client, 7, "sess-1", "127.0.0.1", MinInterval)
	c.Start(context.Background())

	collect(t, sink, 5*time.Second, func(fs []gateway.Frame) bool {
		return len(statsFrames(t, fs)) >= 1
	})

	// Kill the transport under the collector. The next probe fails with a
	// connection-class error and the loop must stop on its own.
	client.Close()

	collect(t, sink, 5*time.Second, func(fs []gateway.Frame) bool {
		for _, f := range fs {
			if f.Type == FrameStatus && decodeStatus(t, f).Status == StatusNotInstalled {
				return true
			}
		}
		return false
	})

	c.Stop()
	if _, ok := hub.Cache().Lookup("web-1"); ok {
		t.Error("cache entry should be gone after the collector dies")
	}
}

func TestCollectorIntervalBounds(t *testing.T) {
	hub := newTestHub()
	reg := registry.New()

	c := NewCollector(hub, reg, nil, 1, "s", "h", 50*time.Millisecond)
	if c.base != MinInterval {
		t.Errorf("base = %v, want clamped to %v", c.base, MinInterval)
	}
	c = NewCollector(hub, reg, nil, 1, "s", "h", time.Hour)
	if c.base != MaxInterval {
		t.Errorf("base = %v, want clamped to %v", c.base, MaxInterval)
	}
	c = NewCollector(hub, reg, nil, 1, "s", "h", 0)
	if c.base != DefaultInterval {
		t.Errorf("base = %v, want default %v", c.base, DefaultInterval)
	}
}

func TestCollectorAdaptiveSlowdown(t *testing.T) {
	c := NewCollector(newTestHub(), registry.New(), nil, 1, "s", "h", 2*time.Second)

	if got := c.interval(); got != 2*time.Second {
		t.Fatalf("interval = %v, want base", got)
	}
	c.adapt(95)
	if got := c.interval(); got != 3*time.Second {
		t.Errorf("interval after one hot probe = %v, want 3s", got)
	}
	c.adapt(95)
	if got := c.interval(); got != 4*time.Second {
		t.Errorf("interval after two hot probes = %v, want 4s", got)
	}
	c.adapt(95)
	if got := c.interval(); got != 4*time.Second {
		t.Errorf("slowdown should cap at 2x, got %v", got)
	}
	c.adapt(10)
	if got := c.interval(); got != 2*time.Second {
		t.Errorf("interval after recovery = %v, want base", got)
	}
}
