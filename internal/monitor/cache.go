package monitor

import (
	"sync"
	"time"
)

// Cache holds the newest frame per HostId plus the IpToHostId index that
// maps either half of a combined hostname@ip identifier back to it.
type Cache struct {
	mu     sync.RWMutex
	frames map[string]Frame
	index  map[string]string // hostname or ip -> combined hostId
}

func NewCache() *Cache {
	return &Cache{
		frames: make(map[string]Frame),
		index:  make(map[string]string),
	}
}

// Put replaces the frame for its HostId and refreshes the identifier index.
func (c *Cache) Put(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[f.HostID] = f
	if hostname, ip, ok := SplitHostID(f.HostID); ok {
		c.index[hostname] = f.HostID
		c.index[ip] = f.HostID
	}
}

// Get returns the frame stored under the exact HostId.
func (c *Cache) Get(hostID string) (Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[hostID]
	return f, ok
}

// Lookup resolves a descriptor directly or through the IpToHostId index.
func (c *Cache) Lookup(descriptor string) (Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f, ok := c.frames[descriptor]; ok {
		return f, true
	}
	if hostID, ok := c.index[descriptor]; ok {
		f, ok := c.frames[hostID]
		return f, ok
	}
	return Frame{}, false
}

// Fresh is Lookup restricted to frames updated within maxAge.
func (c *Cache) Fresh(descriptor string, maxAge time.Duration) (Frame, bool) {
	f, ok := c.Lookup(descriptor)
	if !ok {
		return Frame{}, false
	}
	if time.Now().UnixMilli()-f.LastUpdated > maxAge.Milliseconds() {
		return Frame{}, false
	}
	return f, true
}

// Drop removes a host's frame. Index entries stay; they only point at the
// frame map and a dead pointer resolves to a miss.
func (c *Cache) Drop(hostID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.frames, hostID)
}

// Len reports the number of cached frames.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// PruneStale drops frames not updated within maxAge along with their index
// entries, and returns how many were removed. Hosts whose collector died
// without a CollectorLost notification age out here.
func (c *Cache) PruneStale(maxAge time.Duration) int {
	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for hostID, f := range c.frames {
		if f.LastUpdated >= cutoff {
			continue
		}
		delete(c.frames, hostID)
		if hostname, ip, ok := SplitHostID(hostID); ok {
			if c.index[hostname] == hostID {
				delete(c.index, hostname)
			}
			if c.index[ip] == hostID {
				delete(c.index, ip)
			}
		}
		removed++
	}
	return removed
}

// Descriptors returns the identifier set fan-out uses for a HostId: the
// combined form plus its hostname and ip halves when present.
func Descriptors(hostID string) []string {
	if hostname, ip, ok := SplitHostID(hostID); ok {
		return []string{hostID, hostname, ip}
	}
	return []string{hostID}
}
