package ai

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Limiter defaults.
const (
	DefaultBurstLimit  = 10
	DefaultBurstWindow = 10 * time.Second
	DefaultPerMinute   = 60
	DefaultPerHour     = 300
	DefaultPerDay      = 1000
	DefaultCooldown    = 60 * time.Second
)

// Rejection reasons, one per gate.
const (
	ReasonBurst    = "BURST_LIMIT_EXCEEDED"
	ReasonMinute   = "MINUTE_LIMIT_EXCEEDED"
	ReasonHour     = "HOUR_LIMIT_EXCEEDED"
	ReasonDay      = "DAY_LIMIT_EXCEEDED"
	ReasonCooldown = "COOLDOWN_ACTIVE"
)

// LimiterConfig tunes the per-user gates. Zero values take the defaults.
type LimiterConfig struct {
	BurstLimit  int
	BurstWindow time.Duration
	PerMinute   int
	PerHour     int
	PerDay      int
	Cooldown    time.Duration
}

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.BurstLimit <= 0 {
		c.BurstLimit = DefaultBurstLimit
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = DefaultBurstWindow
	}
	if c.PerMinute <= 0 {
		c.PerMinute = DefaultPerMinute
	}
	if c.PerHour <= 0 {
		c.PerHour = DefaultPerHour
	}
	if c.PerDay <= 0 {
		c.PerDay = DefaultPerDay
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Decision is the outcome of one rate check. ResetTime is seconds until the
// failing gate clears.
type Decision struct {
	Allowed   bool
	Reason    string
	ResetTime int
	Message   string
}

// bucket counts requests within one wall-clock window; the key identifies
// the window and the count resets when it changes.
type bucket struct {
	key   int64
	count int
}

func (b *bucket) roll(key int64) {
	if b.key != key {
		b.key = key
		b.count = 0
	}
}

type userWindows struct {
	burst         []time.Time
	minute        bucket
	hour          bucket
	day           bucket
	cooldownUntil time.Time
}

// Limiter enforces the per-user gates in order: burst, minute, hour, day,
// cooldown. The first failing gate rejects and nothing is recorded; a full
// pass records into every window atomically.
type Limiter struct {
	cfg   LimiterConfig
	mu    sync.Mutex
	users map[uint]*userWindows
	now   func() time.Time
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	return &Limiter{
		cfg:   cfg.withDefaults(),
		users: make(map[uint]*userWindows),
		now:   time.Now,
	}
}

// Allow checks all gates for one request.
func (l *Limiter) Allow(userID uint) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u, ok := l.users[userID]
	if !ok {
		u = &userWindows{}
		l.users[userID] = u
	}

	// Burst: rolling window of timestamps.
	cutoff := now.Add(-l.cfg.BurstWindow)
	i := 0
	for i < len(u.burst) && u.burst[i].Before(cutoff) {
		i++
	}
	u.burst = u.burst[i:]
	if len(u.burst) >= l.cfg.BurstLimit {
		reset := ceilSeconds(u.burst[0].Add(l.cfg.BurstWindow).Sub(now))
		return reject(ReasonBurst, reset, fmt.Sprintf("burst limit of %d requests per %s exceeded", l.cfg.BurstLimit, l.cfg.BurstWindow))
	}

	// Minute, hour: wall-clock buckets. Day rolls at midnight UTC.
	u.minute.roll(now.Unix() / 60)
	if u.minute.count >= l.cfg.PerMinute {
		return reject(ReasonMinute, 60-int(now.Unix()%60), fmt.Sprintf("limit of %d requests per minute exceeded", l.cfg.PerMinute))
	}
	u.hour.roll(now.Unix() / 3600)
	if u.hour.count >= l.cfg.PerHour {
		return reject(ReasonHour, 3600-int(now.Unix()%3600), fmt.Sprintf("limit of %d requests per hour exceeded", l.cfg.PerHour))
	}
	u.day.roll(now.UTC().Unix() / 86400)
	if u.day.count >= l.cfg.PerDay {
		return reject(ReasonDay, 86400-int(now.UTC().Unix()%86400), fmt.Sprintf("limit of %d requests per day exceeded", l.cfg.PerDay))
	}

	if now.Before(u.cooldownUntil) {
		return reject(ReasonCooldown, ceilSeconds(u.cooldownUntil.Sub(now)), "cooldown active after upstream rejection")
	}

	u.burst = append(u.burst, now)
	u.minute.count++
	u.hour.count++
	u.day.count++
	return Decision{Allowed: true}
}

// TriggerCooldown arms the user's cooldown gate, typically after the
// upstream answers 429. Non-positive durations take the configured default.
// An already-armed later expiry is kept.
func (l *Limiter) TriggerCooldown(userID uint, d time.Duration) {
	if d <= 0 {
		d = l.cfg.Cooldown
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.users[userID]
	if !ok {
		u = &userWindows{}
		l.users[userID] = u
	}
	until := l.now().Add(d)
	if until.After(u.cooldownUntil) {
		u.cooldownUntil = until
		log.Printf("[ai] cooldown armed for user %d (%s)", userID, d)
	}
}

func reject(reason string, reset int, message string) Decision {
	if reset < 1 {
		reset = 1
	}
	return Decision{Reason: reason, ResetTime: reset, Message: message}
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
