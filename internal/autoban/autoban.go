// Package autoban implements spec §4.6's autobanner: per-IP failed-login
// throttling with a sliding window and a timed ban.
package autoban

import (
	"net"
	"sync"
	"time"

	"github.com/coreftp/ftpd/internal/telemetry"
)

// Family distinguishes the address family a ban applies to, per spec §3
// ("banned(ip, family)").
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func familyOf(ip net.IP) Family {
	if ip.To4() != nil {
		return FamilyV4
	}
	return FamilyV6
}

// Subscriber receives ban notifications (e.g. internal/notify forwards them
// to admin RPC broadcasts and to the logger).
type Subscriber func(ip string, family Family)

type handle struct {
	failures []time.Time
	bannedAt time.Time
	timer    *time.Timer
}

// Banner is spec §3's "Autobanner handle" table, keyed by peer IP.
//
// Configured with {max_failures, failures_window, ban_duration}; a zero
// MaxFailures disables the mechanism entirely (spec §4.6).
type Banner struct {
	MaxFailures    int
	FailuresWindow time.Duration
	BanDuration    time.Duration

	mu          sync.Mutex
	byIP        map[string]*handle
	subscribers []Subscriber
	log         *telemetry.Logger
	now         func() time.Time
}

// New returns a Banner with the given policy. log may be nil.
func New(maxFailures int, failuresWindow, banDuration time.Duration, log *telemetry.Logger) *Banner {
	if log == nil {
		log = telemetry.Fallback()
	}
	return &Banner{
		MaxFailures:    maxFailures,
		FailuresWindow: failuresWindow,
		BanDuration:    banDuration,
		byIP:           make(map[string]*handle),
		log:            log,
		now:            time.Now,
	}
}

// Subscribe registers a callback invoked (under no lock) whenever an IP
// transitions into the banned state.
func (b *Banner) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// SetFailedLogin records a failed login attempt for ip. Prunes timestamps
// older than FailuresWindow, appends now, and arms a ban timer once the
// count reaches MaxFailures (spec invariant §8.2).
func (b *Banner) SetFailedLogin(ip net.IP) {
	if b.MaxFailures <= 0 {
		return
	}
	key := ip.String()
	now := b.now()

	b.mu.Lock()
	h, ok := b.byIP[key]
	if !ok {
		h = &handle{}
		b.byIP[key] = h
	}
	h.failures = pruneOlder(h.failures, now, b.FailuresWindow)
	h.failures = append(h.failures, now)

	shouldBan := len(h.failures) >= b.MaxFailures && h.timer == nil
	var subs []Subscriber
	if shouldBan {
		h.bannedAt = now
		h.timer = time.AfterFunc(b.BanDuration, func() { b.expire(key) })
		subs = append(subs, b.subscribers...)
	}
	b.mu.Unlock()

	if shouldBan {
		b.log.Warn("ip_banned", "ip", key, "failures", len(h.failures))
		fam := familyOf(ip)
		for _, s := range subs {
			s(key, fam)
		}
	}
}

func pruneOlder(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) > window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}

func (b *Banner) expire(key string) {
	b.mu.Lock()
	h, ok := b.byIP[key]
	if ok {
		delete(b.byIP, key)
	}
	b.mu.Unlock()
	if ok {
		b.log.Info("ip_ban_expired", "ip", key)
		_ = h
	}
}

// IsBanned reports whether ip is currently banned, true strictly between
// SetFailedLogin crossing the threshold and the ban timer firing
// (spec invariant §8.2).
func (b *Banner) IsBanned(ip net.IP) bool {
	if b.MaxFailures <= 0 {
		return false
	}
	key := ip.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.byIP[key]
	return ok && h.timer != nil
}

// Reset clears all tracked state; used by tests.
func (b *Banner) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.byIP {
		if h.timer != nil {
			h.timer.Stop()
		}
	}
	b.byIP = make(map[string]*handle)
}
