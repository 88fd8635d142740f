// Package portmgr implements spec §4.6's PASV port manager: a table of
// 65536 port entries, each independently locked, handing out ports with
// TIME_WAIT-aware reuse policy (spec §3 "PASV port lease").
//
// Unlike the original's process-global static tables (spec §9 "Global
// mutable state"), Manager is a heap-allocated struct owned by whatever
// constructs the server; tests instantiate their own.
package portmgr

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// TimeWait is the delay spec §3 requires after a connected lease is
// released before the port may be reused by a different peer ("4 minutes").
const TimeWait = 4 * time.Minute

// ErrNoPortAvailable is returned when every port in [Min,Max] is
// permanently stuck (e.g. held by the OS).
var ErrNoPortAvailable = errors.New("portmgr: no available port in range")

type portEntry struct {
	mu         sync.Mutex
	peer       string
	leases     int
	connecting bool
	expiry     time.Time
}

// Lease is spec §3's PASV port lease: {port, peer IP, connected flag}.
type Lease struct {
	Port      int
	Peer      net.IP
	connected bool
	mgr       *Manager
}

// Manager owns the port tables for one interface/listener scope.
type Manager struct {
	Min, Max int // inclusive port range

	mu      sync.Mutex // guards the table slice allocation only
	entries map[int]*portEntry
	rnd     *rand.Rand
	now     func() time.Time
}

// New returns a Manager over the inclusive port range [min,max].
func New(min, max int) *Manager {
	if min <= 0 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &Manager{
		Min:     min,
		Max:     max,
		entries: make(map[int]*portEntry),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (m *Manager) entry(port int) *portEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[port]
	if !ok {
		e = &portEntry{}
		m.entries[port] = e
	}
	return e
}

// GetPort implements spec §4.6's three-pass search: a port with no
// leases, then (second pass) a port only leased by other peers, then
// (third pass, last resort) a port leased by the same peer.
func (m *Manager) GetPort(peer net.IP) (*Lease, error) {
	span := m.Max - m.Min + 1
	start := m.rnd.Intn(span)
	peerKey := peer.String()
	now := m.now()

	tryAcquire := func(port int, pass int) (*Lease, bool) {
		e := m.entry(port)
		e.mu.Lock()
		defer e.mu.Unlock()

		free := e.leases == 0 && !e.connecting && now.After(e.expiry)
		sameAsPeer := e.peer == peerKey

		switch pass {
		case 0:
			// First pass: no current leases at all.
			if !free {
				return nil, false
			}
		case 1:
			// Second pass: free, or leased only by a different peer.
			if !free && sameAsPeer {
				return nil, false
			}
		case 2:
			// Third pass, last resort: anything goes, including same-peer
			// reuse during TIME_WAIT (can cause the peer's SYN to arrive
			// during TIME_WAIT, per spec).
		}

		e.peer = peerKey
		e.leases++
		e.connecting = true
		return &Lease{Port: port, Peer: peer, mgr: m}, true
	}

	for pass := 0; pass < 3; pass++ {
		for i := 0; i < span; i++ {
			port := m.Min + (start+i)%span
			if lease, ok := tryAcquire(port, pass); ok {
				return lease, nil
			}
		}
	}
	return nil, ErrNoPortAvailable
}

// MarkConnected records that the peer actually connected to the leased
// port, which gates whether Release applies the TIME_WAIT delay.
func (l *Lease) MarkConnected() {
	l.connected = true
}

// Release returns the port to the pool. If the lease never saw a
// connection it is freed immediately; otherwise it enters TIME_WAIT
// (spec §3/§8.1/§8 scenario C).
func (l *Lease) Release() {
	e := l.mgr.entry(l.Port)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leases > 0 {
		e.leases--
	}
	e.connecting = false
	if l.connected {
		e.expiry = l.mgr.now().Add(TimeWait)
	} else {
		e.expiry = time.Time{}
		e.peer = ""
	}
}
