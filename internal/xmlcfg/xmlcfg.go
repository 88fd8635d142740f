// Package xmlcfg defines the configuration-persistence boundary spec §6
// describes (the on-disk XML tree of users.xml, groups.xml,
// allowed_ips.xml/disallowed_ips.xml, ftp_options.xml, ...): an Archiver
// interface this module depends on, with no concrete XML implementation
// of its own. The spec treats the archiver as an external collaborator
// the embedding application supplies; internal/auth, internal/admin, and
// cmd/ftpd depend only on this interface so a real XML (or any other
// format) backing store can be plugged in without touching protocol code.
package xmlcfg

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Archiver persists and reloads named configuration sections. Section
// names are opaque strings owned by the caller (e.g. "users",
// "ip_filters", "ftp_options"); Load/Save round-trip whatever bytes the
// caller's own (de)serializer produces.
type Archiver interface {
	Load(ctx context.Context, section string) ([]byte, error)
	Save(ctx context.Context, section string, data []byte) error
}

// DebouncedArchiver wraps an Archiver so that many Save calls for the
// same section within a short window collapse into a single write,
// mirroring the retrieval pack's sync daemon debounce behavior (built on
// github.com/robfig/cron/v3 the same way internal/acme's renewal
// scheduler is).
type DebouncedArchiver struct {
	inner Archiver
	delay time.Duration

	mu      sync.Mutex
	pending map[string][]byte
	timers  map[string]*time.Timer
	cron    *cron.Cron
}

// NewDebouncedArchiver wraps inner, coalescing writes to the same section
// that occur within delay of one another.
func NewDebouncedArchiver(inner Archiver, delay time.Duration) *DebouncedArchiver {
	return &DebouncedArchiver{
		inner:   inner,
		delay:   delay,
		pending: make(map[string][]byte),
		timers:  make(map[string]*time.Timer),
		cron:    cron.New(),
	}
}

// Load delegates directly to the wrapped Archiver.
func (d *DebouncedArchiver) Load(ctx context.Context, section string) ([]byte, error) {
	return d.inner.Load(ctx, section)
}

// Save schedules data to be written to section after the debounce delay,
// replacing any not-yet-flushed write for the same section.
func (d *DebouncedArchiver) Save(ctx context.Context, section string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[section] = data
	if t, ok := d.timers[section]; ok {
		t.Stop()
	}
	d.timers[section] = time.AfterFunc(d.delay, func() {
		d.flush(context.Background(), section)
	})
	return nil
}

func (d *DebouncedArchiver) flush(ctx context.Context, section string) {
	d.mu.Lock()
	data, ok := d.pending[section]
	delete(d.pending, section)
	delete(d.timers, section)
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = d.inner.Save(ctx, section, data)
}

// Flush forces any pending write for section to commit immediately,
// useful on shutdown.
func (d *DebouncedArchiver) Flush(ctx context.Context, section string) {
	d.mu.Lock()
	if t, ok := d.timers[section]; ok {
		t.Stop()
	}
	d.mu.Unlock()
	d.flush(ctx, section)
}
