// Package gate is the admission policy in front of the dispatch engine: it
// deduplicates and rate-limits alerts by dedupe key so a misbehaving detector
// cannot turn into a notification storm.
package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/alert"
	"wagate/internal/eventbus"
	"wagate/pkg/logx"
)

// SuppressReason says why an alert was not admitted. Suppression is a policy
// decision, not an error.
type SuppressReason string

const (
	ReasonRateLimited SuppressReason = "rate_limited"
	ReasonHourlyCap   SuppressReason = "hourly_cap_exceeded"
)

// Decision is the outcome of Admit.
type Decision struct {
	Admitted bool
	Reason   SuppressReason // set when !Admitted
	// NextEligible hints when the key frees up again (cooldown suppressions only).
	NextEligible time.Time
}

type Config struct {
	// Cooldown is the minimum spacing between admitted alerts per key. Default 45s.
	Cooldown time.Duration
	// HourlyMax caps admissions per key per hour; 0 disables the cap. Default 20.
	HourlyMax int
	// Retention evicts idle keys after this horizon. Default 1h.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 45 * time.Second
	}
	if c.HourlyMax < 0 {
		c.HourlyMax = 0
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

type entry struct {
	lastSentAt time.Time
	hourly     *rate.Limiter // nil when the cap is disabled
}

type Stats struct {
	Keys       int    `json:"keys"`
	Admitted   uint64 `json:"admitted"`
	Suppressed uint64 `json:"suppressed"`
}

// Gate holds one RateLimitEntry per distinct dedupe key. The check-and-update
// in Admit is a single atomic operation under the mutex, so two
// near-simultaneous alerts with the same key can never both pass.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry

	admitted   uint64
	suppressed uint64

	bus eventbus.Bus
	log logx.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		cfg:     cfg.withDefaults(),
		entries: map[string]*entry{},
		bus:     bus,
		log:     log,
		now:     time.Now,
	}
}

// Apply swaps the policy at runtime. Existing per-key hourly buckets are
// rebuilt so a lowered cap takes effect without waiting for eviction.
func (g *Gate) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	rebuild := cfg.HourlyMax != g.cfg.HourlyMax
	g.cfg = cfg
	if rebuild {
		for _, e := range g.entries {
			e.hourly = newHourly(cfg.HourlyMax)
		}
	}
	g.mu.Unlock()
}

// Admit decides whether the alert may proceed to dispatch and, when it may,
// stamps the key in the same critical section.
func (g *Gate) Admit(a alert.Alert) Decision {
	key := a.DedupeKey
	now := g.now()

	g.mu.Lock()
	e := g.entries[key]
	if e == nil {
		e = &entry{hourly: newHourly(g.cfg.HourlyMax)}
		g.entries[key] = e
	} else if since := now.Sub(e.lastSentAt); since < g.cfg.Cooldown {
		g.suppressed++
		next := e.lastSentAt.Add(g.cfg.Cooldown)
		g.mu.Unlock()
		g.publish(eventbus.TypeAlertSuppressed, key)
		g.log.Debug("alert suppressed (cooldown)", logx.String("key", key), logx.String("alert", a.ID), logx.Duration("since_last", since))
		return Decision{Reason: ReasonRateLimited, NextEligible: next}
	}

	if e.hourly != nil && !e.hourly.AllowN(now, 1) {
		g.suppressed++
		g.mu.Unlock()
		g.publish(eventbus.TypeAlertSuppressed, key)
		g.log.Warn("alert suppressed (hourly cap)", logx.String("key", key), logx.String("alert", a.ID))
		return Decision{Reason: ReasonHourlyCap}
	}

	e.lastSentAt = now
	g.admitted++
	g.mu.Unlock()

	g.publish(eventbus.TypeAlertAdmitted, key)
	return Decision{Admitted: true}
}

// Sweep evicts entries idle past the retention horizon and returns how many
// were removed. Called periodically by the maintenance service.
func (g *Gate) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	horizon := now.Add(-g.cfg.Retention)
	removed := 0
	for k, e := range g.entries {
		if e.lastSentAt.Before(horizon) {
			delete(g.entries, k)
			removed++
		}
	}
	if removed > 0 {
		g.log.Debug("gate sweep", logx.Int("evicted", removed), logx.Int("remaining", len(g.entries)))
	}
	return removed
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Keys: len(g.entries), Admitted: g.admitted, Suppressed: g.suppressed}
}

func (g *Gate) publish(typ, key string) {
	if g.bus != nil {
		g.bus.Publish(eventbus.Event{Type: typ, Data: key})
	}
}

// newHourly builds the per-key ceiling bucket: max tokens up front, refilled
// evenly across the hour.
func newHourly(max int) *rate.Limiter {
	if max <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Hour/time.Duration(max)), max)
}
