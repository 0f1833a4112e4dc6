// Package health aggregates the daemon's internal state into one read-only
// snapshot for the front-door shim and the operator channel.
package health

import (
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/gate"
	"wagate/internal/session"
)

// recentWindow is how many dispatch summaries the snapshot carries.
const recentWindow = 10

type SessionSource interface {
	Snapshot() session.Snapshot
}

type RegistrySource interface {
	Size() int
}

type GateSource interface {
	Stats() gate.Stats
}

type HistorySource interface {
	Recent(n int) []dispatch.Summary
}

// DispatchDigest is a compact view of one dispatch for the health surface;
// per-recipient detail stays in the audit trail.
type DispatchDigest struct {
	AlertID   string    `json:"alert_id"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Succeeded bool      `json:"succeeded"`
	Finished  time.Time `json:"finished"`
}

type Snapshot struct {
	Ready        bool             `json:"ready"`
	Session      session.Snapshot `json:"session"`
	RegistrySize int              `json:"registry_size"`
	Gate         gate.Stats       `json:"gate"`
	Recent       []DispatchDigest `json:"recent_dispatches"`
	Uptime       time.Duration    `json:"uptime_ns"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// Aggregator pulls from each subsystem on demand; it holds no state of its
// own beyond the start time.
type Aggregator struct {
	started time.Time
	sess    SessionSource
	reg     RegistrySource
	gate    GateSource
	hist    HistorySource
}

func New(sess SessionSource, reg RegistrySource, g GateSource, hist HistorySource) *Aggregator {
	return &Aggregator{
		started: time.Now(),
		sess:    sess,
		reg:     reg,
		gate:    g,
		hist:    hist,
	}
}

// Snapshot assembles the current view. Ready means the session can actually
// deliver right now.
func (a *Aggregator) Snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{
		Uptime:      now.Sub(a.started),
		GeneratedAt: now,
	}
	if a.sess != nil {
		snap.Session = a.sess.Snapshot()
		snap.Ready = snap.Session.State == session.StateConnected
	}
	if a.reg != nil {
		snap.RegistrySize = a.reg.Size()
	}
	if a.gate != nil {
		snap.Gate = a.gate.Stats()
	}
	if a.hist != nil {
		for _, s := range a.hist.Recent(recentWindow) {
			snap.Recent = append(snap.Recent, DispatchDigest{
				AlertID:   s.AlertID,
				Sent:      s.Sent,
				Failed:    s.Failed,
				Succeeded: s.Succeeded,
				Finished:  s.Finished,
			})
		}
	}
	return snap
}
