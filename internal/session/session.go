// Package session owns the lifecycle of the single outbound connection to
// the messaging network.
//
// All state transitions happen on one event-loop goroutine that drains the
// transport's event stream and internal commands sequentially; everyone else
// (dispatch, health) reads an immutable snapshot. This keeps the state
// machine free of shared-flag races by construction.
package session

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/store"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// State is the session lifecycle state. Exactly one instance exists per
// manager; it only changes inside the event loop.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateReconnecting    State = "reconnecting"
	StateTerminated      State = "terminated"
)

type Config struct {
	ReconnectBase    time.Duration // default 2s
	ReconnectMax     time.Duration // default 5m
	ReconnectCeiling int           // consecutive failures before giving up; default 10
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"reconnect_attempts"`
	LastError string    `json:"last_error,omitempty"`
}

type command int

const cmdConnect command = iota

// Manager drives the transport session through its lifecycle and absorbs
// connection-level faults; they are retried internally and never surface to
// dispatch callers.
type Manager struct {
	cfg   Config
	sess  transport.Session
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger

	snap atomic.Value // Snapshot

	events chan transport.Event
	cmds   chan command

	startMu sync.Mutex
	sup     *supervisor.Supervisor
	rng     *rand.Rand
}

func New(cfg Config, sess transport.Session, st store.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Minute
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:    cfg,
		sess:   sess,
		store:  st,
		bus:    bus,
		log:    log,
		events: make(chan transport.Event, 16),
		cmds:   make(chan command, 4),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.snap.Store(Snapshot{State: StateDisconnected, Since: time.Now()})
	return m
}

// Start launches the transport event stream and the event loop, then issues
// the initial connect. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.sup != nil {
		return nil
	}
	if err := m.sess.Start(ctx, m.events); err != nil {
		return err
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "session"))))
	m.sup.Go0("session.loop", m.loop)
	m.Connect()
	return nil
}

func (m *Manager) Stop(ctx context.Context) {
	m.startMu.Lock()
	sup := m.sup
	m.sup = nil
	m.startMu.Unlock()
	if sup == nil {
		return
	}
	_ = m.sess.Stop(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Connect requests connection establishment. Idempotent; never returns an
// error: connecting is asynchronous and failures are retried internally.
func (m *Manager) Connect() {
	select {
	case m.cmds <- cmdConnect:
	default:
		// A connect is already pending; one is enough.
	}
}

// Snapshot returns the current session state without blocking.
func (m *Manager) Snapshot() Snapshot {
	return m.snap.Load().(Snapshot)
}

func (m *Manager) State() State { return m.Snapshot().State }

// ---- event loop ----

// loopState is the loop-local mutable state; only the loop goroutine touches it.
type loopState struct {
	state    State
	attempts int
	lastErr  string

	timer      *time.Timer
	reconnectC <-chan time.Time

	// connTimer bounds the wait between an accepted connect request and the
	// transport answering with Opened or Closed.
	connTimer *time.Timer
	connC     <-chan time.Time
}

func (m *Manager) loop(ctx context.Context) {
	ls := &loopState{state: StateDisconnected}
	defer func() {
		if ls.timer != nil {
			ls.timer.Stop()
		}
		if ls.connTimer != nil {
			ls.connTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ls.reconnectC:
			ls.reconnectC = nil
			m.attemptConnect(ctx, ls)
		case <-ls.connC:
			ls.connTimer = nil
			ls.connC = nil
			m.connectStalled(ls)
		case cmd := <-m.cmds:
			if cmd != cmdConnect {
				continue
			}
			switch ls.state {
			case StateConnected:
				// Already connected; no-op.
			case StateTerminated:
				// Terminal: resuming silently would reuse a dead identity.
				// The manager must be restarted to run a fresh pairing flow.
				m.log.Warn("connect ignored: session terminated, restart required")
			default:
				m.attemptConnect(ctx, ls)
			}
		case ev := <-m.events:
			m.handleEvent(ctx, ls, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ls *loopState, ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpened:
		ls.attempts = 0
		ls.lastErr = ""
		m.stopTimer(ls)
		m.stopConnTimer(ls)
		m.setState(ls, StateConnected)

	case transport.EventPairingRequired:
		// The connect request resolved into a pairing wait; the human holds
		// the clock now, not the transport.
		m.stopConnTimer(ls)
		m.setState(ls, StateAwaitingPairing)
		m.log.Info("pairing required; surface the challenge to the operator")
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.TypePairingRequired, Data: ev.Challenge})
		}

	case transport.EventCredentialUpdated:
		// Persist before touching anything else; losing this blob after a
		// crash costs the whole session.
		if m.store != nil {
			if err := m.store.PutCredential(ctx, ev.Credential); err != nil {
				m.log.Error("credential persist failed", logx.Err(err))
			} else {
				m.log.Debug("credential persisted", logx.Int("bytes", len(ev.Credential)))
			}
		}

	case transport.EventClosed:
		m.stopConnTimer(ls)
		if ev.Err != nil {
			ls.lastErr = ev.Err.Error()
		}
		if ev.LoggedOut {
			m.stopTimer(ls)
			if m.store != nil {
				if err := m.store.DeleteCredential(ctx); err != nil {
					m.log.Error("credential delete failed", logx.Err(err))
				}
			}
			m.terminate(ls, "logged out by server; re-pairing required")
			return
		}
		if ls.state == StateTerminated {
			return
		}
		ls.attempts++
		if ls.attempts >= m.cfg.ReconnectCeiling {
			m.terminate(ls, "reconnect ceiling reached")
			return
		}
		m.setState(ls, StateReconnecting)
		m.scheduleReconnect(ls)
	}
}

// attemptConnect loads the persisted credential (if any) and asks the
// transport to establish the connection. Errors are absorbed into the retry
// cycle, never returned.
func (m *Manager) attemptConnect(ctx context.Context, ls *loopState) {
	var cred []byte
	if m.store != nil {
		b, ok, err := m.store.GetCredential(ctx)
		if err != nil {
			m.log.Warn("credential load failed; proceeding to pairing", logx.Err(err))
		} else if ok {
			cred = b
		}
	}

	if len(cred) == 0 && ls.state == StateDisconnected {
		// Fresh identity: the transport will answer with a pairing challenge.
		m.setState(ls, StateAwaitingPairing)
	}

	if err := m.sess.Connect(ctx, cred); err != nil {
		ls.lastErr = err.Error()
		ls.attempts++
		m.log.Warn("connect attempt failed", logx.Err(err), logx.Int("attempt", ls.attempts))
		if ls.attempts >= m.cfg.ReconnectCeiling {
			m.terminate(ls, "reconnect ceiling reached")
			return
		}
		m.setState(ls, StateReconnecting)
		m.scheduleReconnect(ls)
		return
	}

	// The request was accepted; Connected is set by the transport's Opened
	// event. Deadline that wait so a gateway that accepts the connect and
	// then goes silent still counts as a failed attempt instead of parking
	// the manager here with no timer armed.
	m.armConnTimer(ls)
}

// armConnTimer starts the accepted-connect deadline. It tracks the backoff
// the attempt would cost if it stalls, so repeated stalls slow down the same
// way repeated hard failures do.
func (m *Manager) armConnTimer(ls *loopState) {
	m.stopConnTimer(ls)
	d := backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectMax, ls.attempts+1)
	ls.connTimer = time.NewTimer(d)
	ls.connC = ls.connTimer.C
}

func (m *Manager) stopConnTimer(ls *loopState) {
	if ls.connTimer != nil {
		ls.connTimer.Stop()
		ls.connTimer = nil
	}
	ls.connC = nil
}

// connectStalled records an accepted connect that never resolved into an
// Opened or Closed event and re-enters the retry cycle.
func (m *Manager) connectStalled(ls *loopState) {
	if ls.state == StateConnected || ls.state == StateTerminated {
		return
	}
	ls.lastErr = "connect stalled: no session open before deadline"
	ls.attempts++
	m.log.Warn("connect attempt stalled", logx.Int("attempt", ls.attempts))
	if ls.attempts >= m.cfg.ReconnectCeiling {
		m.terminate(ls, "reconnect ceiling reached")
		return
	}
	m.setState(ls, StateReconnecting)
	m.scheduleReconnect(ls)
}

// scheduleReconnect arms the retry timer. ls.attempts already counts the
// consecutive failures, so the delay grows with each one.
func (m *Manager) scheduleReconnect(ls *loopState) {
	delay := jitterDelay(m.rng, backoffDelay(m.cfg.ReconnectBase, m.cfg.ReconnectMax, ls.attempts))
	m.log.Info("reconnect scheduled", logx.Duration("delay", delay), logx.Int("attempt", ls.attempts))

	m.stopTimer(ls)
	ls.timer = time.NewTimer(delay)
	ls.reconnectC = ls.timer.C
	m.storeSnapshot(ls)
}

func (m *Manager) stopTimer(ls *loopState) {
	if ls.timer != nil {
		ls.timer.Stop()
		ls.timer = nil
	}
	ls.reconnectC = nil
}

func (m *Manager) terminate(ls *loopState, reason string) {
	m.setState(ls, StateTerminated)
	m.log.Error("session terminated", logx.String("reason", reason))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionTerminal, Data: reason})
	}
}

func (m *Manager) setState(ls *loopState, next State) {
	if ls.state == next {
		// Refresh the snapshot anyway so Attempts/LastError stay current.
		m.storeSnapshot(ls)
		return
	}
	prev := ls.state
	ls.state = next
	m.storeSnapshot(ls)
	m.log.Info("session state changed", logx.String("from", string(prev)), logx.String("to", string(next)))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: string(next)})
	}
}

func (m *Manager) storeSnapshot(ls *loopState) {
	m.snap.Store(Snapshot{
		State:     ls.state,
		Since:     time.Now(),
		Attempts:  ls.attempts,
		LastError: ls.lastErr,
	})
}
