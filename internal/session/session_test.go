package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/store"
	"wagate/internal/transport"
	"wagate/internal/transport/transporttest"
	"wagate/pkg/logx"
)

func testConfig() Config {
	return Config{
		ReconnectBase:    2 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		ReconnectCeiling: 10,
	}
}

func startManager(t *testing.T, cfg Config, fake *transporttest.Fake, st store.Store, bus eventbus.Bus) *Manager {
	t.Helper()
	m := New(cfg, fake, st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		m.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return m
}

func waitState(t *testing.T, m *Manager, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := m.Snapshot(); snap.State == want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", m.State(), want)
	return Snapshot{}
}

func TestConnectThenOpened(t *testing.T) {
	fake := &transporttest.Fake{}
	cfg := testConfig()
	// Keep the accepted-connect deadline wide so the pairing state is
	// observable before any stall handling kicks in.
	cfg.ReconnectBase = 250 * time.Millisecond
	cfg.ReconnectMax = time.Second
	m := startManager(t, cfg, fake, nil, nil)

	// No stored credential: the manager expects a pairing flow first.
	waitState(t, m, StateAwaitingPairing)

	fake.Emit(transport.Event{Kind: transport.EventOpened})
	snap := waitState(t, m, StateConnected)
	if snap.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", snap.Attempts)
	}
}

func TestRecoverableCloseReconnects(t *testing.T) {
	fake := &transporttest.Fake{}
	cfg := testConfig()
	cfg.ReconnectBase = 250 * time.Millisecond
	cfg.ReconnectMax = time.Second
	m := startManager(t, cfg, fake, nil, nil)

	fake.Emit(transport.Event{Kind: transport.EventOpened})
	waitState(t, m, StateConnected)

	fake.Emit(transport.Event{Kind: transport.EventClosed, Err: errors.New("stream error")})
	snap := waitState(t, m, StateReconnecting)
	if snap.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", snap.Attempts)
	}
	if snap.LastError == "" {
		t.Fatal("last error not recorded")
	}

	// The armed retry timer fires and re-connects; a fresh Opened recovers.
	fake.Emit(transport.Event{Kind: transport.EventOpened})
	snap = waitState(t, m, StateConnected)
	if snap.Attempts != 0 {
		t.Fatalf("attempts after recovery = %d, want 0", snap.Attempts)
	}
}

func TestReconnectCeilingTerminates(t *testing.T) {
	fake := &transporttest.Fake{ConnectErr: transporttest.Err}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	cfg.ReconnectCeiling = 3
	m := startManager(t, cfg, fake, nil, bus)

	waitState(t, m, StateTerminated)

	// Terminal state raises exactly one operator-facing signal.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeSessionTerminal {
				return
			}
		case <-deadline:
			t.Fatal("no terminal event published")
		}
	}
}

func TestStalledConnectRetriesAndTerminates(t *testing.T) {
	// The transport accepts every connect request but never answers with an
	// Opened or Closed event. The manager must keep retrying on its own and
	// still reach the attempt ceiling.
	fake := &transporttest.Fake{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	cfg := testConfig()
	cfg.ReconnectCeiling = 3
	m := startManager(t, cfg, fake, nil, bus)

	snap := waitState(t, m, StateTerminated)
	if snap.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", snap.Attempts)
	}
	if calls := fake.ConnectCalls(); calls < 2 {
		t.Fatalf("connect calls = %d, want retries before terminating", calls)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeSessionTerminal {
				return
			}
		case <-deadline:
			t.Fatal("no terminal event published")
		}
	}
}

func TestStalledConnectRecoversOnLateOpen(t *testing.T) {
	fake := &transporttest.Fake{}
	m := startManager(t, testConfig(), fake, nil, nil)

	// Let at least one accepted-connect deadline expire first.
	waitState(t, m, StateReconnecting)

	fake.Emit(transport.Event{Kind: transport.EventOpened})
	snap := waitState(t, m, StateConnected)
	if snap.Attempts != 0 {
		t.Fatalf("attempts after recovery = %d, want 0", snap.Attempts)
	}
}

func TestConnectIgnoredWhenTerminated(t *testing.T) {
	fake := &transporttest.Fake{ConnectErr: transporttest.Err}
	cfg := testConfig()
	cfg.ReconnectCeiling = 2
	m := startManager(t, cfg, fake, nil, nil)

	waitState(t, m, StateTerminated)
	calls := fake.ConnectCalls()

	m.Connect()
	time.Sleep(20 * time.Millisecond)
	if got := fake.ConnectCalls(); got != calls {
		t.Fatalf("connect calls went %d -> %d after terminal state", calls, got)
	}
	if m.State() != StateTerminated {
		t.Fatalf("state = %q, want terminated", m.State())
	}
}

func TestLoggedOutDeletesCredentialAndTerminates(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(store.Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	fake := &transporttest.Fake{}
	m := startManager(t, testConfig(), fake, st, nil)

	fake.Emit(transport.Event{Kind: transport.EventCredentialUpdated, Credential: []byte("blob")})
	fake.Emit(transport.Event{Kind: transport.EventOpened})
	waitState(t, m, StateConnected)

	if _, ok, err := st.GetCredential(context.Background()); err != nil || !ok {
		t.Fatalf("credential not persisted: ok=%v err=%v", ok, err)
	}

	fake.Emit(transport.Event{Kind: transport.EventClosed, LoggedOut: true, Err: errors.New("logged out")})
	waitState(t, m, StateTerminated)

	if _, ok, err := st.GetCredential(context.Background()); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("credential survived a server-side logout")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base, max := 2*time.Second, 5*time.Minute

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoffDelay(base, max, attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v < previous %v", attempt, d, prev)
		}
		if d > max {
			t.Fatalf("attempt %d: delay %v exceeds cap %v", attempt, d, max)
		}
		prev = d
	}

	if got := backoffDelay(base, max, 1); got != base {
		t.Fatalf("first delay = %v, want %v", got, base)
	}
	if got := backoffDelay(base, max, 3); got != 8*time.Second {
		t.Fatalf("third delay = %v, want 8s", got)
	}
	if got := backoffDelay(base, max, 12); got != max {
		t.Fatalf("late delay = %v, want cap %v", got, max)
	}
}

func TestJitterDelayStaysInBand(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := 10 * time.Second
	for i := 0; i < 1000; i++ {
		j := jitterDelay(rng, d)
		if j < 7*time.Second || j > 13*time.Second {
			t.Fatalf("jittered delay %v outside 0.7..1.3 band", j)
		}
	}
}
