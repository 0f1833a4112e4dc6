package gate

import (
	"sync"
	"testing"
	"time"

	"wagate/internal/alert"
	"wagate/pkg/logx"
)

func testAlert(key string) alert.Alert {
	return alert.Alert{
		ID:        "a-" + key,
		DedupeKey: key,
		Payload:   alert.Payload{Kind: alert.KindText, Text: "x"},
	}
}

// newTestGate returns a gate with a controllable clock.
func newTestGate(cfg Config) (*Gate, *time.Time) {
	g := New(cfg, nil, logx.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAdmitCooldown(t *testing.T) {
	g, now := newTestGate(Config{Cooldown: 45 * time.Second})

	if d := g.Admit(testAlert("fire|gate-a")); !d.Admitted {
		t.Fatalf("first alert suppressed: %+v", d)
	}

	*now = now.Add(10 * time.Second)
	d := g.Admit(testAlert("fire|gate-a"))
	if d.Admitted {
		t.Fatal("alert inside cooldown was admitted")
	}
	if d.Reason != ReasonRateLimited {
		t.Fatalf("reason = %q, want %q", d.Reason, ReasonRateLimited)
	}
	if want := now.Add(35 * time.Second); !d.NextEligible.Equal(want) {
		t.Fatalf("next eligible = %v, want %v", d.NextEligible, want)
	}

	// A different key is unaffected.
	if d := g.Admit(testAlert("smoke|gate-b")); !d.Admitted {
		t.Fatalf("unrelated key suppressed: %+v", d)
	}

	*now = now.Add(36 * time.Second)
	if d := g.Admit(testAlert("fire|gate-a")); !d.Admitted {
		t.Fatalf("alert after cooldown suppressed: %+v", d)
	}
}

func TestAdmitHourlyCap(t *testing.T) {
	g, now := newTestGate(Config{Cooldown: time.Millisecond, HourlyMax: 3})

	admitted := 0
	for i := 0; i < 5; i++ {
		if d := g.Admit(testAlert("k")); d.Admitted {
			admitted++
		} else if d.Reason != ReasonHourlyCap {
			t.Fatalf("reason = %q, want %q", d.Reason, ReasonHourlyCap)
		}
		*now = now.Add(time.Second)
	}
	if admitted != 3 {
		t.Fatalf("admitted %d alerts, cap is 3", admitted)
	}
}

func TestAdmitSingleWinnerUnderContention(t *testing.T) {
	g, _ := newTestGate(Config{Cooldown: time.Minute})

	const n = 32
	var wg sync.WaitGroup
	results := make([]Decision, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = g.Admit(testAlert("same-key"))
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, d := range results {
		if d.Admitted {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("%d concurrent alerts admitted, want exactly 1", winners)
	}
}

func TestSweepEvictsIdleKeys(t *testing.T) {
	g, now := newTestGate(Config{Cooldown: time.Second, Retention: time.Hour})

	g.Admit(testAlert("old"))
	*now = now.Add(30 * time.Minute)
	g.Admit(testAlert("fresh"))

	*now = now.Add(45 * time.Minute) // "old" is now 75m idle, "fresh" 45m
	if removed := g.Sweep(*now); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if st := g.Stats(); st.Keys != 1 {
		t.Fatalf("keys after sweep = %d, want 1", st.Keys)
	}

	// Evicted key starts a fresh cooldown.
	if d := g.Admit(testAlert("old")); !d.Admitted {
		t.Fatalf("re-admission after eviction suppressed: %+v", d)
	}
}

func TestStatsCounters(t *testing.T) {
	g, _ := newTestGate(Config{Cooldown: time.Minute})

	g.Admit(testAlert("k"))
	g.Admit(testAlert("k"))
	g.Admit(testAlert("k"))

	st := g.Stats()
	if st.Admitted != 1 || st.Suppressed != 2 {
		t.Fatalf("stats = %+v, want 1 admitted / 2 suppressed", st)
	}
}

func TestApplyLowersHourlyCap(t *testing.T) {
	g, now := newTestGate(Config{Cooldown: time.Millisecond, HourlyMax: 100})

	g.Admit(testAlert("k"))
	g.Apply(Config{Cooldown: time.Millisecond, HourlyMax: 1})

	// The rebuilt bucket starts full: one admission drains it, the next is
	// blocked by the new cap.
	*now = now.Add(time.Second)
	if d := g.Admit(testAlert("k")); !d.Admitted {
		t.Fatalf("first alert after rebuild suppressed: %+v", d)
	}
	*now = now.Add(time.Second)
	if d := g.Admit(testAlert("k")); d.Admitted {
		t.Fatal("alert admitted past the lowered cap")
	}
}
