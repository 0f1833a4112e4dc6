// Package transporttest provides a scriptable in-memory transport.Session for
// tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/transport"
)

// Fake implements transport.Session. Zero value is usable: every address
// exists and every send succeeds with a generated message id.
type Fake struct {
	mu sync.Mutex

	out     chan<- transport.Event
	started bool

	connectCalls int
	logoutCalls  int
	sendCalls    int
	existsCalls  int

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error

	// Missing addresses report exists=false; ExistsErr fails the probe.
	Missing   map[string]bool
	ExistsErr error

	// SendFunc, when set, decides the outcome of every send. to is the wire
	// address, kind is "text", "image" or "video".
	SendFunc func(ctx context.Context, kind, to string) (transport.MessageRef, error)

	seq int
}

var _ transport.Session = (*Fake)(nil)

func (f *Fake) Start(ctx context.Context, out chan<- transport.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	f.started = true
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

// Emit delivers a connection event as the real transport would. It blocks
// until the consumer takes it.
func (f *Fake) Emit(ev transport.Event) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		panic("transporttest: Emit before Start")
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	out <- ev
}

func (f *Fake) Connect(ctx context.Context, credential []byte) error {
	f.mu.Lock()
	f.connectCalls++
	err := f.ConnectErr
	f.mu.Unlock()
	return err
}

func (f *Fake) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logoutCalls++
	f.mu.Unlock()
	return nil
}

func (f *Fake) SendText(ctx context.Context, to, text string) (transport.MessageRef, error) {
	return f.send(ctx, "text", to)
}

func (f *Fake) SendImage(ctx context.Context, to string, media []byte, mime, caption string) (transport.MessageRef, error) {
	return f.send(ctx, "image", to)
}

func (f *Fake) SendVideo(ctx context.Context, to string, media []byte, mime, caption string) (transport.MessageRef, error) {
	return f.send(ctx, "video", to)
}

func (f *Fake) send(ctx context.Context, kind, to string) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sendCalls++
	f.seq++
	seq := f.seq
	fn := f.SendFunc
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if fn != nil {
		return fn(ctx, kind, to)
	}
	return transport.MessageRef{ID: fmt.Sprintf("m%d", seq), At: time.Now()}, nil
}

func (f *Fake) AddressExists(ctx context.Context, to string) (bool, error) {
	f.mu.Lock()
	f.existsCalls++
	missing := f.Missing[to]
	err := f.ExistsErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return !missing, nil
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *Fake) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *Fake) ExistsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existsCalls
}

// Err is a convenience sentinel for scripting failures.
var Err = errors.New("transporttest: scripted failure")
