// Package transport defines the dependency surface of the messaging network.
//
// The network's wire and auth protocol is owned by an external gateway; this
// package only names the capabilities the relay core calls (connect, scoped
// sends, address probes) and the asynchronous connection events it observes.
package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	// EventOpened means the network reports an open, authenticated connection.
	EventOpened EventKind = "opened"
	// EventClosed means the connection dropped. LoggedOut distinguishes a
	// server-side logout (fatal, credential invalid) from a recoverable drop.
	EventClosed EventKind = "closed"
	// EventPairingRequired carries a pairing challenge the operator must
	// complete out-of-band. The challenge has a validity window and is never
	// stored.
	EventPairingRequired EventKind = "pairing_required"
	// EventCredentialUpdated carries fresh durable credential material. The
	// receiver must persist it before acting on anything else.
	EventCredentialUpdated EventKind = "credential_updated"
)

// Event is one connection-state change delivered by the session.
type Event struct {
	Kind EventKind
	At   time.Time

	// Challenge is set for EventPairingRequired.
	Challenge string

	// LoggedOut and Err qualify EventClosed.
	LoggedOut bool
	Err       error

	// Credential is set for EventCredentialUpdated. Opaque blob; the core
	// stores it without parsing.
	Credential []byte
}

// MessageRef identifies an accepted outbound message.
type MessageRef struct {
	ID string
	At time.Time
}

// Session owns one logical connection to the messaging network.
//
// Start begins delivering connection events on out; events stop when Stop is
// called or ctx is canceled. Connect asks the network to establish the
// logical session using the given credential blob (nil requests a fresh
// pairing). All calls honor ctx cancellation.
type Session interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	Connect(ctx context.Context, credential []byte) error

	// Logout asks the network to invalidate the session server-side. The
	// resulting EventClosed arrives with LoggedOut set.
	Logout(ctx context.Context) error

	SendText(ctx context.Context, to string, text string) (MessageRef, error)
	SendImage(ctx context.Context, to string, media []byte, mime, caption string) (MessageRef, error)
	SendVideo(ctx context.Context, to string, media []byte, mime, caption string) (MessageRef, error)

	// AddressExists reports whether the destination is present on the network.
	AddressExists(ctx context.Context, to string) (bool, error)
}
