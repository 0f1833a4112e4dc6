package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"wagate/internal/config"
	"wagate/pkg/logx"
)

// networkSuffix is the messaging network's address domain, appended to bare
// phone numbers.
const networkSuffix = "@s.whatsapp.net"

const defaultMinDigits = 10

var ErrInvalidAddress = errors.New("invalid recipient address")

// Recipient is a normalized destination address. Immutable once validated.
type Recipient struct {
	// Digits is the bare phone number (E.164 digits, no "+").
	Digits string
	// JID is the network-qualified address used on the wire.
	JID string
}

func (r Recipient) String() string { return r.Digits }

// Options control normalization.
type Options struct {
	// CountryPrefix is prepended when a number has no country code hint
	// (i.e. did not start with "+" or "00"). Digits only; empty disables.
	CountryPrefix string
	// MinDigits rejects addresses shorter than this after normalization.
	MinDigits int
}

// Normalize canonicalizes a raw phone number: strips formatting, applies the
// country prefix when missing, and appends the network suffix.
//
// Failure cases return ErrInvalidAddress (wrapped with detail): no digits at
// all, or fewer digits than the configured minimum.
func Normalize(raw string, opts Options) (Recipient, error) {
	s := strings.TrimSpace(raw)

	hadPlus := strings.HasPrefix(s, "+")
	// Some installers write international prefixes as "00".
	hadIntl := strings.HasPrefix(s, "00")

	// Accept an already-qualified address; normalize just the number part.
	s = strings.TrimSuffix(s, networkSuffix)

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if hadIntl {
		digits = strings.TrimPrefix(digits, "00")
	}
	if digits == "" {
		return Recipient{}, fmt.Errorf("%w: %q has no digits", ErrInvalidAddress, raw)
	}

	if opts.CountryPrefix != "" && !hadPlus && !hadIntl && !strings.HasPrefix(digits, opts.CountryPrefix) {
		// Local-format number: "0123..." drops the trunk zero before the
		// country code goes on.
		digits = opts.CountryPrefix + strings.TrimPrefix(digits, "0")
	}

	min := opts.MinDigits
	if min <= 0 {
		min = defaultMinDigits
	}
	if len(digits) < min {
		return Recipient{}, fmt.Errorf("%w: %q has %d digits, need at least %d", ErrInvalidAddress, raw, len(digits), min)
	}

	return Recipient{Digits: digits, JID: digits + networkSuffix}, nil
}

// Registry holds the configured recipient set. Membership comes from config;
// Reload swaps the whole set atomically so a dispatch snapshot never observes
// a half-applied update.
type Registry struct {
	mu   sync.RWMutex
	set  []Recipient
	opts Options
	log  logx.Logger
}

func New(cfg config.RecipientsConfig, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the recipient set from config. Invalid entries reject the
// whole reload; the previous set stays active.
func (r *Registry) Reload(cfg config.RecipientsConfig) error {
	opts := Options{CountryPrefix: strings.TrimSpace(cfg.CountryPrefix), MinDigits: cfg.MinDigits}

	next := make([]Recipient, 0, len(cfg.Numbers))
	seen := make(map[string]bool, len(cfg.Numbers))
	for _, raw := range cfg.Numbers {
		rec, err := Normalize(raw, opts)
		if err != nil {
			return fmt.Errorf("recipients: %w", err)
		}
		if seen[rec.Digits] {
			continue
		}
		seen[rec.Digits] = true
		next = append(next, rec)
	}

	r.mu.Lock()
	prev := len(r.set)
	r.set = next
	r.opts = opts
	r.mu.Unlock()

	if prev != 0 && prev != len(next) {
		r.log.Info("recipient registry reloaded", logx.Int("was", prev), logx.Int("now", len(next)))
	}
	return nil
}

// Snapshot returns the current recipient set in registry order. The returned
// slice is a copy; callers may iterate without holding any lock.
func (r *Registry) Snapshot() []Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Recipient(nil), r.set...)
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}

// Normalize applies the registry's configured normalization options.
func (r *Registry) Normalize(raw string) (Recipient, error) {
	r.mu.RLock()
	opts := r.opts
	r.mu.RUnlock()
	return Normalize(raw, opts)
}
