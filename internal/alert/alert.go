package alert

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind tags the payload union. The dispatch engine switches exhaustively on
// it; an unknown kind is a caller bug and is rejected up front.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Payload is the tagged union of sendable content. Exactly the fields for the
// tagged kind are meaningful; the rest stay zero.
type Payload struct {
	Kind Kind

	// Text body (KindText).
	Text string

	// Media bytes + content type (KindImage, KindVideo).
	Media    []byte
	MIME     string
	FileName string
}

// Alert is one outbound notification. Immutable after construction.
type Alert struct {
	// ID is caller-supplied; New fills a fallback when empty. Uniqueness
	// across callers is their responsibility.
	ID string

	// DedupeKey identifies "the same kind of alert" for gating purposes
	// (e.g. violation type + location).
	DedupeKey string

	// Caption accompanies media payloads; ignored for text.
	Caption string

	Payload   Payload
	CreatedAt time.Time
}

var (
	ErrEmptyPayload     = errors.New("alert payload is empty")
	ErrUnknownKind      = errors.New("alert payload kind is unknown")
	ErrMissingDedupeKey = errors.New("alert dedupe key is empty")
)

// New builds an immutable Alert, filling ID and CreatedAt when absent.
func New(id, dedupeKey, caption string, p Payload) (Alert, error) {
	a := Alert{
		ID:        strings.TrimSpace(id),
		DedupeKey: strings.TrimSpace(dedupeKey),
		Caption:   caption,
		Payload:   p,
		CreatedAt: time.Now(),
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := a.Validate(); err != nil {
		return Alert{}, err
	}
	return a, nil
}

func (a Alert) Validate() error {
	if a.DedupeKey == "" {
		return ErrMissingDedupeKey
	}
	switch a.Payload.Kind {
	case KindText:
		if strings.TrimSpace(a.Payload.Text) == "" {
			return ErrEmptyPayload
		}
	case KindImage, KindVideo:
		if len(a.Payload.Media) == 0 {
			return ErrEmptyPayload
		}
	default:
		return ErrUnknownKind
	}
	return nil
}
