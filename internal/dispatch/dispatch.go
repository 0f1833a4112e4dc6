// Package dispatch fans an admitted alert out to every registered recipient
// and reports exactly one outcome per recipient.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/alert"
	"wagate/internal/eventbus"
	"wagate/internal/registry"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// Outcome classifies one recipient's delivery result.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// FailReason narrows a failed outcome. Failures are recipient-scoped and
// never abort the rest of the fan-out.
type FailReason string

const (
	ReasonNotConnected       FailReason = "not_connected"
	ReasonUnreachableAddress FailReason = "unreachable_address"
	ReasonTransportError     FailReason = "transport_error"
)

// Result is one recipient's outcome for one alert.
type Result struct {
	Recipient string        `json:"recipient"`
	Outcome   Outcome       `json:"outcome"`
	Reason    FailReason    `json:"reason,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
}

// Summary is the complete record of one dispatch. Succeeded is true when at
// least one recipient got the message; partial failure is still a success.
type Summary struct {
	AlertID   string    `json:"alert_id"`
	Results   []Result  `json:"results"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Succeeded bool      `json:"succeeded"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

type Config struct {
	// Workers bounds concurrent per-recipient sends. Default 4.
	Workers int
	// SendTimeout bounds each transport call. Default 30s.
	SendTimeout time.Duration
	// RatePerSec paces transport calls globally; 0 disables pacing.
	RatePerSec float64
	// HistorySize bounds the in-memory summary ring. Default 128.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 128
	}
	return c
}

// StateSource reports the current session state. Satisfied by *session.Manager.
type StateSource interface {
	State() session.State
}

// Recipients yields the current registry contents. Satisfied by *registry.Registry.
type Recipients interface {
	Snapshot() []registry.Recipient
}

var ErrNoRecipients = errors.New("dispatch: recipient registry is empty")

// Engine performs the fan-out. One Dispatch call handles one alert; the
// caller (the gate path) serializes admissions, but Dispatch itself is safe
// for concurrent use.
type Engine struct {
	cfg     Config
	sess    transport.Session
	state   StateSource
	rcpts   Recipients
	store   store.Store
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	history *History
}

func New(cfg Config, sess transport.Session, state StateSource, rcpts Recipients, st store.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return &Engine{
		cfg:     cfg,
		sess:    sess,
		state:   state,
		rcpts:   rcpts,
		store:   st,
		bus:     bus,
		log:     log,
		limiter: lim,
		history: NewHistory(cfg.HistorySize),
	}
}

// History exposes the bounded summary ring for the health surface and the
// maintenance trim job.
func (e *Engine) History() *History { return e.history }

// Dispatch delivers the alert to every recipient in the registry snapshot
// taken at entry. Recipients added mid-flight catch the next alert. The
// returned error covers validation only; per-recipient failures live in the
// summary.
func (e *Engine) Dispatch(ctx context.Context, a alert.Alert) (Summary, error) {
	if err := a.Validate(); err != nil {
		return Summary{}, err
	}
	rcpts := e.rcpts.Snapshot()
	if len(rcpts) == 0 {
		return Summary{}, ErrNoRecipients
	}

	started := time.Now()
	results := make([]Result, len(rcpts))
	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup

	for i, r := range rcpts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, r registry.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.sendOne(ctx, a, r)
		}(i, r)
	}
	wg.Wait()

	sum := Summary{
		AlertID:  a.ID,
		Results:  results,
		Started:  started,
		Finished: time.Now(),
	}
	for _, res := range results {
		if res.Outcome == OutcomeSent {
			sum.Sent++
		} else {
			sum.Failed++
		}
	}
	sum.Succeeded = sum.Sent > 0

	e.history.Record(sum)
	e.audit(ctx, sum)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFinished, Data: sum})
	}
	e.log.Info("dispatch finished",
		logx.String("alert", a.ID),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", sum.Finished.Sub(sum.Started)))
	return sum, nil
}

// sendOne handles a single recipient: connectivity check, address probe, then
// the payload-specific send. Each step that touches the transport runs under
// the per-call timeout.
func (e *Engine) sendOne(ctx context.Context, a alert.Alert, r registry.Recipient) (res Result) {
	res = Result{Recipient: r.Digits, At: time.Now()}
	defer func() { res.Took = time.Since(res.At) }()

	fail := func(reason FailReason, err error) Result {
		res.Outcome = OutcomeFailed
		res.Reason = reason
		if err != nil {
			res.Error = err.Error()
		}
		return res
	}

	if e.state != nil && e.state.State() != session.StateConnected {
		return fail(ReasonNotConnected, nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	if e.limiter != nil {
		// Pacing spends the same per-call budget as the transport: a starved
		// token bucket must not hold a recipient past the send timeout.
		if err := e.limiter.Wait(callCtx); err != nil {
			return fail(ReasonTransportError, err)
		}
	}

	// A failed probe counts as unreachable: without a positive existence
	// answer the send would be a shot in the dark.
	ok, err := e.sess.AddressExists(callCtx, r.JID)
	if err != nil {
		e.log.Warn("address probe failed", logx.String("recipient", r.Digits), logx.Err(err))
		return fail(ReasonUnreachableAddress, err)
	}
	if !ok {
		return fail(ReasonUnreachableAddress, nil)
	}

	var ref transport.MessageRef
	switch a.Payload.Kind {
	case alert.KindText:
		ref, err = e.sess.SendText(callCtx, r.JID, a.Payload.Text)
	case alert.KindImage:
		ref, err = e.sess.SendImage(callCtx, r.JID, a.Payload.Media, a.Payload.MIME, a.Caption)
	case alert.KindVideo:
		ref, err = e.sess.SendVideo(callCtx, r.JID, a.Payload.Media, a.Payload.MIME, a.Caption)
	default:
		return fail(ReasonTransportError, alert.ErrUnknownKind)
	}
	if err != nil {
		e.log.Warn("send failed", logx.String("recipient", r.Digits), logx.Err(err))
		return fail(ReasonTransportError, err)
	}

	res.Outcome = OutcomeSent
	res.MessageID = ref.ID
	return res
}

func (e *Engine) audit(ctx context.Context, sum Summary) {
	if e.store == nil {
		return
	}
	for _, r := range sum.Results {
		entry := store.AuditEntry{
			At:        r.At,
			AlertID:   sum.AlertID,
			Recipient: r.Recipient,
			Outcome:   string(r.Outcome),
			Reason:    string(r.Reason),
			MessageID: r.MessageID,
			TookMS:    r.Took.Milliseconds(),
		}
		// One bad row must not cost the remaining recipients their audit
		// trail.
		if err := e.store.AppendAudit(ctx, entry); err != nil {
			e.log.Error("audit append failed",
				logx.String("recipient", r.Recipient), logx.Err(err))
		}
	}
}
