// Package operator is the out-of-band human channel. The relay talks to
// recipients over the messaging network; when that session itself is in
// trouble (pairing needed, terminal failure) there is nobody left to message,
// so those signals go to a Telegram chat instead.
package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wagate/internal/eventbus"
	"wagate/internal/runtime/supervisor"
	"wagate/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64
	// RatePerSec throttles outbound operator messages. Default 1.
	RatePerSec float64
}

// Service forwards session-level bus events to the operator chat. Events are
// advisory; if Telegram is down or the throttle kicks in, they are dropped
// and logged, never queued unboundedly.
type Service struct {
	bot     *tele.Bot
	chat    tele.Recipient
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if cfg.Token == "" {
		return nil, errors.New("operator: token required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("operator: chat_id required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("operator: %w", err)
	}

	return &Service{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		bus:     bus,
		log:     log.With(logx.String("comp", "operator")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 2),
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	events, unsub := s.bus.Subscribe(16)
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go0("operator.relay", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.handle(ev)
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) handle(ev eventbus.Event) {
	var text string
	switch ev.Type {
	case eventbus.TypePairingRequired:
		challenge, _ := ev.Data.(string)
		text = "⚠️ *Pairing required*\nScan this code on the primary device:\n`" + challenge + "`"
	case eventbus.TypeSessionTerminal:
		reason, _ := ev.Data.(string)
		text = "🛑 *Session terminated*\n" + reason + "\nAlert delivery is stopped until the service is restarted."
	default:
		return
	}

	if !s.limiter.Allow() {
		s.log.Warn("operator message dropped (throttled)", logx.String("type", ev.Type))
		return
	}
	if _, err := s.bot.Send(s.chat, text, tele.ModeMarkdown); err != nil {
		s.log.Error("operator send failed", logx.String("type", ev.Type), logx.Err(err))
	}
}
