// Package bridge implements transport.Session against a sidecar gateway that
// owns the actual messaging-network connection (a Baileys-style process
// speaking plain JSON over HTTP on localhost).
//
// Gateway surface used:
//
//	GET  /health          -> {connected, qrRequired, qr, loggedOut, credsStamp}
//	GET  /credentials     -> opaque credential blob
//	POST /connect         <- {credential: base64|null}
//	POST /logout
//	POST /send-message    <- {phone, message}            -> {messageId}
//	POST /send-image      <- multipart phone/caption/media -> {messageId}
//	POST /send-video      <- multipart phone/caption/media -> {messageId}
//	POST /check-number    <- {phone}                     -> {exists}
//
// Connection-state changes are derived by polling /health and diffing against
// the previously observed state; the gateway keeps no event stream of its own.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"wagate/internal/transport"
	"wagate/pkg/logx"
)

type Config struct {
	BaseURL        string
	HealthInterval time.Duration
	RequestTimeout time.Duration
}

// consecutive health-poll failures tolerated before the connection is
// reported closed.
const pollFailureThreshold = 3

type Bridge struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Bridge, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("bridge base url is empty")
	}
	cfg.BaseURL = base
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

type healthResponse struct {
	Connected  bool   `json:"connected"`
	QRRequired bool   `json:"qrRequired"`
	QR         string `json:"qr,omitempty"`
	LoggedOut  bool   `json:"loggedOut,omitempty"`
	CredsStamp string `json:"credsStamp,omitempty"`
}

func (b *Bridge) Start(ctx context.Context, out chan<- transport.Event) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runWG.Add(1)
	b.runMu.Unlock()

	go func() {
		defer b.runWG.Done()
		b.pollLoop(rctx, out)
	}()
	return nil
}

func (b *Bridge) Stop(ctx context.Context) error {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.runCancel
	b.runCancel = nil
	b.runMu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollLoop diffs /health snapshots into transport events. Events are
// delivered in order; delivery blocks until the consumer takes the event
// (the session manager drains promptly) or ctx ends.
func (b *Bridge) pollLoop(ctx context.Context, out chan<- transport.Event) {
	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	var (
		connected  bool
		lastQR     string
		lastStamp  string
		pollFails  int
		everPolled bool
	)

	emit := func(ev transport.Event) bool {
		ev.At = time.Now()
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h, err := b.health(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pollFails++
			b.log.Debug("gateway health poll failed", logx.Err(err), logx.Int("consecutive", pollFails))
			// A dead gateway means the connection is unusable; report it
			// closed once, then stay quiet until it answers again.
			if connected && pollFails >= pollFailureThreshold {
				connected = false
				if !emit(transport.Event{Kind: transport.EventClosed, Err: fmt.Errorf("gateway unreachable: %w", err)}) {
					return
				}
			}
			continue
		}
		pollFails = 0

		if h.QRRequired && h.QR != "" && h.QR != lastQR {
			lastQR = h.QR
			if !emit(transport.Event{Kind: transport.EventPairingRequired, Challenge: h.QR}) {
				return
			}
		}

		if h.Connected && !connected {
			connected = true
			lastQR = ""
			if !emit(transport.Event{Kind: transport.EventOpened}) {
				return
			}
		}
		if !h.Connected && (connected || (!everPolled && h.LoggedOut)) {
			connected = false
			ev := transport.Event{Kind: transport.EventClosed, LoggedOut: h.LoggedOut}
			if h.LoggedOut {
				ev.Err = errors.New("logged out by server")
			} else {
				ev.Err = errors.New("connection closed")
			}
			if !emit(ev) {
				return
			}
		}

		if h.CredsStamp != "" && h.CredsStamp != lastStamp {
			lastStamp = h.CredsStamp
			blob, err := b.credentials(ctx)
			if err != nil {
				b.log.Warn("credential fetch failed", logx.Err(err))
			} else if !emit(transport.Event{Kind: transport.EventCredentialUpdated, Credential: blob}) {
				return
			}
		}

		everPolled = true
	}
}

func (b *Bridge) health(ctx context.Context) (healthResponse, error) {
	var h healthResponse
	err := b.getJSON(ctx, "/health", &h)
	return h, err
}

func (b *Bridge) credentials(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/credentials", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credentials: gateway returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (b *Bridge) Connect(ctx context.Context, credential []byte) error {
	body := map[string]any{"credential": nil}
	if len(credential) > 0 {
		body["credential"] = base64.StdEncoding.EncodeToString(credential)
	}
	return b.postJSON(ctx, "/connect", body, nil)
}

func (b *Bridge) Logout(ctx context.Context) error {
	return b.postJSON(ctx, "/logout", map[string]any{}, nil)
}

type sendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error,omitempty"`
}

func (b *Bridge) SendText(ctx context.Context, to, text string) (transport.MessageRef, error) {
	var r sendResponse
	err := b.postJSON(ctx, "/send-message", map[string]any{"phone": to, "message": text}, &r)
	return refFrom(r, err)
}

func (b *Bridge) SendImage(ctx context.Context, to string, media []byte, mime, caption string) (transport.MessageRef, error) {
	return b.sendMedia(ctx, "/send-image", to, media, mime, caption)
}

func (b *Bridge) SendVideo(ctx context.Context, to string, media []byte, mime, caption string) (transport.MessageRef, error) {
	return b.sendMedia(ctx, "/send-video", to, media, mime, caption)
}

func (b *Bridge) sendMedia(ctx context.Context, path, to string, media []byte, mime, caption string) (transport.MessageRef, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("phone", to); err != nil {
		return transport.MessageRef{}, err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return transport.MessageRef{}, err
		}
	}
	fw, err := mw.CreateFormFile("media", "media")
	if err != nil {
		return transport.MessageRef{}, err
	}
	if _, err := fw.Write(media); err != nil {
		return transport.MessageRef{}, err
	}
	if mime != "" {
		if err := mw.WriteField("mime", mime); err != nil {
			return transport.MessageRef{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return transport.MessageRef{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, &buf)
	if err != nil {
		return transport.MessageRef{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.http.Do(req)
	if err != nil {
		return transport.MessageRef{}, err
	}
	defer resp.Body.Close()

	var r sendResponse
	if err := decodeResponse(resp, &r); err != nil {
		return transport.MessageRef{}, err
	}
	return refFrom(r, nil)
}

func (b *Bridge) AddressExists(ctx context.Context, to string) (bool, error) {
	var r struct {
		Exists bool `json:"exists"`
	}
	if err := b.postJSON(ctx, "/check-number", map[string]any{"phone": to}, &r); err != nil {
		return false, err
	}
	return r.Exists, nil
}

func refFrom(r sendResponse, err error) (transport.MessageRef, error) {
	if err != nil {
		return transport.MessageRef{}, err
	}
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = "send rejected by gateway"
		}
		return transport.MessageRef{}, errors.New(msg)
	}
	return transport.MessageRef{ID: r.MessageID, At: time.Now()}, nil
}

func (b *Bridge) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (b *Bridge) postJSON(ctx context.Context, path string, body, out any) error {
	jb, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(jb))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Gateways report errors as {"error": "..."}; fall back to status.
		var e struct {
			Error string `json:"error"`
		}
		if b, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			if json.Unmarshal(b, &e) == nil && e.Error != "" {
				return fmt.Errorf("gateway: %s", e.Error)
			}
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
