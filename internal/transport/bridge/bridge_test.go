package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// fakeGateway is a minimal in-process stand-in for the sidecar.
type fakeGateway struct {
	mu     sync.Mutex
	health healthResponse
	creds  []byte

	sendBodies []map[string]any
}

func (g *fakeGateway) setHealth(h healthResponse) {
	g.mu.Lock()
	g.health = h
	g.mu.Unlock()
}

func (g *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		h := g.health
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/credentials", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		creds := g.creds
		g.mu.Unlock()
		_, _ = w.Write(creds)
	})
	mux.HandleFunc("/send-message", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.sendBodies = append(g.sendBodies, body)
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "messageId": "m1"})
	})
	mux.HandleFunc("/send-image", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("phone") == "" {
			http.Error(w, "missing phone", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "messageId": "m2"})
	})
	mux.HandleFunc("/check-number", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Phone string `json:"phone"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"exists": body.Phone != "404@s.whatsapp.net"})
	})
	mux.HandleFunc("/send-fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "number blocked"})
	})
	return mux
}

func newTestBridge(t *testing.T, gw *fakeGateway) (*Bridge, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)
	b, err := New(Config{
		BaseURL:        srv.URL,
		HealthInterval: 5 * time.Millisecond,
		RequestTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return b, srv
}

func collectEvent(t *testing.T, out <-chan transport.Event, want transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-out:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %q event observed", want)
		}
	}
}

func TestPollLoopEmitsLifecycleEvents(t *testing.T) {
	gw := &fakeGateway{}
	gw.setHealth(healthResponse{QRRequired: true, QR: "qr-challenge-1"})
	b, _ := newTestBridge(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan transport.Event, 16)
	if err := b.Start(ctx, out); err != nil {
		t.Fatal(err)
	}
	defer b.Stop(context.Background())

	ev := collectEvent(t, out, transport.EventPairingRequired)
	if ev.Challenge != "qr-challenge-1" {
		t.Fatalf("challenge = %q", ev.Challenge)
	}

	gw.mu.Lock()
	gw.creds = []byte("fresh-blob")
	gw.mu.Unlock()
	gw.setHealth(healthResponse{Connected: true, CredsStamp: "s1"})

	collectEvent(t, out, transport.EventOpened)
	ev = collectEvent(t, out, transport.EventCredentialUpdated)
	if string(ev.Credential) != "fresh-blob" {
		t.Fatalf("credential = %q", ev.Credential)
	}

	gw.setHealth(healthResponse{Connected: false, LoggedOut: true})
	ev = collectEvent(t, out, transport.EventClosed)
	if !ev.LoggedOut {
		t.Fatal("logged-out close not flagged")
	}
}

func TestSendText(t *testing.T) {
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, gw)

	ref, err := b.SendText(context.Background(), "12345678900@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "m1" {
		t.Fatalf("message id = %q", ref.ID)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.sendBodies) != 1 || gw.sendBodies[0]["phone"] != "12345678900@s.whatsapp.net" {
		t.Fatalf("gateway saw %v", gw.sendBodies)
	}
}

func TestSendImageMultipart(t *testing.T) {
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, gw)

	ref, err := b.SendImage(context.Background(), "12345678900@s.whatsapp.net", []byte{0xFF, 0xD8}, "image/jpeg", "cap")
	if err != nil {
		t.Fatal(err)
	}
	if ref.ID != "m2" {
		t.Fatalf("message id = %q", ref.ID)
	}
}

func TestAddressExists(t *testing.T) {
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, gw)

	ok, err := b.AddressExists(context.Background(), "12345678900@s.whatsapp.net")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	ok, err = b.AddressExists(context.Background(), "404@s.whatsapp.net")
	if err != nil || ok {
		t.Fatalf("missing address: ok=%v err=%v", ok, err)
	}
}

func TestGatewayErrorSurfaced(t *testing.T) {
	gw := &fakeGateway{}
	b, _ := newTestBridge(t, gw)

	err := b.postJSON(context.Background(), "/send-fail", map[string]any{}, nil)
	if err == nil || err.Error() != "gateway: number blocked" {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty base url accepted")
	}
}
