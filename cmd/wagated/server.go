package main

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"wagate/internal/alert"
	"wagate/internal/app"
	"wagate/internal/dispatch"
)

// maxMediaBytes bounds uploaded media (form parsing buffer, not a hard cap on
// what the network accepts downstream).
const maxMediaBytes = 32 << 20

// startHTTP brings up the front-door shim, or returns (nil, nil) when no
// listen address is configured. The listener is opened synchronously so a bad
// address fails startup instead of a background goroutine.
func startHTTP(a *app.App) (*http.Server, error) {
	addr := a.HTTPListen()
	if addr == "" {
		return nil, nil
	}

	s := &server{app: a}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /send-image", s.handleMedia(alert.KindImage))
	mux.HandleFunc("POST /send-video", s.handleMedia(alert.KindVideo))
	mux.HandleFunc("POST /logout", s.handleLogout)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}

type server struct {
	app *app.App
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.app.Health()
	code := http.StatusOK
	if !snap.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

// sendRequest mirrors the detection pipeline's alert payload.
type sendRequest struct {
	AlertID     string   `json:"alert_id"`
	AlertTypes  []string `json:"alert_types"`
	Timestamp   string   `json:"timestamp,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Description string   `json:"description"`
	Location    string   `json:"location,omitempty"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	at := time.Now()
	if req.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		at = t
	}

	text := alert.FormatNotification(alert.Notification{
		AlertID:     req.AlertID,
		Types:       req.AlertTypes,
		At:          at,
		Priority:    req.Priority,
		Description: req.Description,
	})
	al, err := alert.New(req.AlertID, alert.DedupeKeyFor(req.AlertTypes, req.Location), "",
		alert.Payload{Kind: alert.KindText, Text: text})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.notify(w, r, al)
}

func (s *server) handleMedia(kind alert.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxMediaBytes); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f, hdr, err := r.FormFile("media")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer f.Close()
		media, err := io.ReadAll(io.LimitReader(f, maxMediaBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		types := splitList(r.FormValue("alert_types"))
		al, err := alert.New(
			r.FormValue("alert_id"),
			alert.DedupeKeyFor(types, r.FormValue("location")),
			r.FormValue("caption"),
			alert.Payload{
				Kind:     kind,
				Media:    media,
				MIME:     mediaMIME(hdr),
				FileName: hdr.Filename,
			})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.notify(w, r, al)
	}
}

func (s *server) notify(w http.ResponseWriter, r *http.Request, al alert.Alert) {
	sum, dec, err := s.app.Notify(r.Context(), al)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrNoRecipients) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	if !dec.Admitted {
		writeJSON(w, http.StatusTooManyRequests, suppressedResponse{
			Status:       "suppressed",
			Reason:       string(dec.Reason),
			NextEligible: dec.NextEligible,
		})
		return
	}
	code := http.StatusOK
	if !sum.Succeeded {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, sentResponse{Status: status(sum), Summary: sum})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Logout(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "logout requested"})
}

type suppressedResponse struct {
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	NextEligible time.Time `json:"next_eligible,omitempty"`
}

type sentResponse struct {
	Status  string           `json:"status"`
	Summary dispatch.Summary `json:"summary"`
}

func status(sum dispatch.Summary) string {
	if sum.Succeeded {
		return "sent"
	}
	return "failed"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mediaMIME(hdr *multipart.FileHeader) string {
	ct := hdr.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		return ""
	}
	return ct
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
