package alert

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewFillsDefaults(t *testing.T) {
	a, err := New("", "fire|gate-a", "", Payload{Kind: KindText, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" {
		t.Fatal("id not generated")
	}
	if a.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}

	b, err := New("custom-id", "fire|gate-a", "", Payload{Kind: KindText, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "custom-id" {
		t.Fatalf("id = %q, want custom-id", b.ID)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		a    Alert
		want error
	}{
		{
			name: "valid text",
			a:    Alert{DedupeKey: "k", Payload: Payload{Kind: KindText, Text: "x"}},
		},
		{
			name: "valid image",
			a:    Alert{DedupeKey: "k", Payload: Payload{Kind: KindImage, Media: []byte{1}}},
		},
		{
			name: "missing dedupe key",
			a:    Alert{Payload: Payload{Kind: KindText, Text: "x"}},
			want: ErrMissingDedupeKey,
		},
		{
			name: "blank text",
			a:    Alert{DedupeKey: "k", Payload: Payload{Kind: KindText, Text: "   "}},
			want: ErrEmptyPayload,
		},
		{
			name: "video without media",
			a:    Alert{DedupeKey: "k", Payload: Payload{Kind: KindVideo}},
			want: ErrEmptyPayload,
		},
		{
			name: "unknown kind",
			a:    Alert{DedupeKey: "k", Payload: Payload{Kind: "audio"}},
			want: ErrUnknownKind,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.a.Validate()
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFormatNotification(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	got := FormatNotification(Notification{
		AlertID:     "a-1",
		Types:       []string{"fire", "smoke"},
		At:          at,
		Description: "flames detected near gate A",
	})

	for _, want := range []string{
		"*ALERT NOTIFICATION*",
		"Alert ID: a-1",
		"Type: fire, smoke",
		"Timestamp: 2026-08-01T12:30:00Z",
		"Priority: High",
		"flames detected near gate A",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted text missing %q:\n%s", want, got)
		}
	}
}

func TestDedupeKeyFor(t *testing.T) {
	cases := []struct {
		types    []string
		location string
		want     string
	}{
		{[]string{"Fire", " Smoke "}, "Gate A", "fire|smoke|gate a"},
		{[]string{"fire"}, "", "fire"},
		{nil, "dock", "dock"},
		{[]string{"", "  "}, "", ""},
	}
	for _, tc := range cases {
		if got := DedupeKeyFor(tc.types, tc.location); got != tc.want {
			t.Errorf("DedupeKeyFor(%v, %q) = %q, want %q", tc.types, tc.location, got, tc.want)
		}
	}
}
