package alert

import (
	"fmt"
	"strings"
	"time"
)

// Notification carries the operator-facing fields of a detection alert.
type Notification struct {
	AlertID     string
	Types       []string
	At          time.Time
	Priority    string
	Description string
}

// FormatNotification renders the standard alert text body.
func FormatNotification(n Notification) string {
	priority := n.Priority
	if priority == "" {
		priority = "High"
	}
	var b strings.Builder
	b.WriteString("*ALERT NOTIFICATION*\n\n")
	fmt.Fprintf(&b, "Alert ID: %s\n", n.AlertID)
	fmt.Fprintf(&b, "Type: %s\n", strings.Join(n.Types, ", "))
	fmt.Fprintf(&b, "Timestamp: %s\n", n.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "Priority: %s\n\n", priority)
	b.WriteString("Description:\n")
	b.WriteString(n.Description)
	return b.String()
}

// DedupeKeyFor derives the gating key for a detection alert: the violation
// types plus location, normalized for stable comparison.
func DedupeKeyFor(types []string, location string) string {
	parts := make([]string, 0, len(types)+1)
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			parts = append(parts, t)
		}
	}
	loc := strings.ToLower(strings.TrimSpace(location))
	if loc != "" {
		parts = append(parts, loc)
	}
	return strings.Join(parts, "|")
}
