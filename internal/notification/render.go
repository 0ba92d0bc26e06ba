package notification

import (
	"fmt"
	"strings"
)

// renderSubject builds the one-line headline shared by email subjects and
// chat message titles.
func renderSubject(p *AlertPayload) string {
	if p.Status == "resolved" {
		return fmt.Sprintf("Alert resolved: %s", p.MonitorName)
	}
	return fmt.Sprintf("Alert triggered: %s", p.MonitorName)
}

// renderBody builds the plain-text detail block used by email and the
// larger chat channels.
func renderBody(p *AlertPayload) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Monitor: %s\n", p.MonitorName)
	if p.MonitorURL != "" {
		fmt.Fprintf(&sb, "Target: %s\n", p.MonitorURL)
	}
	fmt.Fprintf(&sb, "Status: %s\n", p.Status)
	if p.Message != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", p.Message)
	}
	if p.ResponseTimeMs != nil {
		fmt.Fprintf(&sb, "Response time: %d ms\n", *p.ResponseTimeMs)
	}
	if p.StatusCode != nil {
		fmt.Fprintf(&sb, "HTTP status: %d\n", *p.StatusCode)
	}
	fmt.Fprintf(&sb, "At: %s\n", p.Timestamp)
	if p.DashboardURL != "" {
		fmt.Fprintf(&sb, "\n%s\n", p.DashboardURL)
	}
	return sb.String()
}

// renderText builds the compact single-message summary used by sms, irc,
// twitter, and the terser chat channels.
func renderText(p *AlertPayload) string {
	verb := "is failing"
	if p.Status == "resolved" {
		verb = "has recovered"
	}
	text := fmt.Sprintf("%s %s", p.MonitorName, verb)
	if p.Message != "" {
		text += ": " + p.Message
	}
	if p.DashboardURL != "" {
		text += " " + p.DashboardURL
	}
	return text
}

// truncateRunes cuts s to at most max runes. Carrier and platform limits
// count characters, not bytes.
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
