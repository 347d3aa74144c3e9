package email

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
)

// Alert is the content of a critical security event notification
type Alert struct {
	EventType   string
	Description string
	PrincipalID string
	IPAddress   string
	UserAgent   string
	OccurredAt  time.Time
	Details     map[string]interface{}
}

// AlertMessage renders a to a mail for recipients
func AlertMessage(a Alert, recipients []string) Message {
	return Message{
		To:       recipients,
		Subject:  fmt.Sprintf("[CRITICAL] Security event: %s", a.Description),
		HTMLBody: AlertHTML(a),
		TextBody: AlertText(a),
	}
}

// AlertText returns the plain-text body of an alert mail
func AlertText(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A critical security event was recorded.\n\n")
	for _, row := range alertRows(a) {
		fmt.Fprintf(&b, "%-12s %s\n", row[0]+":", row[1])
	}
	return b.String()
}

// AlertHTML returns the HTML body of an alert mail
func AlertHTML(a Alert) string {
	var rows strings.Builder
	for _, row := range alertRows(a) {
		fmt.Fprintf(&rows,
			`<tr><td style="padding:4px 12px;color:#8888a0;">%s</td><td style="padding:4px 12px;font-family:'Courier New',monospace;color:#1a1a2e;">%s</td></tr>`+"\n",
			html.EscapeString(row[0]), html.EscapeString(row[1]))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Critical security event</title></head>
<body style="margin:0;padding:24px;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<h1 style="margin:0 0 16px;font-size:20px;color:#b00020;">%s</h1>
<table cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;">
%s</table>
<p style="font-size:12px;color:#aaaabc;">This is an automated message, please do not reply.</p>
</body>
</html>`, html.EscapeString(a.Description), rows.String())
}

func alertRows(a Alert) [][2]string {
	principal := a.PrincipalID
	if principal == "" {
		principal = "(anonymous)"
	}
	rows := [][2]string{
		{"Event", a.EventType},
		{"Principal", principal},
		{"IP address", a.IPAddress},
		{"User agent", a.UserAgent},
		{"Time", a.OccurredAt.UTC().Format(time.RFC3339)},
	}

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, [2]string{k, fmt.Sprint(a.Details[k])})
	}
	return rows
}
