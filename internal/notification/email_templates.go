package notification

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

// emailData feeds both the text and the HTML template.
type emailData struct {
	Time       string
	SystemName string
	AlertID    string
	Regions    int
	Area       int
	Snapshot   bool
}

type emailTemplate struct {
	Subject  string
	TextBody string
	HTMLBody string
}

var motionAlertTemplate = emailTemplate{
	Subject: "Motion Detected: CCTV Alert",
	TextBody: `Motion detected by your CCTV system. Please check your surroundings.

Time:    {{.Time}}
Camera:  {{.SystemName}}
Regions: {{.Regions}} ({{.Area}} px²)
Alert:   {{.AlertID}}
{{if .Snapshot}}
A snapshot of the triggering frame is attached.
{{end}}`,
	HTMLBody: `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Motion Detected</title></head>
<body style="font-family: -apple-system, Segoe UI, Roboto, sans-serif; color: #1f2933;">
  <h2 style="color: #b42318;">Motion detected</h2>
  <p>Motion detected by your CCTV system. Please check your surroundings.</p>
  <table cellpadding="4">
    <tr><td><strong>Time</strong></td><td>{{.Time}}</td></tr>
    <tr><td><strong>Camera</strong></td><td>{{.SystemName}}</td></tr>
    <tr><td><strong>Regions</strong></td><td>{{.Regions}} ({{.Area}} px²)</td></tr>
  </table>
  {{if .Snapshot}}<p>A snapshot of the triggering frame is attached.</p>{{end}}
  <p style="font-size: 11px; color: #7b8794;">Alert ID {{.AlertID}}</p>
</body>
</html>`,
}

var testEmailTemplate = emailTemplate{
	Subject: "Motion Alarm: email configuration test",
	TextBody: `This is a test message from {{.SystemName}}.

Email alerts are configured correctly. Sent {{.Time}}.
`,
	HTMLBody: `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Email test</title></head>
<body style="font-family: -apple-system, Segoe UI, Roboto, sans-serif;">
  <h2>Email alerts are working</h2>
  <p>This is a test message from {{.SystemName}}, sent {{.Time}}.</p>
</body>
</html>`,
}

func newEmailData(ev Event) emailData {
	return emailData{
		Time:       ev.Time.Format("Monday, January 2, 2006 at 3:04:05 PM MST"),
		SystemName: ev.SystemName,
		AlertID:    ev.ID,
		Regions:    len(ev.Regions),
		Area:       int(ev.Area),
		Snapshot:   len(ev.Snapshot) > 0,
	}
}

// render executes both bodies of tmpl.
func (tmpl emailTemplate) render(data emailData) (textBody, htmlBody string, err error) {
	tt, err := texttemplate.New("text").Parse(tmpl.TextBody)
	if err != nil {
		return "", "", fmt.Errorf("parse text template: %w", err)
	}
	var textBuf bytes.Buffer
	if err := tt.Execute(&textBuf, data); err != nil {
		return "", "", fmt.Errorf("execute text template: %w", err)
	}

	ht, err := htmltemplate.New("html").Parse(tmpl.HTMLBody)
	if err != nil {
		return "", "", fmt.Errorf("parse HTML template: %w", err)
	}
	var htmlBuf bytes.Buffer
	if err := ht.Execute(&htmlBuf, data); err != nil {
		return "", "", fmt.Errorf("execute HTML template: %w", err)
	}

	return textBuf.String(), htmlBuf.String(), nil
}

// threadID keeps every alert in one conversation in the recipient's client.
const threadID = "motion-alerts@motionalarm.local"

// NewAlertMessage renders the motion alert email for ev.
func NewAlertMessage(ev Event, from, to string) (*Message, error) {
	return newMessage(motionAlertTemplate, ev, from, to, true)
}

// NewTestMessage renders the configuration test email.
func NewTestMessage(systemName, from, to string) (*Message, error) {
	ev := Event{ID: fmt.Sprintf("test-%d", time.Now().UnixNano()), Time: time.Now(), SystemName: systemName}
	return newMessage(testEmailTemplate, ev, from, to, false)
}

func newMessage(tmpl emailTemplate, ev Event, from, to string, threaded bool) (*Message, error) {
	textBody, htmlBody, err := tmpl.render(newEmailData(ev))
	if err != nil {
		return nil, err
	}

	m := &Message{
		From:       from,
		FromName:   ev.SystemName,
		To:         to,
		Subject:    tmpl.Subject,
		TextBody:   textBody,
		HTMLBody:   htmlBody,
		Date:       ev.Time,
		MessageID:  ev.ID + "@motionalarm.local",
		AlertID:    ev.ID,
		SystemName: ev.SystemName,
		Snapshot:   ev.Snapshot,
	}
	if threaded {
		m.InReplyTo = threadID
	}
	return m, nil
}
