package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"time"
)

// Message is a rendered alert email.
type Message struct {
	From       string
	FromName   string
	To         string
	Subject    string
	TextBody   string
	HTMLBody   string
	Date       time.Time
	MessageID  string
	InReplyTo  string
	AlertID    string
	SystemName string
	Snapshot   []byte
}

// Bytes encodes the message as multipart/mixed: a text/HTML alternative
// part followed by the snapshot as an inline JPEG when present.
func (m *Message) Bytes() ([]byte, error) {
	var body bytes.Buffer
	mixed := multipart.NewWriter(&body)

	if err := m.writeAlternative(mixed); err != nil {
		return nil, err
	}
	if len(m.Snapshot) > 0 {
		if err := m.writeSnapshot(mixed); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var out bytes.Buffer
	m.writeHeaders(&out, mixed.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (m *Message) writeHeaders(buf *bytes.Buffer, boundary string) {
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	from := m.From
	if m.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", m.FromName), m.From)
	}

	h := []struct{ key, value string }{
		{"From", from},
		{"To", m.To},
		{"Subject", mime.QEncoding.Encode("utf-8", m.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/mixed; boundary=" + boundary},
	}
	if m.MessageID != "" {
		h = append(h, struct{ key, value string }{"Message-ID", "<" + m.MessageID + ">"})
	}
	if m.InReplyTo != "" {
		h = append(h,
			struct{ key, value string }{"In-Reply-To", "<" + m.InReplyTo + ">"},
			struct{ key, value string }{"References", "<" + m.InReplyTo + ">"})
	}
	// keep vacation responders quiet
	h = append(h,
		struct{ key, value string }{"Auto-Submitted", "auto-generated"},
		struct{ key, value string }{"X-Auto-Response-Suppress", "All"},
		struct{ key, value string }{"X-Priority", "2"})
	if m.AlertID != "" {
		h = append(h, struct{ key, value string }{"X-Alert-ID", m.AlertID})
	}

	for _, kv := range h {
		fmt.Fprintf(buf, "%s: %s\r\n", kv.key, kv.value)
	}
	buf.WriteString("\r\n")
}

func (m *Message) writeAlternative(mixed *multipart.Writer) error {
	var altBody bytes.Buffer
	alt := multipart.NewWriter(&altBody)

	for _, p := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", m.TextBody},
		{"text/html; charset=utf-8", m.HTMLBody},
	} {
		pw, err := alt.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(p.body)); err != nil {
			return fmt.Errorf("encode %s part: %w", p.contentType, err)
		}
		if err := qp.Close(); err != nil {
			return fmt.Errorf("encode %s part: %w", p.contentType, err)
		}
	}
	if err := alt.Close(); err != nil {
		return fmt.Errorf("close alternative: %w", err)
	}

	pw, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"multipart/alternative; boundary=" + alt.Boundary()},
	})
	if err != nil {
		return fmt.Errorf("create alternative part: %w", err)
	}
	_, err = pw.Write(altBody.Bytes())
	return err
}

func (m *Message) writeSnapshot(mixed *multipart.Writer) error {
	pw, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`image/jpeg; name="motion.jpg"`},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {`inline; filename="motion.jpg"`},
		"Content-Id":                {"<snapshot>"},
	})
	if err != nil {
		return fmt.Errorf("create snapshot part: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(m.Snapshot)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(pw, "%s\r\n", encoded[:76]); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = fmt.Fprintf(pw, "%s\r\n", encoded)
	return err
}
