package notification

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"

	"github.com/mikeyg42/motionalarm/internal/config"
	"github.com/mikeyg42/motionalarm/internal/motion"
)

func testEvent(snapshot []byte) Event {
	return Event{
		ID:         "0b6e8f1c-2d3a-4c4f-9e1a-7f2b5c8d9e10",
		Time:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		SystemName: "Garage",
		Regions:    []motion.Region{{Bounds: image.Rect(0, 0, 50, 40), Area: 2000}},
		Area:       2000,
		Snapshot:   snapshot,
	}
}

func TestAlertMessageStructure(t *testing.T) {
	snapshot := bytes.Repeat([]byte{0xff, 0xd8, 0x01, 0x02, 0x03}, 40)
	msg, err := NewAlertMessage(testEvent(snapshot), "alarm@example.com", "owner@example.com")
	if err != nil {
		t.Fatalf("NewAlertMessage: %v", err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("message does not parse: %v", err)
	}

	if got := parsed.Header.Get("Subject"); got != "Motion Detected: CCTV Alert" {
		t.Errorf("Subject = %q", got)
	}
	if got := parsed.Header.Get("To"); got != "owner@example.com" {
		t.Errorf("To = %q", got)
	}
	if got := parsed.Header.Get("Message-ID"); got != "<0b6e8f1c-2d3a-4c4f-9e1a-7f2b5c8d9e10@motionalarm.local>" {
		t.Errorf("Message-ID = %q", got)
	}

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q (%v)", parsed.Header.Get("Content-Type"), err)
	}

	mixed := multipart.NewReader(parsed.Body, params["boundary"])

	alt, err := mixed.NextPart()
	if err != nil {
		t.Fatalf("alternative part: %v", err)
	}
	altType, altParams, _ := mime.ParseMediaType(alt.Header.Get("Content-Type"))
	if altType != "multipart/alternative" {
		t.Fatalf("first part is %q, want multipart/alternative", altType)
	}
	bodies := map[string]string{}
	altReader := multipart.NewReader(alt, altParams["boundary"])
	for {
		p, err := altReader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read alternative: %v", err)
		}
		ct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		b, _ := io.ReadAll(p)
		bodies[ct] = string(b)
	}
	for _, ct := range []string{"text/plain", "text/html"} {
		if !strings.Contains(bodies[ct], "Motion detected by your CCTV system. Please check your surroundings.") {
			t.Errorf("%s body missing alert text: %q", ct, bodies[ct])
		}
	}

	img, err := mixed.NextPart()
	if err != nil {
		t.Fatalf("snapshot part: %v", err)
	}
	if ct := img.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/jpeg") {
		t.Fatalf("snapshot Content-Type = %q", ct)
	}
	decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, img))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !bytes.Equal(decoded, snapshot) {
		t.Fatal("snapshot bytes do not round-trip")
	}

	if _, err := mixed.NextPart(); err != io.EOF {
		t.Fatalf("unexpected extra part: %v", err)
	}
}

func TestAlertMessageWithoutSnapshot(t *testing.T) {
	msg, err := NewAlertMessage(testEvent(nil), "alarm@example.com", "owner@example.com")
	if err != nil {
		t.Fatalf("NewAlertMessage: %v", err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if bytes.Contains(raw, []byte("image/jpeg")) {
		t.Fatal("message without snapshot carries an image part")
	}
}

func testEmailConfig() config.EmailConfig {
	return config.EmailConfig{
		Transport:  config.TransportSMTP,
		From:       "alarm@example.com",
		Password:   "app-password",
		To:         "owner@example.com",
		SMTPHost:   "smtp.example.com",
		SMTPPort:   587,
		MaxRetries: 3,
	}
}

func TestSMTPMissingCredentials(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.EmailConfig)
	}{
		{"no sender", func(c *config.EmailConfig) { c.From = "" }},
		{"no password", func(c *config.EmailConfig) { c.Password = "" }},
		{"no recipient", func(c *config.EmailConfig) { c.To = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testEmailConfig()
			tc.mutate(&cfg)
			n, err := NewSMTPNotifier(cfg, "test", zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("NewSMTPNotifier: %v", err)
			}
			fake := &fakeSMTP{}
			n.send = fake.send

			if err := n.Alert(context.Background(), testEvent(nil)); !errors.Is(err, ErrEmailNotConfigured) {
				t.Fatalf("Alert err = %v, want ErrEmailNotConfigured", err)
			}
			if err := n.SendTestEmail(context.Background()); !errors.Is(err, ErrEmailNotConfigured) {
				t.Fatalf("SendTestEmail err = %v, want ErrEmailNotConfigured", err)
			}
			if fake.calls != 0 {
				t.Fatalf("send called %d times without credentials", fake.calls)
			}
		})
	}
}

func TestNewSMTPNotifierRejectsBadServer(t *testing.T) {
	cfg := testEmailConfig()
	cfg.SMTPPort = 0
	if _, err := NewSMTPNotifier(cfg, "test", zaptest.NewLogger(t)); err == nil {
		t.Fatal("expected an error for port 0")
	}
}

type fakeSMTP struct {
	calls int
	errs  []error
	addr  string
	from  string
	to    []string
	msg   []byte
}

func (f *fakeSMTP) send(_ context.Context, addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	f.calls++
	f.addr, f.from, f.to, f.msg = addr, from, to, msg
	if len(f.errs) >= f.calls {
		return f.errs[f.calls-1]
	}
	return nil
}

func newTestSMTPNotifier(t *testing.T, fake *fakeSMTP) *SMTPNotifier {
	t.Helper()
	n, err := NewSMTPNotifier(testEmailConfig(), "Garage", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSMTPNotifier: %v", err)
	}
	n.send = fake.send
	n.retry = RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return n
}

func TestSMTPAlertSends(t *testing.T) {
	fake := &fakeSMTP{}
	n := newTestSMTPNotifier(t, fake)

	if err := n.Alert(context.Background(), testEvent(nil)); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("send called %d times, want 1", fake.calls)
	}
	if fake.addr != "smtp.example.com:587" {
		t.Errorf("addr = %q", fake.addr)
	}
	if fake.from != "alarm@example.com" || len(fake.to) != 1 || fake.to[0] != "owner@example.com" {
		t.Errorf("envelope = %s -> %v", fake.from, fake.to)
	}
	if !bytes.Contains(fake.msg, []byte("Subject: Motion Detected: CCTV Alert")) {
		t.Error("message lacks the alert subject")
	}
}

func TestSMTPRetriesTransientErrors(t *testing.T) {
	fake := &fakeSMTP{errs: []error{errors.New("connection reset"), errors.New("timeout")}}
	n := newTestSMTPNotifier(t, fake)

	if err := n.Alert(context.Background(), testEvent(nil)); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("send called %d times, want 3", fake.calls)
	}
}

func TestSMTPPermanentErrorStopsRetrying(t *testing.T) {
	fake := &fakeSMTP{errs: []error{&textproto.Error{Code: 535, Msg: "authentication failed"}}}
	n := newTestSMTPNotifier(t, fake)

	if err := n.Alert(context.Background(), testEvent(nil)); err == nil {
		t.Fatal("expected an error for a 5xx reply")
	}
	if fake.calls != 1 {
		t.Fatalf("send called %d times, want 1", fake.calls)
	}
}

func TestSMTPGivesUpAfterMaxRetries(t *testing.T) {
	fail := errors.New("unreachable")
	fake := &fakeSMTP{errs: []error{fail, fail, fail, fail, fail}}
	n := newTestSMTPNotifier(t, fake)

	if err := n.Alert(context.Background(), testEvent(nil)); !errors.Is(err, fail) {
		t.Fatalf("err = %v, want wrapped %v", err, fail)
	}
	if fake.calls != 4 {
		t.Fatalf("send called %d times, want 4 (1 + 3 retries)", fake.calls)
	}
}

func TestPermanentAPIError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("plain"), false},
		{"bad request", &googleapi.Error{Code: 400}, true},
		{"forbidden", fmt.Errorf("send: %w", &googleapi.Error{Code: 403}), true},
		{"rate limited", &googleapi.Error{Code: 429}, false},
		{"server error", &googleapi.Error{Code: 503}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := permanentAPIError(tc.err); got != tc.want {
				t.Fatalf("permanentAPIError = %v, want %v", got, tc.want)
			}
		})
	}
}
