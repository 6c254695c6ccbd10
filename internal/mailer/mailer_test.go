package mailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/vbmedia/packline/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturedSend struct {
	from string
	to   []string
	msg  string
}

func newTestMailer(sendErr ...error) (*Mailer, *[]capturedSend) {
	m := New(config.SMTPConfig{
		Addr:          "relay.example.com:587",
		Username:      "packline",
		Password:      "pw",
		BounceAddress: "bounce@vbresp.com",
	}, nil, discardLogger())

	var sends []capturedSend
	call := 0
	m.send = func(addr string, a sasl.Client, from string, to []string, msg []byte) error {
		sends = append(sends, capturedSend{from: from, to: to, msg: string(msg)})
		var err error
		if call < len(sendErr) {
			err = sendErr[call]
		}
		call++
		return err
	}
	return m, &sends
}

func TestSendBuildsMessage(t *testing.T) {
	m, sends := newTestMailer()

	err := m.Send(context.Background(), &Message{
		From:    "Sunrise Motors <sunrise@vbresp.com>",
		To:      []string{"Jordan Diaz <jordan@example.com>"},
		Bcc:     []string{"deliveries@example.com"},
		Subject: "Your photos from Sunrise Motors",
		HTML:    "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(*sends) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(*sends))
	}
	sent := (*sends)[0]

	if sent.from != "bounce@vbresp.com" {
		t.Errorf("envelope sender should be the bounce address, got %q", sent.from)
	}
	want := []string{"jordan@example.com", "deliveries@example.com"}
	if !reflect.DeepEqual(sent.to, want) {
		t.Errorf("unexpected envelope recipients %v", sent.to)
	}

	for _, header := range []string{
		"From: Sunrise Motors <sunrise@vbresp.com>",
		"Reply-To: Sunrise Motors <sunrise@vbresp.com>",
		"Content-Type: text/html",
	} {
		if !strings.Contains(sent.msg, header) {
			t.Errorf("message missing %q", header)
		}
	}
	if !strings.Contains(sent.msg, "<p>hello</p>") {
		t.Error("body missing from message")
	}
}

func TestSendMultipartAlternative(t *testing.T) {
	m, sends := newTestMailer()

	err := m.Send(context.Background(), &Message{
		From:    "x@vbresp.com",
		To:      []string{"y@example.com"},
		Subject: "s",
		HTML:    "<p>rich</p>",
		Text:    "plain",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := (*sends)[0].msg
	if !strings.Contains(msg, "multipart/alternative") {
		t.Error("expected multipart message")
	}
	if !strings.Contains(msg, "plain") || !strings.Contains(msg, "<p>rich</p>") {
		t.Error("expected both bodies present")
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	m, sends := newTestMailer(errors.New("connection reset"), nil)

	err := m.Send(context.Background(), &Message{
		From: "x@vbresp.com",
		To:   []string{"y@example.com"},
		Text: "hi",
	})
	if err != nil {
		t.Fatalf("Send failed after retry: %v", err)
	}
	if len(*sends) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(*sends))
	}
}

func TestSendStopsOnPermanentFailure(t *testing.T) {
	permanent := &smtp.SMTPError{Code: 550, Message: "no such user"}
	m, sends := newTestMailer(permanent, nil, nil)

	err := m.Send(context.Background(), &Message{
		From: "x@vbresp.com",
		To:   []string{"y@example.com"},
		Text: "hi",
	})
	if err == nil {
		t.Fatal("expected error for permanent rejection")
	}
	if len(*sends) != 1 {
		t.Errorf("permanent failure must not retry, got %d attempts", len(*sends))
	}
}

func TestSendRequiresRecipients(t *testing.T) {
	m, _ := newTestMailer()
	if err := m.Send(context.Background(), &Message{From: "x@vbresp.com"}); err == nil {
		t.Error("expected error for empty recipient list")
	}
}

func TestValidateEmailList(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"a@example.com", []string{"a@example.com"}},
		{"a@example.com, b@example.com", []string{"a@example.com", "b@example.com"}},
		{"a@example.com; b@example.com\nc@example.com", []string{"a@example.com", "b@example.com", "c@example.com"}},
		{"not-an-email, b@example.com", []string{"b@example.com"}},
		{"", nil},
		{"garbage", nil},
	}

	for _, tt := range tests {
		if got := ValidateEmailList(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ValidateEmailList(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestFormatAddress(t *testing.T) {
	if got := FormatAddress("", "a@example.com"); got != "a@example.com" {
		t.Errorf("bare address mangled: %q", got)
	}
	if got := FormatAddress("Sam Lee", "sam@example.com"); got != `"Sam Lee" <sam@example.com>` {
		t.Errorf("unexpected formatted address %q", got)
	}
}
