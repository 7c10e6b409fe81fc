package message

import (
	"errors"
	"strings"
	"testing"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestPrepareStampsMessageID(t *testing.T) {
	msg := crlf(`From: <mjl@mox.example>
To: <alice@example.com>
Subject: test

test email
`)
	pe, err := Prepare(msg, "mail.example", "", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !strings.HasSuffix(pe.MessageID, "@mail.example") {
		t.Fatalf("stamped message id %q does not end in helo name", pe.MessageID)
	}
	if !strings.Contains(string(pe.Data), "Message-Id: <"+pe.MessageID+">\r\n") {
		t.Fatalf("message data does not carry stamped message-id header:\n%s", pe.Data)
	}
	if pe.From != "mjl@mox.example" {
		t.Fatalf("got envelope from %q", pe.From)
	}
	if len(pe.Recipients) != 1 || pe.Recipients[0].SMTPAddress != "alice@example.com" || pe.Recipients[0].Domain.ASCII != "example.com" {
		t.Fatalf("got recipients %#v", pe.Recipients)
	}
}

func TestPreparePreservesMessageID(t *testing.T) {
	msg := crlf(`From: <mjl@mox.example>
To: <alice@example.com>
Message-Id: <Existing.ID@mox.example>

test email
`)
	pe, err := Prepare(msg, "mail.example", "", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if pe.MessageID != "Existing.ID@mox.example" {
		t.Fatalf("got message id %q, expected caller-supplied id preserved", pe.MessageID)
	}
	if strings.Count(string(pe.Data), "Message-Id") != 1 {
		t.Fatalf("message-id header duplicated:\n%s", pe.Data)
	}
}

func TestPrepareRecipientsAndBcc(t *testing.T) {
	msg := crlf(`From: <mjl@mox.example>
To: Alice <alice@example.com>, <bob@b.test>
Cc: <carol@c.test>
Bcc: <hidden@d.test>
Subject: test

test email
`)
	pe, err := Prepare(msg, "mail.example", "", nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	var addrs []string
	for _, r := range pe.Recipients {
		addrs = append(addrs, r.SMTPAddress)
	}
	exp := []string{"alice@example.com", "bob@b.test", "carol@c.test", "hidden@d.test"}
	if strings.Join(addrs, ",") != strings.Join(exp, ",") {
		t.Fatalf("got recipients %v, expected %v", addrs, exp)
	}
	// The Bcc recipient gets the message, but the header must be blinded.
	if strings.Contains(string(pe.Data), "Bcc") {
		t.Fatalf("bcc header not removed:\n%s", pe.Data)
	}
	if !strings.Contains(string(pe.Data), "To: Alice <alice@example.com>, <bob@b.test>\r\n") {
		t.Fatalf("to header mangled:\n%s", pe.Data)
	}
}

func TestPrepareExplicitEnvelope(t *testing.T) {
	msg := crlf(`From: <mjl@mox.example>
To: <alice@example.com>
Message-Id: <mid@mox.example>

test email
`)
	pe, err := Prepare(msg, "mail.example", "bounces@mox.example", []string{"other@example.com"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if pe.From != "bounces@mox.example" {
		t.Fatalf("got envelope from %q", pe.From)
	}
	if len(pe.Recipients) != 1 || pe.Recipients[0].SMTPAddress != "other@example.com" {
		t.Fatalf("got recipients %#v", pe.Recipients)
	}
	// With an explicit envelope, headers are left alone.
	if string(pe.Data) != string(msg) {
		t.Fatalf("message data changed:\n%s", pe.Data)
	}
}

func TestPrepareInvalid(t *testing.T) {
	// Missing header separator.
	if _, err := Prepare([]byte("From: <mjl@mox.example>\r\n"), "mail.example", "", nil); !errors.Is(err, ErrHeaderSeparator) {
		t.Fatalf("got %v, expected ErrHeaderSeparator", err)
	}

	// No From header and no envelope sender.
	if _, err := Prepare(crlf("Subject: x\n\nbody\n"), "mail.example", "", []string{"a@example.com"}); !errors.Is(err, ErrNoFrom) {
		t.Fatalf("got %v, expected ErrNoFrom", err)
	}

	// No recipients at all.
	if _, err := Prepare(crlf("From: <mjl@mox.example>\n\nbody\n"), "mail.example", "", nil); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("got %v, expected ErrNoRecipients", err)
	}

	// Bad recipient address.
	if _, err := Prepare(crlf("From: <mjl@mox.example>\n\nbody\n"), "mail.example", "", []string{"not an address"}); err == nil {
		t.Fatalf("expected error for bad recipient")
	}
}

func TestMessageIDCanonical(t *testing.T) {
	if id, err := MessageIDCanonical("<mid@mox.example>"); err != nil || id != "mid@mox.example" {
		t.Fatalf("got %q, %v", id, err)
	}
	if id, err := MessageIDCanonical(" <mid@mox.example> (added by postmaster)"); err != nil || id != "mid@mox.example" {
		t.Fatalf("got %q, %v", id, err)
	}
	for _, bad := range []string{"", "mid@mox.example", "<>", "<mid@mox.example"} {
		if _, err := MessageIDCanonical(bad); err == nil {
			t.Fatalf("no error for %q", bad)
		}
	}
}
