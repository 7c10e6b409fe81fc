// Package message implements the formatter boundary of the delivery engine:
// validating an RFC 5322 message, extracting or stamping its Message-Id,
// determining envelope recipients from the To/Cc/Bcc headers and blinding the
// Bcc header before transmission.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/smtp"
)

var crlf2x = []byte("\r\n\r\n")

var (
	ErrHeaderSeparator = errors.New("no header separator found")
	ErrNoFrom          = errors.New("message has no from header")
	ErrNoRecipients    = errors.New("message has no recipients")
	errBadMessageID    = errors.New("not a message-id")
)

// Recipient is an envelope recipient as determined from the message or
// supplied by the caller.
type Recipient struct {
	Address     string      // Original form, for display.
	SMTPAddress string      // Packed form for use in RCPT TO.
	Domain      dns.Domain  // ASCII-canonical domain of the address.
}

// PreparedEmail is a message prepared for delivery: validated, with a
// Message-Id, the Bcc header removed, and the envelope determined.
type PreparedEmail struct {
	MessageID  string // Without <>.
	From       string // SMTP MAIL FROM address.
	Recipients []Recipient
	Data       []byte // Message as it goes over the wire.
}

// ReadHeaders returns the headers of a message, ending with a single crlf.
// Returns ErrHeaderSeparator if no header separator is found.
func ReadHeaders(msg *bufio.Reader) ([]byte, error) {
	buf := []byte{}
	for {
		line, err := msg.ReadBytes('\n')
		if err != io.EOF && err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		if bytes.HasSuffix(buf, crlf2x) {
			return buf[:len(buf)-2], nil
		}
		if err == io.EOF {
			return nil, ErrHeaderSeparator
		}
	}
}

// Prepare validates a message and returns it ready for delivery.
//
// envelopeFrom is used for MAIL FROM; if empty, the address in the From
// header is used. envelopeRecipients are used for RCPT TO; if empty, the
// recipients are determined from the To/Cc/Bcc headers and any Bcc header is
// removed from the transmitted message. A Message-Id supplied by the caller
// is preserved; if absent one is stamped as <ulid@heloName>.
func Prepare(data []byte, heloName, envelopeFrom string, envelopeRecipients []string) (*PreparedEmail, error) {
	hdrs, err := ReadHeaders(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	body := data[len(hdrs)+2:]

	from := envelopeFrom
	if from == "" {
		v := headerValue(hdrs, "From")
		if v == "" {
			return nil, ErrNoFrom
		}
		a, err := mail.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("parsing from header: %v", err)
		}
		from = a.Address
	}
	// The MAIL FROM address must be parseable regardless of where it came from.
	if _, err := smtp.ParseAddress(from); err != nil {
		return nil, fmt.Errorf("envelope from: %w", err)
	}

	var recipients []Recipient
	if len(envelopeRecipients) > 0 {
		for _, s := range envelopeRecipients {
			r, err := makeRecipient(s, s)
			if err != nil {
				return nil, err
			}
			recipients = append(recipients, r)
		}
	} else {
		recipients, err = determineRecipients(hdrs)
		if err != nil {
			return nil, err
		}
		// Strip any Bcc header line, to make it blind.
		hdrs = cutHeader(hdrs, "Bcc")
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	messageID := ""
	if v := headerValue(hdrs, "Message-Id"); v != "" {
		messageID, err = MessageIDCanonical(v)
		if err != nil {
			return nil, err
		}
	} else {
		messageID = strings.ToLower(ulid.Make().String()) + "@" + heloName
		hdrs = append(hdrs, []byte(fmt.Sprintf("Message-Id: <%s>\r\n", messageID))...)
	}

	ndata := make([]byte, 0, len(hdrs)+2+len(body))
	ndata = append(ndata, hdrs...)
	ndata = append(ndata, "\r\n"...)
	ndata = append(ndata, body...)

	return &PreparedEmail{
		MessageID:  messageID,
		From:       from,
		Recipients: recipients,
		Data:       ndata,
	}, nil
}

// MessageIDCanonical parses a Message-Id header value, returning the value
// without <>, preserved as supplied. An error is returned for values without
// <> or without content.
func MessageIDCanonical(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", fmt.Errorf("%w: missing <", errBadMessageID)
	}
	s = s[1:]
	s, rem, have := strings.Cut(s, ">")
	if !have || rem != "" && !strings.HasPrefix(rem, " ") {
		return "", fmt.Errorf("%w: missing >", errBadMessageID)
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty message-id", errBadMessageID)
	}
	return s, nil
}

func makeRecipient(display, addr string) (Recipient, error) {
	a, err := smtp.ParseAddress(addr)
	if err != nil {
		return Recipient{}, fmt.Errorf("recipient %q: %w", addr, err)
	}
	return Recipient{
		Address:     strings.TrimSpace(display),
		SMTPAddress: a.Pack(true),
		Domain:      a.Domain,
	}, nil
}

// determineRecipients gathers the recipients from the To, Cc and Bcc headers.
func determineRecipients(hdrs []byte) ([]Recipient, error) {
	var recipients []Recipient
	seen := map[string]bool{}
	for _, h := range []string{"To", "Cc", "Bcc"} {
		v := headerValue(hdrs, h)
		if v == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(v)
		if err != nil {
			return nil, fmt.Errorf("parsing %s header: %v", strings.ToLower(h), err)
		}
		for _, a := range addrs {
			if seen[a.Address] {
				continue
			}
			seen[a.Address] = true
			r, err := makeRecipient(a.String(), a.Address)
			if err != nil {
				return nil, err
			}
			recipients = append(recipients, r)
		}
	}
	return recipients, nil
}

// headerValue returns the unfolded value of the first occurrence of a header,
// or the empty string if absent. The match is case-insensitive.
func headerValue(hdrs []byte, name string) string {
	for _, f := range headerFields(hdrs) {
		if strings.EqualFold(f.name, name) {
			return strings.TrimSpace(f.value)
		}
	}
	return ""
}

// cutHeader returns hdrs without any occurrence of the named header,
// including folded continuation lines.
func cutHeader(hdrs []byte, name string) []byte {
	var out []byte
	for _, f := range headerFields(hdrs) {
		if strings.EqualFold(f.name, name) {
			continue
		}
		out = append(out, f.raw...)
	}
	return out
}

type headerField struct {
	name  string
	value string // Unfolded.
	raw   []byte // Including continuation lines and trailing crlf.
}

func headerFields(hdrs []byte) []headerField {
	var fields []headerField
	lines := bytes.SplitAfter(hdrs, []byte("\r\n"))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous field.
			if len(fields) > 0 {
				f := &fields[len(fields)-1]
				f.raw = append(f.raw, line...)
				f.value += " " + strings.TrimSpace(string(line))
			}
			continue
		}
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		fields = append(fields, headerField{
			name:  strings.TrimSpace(string(k)),
			value: strings.TrimSuffix(string(v), "\r\n"),
			raw:   append([]byte{}, line...),
		})
	}
	return fields
}
