package mailstrom

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/mlog"
	"github.com/mikedilger/mailstrom/smtpclient"
)

// ConnectResult is the connection-level outcome of a delivery attempt to a
// single host.
type ConnectResult string

const (
	// A session was established and RCPTs were answered; per-recipient
	// outcomes apply.
	ConnectOK ConnectResult = "ok"

	// The host could not be reached or the session broke transiently, e.g.
	// timeout, connection refused or reset. The next MX host may be tried.
	ConnectTempFail ConnectResult = "tempfail"

	// The host refused the transaction permanently, e.g. a policy violation
	// such as missing STARTTLS while required.
	ConnectPermFail ConnectResult = "permfail"
)

// RcptKind classifies the SMTP response for one recipient.
type RcptKind string

const (
	// 2xx to RCPT and success at end of DATA.
	Accepted RcptKind = "accepted"

	// 5xx reply attributable to this recipient.
	RejectedPermanent RcptKind = "rejectedpermanent"

	// 4xx reply attributable to this recipient.
	RejectedTemporary RcptKind = "rejectedtemporary"
)

// RcptOutcome is the outcome of an attempt for a single recipient.
type RcptOutcome struct {
	Kind   RcptKind
	Code   int    // SMTP response code, 0 for non-SMTP failures.
	Secode string // Enhanced status code without leading digit, e.g. "7.1", possibly empty.
	Text   string // SMTP response line or error message.
}

// HostOutcome is the classified outcome of a delivery attempt to one host.
// Recipients is set when Connect is ConnectOK, correlated to the attempted
// recipients by position in the RCPT sequence. If the connection failed
// before any RCPT was answered, every recipient inherits the
// connection-level classification.
type HostOutcome struct {
	Connect    ConnectResult
	Err        error // Connection-level error, set unless Connect is ConnectOK.
	Recipients []RcptOutcome
}

// Sender attempts delivery of a message to one host for a subset of
// recipients. Implementations classify the outcome; the worker applies
// policy. Replaceable for tests.
type Sender interface {
	Attempt(ctx context.Context, host dns.IPDomain, mailFrom string, rcptTo []string, msg []byte) HostOutcome
}

// smtpSender is the production Sender: direct delivery to a mail host on
// port 25 with opportunistic or required STARTTLS.
type smtpSender struct {
	log      mlog.Log
	elog     *slog.Logger
	resolver dns.Resolver
	dialer   smtpclient.Dialer
	helo     dns.Domain
	timeout  time.Duration
	requireTLS bool
}

var _ Sender = (*smtpSender)(nil)

func (s *smtpSender) Attempt(ctx context.Context, host dns.IPDomain, mailFrom string, rcptTo []string, msg []byte) HostOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out := s.attempt(ctx, host, mailFrom, rcptTo, msg)
	metricConnection.WithLabelValues(string(out.Connect)).Inc()
	s.log.WithContext(ctx).Debugx("smtp delivery attempt done", out.Err,
		slog.Any("host", host),
		slog.String("connect", string(out.Connect)),
		slog.Int("recipients", len(rcptTo)),
		slog.Duration("duration", time.Since(start)))
	return out
}

func (s *smtpSender) attempt(ctx context.Context, host dns.IPDomain, mailFrom string, rcptTo []string, msg []byte) HostOutcome {
	ips, err := smtpclient.GatherIPs(ctx, s.elog, s.resolver, host)
	if err != nil {
		if dns.IsNotFound(err) {
			return HostOutcome{Connect: ConnectPermFail, Err: err}
		}
		return HostOutcome{Connect: ConnectTempFail, Err: err}
	}

	conn, _, err := smtpclient.Dial(ctx, s.elog, s.dialer, host, ips, 25)
	if err != nil {
		return HostOutcome{Connect: ConnectTempFail, Err: err}
	}

	tlsMode := smtpclient.TLSOpportunistic
	if s.requireTLS {
		tlsMode = smtpclient.TLSRequiredStartTLS
	}
	cl, err := smtpclient.New(ctx, s.elog, conn, tlsMode, s.helo, host.Domain, smtpclient.Opts{Timeout: s.timeout})
	if err != nil {
		conn.Close()
		return s.sessionOutcome(err)
	}
	defer func() {
		err := cl.Close()
		s.log.Check(err, "closing smtp session after delivery attempt")
	}()

	resps, err := cl.DeliverMultiple(ctx, mailFrom, rcptTo, int64(len(msg)), bytes.NewReader(msg))
	if err == nil {
		out := HostOutcome{Connect: ConnectOK}
		for _, resp := range resps {
			out.Recipients = append(out.Recipients, outcomeFromResponse(resp))
		}
		return out
	}

	var cerr smtpclient.Error
	if errors.As(err, &cerr) {
		switch cerr.Command {
		case "rcptto":
			if cl.Botched() {
				// The session broke during RCPT, e.g. an i/o error: there are
				// no per-recipient answers to go by.
				return s.sessionOutcome(err)
			}
			if len(rcptTo) > 1 {
				// Every recipient was rejected, the transaction was aborted
				// before DATA. The individual responses are in resps.
				out := HostOutcome{Connect: ConnectOK}
				for _, resp := range resps {
					out.Recipients = append(out.Recipients, outcomeFromResponse(resp))
				}
				return out
			}
			// Single-recipient transaction, the rejection is returned as the
			// transaction error.
			return HostOutcome{Connect: ConnectOK, Recipients: []RcptOutcome{outcomeFromResponse(smtpclient.Response(cerr))}}
		case "data":
			// RCPTs were answered, the message itself was refused. Recipients
			// that were accepted inherit the DATA classification, rejected
			// ones keep their own.
			out := HostOutcome{Connect: ConnectOK}
			for _, resp := range resps {
				if resp.Err == nil {
					out.Recipients = append(out.Recipients, outcomeFromResponse(smtpclient.Response(cerr)))
				} else {
					out.Recipients = append(out.Recipients, outcomeFromResponse(resp))
				}
			}
			return out
		}
	}
	return s.sessionOutcome(err)
}

// sessionOutcome classifies an error from session setup, MAIL FROM or i/o:
// the connection-level outcome that applies to every recipient of the
// attempt.
func (s *smtpSender) sessionOutcome(err error) HostOutcome {
	var cerr smtpclient.Error
	if errors.As(err, &cerr) && cerr.Permanent {
		return HostOutcome{Connect: ConnectPermFail, Err: err}
	}
	return HostOutcome{Connect: ConnectTempFail, Err: err}
}

func outcomeFromResponse(resp smtpclient.Response) RcptOutcome {
	o := RcptOutcome{
		Code:   resp.Code,
		Secode: resp.Secode,
		Text:   resp.Line,
	}
	switch {
	case resp.Err == nil || resp.Code/100 == 2:
		o.Kind = Accepted
	case resp.Permanent:
		o.Kind = RejectedPermanent
	default:
		o.Kind = RejectedTemporary
	}
	if o.Text == "" && resp.Err != nil {
		o.Text = resp.Err.Error()
	}
	return o
}
