// Package smtpclient is an SMTP client, for delivering messages to a mail
// server from a queue.
//
// For delivery, no authentication is done. TLS is opportunistic by default
// (TLS certificates not verified), but required TLS can be requested, in which
// case a server that does not offer STARTTLS causes a permanent failure.
//
// Delivering a message from a queue involves:
//  1. Resolving the MX targets for a domain, through GatherDestinations.
//  2. Looking up IP addresses for the destination, with GatherIPs.
//  3. Dialing the MX target with Dial.
//  4. Initializing an SMTP session with New, and finally calling
//     DeliverMultiple.
package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/mlog"
	"github.com/mikedilger/mailstrom/smtp"
)

var (
	ErrSize        = errors.New("message too large for remote smtp server") // SMTP server announced a maximum message size and the message to be delivered exceeds it.
	ErrStatus      = errors.New("remote smtp server sent unexpected response status code") // Relatively common, e.g. when a 250 OK was expected and server sent 451 temporary error.
	ErrProtocol    = errors.New("smtp protocol error")                      // After a malformed SMTP response or inconsistent multi-line response.
	ErrTLS         = errors.New("tls error")                                // E.g. handshake failure.
	ErrTLSRequired = errors.New("remote smtp server does not offer starttls, required by policy")
	ErrBotched     = errors.New("smtp connection is botched") // Set on a client, and returned for new operations, after an i/o error or malformed SMTP response.
	ErrClosed      = errors.New("client is closed")
)

// TLSMode indicates if TLS must, should or must not be used.
type TLSMode string

const (
	// Required TLS with STARTTLS: the remote must announce the STARTTLS
	// extension and the handshake must succeed.
	TLSRequiredStartTLS TLSMode = "requiredstarttls"

	// Use TLS with STARTTLS if remote claims to support it.
	TLSOpportunistic TLSMode = "opportunistic"

	// TLS must not be attempted, e.g. due to earlier TLS handshake error.
	TLSSkip TLSMode = "skip"
)

// Client is an SMTP client that can deliver messages to a mail server.
//
// Use New to make a new client.
type Client struct {
	// OrigConn is the original (TCP) connection. We'll read from/write to conn,
	// which can be wrapped in a tls.Client. We close origConn instead of conn
	// because closing the TLS connection would send a TLS close notification,
	// which may block for 5s if the server isn't reading it (because it is also
	// sending it).
	origConn       net.Conn
	conn           net.Conn
	remoteHostname dns.Domain // For TLS SNI.
	timeout        time.Duration

	r        *bufio.Reader
	w        *bufio.Writer
	log      mlog.Log
	cmds     []string // Last or active command, for generating errors and metrics.
	cmdStart time.Time
	tls      bool // Whether connection is TLS protected.

	botched  bool // If set, protocol is out of sync and no further commands can be sent.
	needRset bool // If set, a new delivery requires an RSET command.

	remoteHelo  string // From 220 greeting line.
	extEcodes   bool   // Remote server supports sending extended error codes.
	extStartTLS bool   // Remote server supports STARTTLS.
	ext8bitmime bool
	extSize     bool  // Remote server supports SIZE parameter.
	maxSize     int64 // Max size of email message.
	extSMTPUTF8 bool  // Remote server supports SMTPUTF8 extension.
}

// Error represents a failure to deliver a message.
//
// Code, Secode and Line are only set for SMTP-level errors, and are zero
// values otherwise. Command is the command that was active when the error
// occurred, also for i/o errors.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and
	// 5xx for permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for
	// io errors or if remote does not send enhanced status codes. If remote
	// responds with "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that
	// caused the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response. Most SMTP
	// responses are single-line, leaving this field empty.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io
	// errors.
	Err error
}

// Response is a result to an SMTP command, for a recipient of a transaction.
type Response Error

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	// Timeout for each SMTP command-response and for writes. If zero, a
	// default of 30 seconds is used.
	Timeout time.Duration

	// If not nil, used instead of the default TLS config, e.g. for custom
	// certificate verification in tests.
	TLSConfig *tls.Config
}

// New initializes an SMTP session on the given connection, returning a client
// that can be used to deliver messages.
//
// New reads the server greeting, identifies itself with a HELO or EHLO
// command, and initializes TLS with STARTTLS if remote supports it, depending
// on tlsMode. If successful, a client is returned on which eventually Close
// must be called. Otherwise an error is returned and the caller is
// responsible for closing the connection.
//
// Delivery of email on the internet is done with opportunistic TLS without
// PKIX verification by default: certificates are not verified, the TLS layer
// protects against passive observers only.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, tlsMode TLSMode, ehloHostname, remoteHostname dns.Domain, opts Opts) (*Client, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		origConn:       conn,
		conn:           conn,
		remoteHostname: remoteHostname,
		timeout:        timeout,
		log:            mlog.New("smtpclient", elog),
		cmds:           []string{"(none)"},
	}

	c.r = bufio.NewReader(traceReader{c})
	// We use a single write timeout for all writes.
	c.w = bufio.NewWriter(timeoutWriter{c})

	if err := c.hello(ctx, tlsMode, ehloHostname, opts.TLSConfig); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) tlsConfig(opts *tls.Config) *tls.Config {
	if opts != nil {
		return opts
	}
	// Opportunistic TLS is unverified, the common case for delivery on port 25.
	return &tls.Config{
		ServerName:         c.remoteHostname.ASCII,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	}
}

// xbotchf generates a temporary error and marks the client as botched. e.g.
// for i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.botchf(code, secode, firstLine, moreLines, format, args...))
}

func (c *Client) botchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, firstLine, moreLines, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) error {
	var cmd string
	if len(c.cmds) > 0 {
		cmd = c.cmds[0]
	}
	return Error{permanent, code, secode, cmd, firstLine, moreLines, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, firstLine, moreLines, format, args...))
}

// traceReader logs data read from the remote at trace level.
type traceReader struct {
	c *Client
}

func (r traceReader) Read(buf []byte) (int, error) {
	n, err := r.c.conn.Read(buf)
	if n > 0 {
		r.c.log.Trace(mlog.LevelTrace, "RS: ", buf[:n])
	}
	return n, err
}

// timeoutWriter passes each Write on to conn after setting a write deadline
// on conn, and logs the data at trace level.
type timeoutWriter struct {
	c *Client
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if err := w.c.conn.SetWriteDeadline(time.Now().Add(w.c.timeout)); err != nil {
		w.c.log.Errorx("setting write deadline", err)
	}
	w.c.log.Trace(mlog.LevelTracedata, "LC: ", buf)
	return w.c.conn.Write(buf)
}

func (c *Client) readline() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		c.log.Errorx("setting read deadline", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return line, c.botchf(0, "", "", nil, "%s: %w", strings.Join(c.cmds, ","), err)
	}
	return strings.TrimSuffix(line, "\r\n"), nil
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xwriteline(line string) {
	_, err := fmt.Fprintf(c.w, "%s\r\n", line)
	if err == nil {
		err = c.w.Flush()
	}
	if err != nil {
		c.xbotchf(0, "", "", nil, "write: %w", err)
	}
}

func (c *Client) xflush() {
	err := c.w.Flush()
	if err != nil {
		c.xbotchf(0, "", "", nil, "writes: %w", err)
	}
}

// read response, possibly multiline, with supporting extended codes based on
// configuration in client.
func (c *Client) xread() (code int, secode, firstLine string, moreLines []string) {
	var err error
	code, secode, firstLine, moreLines, err = c.read()
	if err != nil {
		panic(err)
	}
	return
}

func (c *Client) read() (code int, secode, firstLine string, moreLines []string, rerr error) {
	code, secode, _, firstLine, moreLines, _, rerr = c.readecode(c.extEcodes)
	return
}

// read response, possibly multiline.
// if ecodes, extended codes are parsed.
func (c *Client) readecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string, rerr error) {
	first := true
	for {
		co, sec, text, line, last, err := c.read1(ecodes)
		if first {
			firstLine = line
			first = false
		} else if line != "" {
			moreLines = append(moreLines, line)
			if text != "" {
				moreTexts = append(moreTexts, text)
			}
		}
		if err != nil {
			rerr = err
			return
		}
		if code != 0 && co != code {
			err := c.botchf(0, "", firstLine, moreLines, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
			return 0, "", "", "", nil, nil, err
		}
		code = co
		if last {
			cmd := ""
			if len(c.cmds) > 0 {
				cmd = c.cmds[0]
				// We only keep the last, so we're not creating new slices all the time.
				if len(c.cmds) > 1 {
					c.cmds = c.cmds[1:]
				}
			}
			c.log.Debug("smtpclient command result",
				slog.String("cmd", cmd),
				slog.Int("code", co),
				slog.String("secode", sec),
				slog.Duration("duration", time.Since(c.cmdStart)))
			return co, sec, text, firstLine, moreLines, moreTexts, nil
		}
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string) {
	var err error
	code, secode, lastText, firstLine, moreLines, moreTexts, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read single response line.
// if ecodes, extended codes are parsed.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space.
		last = true
	} else {
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(major, s)
	}

	return code, secode, s, line, last, nil
}

func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) hello(ctx context.Context, tlsMode TLSMode, ehloHostname dns.Domain, tlsConfig *tls.Config) (rerr error) {
	defer c.recover(&rerr)

	// perform EHLO handshake, falling back to HELO if server does not appear to
	// implement EHLO.
	hello := func(heloOK bool) {
		// Write EHLO and parse the supported extensions.
		c.cmds[0] = "ehlo"
		c.cmdStart = time.Now()
		c.xwritelinef("EHLO %s", ehloHostname.ASCII)
		code, _, _, firstLine, moreLines, moreTexts := c.xreadecode(false)
		switch code {
		case smtp.C500BadSyntax, smtp.C501BadParamSyntax, smtp.C502CmdNotImpl, smtp.C503BadCmdSeq, smtp.C504ParamNotImpl:
			if !heloOK {
				c.xerrorf(true, code, "", firstLine, moreLines, "%w: remote claims ehlo is not supported", ErrProtocol)
			}
			c.cmds[0] = "helo"
			c.cmdStart = time.Now()
			c.xwritelinef("HELO %s", ehloHostname.ASCII)
			code, _, _, firstLine, _, _ = c.xreadecode(false)
			if code != smtp.C250Completed {
				c.xerrorf(smtp.Permanent(code), code, "", firstLine, moreLines, "%w: expected 250 to HELO, got %d", ErrStatus, code)
			}
			return
		case smtp.C250Completed:
		default:
			c.xerrorf(smtp.Permanent(code), code, "", firstLine, moreLines, "%w: expected 250, got %d", ErrStatus, code)
		}
		for _, s := range moreTexts {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch s {
			case "STARTTLS":
				c.extStartTLS = true
			case "ENHANCEDSTATUSCODES":
				c.extEcodes = true
			case "8BITMIME":
				c.ext8bitmime = true
			default:
				// For SMTPUTF8 we must ignore any parameter.
				if s == "SMTPUTF8" || strings.HasPrefix(s, "SMTPUTF8 ") {
					c.extSMTPUTF8 = true
				} else if strings.HasPrefix(s, "SIZE ") {
					c.extSize = true
					if v, err := strconv.ParseInt(s[len("SIZE "):], 10, 64); err == nil {
						c.maxSize = v
					}
				}
			}
		}
	}

	// Read greeting.
	c.cmds = []string{"(greeting)"}
	c.cmdStart = time.Now()
	code, _, _, firstLine, moreLines, _ := c.xreadecode(false)
	if code != smtp.C220ServiceReady {
		c.xerrorf(smtp.Permanent(code), code, "", firstLine, moreLines, "%w: expected 220, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")

	// Write EHLO, falling back to HELO if server doesn't appear to support it.
	hello(true)

	if tlsMode == TLSRequiredStartTLS && !c.extStartTLS {
		// Permanent: a host that does not offer STARTTLS while policy requires it
		// will not start offering it within our retry schedule.
		c.xerrorf(true, 0, "", "", nil, "%w", ErrTLSRequired)
	}

	// Attempt TLS if remote understands STARTTLS or if caller requires it.
	if c.extStartTLS && tlsMode == TLSOpportunistic || tlsMode == TLSRequiredStartTLS {
		c.log.Debug("starting tls client", slog.Any("tlsmode", tlsMode), slog.Any("servername", c.remoteHostname))
		c.cmds[0] = "starttls"
		c.cmdStart = time.Now()
		c.xwriteline("STARTTLS")
		code, secode, firstLine, _ := c.xread()
		if code != smtp.C220ServiceReady {
			c.xerrorf(smtp.Permanent(code), code, secode, firstLine, moreLines, "%w: STARTTLS: got %d, expected 220", ErrTLS, code)
		}

		// We don't want to do TLS on top of c.r because it also prints protocol
		// traces: we don't want to log the TLS stream. So we do TLS on the
		// underlying connection, making sure any bytes already read and buffered
		// are used for the TLS handshake.
		conn := c.conn
		if n := c.r.Buffered(); n > 0 {
			conn = &prefixConn{
				prefixReader: io.LimitReader(c.r, int64(n)),
				Conn:         conn,
			}
		}

		nconn := tls.Client(conn, c.tlsConfig(tlsConfig))
		c.conn = nconn

		nctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := nconn.HandshakeContext(nctx)
		if err != nil {
			c.xerrorf(false, 0, "", "", nil, "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
		}
		cancel()
		c.r = bufio.NewReader(traceReader{c})
		c.w = bufio.NewWriter(timeoutWriter{c})

		tlsversion, ciphersuite := tlsInfo(nconn.ConnectionState())
		c.log.Debug("starttls client handshake done",
			slog.Any("tlsmode", tlsMode),
			slog.String("version", tlsversion),
			slog.String("ciphersuite", ciphersuite),
			slog.Any("servername", c.remoteHostname))
		c.tls = true

		hello(false)
	}

	return
}

// prefixConn is a net.Conn that returns initial data from a reader before
// continuing with the underlying connection.
type prefixConn struct {
	prefixReader io.Reader
	net.Conn
}

func (c *prefixConn) Read(buf []byte) (int, error) {
	if c.prefixReader != nil {
		n, err := c.prefixReader.Read(buf)
		if err == io.EOF {
			c.prefixReader = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
	return c.Conn.Read(buf)
}

func tlsInfo(cs tls.ConnectionState) (version, ciphersuite string) {
	return tls.VersionName(cs.Version), strings.ToLower(tls.CipherSuiteName(cs.CipherSuite))
}

// TLSEnabled returns whether the connection is TLS protected.
func (c *Client) TLSEnabled() bool {
	return c.tls
}

// Supports8BITMIME returns whether the SMTP server supports the 8BITMIME
// extension.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8bitmime
}

// SupportsSMTPUTF8 returns whether the SMTP server supports the SMTPUTF8
// extension.
func (c *Client) SupportsSMTPUTF8() bool {
	return c.extSMTPUTF8
}

// SupportsStartTLS returns whether the SMTP server supports the STARTTLS
// extension.
func (c *Client) SupportsStartTLS() bool {
	return c.extStartTLS
}

// Deliver attempts to deliver a message to a single recipient.
//
// See DeliverMultiple.
func (c *Client) Deliver(ctx context.Context, mailFrom string, rcptTo string, msgSize int64, msg io.Reader) (rerr error) {
	_, err := c.DeliverMultiple(ctx, mailFrom, []string{rcptTo}, msgSize, msg)
	return err
}

var errNoRecipients = errors.New("no recipients accepted in transaction")

// DeliverMultiple attempts to deliver a message to multiple recipients.
// Errors about the entire transaction, such as i/o errors or error responses
// to the MAIL FROM or DATA commands, are returned by a non-nil rerr. If
// rcptTo has a single recipient, an error to the RCPT TO command is returned
// in rerr instead of rcptResps. Otherwise, the SMTP response for each
// recipient is returned in rcptResps, correlated by position.
//
// A recipient response code "452" means a recipient limit was reached;
// another transaction can be attempted for those recipients immediately
// instead of marking the delivery attempt as failed. Code "552" is treated
// like "452" for historic reasons.
//
// mailFrom must be an email address, or empty in case of a bounce. Each
// rcptTo must be an email address.
//
// Returned errors can be of type Error, one of the Err-variables in this
// package or other underlying errors, e.g. for i/o. Use errors.Is to check.
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader) (rcptResps []Response, rerr error) {
	defer c.recover(&rerr)

	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}

	if c.origConn == nil {
		return nil, ErrClosed
	} else if c.botched {
		return nil, ErrBotched
	} else if c.needRset {
		if err := c.Reset(); err != nil {
			return nil, err
		}
	}

	// Max size enforced, only when not zero.
	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		c.xerrorf(true, 0, "", "", nil, "%w: message is %d bytes, remote has a %d bytes maximum size", ErrSize, msgSize, c.maxSize)
	}

	var mailSize string
	if c.extSize {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}

	// We are going into a transaction. We'll clear this when done.
	c.needRset = true

	c.cmds[0] = "mailfrom"
	c.cmdStart = time.Now()
	c.xwritelinef("MAIL FROM:<%s>%s", mailFrom, mailSize)
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(smtp.Permanent(code), code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	rcptResps = make([]Response, len(rcptTo))
	nok := 0
	for i, rcpt := range rcptTo {
		c.cmds[0] = "rcptto"
		c.cmdStart = time.Now()
		c.xwritelinef("RCPT TO:<%s>", rcpt)
		code, secode, firstLine, moreLines = c.xread()
		if i > 0 && (code == smtp.C452StorageFull || code == smtp.C552MailboxFull) {
			// Remote doesn't accept more recipients for this transaction. Don't send
			// more, give remaining recipients the same error result.
			for j := i; j < len(rcptTo); j++ {
				rcptResps[j] = Response{false, code, secode, "rcptto", firstLine, moreLines, fmt.Errorf("no more recipients accepted in transaction")}
			}
			break
		}
		var err error
		if code == smtp.C250Completed {
			nok++
		} else {
			err = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
		}
		rcptResps[i] = Response{smtp.Permanent(code), code, secode, "rcptto", firstLine, moreLines, err}
	}

	if nok == 0 {
		if len(rcptTo) == 1 {
			panic(Error(rcptResps[0]))
		}
		c.xerrorf(false, 0, "", "", nil, "%w", errNoRecipients)
	}

	c.cmds[0] = "data"
	c.cmdStart = time.Now()
	c.xwriteline("DATA")
	code, secode, firstLine, moreLines = c.xread()
	if code != smtp.C354Continue {
		c.xerrorf(smtp.Permanent(code), code, secode, firstLine, moreLines, "%w: got %d, expected 354", ErrStatus, code)
	}

	err := smtp.DataWrite(c.w, msg)
	if err != nil {
		c.xbotchf(0, "", "", nil, "writing message as smtp data: %w", err)
	}
	c.xflush()
	code, secode, firstLine, moreLines = c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(smtp.Permanent(code), code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	c.needRset = false
	return
}

// Reset sends an SMTP RSET command to reset the message transaction state.
// DeliverMultiple automatically sends it if needed.
func (c *Client) Reset() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}

	defer c.recover(&rerr)

	c.cmds[0] = "rset"
	c.cmdStart = time.Now()
	c.xwriteline("RSET")
	code, secode, firstLine, moreLines := c.xread()
	if code != smtp.C250Completed {
		c.xerrorf(smtp.Permanent(code), code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	c.needRset = false
	return
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used for
// message delivery.
func (c *Client) Botched() bool {
	return c.botched || c.origConn == nil
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is initialized and not botched, a QUIT command is sent
// and the response read with a short timeout before closing the underlying
// connection.
//
// Close returns any error encountered during QUIT and closing.
func (c *Client) Close() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	}

	defer c.recover(&rerr)

	if !c.botched {
		c.cmds[0] = "quit"
		c.cmdStart = time.Now()
		c.xwriteline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for reading quit response", err)
		} else if _, err := c.r.ReadString('\n'); err != nil {
			rerr = fmt.Errorf("reading response to quit command: %v", err)
			c.log.Debugx("reading quit response", err)
		}
	}

	err := c.origConn.Close()
	if c.conn != c.origConn {
		// This is the TLS connection. Close will attempt to write a close
		// notification. But it will fail quickly because the underlying socket
		// was closed.
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return
}
