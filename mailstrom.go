// Package mailstrom is an embeddable outbound email delivery engine.
//
// A host application hands it a well-formed RFC 5322 message plus an envelope
// (sender and recipient list). Mailstrom delivers the message to every
// recipient's mail infrastructure directly, without a local relay: it resolves
// the MX records of each recipient domain and speaks SMTP to the mail hosts in
// preference order, with opportunistic STARTTLS. Transient failures are
// retried with exponential backoff, up to three attempts per recipient.
// Per-recipient progress is written through to a pluggable Storage on every
// state change, and can be queried at any time with QueryStatus.
//
// Delivery happens on a single background worker goroutine, started by New
// and stopped by Die. A message that is not yet fully delivered when the
// engine stops is resumed by the worker of a future engine over the same
// Storage.
package mailstrom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/message"
	"github.com/mikedilger/mailstrom/mlog"
)

// ErrInvalidMessage is returned by Send for messages the formatter rejects,
// e.g. without a From header or with unparseable recipients. Nothing is
// persisted in that case.
var ErrInvalidMessage = errors.New("invalid message")

// Email is a message to be sent, with its envelope.
type Email struct {
	// Address for MAIL FROM. If empty, the address of the From header is used.
	From string

	// Addresses for RCPT TO. If empty, recipients are determined from the
	// To/Cc/Bcc headers and the Bcc header is removed before transmission.
	Recipients []string

	// The serialized RFC 5322 message, with CRLF line endings.
	Data []byte
}

// Mailstrom is the handle the host holds: submission, status queries and
// graceful shutdown. Safe for concurrent use.
type Mailstrom struct {
	config  Config
	storage Storage
	log     mlog.Log
	worker  *worker

	stopOnce sync.Once
}

// New returns a handle with the worker started. The storage must be safe for
// concurrent use: it is read by QueryStatus callers while the worker writes.
func New(config Config, storage Storage) (*Mailstrom, error) {
	if config.HeloName == "" {
		config.HeloName = "localhost"
	}
	if config.BaseBackoff == 0 {
		config.BaseBackoff = 60 * time.Second
	}
	if config.SMTPTimeout == 0 {
		config.SMTPTimeout = 60 * time.Second
	}
	if err := config.check(); err != nil {
		return nil, err
	}
	helo, err := dns.ParseDomain(config.HeloName)
	if err != nil {
		return nil, fmt.Errorf("parsing helo name: %w", err)
	}

	log := mlog.New("mailstrom", config.Log)

	resolver := config.Resolver
	if resolver == nil {
		resolver = dns.StrictResolver{Pkg: "mailstrom", Log: config.Log}
	}
	sender := config.Sender
	if sender == nil {
		sender = &smtpSender{
			log:        mlog.New("smtpclient", config.Log),
			elog:       config.Log,
			resolver:   resolver,
			dialer:     &net.Dialer{},
			helo:       helo,
			timeout:    config.SMTPTimeout,
			requireTLS: config.RequireSTARTTLS,
		}
	}

	w := &worker{
		log:      mlog.New("worker", config.Log),
		elog:     config.Log,
		config:   config,
		storage:  storage,
		resolver: resolver,
		sender:   sender,
		inbox:    make(chan *InternalStatus, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		jitter:   newPseudoRand(),
		statuses: map[string]*InternalStatus{},
	}

	m := &Mailstrom{
		config:  config,
		storage: storage,
		log:     log,
		worker:  w,
	}

	go w.run()

	return m, nil
}

// Send validates and submits a message for delivery to all its recipients,
// returning its message id. A Message-Id header supplied by the caller is
// preserved; otherwise one is stamped. The initial status, with all
// recipients parked, is persisted before Send returns; beyond that Send does
// not block on delivery.
//
// Returns an error wrapping ErrInvalidMessage if the formatter rejects the
// message, or the storage error if persisting the initial status fails. In
// both cases the message is not queued.
func (m *Mailstrom) Send(e *Email) (messageID string, rerr error) {
	pe, err := message.Prepare(e.Data, m.config.HeloName, e.From, e.Recipients)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	is := &InternalStatus{
		MessageID:    pe.MessageID,
		EnvelopeFrom: pe.From,
		Created:      time.Now(),
		Data:         pe.Data,
	}
	for _, r := range pe.Recipients {
		is.Recipients = append(is.Recipients, Recipient{
			Address:     r.Address,
			SMTPAddress: r.SMTPAddress,
			Domain:      r.Domain,
			State:       Parked,
		})
	}

	if err := m.storage.Store(context.Background(), is); err != nil {
		return "", fmt.Errorf("storing initial status: %w", err)
	}

	select {
	case m.worker.inbox <- is:
	case <-m.worker.done:
		// Worker already stopped. The message is persisted and will be picked
		// up by the worker of a future engine over the same storage.
		m.log.Info("message submitted after shutdown, leaving for restart", slog.String("messageid", is.MessageID))
	}

	return is.MessageID, nil
}

// QueryStatus returns the delivery status of a previously submitted message.
// It reads from the Storage directly and never blocks on the worker; it may
// observe a state slightly older than the worker's in-memory state, never a
// newer one. Returns ErrAbsent for unknown message ids.
func (m *Mailstrom) QueryStatus(ctx context.Context, messageID string) (DeliveryResult, error) {
	is, err := m.storage.Retrieve(ctx, messageID)
	if err != nil {
		return DeliveryResult{}, err
	}
	return is.Result(), nil
}

// Die signals the worker to drain its inbox and terminate, and waits for it.
// Messages accepted but not yet terminal are left in the Storage; a later
// engine over the same Storage resumes them. Die is idempotent.
func (m *Mailstrom) Die() {
	m.stopOnce.Do(func() {
		close(m.worker.stop)
	})
	<-m.worker.done
}
