package mailstrom

import (
	"time"

	"github.com/mikedilger/mailstrom/dns"
)

// DeliveryState is the delivery state of a message for a single recipient.
type DeliveryState string

const (
	// Not yet attempted.
	Parked DeliveryState = "parked"

	// An attempt is currently underway.
	InProgress DeliveryState = "inprogress"

	// Terminal success, the remote server accepted final responsibility.
	Delivered DeliveryState = "delivered"

	// Transient failure, will be retried.
	Deferred DeliveryState = "deferred"

	// Terminal failure, no further attempts.
	Failed DeliveryState = "failed"
)

// Terminal returns whether no transitions out of the state happen.
func (s DeliveryState) Terminal() bool {
	return s == Delivered || s == Failed
}

// Recipient is the per-recipient delivery record of a message.
type Recipient struct {
	Address     string     // Original form, for display.
	SMTPAddress string     // As used in RCPT TO.
	Domain      dns.Domain // Parsed off of the recipient address.

	State    DeliveryState
	Attempts int // Delivery cycles in which this recipient was attempted.

	NextAttempt time.Time // When in Deferred, the scheduled next attempt.
	DeliveredAt time.Time // When in Delivered.
	Code        int       // SMTP response code of the last response, if any.
	Text        string    // SMTP response text for Delivered, or the failure reason for Deferred/Failed.
}

// InternalStatus is the engine's record of a message, persisted through the
// Storage on every state change. It is exposed for implementers of Storage.
type InternalStatus struct {
	// The parsed-out (or generated) message id. Unique within a Storage,
	// never changes after assignment.
	MessageID string

	// Address used in MAIL FROM.
	EnvelopeFrom string

	// Per-recipient state.
	Recipients []Recipient

	Created time.Time

	// The prepared message as transmitted, kept so delivery can resume after
	// a restart.
	Data []byte
}

// Completed returns whether all recipients are in a terminal state.
func (is *InternalStatus) Completed() bool {
	for _, r := range is.Recipients {
		if !r.State.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, so stored values are not shared with the worker.
func (is *InternalStatus) Clone() *InternalStatus {
	nis := *is
	nis.Recipients = append([]Recipient{}, is.Recipients...)
	nis.Data = append([]byte{}, is.Data...)
	return &nis
}

// Rollup is the aggregate of the per-recipient states of a message.
type Rollup string

const (
	RollupQueued    Rollup = "queued"    // No outcome yet, every recipient parked or in progress.
	RollupDelivered Rollup = "delivered" // Every recipient delivered.
	RollupDeferred  Rollup = "deferred"  // Retries pending, no terminal outcomes yet.
	RollupFailed    Rollup = "failed"    // Every recipient failed.
	RollupMixed     Rollup = "mixed"     // Some combination of the above.
)

// RecipientResult is the public projection of a Recipient.
type RecipientResult struct {
	Address     string
	State       DeliveryState
	Attempts    int
	NextAttempt time.Time // Zero unless state is Deferred.
	Code        int
	Text        string
}

// DeliveryResult is the public projection of an InternalStatus: per-recipient
// status plus an aggregate rollup.
type DeliveryResult struct {
	MessageID  string
	Rollup     Rollup
	Recipients []RecipientResult
}

// Succeeded returns whether every recipient was delivered.
func (dr DeliveryResult) Succeeded() bool {
	return dr.Rollup == RollupDelivered
}

// Completed returns whether all recipients are in a terminal state.
func (dr DeliveryResult) Completed() bool {
	for _, r := range dr.Recipients {
		if !r.State.Terminal() {
			return false
		}
	}
	return true
}

// Result returns the public projection of the status.
func (is *InternalStatus) Result() DeliveryResult {
	dr := DeliveryResult{MessageID: is.MessageID}
	var parked, inprogress, delivered, deferred, failed int
	for _, r := range is.Recipients {
		rr := RecipientResult{
			Address:  r.Address,
			State:    r.State,
			Attempts: r.Attempts,
			Code:     r.Code,
			Text:     r.Text,
		}
		switch r.State {
		case Parked:
			parked++
		case InProgress:
			inprogress++
		case Delivered:
			delivered++
		case Deferred:
			deferred++
			rr.NextAttempt = r.NextAttempt
		case Failed:
			failed++
		}
		dr.Recipients = append(dr.Recipients, rr)
	}
	n := len(is.Recipients)
	switch {
	case parked+inprogress == n:
		dr.Rollup = RollupQueued
	case delivered == n:
		dr.Rollup = RollupDelivered
	case failed == n:
		dr.Rollup = RollupFailed
	case deferred > 0 && delivered == 0 && failed == 0:
		dr.Rollup = RollupDeferred
	default:
		dr.Rollup = RollupMixed
	}
	return dr
}
