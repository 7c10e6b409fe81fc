package mailstrom

import (
	"testing"
	"time"

	"github.com/mikedilger/mailstrom/dns"
)

func mkStatus(states ...DeliveryState) *InternalStatus {
	is := &InternalStatus{
		MessageID:    "test@localhost",
		EnvelopeFrom: "sender@test.example",
		Created:      time.Now().Round(0),
		Data:         []byte("From: <sender@test.example>\r\n\r\nhi\r\n"),
	}
	for i, s := range states {
		is.Recipients = append(is.Recipients, Recipient{
			Address:     "r@test.example",
			SMTPAddress: "r@test.example",
			Domain:      dns.Domain{ASCII: "test.example"},
			State:       s,
			Attempts:    i,
		})
	}
	return is
}

func TestRollup(t *testing.T) {
	tests := []struct {
		states []DeliveryState
		exp    Rollup
	}{
		{[]DeliveryState{Parked}, RollupQueued},
		{[]DeliveryState{Parked, InProgress}, RollupQueued},
		{[]DeliveryState{Delivered, Delivered}, RollupDelivered},
		{[]DeliveryState{Failed, Failed}, RollupFailed},
		{[]DeliveryState{Deferred}, RollupDeferred},
		{[]DeliveryState{Deferred, Parked}, RollupDeferred},
		{[]DeliveryState{Delivered, Failed}, RollupMixed},
		{[]DeliveryState{Delivered, Deferred}, RollupMixed},
		{[]DeliveryState{Delivered, Parked}, RollupMixed},
	}
	for _, test := range tests {
		got := mkStatus(test.states...).Result().Rollup
		if got != test.exp {
			t.Errorf("states %v: got rollup %q, expected %q", test.states, got, test.exp)
		}
	}
}

func TestCompleted(t *testing.T) {
	tcompare(t, mkStatus(Delivered, Failed).Completed(), true)
	tcompare(t, mkStatus(Delivered, Deferred).Completed(), false)
	tcompare(t, mkStatus(Parked).Completed(), false)
	tcompare(t, mkStatus(Delivered, Failed).Result().Completed(), true)
	tcompare(t, mkStatus(Delivered, Delivered).Result().Succeeded(), true)
	tcompare(t, mkStatus(Delivered, Failed).Result().Succeeded(), false)
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	is := mkStatus(Parked, Deferred)
	is.Recipients[1].NextAttempt = time.Now().Add(time.Minute).Round(0)
	is.Recipients[1].Code = 451
	is.Recipients[1].Text = "try later"

	tcheck(t, s.Store(ctxbg, is), "store")

	got, err := s.Retrieve(ctxbg, is.MessageID)
	tcheck(t, err, "retrieve")
	tcompare(t, got, is)

	// Stored value is not shared: mutating the original must not leak.
	is.Recipients[0].State = Delivered
	got2, err := s.Retrieve(ctxbg, is.MessageID)
	tcheck(t, err, "retrieve")
	tcompare(t, got2.Recipients[0].State, Parked)

	// Incomplete until all recipients are terminal.
	l, err := s.RetrieveAllIncomplete(ctxbg)
	tcheck(t, err, "retrieve all incomplete")
	tcompare(t, len(l), 1)

	is.Recipients[0].State = Parked
	is.Recipients[1].State = Failed
	tcheck(t, s.Store(ctxbg, is), "store")
	l, err = s.RetrieveAllIncomplete(ctxbg)
	tcheck(t, err, "retrieve all incomplete")
	tcompare(t, len(l), 1) // Recipient 0 still parked.

	is.Recipients[0].State = Delivered
	tcheck(t, s.Store(ctxbg, is), "store")
	l, err = s.RetrieveAllIncomplete(ctxbg)
	tcheck(t, err, "retrieve all incomplete")
	tcompare(t, len(l), 0)

	if _, err := s.Retrieve(ctxbg, "unknown@localhost"); err != ErrAbsent {
		t.Fatalf("got %v, expected ErrAbsent", err)
	}
}
