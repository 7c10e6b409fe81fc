package statusdb

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mikedilger/mailstrom"
	"github.com/mikedilger/mailstrom/dns"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func testStatus(messageID string) *mailstrom.InternalStatus {
	return &mailstrom.InternalStatus{
		MessageID:    messageID,
		EnvelopeFrom: "mjl@mox.example",
		Recipients: []mailstrom.Recipient{
			{
				Address:     "alice@example.com",
				SMTPAddress: "alice@example.com",
				Domain:      dns.Domain{ASCII: "example.com"},
				State:       mailstrom.Parked,
			},
			{
				Address:     "bob@b.test",
				SMTPAddress: "bob@b.test",
				Domain:      dns.Domain{ASCII: "b.test"},
				State:       mailstrom.Deferred,
				Attempts:    1,
				NextAttempt: time.Now().Add(time.Minute).Round(0).UTC(),
				Code:        451,
				Text:        "try later",
			},
		},
		Created: time.Now().Round(0).UTC(),
		Data:    []byte("From: <mjl@mox.example>\r\n\r\ntest\r\n"),
	}
}

func TestDB(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "status.db"), nil)
	tcheck(t, err, "open")
	defer db.Close()

	if _, err := db.Retrieve(ctxbg, "absent@mox.example"); !errors.Is(err, mailstrom.ErrAbsent) {
		t.Fatalf("got %v, expected ErrAbsent", err)
	}

	is := testStatus("mid1@mox.example")
	tcheck(t, db.Store(ctxbg, is), "store")

	got, err := db.Retrieve(ctxbg, is.MessageID)
	tcheck(t, err, "retrieve")
	if !reflect.DeepEqual(got, is) {
		t.Fatalf("round trip mismatch:\ngot %#v\nexpected %#v", got, is)
	}

	// Overwrite with progressed state.
	is.Recipients[0].State = mailstrom.Delivered
	is.Recipients[0].DeliveredAt = time.Now().Round(0).UTC()
	is.Recipients[0].Code = 250
	is.Recipients[0].Text = "OK"
	is.Recipients[0].Attempts = 1
	tcheck(t, db.Store(ctxbg, is), "store overwrite")

	got, err = db.Retrieve(ctxbg, is.MessageID)
	tcheck(t, err, "retrieve")
	if got.Recipients[0].State != mailstrom.Delivered || got.Recipients[0].Code != 250 {
		t.Fatalf("overwrite not persisted: %#v", got.Recipients[0])
	}

	// Bob is still deferred, so the message is incomplete.
	l, err := db.RetrieveAllIncomplete(ctxbg)
	tcheck(t, err, "retrieve all incomplete")
	if len(l) != 1 || l[0].MessageID != is.MessageID {
		t.Fatalf("got incomplete %v", l)
	}

	// A second, complete message does not show up as incomplete.
	is2 := testStatus("mid2@mox.example")
	for i := range is2.Recipients {
		is2.Recipients[i].State = mailstrom.Failed
		is2.Recipients[i].Text = "no"
	}
	tcheck(t, db.Store(ctxbg, is2), "store complete message")

	l, err = db.RetrieveAllIncomplete(ctxbg)
	tcheck(t, err, "retrieve all incomplete")
	if len(l) != 1 || l[0].MessageID != "mid1@mox.example" {
		t.Fatalf("got incomplete %v", l)
	}

	// Completing the first message empties the incomplete set.
	is.Recipients[1].State = mailstrom.Failed
	tcheck(t, db.Store(ctxbg, is), "store")
	l, err = db.RetrieveAllIncomplete(ctxbg)
	tcheck(t, err, "retrieve all incomplete")
	if len(l) != 0 {
		t.Fatalf("got incomplete %v", l)
	}
}
