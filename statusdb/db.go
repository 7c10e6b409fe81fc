// Package statusdb stores per-message delivery status in a bstore database,
// implementing the mailstrom Storage interface for production hosts.
package statusdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mikedilger/mailstrom"
	"github.com/mikedilger/mailstrom/mlog"
)

// Record is a message delivery status as a database record.
type Record struct {
	ID        int64
	MessageID string `bstore:"unique"`

	EnvelopeFrom string
	Recipients   []mailstrom.Recipient
	Created      time.Time
	Data         []byte

	// Whether all recipients are terminal, for the incomplete query.
	Complete bool `bstore:"index"`
}

// DB is a Storage backed by a bstore database file.
type DB struct {
	log mlog.Log
	db  *bstore.DB
}

var _ mailstrom.Storage = (*DB)(nil)

// Open opens or creates the database at path.
func Open(path string, elog *slog.Logger) (*DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Record{})
	if err != nil {
		return nil, fmt.Errorf("open status database: %w", err)
	}
	return &DB{log: mlog.New("statusdb", elog), db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() {
	if d.db != nil {
		err := d.db.Close()
		d.log.Check(err, "closing status database")
		d.db = nil
	}
}

// Store creates or overwrites the record for status.MessageID.
func (d *DB) Store(ctx context.Context, status *mailstrom.InternalStatus) error {
	return d.db.Write(ctx, func(tx *bstore.Tx) error {
		r := record(status)
		q := bstore.QueryTx[Record](tx)
		q.FilterNonzero(Record{MessageID: status.MessageID})
		prev, err := q.Get()
		if err == nil {
			r.ID = prev.ID
			return tx.Update(&r)
		} else if err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&r)
	})
}

// Retrieve returns the record for a message id, or mailstrom.ErrAbsent.
func (d *DB) Retrieve(ctx context.Context, messageID string) (*mailstrom.InternalStatus, error) {
	q := bstore.QueryDB[Record](ctx, d.db)
	q.FilterNonzero(Record{MessageID: messageID})
	r, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, mailstrom.ErrAbsent
	} else if err != nil {
		return nil, err
	}
	return status(r), nil
}

// RetrieveAllIncomplete returns every record with at least one non-terminal
// recipient, for crash recovery at worker startup.
func (d *DB) RetrieveAllIncomplete(ctx context.Context) ([]*mailstrom.InternalStatus, error) {
	q := bstore.QueryDB[Record](ctx, d.db)
	q.FilterEqual("Complete", false)
	q.SortAsc("ID")
	l, err := q.List()
	if err != nil {
		return nil, err
	}
	statuses := make([]*mailstrom.InternalStatus, len(l))
	for i, r := range l {
		statuses[i] = status(r)
	}
	return statuses, nil
}

func record(is *mailstrom.InternalStatus) Record {
	return Record{
		MessageID:    is.MessageID,
		EnvelopeFrom: is.EnvelopeFrom,
		Recipients:   append([]mailstrom.Recipient{}, is.Recipients...),
		Created:      is.Created,
		Data:         append([]byte{}, is.Data...),
		Complete:     is.Completed(),
	}
}

func status(r Record) *mailstrom.InternalStatus {
	return &mailstrom.InternalStatus{
		MessageID:    r.MessageID,
		EnvelopeFrom: r.EnvelopeFrom,
		Recipients:   r.Recipients,
		Created:      r.Created,
		Data:         r.Data,
	}
}
