package smtp

import (
	"errors"
	"strings"
	"testing"
)

func TestDataWrite(t *testing.T) {
	check := func(data, expect string) {
		t.Helper()
		w := &strings.Builder{}
		if err := DataWrite(w, strings.NewReader(data)); err != nil {
			t.Fatalf("writing smtp data: %s", err)
		}
		if got := w.String(); got != expect {
			t.Fatalf("got %q, expected %q, for data %q", got, expect, data)
		}
	}

	check("test\r\n", "test\r\n.\r\n")
	check(".test\r\n", "..test\r\n.\r\n")
	check("line1\r\n.line2\r\n", "line1\r\n..line2\r\n.\r\n")
	check(".\r\n", "..\r\n.\r\n")

	bad := func(data string) {
		t.Helper()
		w := &strings.Builder{}
		err := DataWrite(w, strings.NewReader(data))
		if err == nil {
			t.Fatalf("no error for data %q", data)
		}
	}

	// Bare newlines and carriage returns are rejected.
	if err := DataWrite(&strings.Builder{}, strings.NewReader("bare\nnewline\r\n")); !errors.Is(err, ErrCRLF) {
		t.Fatalf("got %v, expected ErrCRLF", err)
	}
	bad("bare\rcr\r\n")
	bad("missing crlf at end")
}
