package smtp

import (
	"errors"
	"testing"

	"github.com/mikedilger/mailstrom/dns"
)

func TestParseAddress(t *testing.T) {
	good := func(s string, exp Address) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("parse address %q: %v", s, err)
		}
		if a != exp {
			t.Fatalf("parse address %q: got %#v, expected %#v", s, a, exp)
		}
	}
	bad := func(s string) {
		t.Helper()
		if _, err := ParseAddress(s); !errors.Is(err, ErrBadAddress) {
			t.Fatalf("parse address %q: got %v, expected ErrBadAddress", s, err)
		}
	}

	good("mjl@mox.example", Address{"mjl", dns.Domain{ASCII: "mox.example"}})
	good("o.o@mox.example", Address{"o.o", dns.Domain{ASCII: "mox.example"}})
	good(`"with space"@mox.example`, Address{"with space", dns.Domain{ASCII: "mox.example"}})
	good("mjl@tést.example", Address{"mjl", dns.Domain{ASCII: "xn--tst-bma.example", Unicode: "tést.example"}})

	bad("mjl")
	bad("mjl@")
	bad("@mox.example")
	bad("mjl @mox.example")
	bad("mjl@mox.example.")
	bad("mjl@mox..example")
}

func TestAddressPack(t *testing.T) {
	a, err := ParseAddress(`"with space"@tést.example`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s := a.Pack(false); s != `"with space"@xn--tst-bma.example` {
		t.Fatalf("pack: got %q", s)
	}
	if s := a.Pack(true); s != `"with space"@tést.example` {
		t.Fatalf("pack utf8: got %q", s)
	}
	p := a.Path()
	if s := p.XString(false); s != `"with space"@xn--tst-bma.example` {
		t.Fatalf("path: got %q", s)
	}
}

func TestClassify(t *testing.T) {
	perm := []int{C500BadSyntax, C550MailboxUnavail, C553BadMailbox, C554TransactionFailed}
	trans := []int{C421ServiceUnavail, C450MailboxUnavail, C451LocalErr, C452StorageFull, C552MailboxFull}
	for _, code := range perm {
		if !Permanent(code) || Transient(code) {
			t.Errorf("code %d should classify permanent", code)
		}
	}
	for _, code := range trans {
		if Permanent(code) || !Transient(code) {
			t.Errorf("code %d should classify transient", code)
		}
	}
	if Permanent(C250Completed) || Transient(C250Completed) {
		t.Errorf("success code classified as failure")
	}
}
