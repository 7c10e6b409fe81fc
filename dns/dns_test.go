package dns

import (
	"context"
	"net"
	"testing"

	"github.com/mjl-/adns"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr bool) {
		t.Helper()
		d, err := ParseDomain(s)
		if (err != nil) != expErr {
			t.Fatalf("parse domain %q: err %v, expected error %v", s, err, expErr)
		}
		if err == nil && d != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, d, exp)
		}
	}

	test("mox.example", Domain{"mox.example", ""}, false)
	test("MOX.EXAMPLE", Domain{"mox.example", ""}, false)
	test("tést.example", Domain{"xn--tst-bma.example", "tést.example"}, false)
	test("mox.example.", Domain{}, true)
	test("_underscore.example", Domain{}, true)

	d, err := ParseDomainLax("_underscore.example")
	if err != nil || d != (Domain{"_underscore.example", ""}) {
		t.Fatalf("parse domain lax: got %#v, %v", d, err)
	}
	if _, err := ParseDomainLax("bad_ char.example"); err == nil {
		t.Fatalf("parse domain lax did not reject invalid character")
	}
}

func TestDomainName(t *testing.T) {
	if name := (Domain{"mox.example", ""}).Name(); name != "mox.example" {
		t.Fatalf("got %q", name)
	}
	if name := (Domain{"xn--tst-bma.example", "tést.example"}).Name(); name != "tést.example" {
		t.Fatalf("got %q", name)
	}
	if s := (Domain{"xn--tst-bma.example", "tést.example"}).XName(false); s != "xn--tst-bma.example" {
		t.Fatalf("got %q", s)
	}
}

func TestErrorClassification(t *testing.T) {
	nx := &adns.DNSError{Err: "no record", IsNotFound: true}
	tmp := &adns.DNSError{Err: "temp", IsTemporary: true}
	tim := &net.DNSError{Err: "timeout", IsTimeout: true}

	if !IsNotFound(nx) || IsNotFound(tmp) || IsNotFound(nil) {
		t.Fatalf("isnotfound misclassification")
	}
	if !IsTemporary(tmp) || !IsTemporary(tim) || IsTemporary(nx) || IsTemporary(nil) {
		t.Fatalf("istemporary misclassification")
	}
}

func TestMockResolver(t *testing.T) {
	ctxbg := context.Background()
	r := MockResolver{
		MX:    map[string][]*net.MX{"example.com.": {{Host: "mx.example.com.", Pref: 10}}},
		A:     map[string][]string{"mx.example.com.": {"10.0.0.1"}},
		CNAME: map[string]string{"alias.example.com.": "example.com."},
		Fail:  []string{"mx broken.example."},
	}

	mxl, _, err := r.LookupMX(ctxbg, "example.com.")
	if err != nil || len(mxl) != 1 || mxl[0].Host != "mx.example.com." {
		t.Fatalf("lookup mx: %v %v", mxl, err)
	}

	// CNAME is followed for MX lookups.
	mxl, _, err = r.LookupMX(ctxbg, "alias.example.com.")
	if err != nil || len(mxl) != 1 {
		t.Fatalf("lookup mx through cname: %v %v", mxl, err)
	}

	if _, _, err := r.LookupMX(ctxbg, "absent.example."); !IsNotFound(err) {
		t.Fatalf("lookup mx for absent domain: %v", err)
	}
	if _, _, err := r.LookupMX(ctxbg, "broken.example."); !IsTemporary(err) {
		t.Fatalf("lookup mx for failing domain: %v", err)
	}

	ips, _, err := r.LookupIPAddr(ctxbg, "mx.example.com.")
	if err != nil || len(ips) != 1 || ips[0].IP.String() != "10.0.0.1" {
		t.Fatalf("lookup ipaddr: %v %v", ips, err)
	}
}
