package smtpclient

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"

	"github.com/mikedilger/mailstrom/dns"
)

var ctxbg = context.Background()

func domain(s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ipdomain(s string) dns.IPDomain {
	return dns.IPDomain{Domain: domain(s)}
}

func TestGatherDestinations(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"basic.example.":  {{Host: "mx1.basic.example.", Pref: 10}, {Host: "mx2.basic.example.", Pref: 20}},
			"null.example.":   {{Host: ".", Pref: 0}},
			"target.example.": {{Host: "mx.target.example.", Pref: 5}},
		},
		A: map[string][]string{
			"implicit.example.": {"10.0.0.1"},
		},
		CNAME: map[string]string{
			"alias.example.": "target.example.",
			"loop1.example.": "loop2.example.",
			"loop2.example.": "loop1.example.",
		},
		Fail: []string{"mx broken.example."},
	}

	test := func(dom string, expHosts []HostPref, expHaveMX, expPermanent bool, expErr error) {
		t.Helper()
		haveMX, _, hosts, permanent, err := GatherDestinations(ctxbg, nil, resolver, ipdomain(dom))
		if expErr == nil && err != nil || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("%s: got err %v, expected %v", dom, err, expErr)
		}
		if haveMX != expHaveMX || permanent != expPermanent {
			t.Fatalf("%s: got havemx %v permanent %v, expected %v %v", dom, haveMX, permanent, expHaveMX, expPermanent)
		}
		if len(hosts) != len(expHosts) {
			t.Fatalf("%s: got hosts %v, expected %v", dom, hosts, expHosts)
		}
		for i, h := range hosts {
			if !reflect.DeepEqual(h, expHosts[i]) {
				t.Fatalf("%s: host %d: got %v, expected %v", dom, i, h, expHosts[i])
			}
		}
	}

	// MX records in preference order.
	test("basic.example", []HostPref{
		{ipdomain("mx1.basic.example"), 10},
		{ipdomain("mx2.basic.example"), 20},
	}, true, false, nil)

	// Null MX: the domain explicitly refuses mail, permanent.
	test("null.example", nil, true, true, ErrNoMail)

	// No MX record: implicit MX, deliver to the domain itself.
	test("implicit.example", []HostPref{{ipdomain("implicit.example"), -1}}, false, false, nil)

	// CNAME is followed before the MX lookup.
	test("alias.example", []HostPref{{ipdomain("mx.target.example"), 5}}, true, false, nil)

	// CNAME loops are detected.
	test("loop1.example", nil, false, false, errCNAMELoop)

	// A broken resolver result propagates.
	test("broken.example", nil, false, false, errDNS)

	// IP addresses are dialed directly.
	ip := dns.IPDomain{IP: net.ParseIP("10.0.0.9")}
	_, _, hosts, _, err := GatherDestinations(ctxbg, nil, resolver, ip)
	if err != nil || len(hosts) != 1 || hosts[0].Pref != -1 || !hosts[0].Host.IsIP() {
		t.Fatalf("ip destination: got %v, %v", hosts, err)
	}
}

func TestGatherIPs(t *testing.T) {
	resolver := dns.MockResolver{
		A:    map[string][]string{"mx.example.com.": {"10.0.0.1", "10.0.0.2"}},
		AAAA: map[string][]string{"mx.example.com.": {"::1"}},
	}

	ips, err := GatherIPs(ctxbg, nil, resolver, ipdomain("mx.example.com"))
	if err != nil || len(ips) != 3 {
		t.Fatalf("gather ips: %v, %v", ips, err)
	}

	if _, err := GatherIPs(ctxbg, nil, resolver, ipdomain("absent.example.com")); err == nil {
		t.Fatalf("gather ips for absent host did not fail")
	}

	ips, err = GatherIPs(ctxbg, nil, resolver, dns.IPDomain{IP: net.ParseIP("10.9.9.9")})
	if err != nil || len(ips) != 1 {
		t.Fatalf("gather ips for ip: %v, %v", ips, err)
	}
}
