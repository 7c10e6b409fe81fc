package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/mlog"
)

var (
	errCNAMELoop  = errors.New("cname loop")
	errCNAMELimit = errors.New("too many cname records")
	errDNS        = errors.New("dns lookup error")
	ErrNoMail     = errors.New("domain does not accept email as indicated with single dot for mx record")
)

// HostPref is a host for delivery, with preference for MX records.
type HostPref struct {
	Host dns.IPDomain
	Pref int // -1 when not an MX record.
}

// GatherDestinations looks up the hosts to deliver email to a domain
// ("next-hop"). If it is an IP address, it is the only destination to try.
// Otherwise CNAMEs of the domain are followed. Then MX records for the
// expanded CNAME are looked up. If no MX record is present, the expanded
// domain itself is returned (implicit MX, RFC 5321). If an MX record is present but
// indicates the domain does not accept email (null MX, RFC 7505), ErrNoMail
// is returned.
//
// haveMX indicates if an MX record was found.
//
// permanent indicates whether a returned error will not resolve itself within
// a reasonable retry schedule, e.g. the explicit refusal of null MX.
func GatherDestinations(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, origNextHop dns.IPDomain) (haveMX bool, expandedNextHop dns.Domain, hostPrefs []HostPref, permanent bool, err error) {
	log := mlog.New("smtpclient", elog)

	// IP addresses are dialed directly.
	if len(origNextHop.IP) > 0 {
		return false, expandedNextHop, []HostPref{{origNextHop, -1}}, false, nil
	}

	// We start out delivering to the recipient domain. We follow CNAMEs.
	rcptDomain := origNextHop.Domain
	// Domain we are actually delivering to, after following CNAME record(s).
	expandedNextHop = rcptDomain
	// Keep track of CNAMEs we have followed, to detect loops.
	domainsSeen := map[string]bool{}
	for i := 0; ; i++ {
		if domainsSeen[expandedNextHop.ASCII] {
			err := fmt.Errorf("%w: recipient domain %s: already saw %s", errCNAMELoop, rcptDomain, expandedNextHop)
			return false, expandedNextHop, nil, false, err
		}
		domainsSeen[expandedNextHop.ASCII] = true

		// We have a maximum number of CNAME records we follow. There is no hard
		// limit for DNS, and CNAME chains of 10 records have been encountered
		// according to the internet.
		if i == 16 {
			err := fmt.Errorf("%w: recipient domain %s, last resolved domain %s", errCNAMELimit, rcptDomain, expandedNextHop)
			return false, expandedNextHop, nil, false, err
		}

		// Do explicit CNAME lookup. Go's LookupMX also resolves CNAMEs, but we want to
		// know the final name.
		cctx, ccancel := context.WithTimeout(ctx, 30*time.Second)
		defer ccancel()
		cname, _, err := resolver.LookupCNAME(cctx, expandedNextHop.ASCII+".")
		ccancel()
		if err != nil && !dns.IsNotFound(err) {
			err = fmt.Errorf("%w: cname lookup for %s: %v", errDNS, expandedNextHop, err)
			return false, expandedNextHop, nil, false, err
		}
		if err == nil && cname != expandedNextHop.ASCII+"." {
			d, err := dns.ParseDomain(strings.TrimSuffix(cname, "."))
			if err != nil {
				err = fmt.Errorf("%w: parsing cname domain %s: %v", errDNS, expandedNextHop, err)
				return false, expandedNextHop, nil, false, err
			}
			expandedNextHop = d
			// Start again with new domain.
			continue
		}

		// Not a CNAME, so lookup MX record.
		mctx, mcancel := context.WithTimeout(ctx, 30*time.Second)
		defer mcancel()
		// Note: LookupMX can return an error and still return records: invalid
		// records are filtered out and an error returned. We must process any
		// records that are valid. Only if all are unusable will we return an error.
		mxl, _, err := resolver.LookupMX(mctx, expandedNextHop.ASCII+".")
		mcancel()
		if err != nil && len(mxl) == 0 {
			if !dns.IsNotFound(err) {
				err = fmt.Errorf("%w: mx lookup for %s: %v", errDNS, expandedNextHop, err)
				return false, expandedNextHop, nil, false, err
			}

			// No MX record, attempt delivery directly to host.
			hostPrefs = []HostPref{{dns.IPDomain{Domain: expandedNextHop}, -1}}
			return false, expandedNextHop, hostPrefs, false, nil
		} else if err != nil {
			log.Infox("mx record has some invalid records, keeping only the valid mx records", err)
		}

		if err == nil && len(mxl) == 1 && mxl[0].Host == "." {
			// Note: depending on MX record TTL, this record may be replaced with a
			// more receptive MX record before our final delivery attempt. But it's
			// clearly the explicit desire not to be bothered with email delivery
			// attempts, so mark failure as permanent.
			return true, expandedNextHop, nil, true, ErrNoMail
		}

		// The Go resolver already sorts by preference, randomizing records of same
		// preference.
		for _, mx := range mxl {
			// Parsing lax for MX targets with underscores as seen in the wild.
			host, err := dns.ParseDomainLax(strings.TrimSuffix(mx.Host, "."))
			if err != nil {
				err = fmt.Errorf("%w: invalid host name in mx record %q: %v", errDNS, mx.Host, err)
				return true, expandedNextHop, nil, true, err
			}
			hostPrefs = append(hostPrefs, HostPref{dns.IPDomain{Domain: host}, int(mx.Pref)})
		}
		if len(hostPrefs) > 0 {
			err = nil
		}
		return true, expandedNextHop, hostPrefs, false, err
	}
}

// GatherIPs looks up the IPs to try for connecting to host, following CNAMEs.
func GatherIPs(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, host dns.IPDomain) (ips []net.IP, rerr error) {
	if len(host.IP) > 0 {
		return []net.IP{host.IP}, nil
	}

	// The Go resolver automatically follows CNAMEs, which is not allowed for
	// host names in MX records, but is commonly seen and accepted in practice.
	name := host.Domain.ASCII + "."

	ipaddrs, _, err := resolver.LookupIPAddr(ctx, name)
	if err != nil || len(ipaddrs) == 0 {
		return nil, fmt.Errorf("looking up %q: %w", name, err)
	}
	for _, ipaddr := range ipaddrs {
		ips = append(ips, ipaddr.IP)
	}
	return ips, nil
}
