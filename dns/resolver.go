package dns

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/mikedilger/mailstrom/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mailstrom_dns_lookup_duration_seconds",
		Help:    "DNS lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{
		"type",   // Lookup type, e.g. "mx", "host".
		"result", // "ok", "nxdomain", "temporary", "timeout", "canceled", "error"
	},
)

// Resolver is the interface strict resolver implements.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) // NOTE: returns an error if no CNAME record is present.
	LookupHost(ctx context.Context, host string) ([]string, adns.Result, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
}

// StrictResolver is a net.Resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for logging.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

func (r StrictResolver) resolver() Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func metricLookupObserve(typ string, err error, start time.Time) {
	var result string
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		result = "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	metricLookup.WithLabelValues(typ, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

// LookupCNAME looks up a CNAME. Unlike "net" LookupCNAME, it returns a "not found"
// error if there is no CNAME record.
func (r StrictResolver) LookupCNAME(ctx context.Context, host string) (resp string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve("cname", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "cname"),
			slog.String("host", host),
			slog.String("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return "", result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupCNAME(ctx, host)
	if err == nil && resp == host {
		return "", result, &adns.DNSError{
			Err:        "no cname record",
			Name:       host,
			Server:     "",
			IsNotFound: true,
		}
	}
	return
}

func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve("host", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "host"),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupHost(ctx, host)
	return
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve("ip", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "ip"),
			slog.String("network", network),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIP(ctx, network, host)
	return
}

func (r StrictResolver) LookupIPAddr(ctx context.Context, host string) (resp []net.IPAddr, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve("ipaddr", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "ipaddr"),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIPAddr(ctx, host)
	return
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve("mx", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "mx"),
			slog.String("name", name),
			slog.Any("resp", resp),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupMX(ctx, name)
	return
}
