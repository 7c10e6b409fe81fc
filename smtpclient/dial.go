package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/mlog"
)

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	// If this is a net.Dialer, use its settings and add the timeout. This is
	// the typical case, but tests can use a different dialer.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dial connects to host by dialing ips, in order. The first successful
// connection is returned, along with the IP that was dialed.
//
// The timeout deadline of ctx is divided over the IPs, so that a single
// unresponsive address does not consume the entire attempt budget.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, host dns.IPDomain, ips []net.IP, port int) (conn net.Conn, ip net.IP, rerr error) {
	log := mlog.New("smtpclient", elog)

	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok && len(ips) > 0 {
		timeout = time.Until(deadline) / time.Duration(len(ips))
	}

	var lastErr error
	var lastIP net.IP
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		log.Debug("dialing host", slog.String("addr", addr))
		conn, err := dial(ctx, dialer, timeout, addr)
		if err == nil {
			log.Debug("connected to host", slog.Any("host", host), slog.String("addr", addr))
			return conn, ip, nil
		}
		log.Debugx("connection attempt", err, slog.Any("host", host), slog.String("addr", addr))
		lastErr = err
		lastIP = ip
	}
	return nil, lastIP, lastErr
}
