package mailstrom

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/mlog"
	"github.com/mikedilger/mailstrom/smtpclient"
)

// deliver runs one attempt cycle for a message: a single pass over all due
// non-terminal recipients, grouped by domain.
func (w *worker) deliver(is *InternalStatus) {
	cid := Cid()
	log := w.log.WithCid(cid).With(
		slog.String("messageid", is.MessageID),
		slog.String("from", is.EnvelopeFrom))
	ctx := context.WithValue(context.Background(), mlog.CidKey, cid)

	now := time.Now()
	var due []int
	for i, r := range is.Recipients {
		switch r.State {
		case Parked, InProgress:
			due = append(due, i)
		case Deferred:
			if !r.NextAttempt.After(now) {
				due = append(due, i)
			}
		}
	}
	if len(due) == 0 {
		return
	}

	// Register the attempt before doing network work. Recipients already
	// InProgress are being re-attempted after a crash or a failed store and
	// don't get another attempt counted.
	for _, i := range due {
		r := &is.Recipients[i]
		if r.State != InProgress {
			r.State = InProgress
			r.Attempts++
		}
	}
	if err := w.store(ctx, is); err != nil {
		// The message stays in memory, the cycle is retried after the normal
		// backoff interval. See reschedule: a message with recipients left
		// InProgress is scheduled again after BaseBackoff.
		log.Errorx("storing delivery attempt, retrying cycle later", err)
		return
	}

	// Group due recipients by domain, preserving submission order. MX
	// resolution happens once per domain per cycle, and caches are never
	// shared across messages: DNS is the source of truth per send.
	domainOrder := []string{}
	domains := map[string][]int{}
	for _, i := range due {
		name := is.Recipients[i].Domain.ASCII
		if _, ok := domains[name]; !ok {
			domainOrder = append(domainOrder, name)
		}
		domains[name] = append(domains[name], i)
	}

	for _, name := range domainOrder {
		idxs := domains[name]
		start := time.Now()
		w.deliverDomain(ctx, log, is, is.Recipients[idxs[0]].Domain, idxs)
		metricDelivery.WithLabelValues(fmt.Sprintf("%d", is.Recipients[idxs[0]].Attempts), domainResult(is, idxs)).Observe(float64(time.Since(start)) / float64(time.Second))
		if err := w.store(ctx, is); err != nil {
			log.Errorx("storing status after domain attempt", err)
		}
	}
}

// deliverDomain attempts delivery for the recipients of one domain: resolve
// the mail hosts once, then try them in preference order until a session is
// established or the host list is exhausted.
func (w *worker) deliverDomain(ctx context.Context, log mlog.Log, is *InternalStatus, domain dns.Domain, idxs []int) {
	log = log.With(slog.Any("domain", domain))

	_, _, hosts, permanent, err := smtpclient.GatherDestinations(ctx, w.elog, w.resolver, dns.IPDomain{Domain: domain})
	if err != nil {
		if permanent || dns.IsNotFound(err) {
			log.Debugx("resolving mail hosts, permanent failure", err)
			w.failAll(is, idxs, 0, fmt.Sprintf("resolving mail hosts: %v", err))
		} else {
			log.Debugx("resolving mail hosts, transient failure", err)
			w.deferAll(is, idxs, 0, fmt.Sprintf("resolving mail hosts: %v", err))
		}
		return
	}
	if len(hosts) == 0 {
		w.failAll(is, idxs, 0, "no mail hosts for domain")
		return
	}

	rcpts := make([]string, len(idxs))
	for j, i := range idxs {
		rcpts[j] = is.Recipients[i].SMTPAddress
	}

	allPermanent := true
	var lastErr error
	for _, h := range hosts {
		log.Debug("attempting delivery to host", slog.Any("host", h.Host), slog.Int("pref", h.Pref))
		out := w.sender.Attempt(ctx, h.Host, is.EnvelopeFrom, rcpts, is.Data)
		switch out.Connect {
		case ConnectOK:
			// The attempt for this domain is done regardless of the
			// per-recipient outcomes: no further hosts after a session that
			// answered RCPTs.
			for j, i := range idxs {
				if j < len(out.Recipients) {
					w.apply(is, i, out.Recipients[j])
				} else {
					w.deferOne(&is.Recipients[i], 0, "missing response for recipient in transaction")
				}
			}
			return
		case ConnectPermFail:
			// Per-host only: the next host in preference order is still tried.
			lastErr = out.Err
		case ConnectTempFail:
			allPermanent = false
			lastErr = out.Err
		}
	}

	errmsg := "connecting to mail hosts"
	if lastErr != nil {
		errmsg = fmt.Sprintf("connecting to mail hosts: %v", lastErr)
	}
	if allPermanent {
		w.failAll(is, idxs, 0, errmsg)
	} else {
		w.deferAll(is, idxs, 0, errmsg)
	}
}

// apply maps the SMTP outcome for a single recipient onto its state.
func (w *worker) apply(is *InternalStatus, i int, out RcptOutcome) {
	r := &is.Recipients[i]
	if r.State.Terminal() {
		return
	}
	switch out.Kind {
	case Accepted:
		r.State = Delivered
		r.DeliveredAt = time.Now()
		r.Code = out.Code
		r.Text = out.Text
	case RejectedPermanent:
		r.State = Failed
		r.Code = out.Code
		r.Text = out.Text
	case RejectedTemporary:
		w.deferOne(r, out.Code, out.Text)
	}
}

// deferOne defers a recipient for a later attempt, or fails it when the
// attempt cap is reached.
func (w *worker) deferOne(r *Recipient, code int, text string) {
	r.Code = code
	if r.Attempts >= maxAttempts {
		r.State = Failed
		r.Text = fmt.Sprintf("failed after %d attempts: %s", r.Attempts, text)
		return
	}
	r.State = Deferred
	r.NextAttempt = time.Now().Add(w.backoff(r.Attempts))
	r.Text = text
}

func (w *worker) deferAll(is *InternalStatus, idxs []int, code int, text string) {
	for _, i := range idxs {
		if !is.Recipients[i].State.Terminal() {
			w.deferOne(&is.Recipients[i], code, text)
		}
	}
}

func (w *worker) failAll(is *InternalStatus, idxs []int, code int, text string) {
	for _, i := range idxs {
		r := &is.Recipients[i]
		if r.State.Terminal() {
			continue
		}
		r.State = Failed
		r.Code = code
		r.Text = text
	}
}

func (w *worker) store(ctx context.Context, is *InternalStatus) error {
	return w.storage.Store(ctx, is)
}

// domainResult summarizes the states of the given recipients for metrics.
func domainResult(is *InternalStatus, idxs []int) string {
	var delivered, deferred, failed int
	for _, i := range idxs {
		switch is.Recipients[i].State {
		case Delivered:
			delivered++
		case Deferred:
			deferred++
		case Failed:
			failed++
		}
	}
	n := len(idxs)
	switch {
	case delivered == n:
		return "delivered"
	case deferred == n:
		return "deferred"
	case failed == n:
		return "failed"
	}
	return "mixed"
}
