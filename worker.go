package mailstrom

import (
	"container/heap"
	"context"
	"log/slog"
	mathrand "math/rand"
	"time"

	"github.com/mikedilger/mailstrom/dns"
	"github.com/mikedilger/mailstrom/mlog"
)

// Per-recipient retry cap: after the 3rd transient outcome a recipient fails.
const maxAttempts = 3

// task is a scheduled delivery cycle for a message.
type task struct {
	at  time.Time
	seq int64 // Submission order, for stable ordering of equal times.
	messageID string
}

// schedule is a min-heap of tasks, earliest attempt time first, ties broken
// by submission order.
type schedule []task

func (s schedule) Len() int { return len(s) }
func (s schedule) Less(i, j int) bool {
	if !s[i].at.Equal(s[j].at) {
		return s[i].at.Before(s[j].at)
	}
	return s[i].seq < s[j].seq
}
func (s schedule) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s *schedule) Push(x any)        { *s = append(*s, x.(task)) }
func (s *schedule) Pop() any {
	old := *s
	n := len(old)
	t := old[n-1]
	*s = old[:n-1]
	return t
}

// worker is the single background goroutine owning active deliveries. It
// drains the submission inbox and the time-ordered schedule, performs MX
// resolution and SMTP attempts through the Sender, applies the retry policy
// and writes status through to the Storage on every transition.
type worker struct {
	log      mlog.Log
	elog     *slog.Logger
	config   Config
	storage  Storage
	resolver dns.Resolver
	sender   Sender

	inbox chan *InternalStatus
	stop  chan struct{}
	done  chan struct{}

	jitter *mathrand.Rand
	seq    int64

	// In-memory cache of messages with non-terminal recipients. The Storage
	// is the durable truth; this cache writes through on every transition.
	statuses map[string]*InternalStatus
	sched    schedule
}

func (w *worker) run() {
	defer close(w.done)

	w.recover()

	timer := time.NewTimer(w.nextWork())
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			w.drain()
			return
		case is := <-w.inbox:
			w.admit(is, time.Now())
		case <-timer.C:
		}

		now := time.Now()
		for len(w.sched) > 0 && !w.sched[0].at.After(now) {
			t := heap.Pop(&w.sched).(task)
			is, ok := w.statuses[t.messageID]
			if !ok {
				continue
			}
			w.deliver(is)
			if is.Completed() {
				delete(w.statuses, is.MessageID)
			} else {
				w.reschedule(is)
			}
			metricIncomplete.Set(float64(len(w.statuses)))
		}

		timer.Reset(w.nextWork())
	}
}

// recover re-admits every stored message with a non-terminal recipient, for
// crash recovery. Recipients are due immediately; saved schedules in the
// future are honored.
func (w *worker) recover() {
	ctx := context.Background()
	l, err := w.storage.RetrieveAllIncomplete(ctx)
	if err != nil {
		w.log.Errorx("retrieving incomplete messages at startup", err)
		return
	}
	now := time.Now()
	for _, is := range l {
		at := now
		if t := earliestAttempt(is); t.After(now) {
			at = t
		}
		w.admit(is, at)
	}
	if len(l) > 0 {
		w.log.Info("resuming deliveries from storage", slog.Int("messages", len(l)))
	}
}

// earliestAttempt returns the earliest next attempt time over the
// non-terminal recipients. Parked and InProgress recipients are due
// immediately, so the zero time is returned when one is present.
func earliestAttempt(is *InternalStatus) time.Time {
	var t time.Time
	for _, r := range is.Recipients {
		switch r.State {
		case Parked, InProgress:
			return time.Time{}
		case Deferred:
			if t.IsZero() || r.NextAttempt.Before(t) {
				t = r.NextAttempt
			}
		}
	}
	return t
}

func (w *worker) admit(is *InternalStatus, at time.Time) {
	w.statuses[is.MessageID] = is
	w.seq++
	heap.Push(&w.sched, task{at, w.seq, is.MessageID})
	metricIncomplete.Set(float64(len(w.statuses)))
}

func (w *worker) reschedule(is *InternalStatus) {
	at := earliestAttempt(is)
	if at.IsZero() {
		at = time.Now().Add(w.config.BaseBackoff)
	}
	w.seq++
	heap.Push(&w.sched, task{at, w.seq, is.MessageID})
}

func (w *worker) nextWork() time.Duration {
	if len(w.sched) == 0 {
		return 24 * time.Hour
	}
	d := time.Until(w.sched[0].at)
	if d < 0 {
		d = 0
	}
	return d
}

// drain receives whatever is left in the inbox without attempting delivery.
// The messages were persisted by Send, a later restart resumes them.
func (w *worker) drain() {
	for {
		select {
		case is := <-w.inbox:
			w.log.Debug("leaving submitted message for restart", slog.String("messageid", is.MessageID))
		default:
			return
		}
	}
}

// backoff returns the interval until the next attempt after the given number
// of attempts: base * 2^(attempts-1), with ±20% jitter.
func (w *worker) backoff(attempts int) time.Duration {
	d := w.config.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	d += time.Duration((w.jitter.Float64()*0.4 - 0.2) * float64(d))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}
