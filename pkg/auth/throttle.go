package auth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jonboulle/clockwork"

	"github.com/sidkik/zynk/pkg/config"
)

// TooManyAttempts is returned when a remote host already has enough
// authentication attempts in progress to be locked out by them.
type TooManyAttempts struct{}

func (err TooManyAttempts) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage implements errors.Friendly.
func (err TooManyAttempts) FriendlyMessage() string {
	return "Too many authentication attempts in progress. Try again shortly."
}

// throttleSize bounds the number of remote hosts tracked at once. The least
// recently failing hosts are forgotten first.
const throttleSize = 1024

// Throttle locks out remote hosts that fail authentication too often.
type Throttle struct {
	clock       clockwork.Clock
	maxFailures int
	window      time.Duration
	duration    time.Duration

	mu    sync.Mutex
	hosts *simplelru.LRU
}

type failureRecord struct {
	// failures holds the times of the failures within the window, oldest
	// first.
	failures    []time.Time
	lockedUntil time.Time

	// pending counts attempts that passed Begin and haven't been reported
	// to Failure or Success yet.
	pending int
}

// NewThrottle creates a throttle with the given lockout settings.
func NewThrottle(clock clockwork.Clock, cfg config.Lockout) *Throttle {
	// NewLRU only fails for non-positive sizes.
	hosts, _ := simplelru.NewLRU(throttleSize, nil)
	return &Throttle{
		clock:       clock,
		maxFailures: cfg.MaxFailures,
		window:      cfg.Window.Duration,
		duration:    cfg.Duration.Duration,
		hosts:       hosts,
	}
}

// Locked returns whether host is currently locked out, and when the lockout
// ends.
func (t *Throttle) Locked(host string) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	val, ok := t.hosts.Peek(host)
	if !ok {
		return false, time.Time{}
	}

	rec := val.(*failureRecord)
	if t.clock.Now().Before(rec.lockedUntil) {
		return true, rec.lockedUntil
	}
	return false, time.Time{}
}

// Begin reserves an authentication attempt for host. It fails while host is
// locked out, or if the attempts already in progress could lock it out.
// Every successful call must be followed by a call to Failure or Success.
func (t *Throttle) Begin(host string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	rec := &failureRecord{}
	if val, ok := t.hosts.Get(host); ok {
		rec = val.(*failureRecord)
	}

	if now.Before(rec.lockedUntil) {
		return LockedOut{Until: rec.lockedUntil}
	}

	if t.maxFailures > 0 {
		rec.expire(now.Add(-t.window))
		if len(rec.failures)+rec.pending >= t.maxFailures {
			return TooManyAttempts{}
		}
	}

	rec.pending++
	t.hosts.Add(host, rec)
	return nil
}

// Failure records a failed attempt by host. It returns true if the failure
// caused host to be locked out.
func (t *Throttle) Failure(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	rec := &failureRecord{}
	if val, ok := t.hosts.Get(host); ok {
		rec = val.(*failureRecord)
	}
	rec.done()

	if t.maxFailures <= 0 {
		if rec.pending == 0 {
			t.hosts.Remove(host)
		}
		return false
	}

	rec.expire(now.Add(-t.window))
	rec.failures = append(rec.failures, now)

	locked := false
	if len(rec.failures) >= t.maxFailures {
		rec.lockedUntil = now.Add(t.duration)
		rec.failures = nil
		locked = true
	}
	t.hosts.Add(host, rec)
	return locked
}

// Success forgets the failures of host.
func (t *Throttle) Success(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	val, ok := t.hosts.Peek(host)
	if !ok {
		return
	}

	rec := val.(*failureRecord)
	rec.done()
	if rec.pending == 0 {
		t.hosts.Remove(host)
		return
	}
	rec.failures = nil
}

// expire drops the failures that happened before cutoff.
func (rec *failureRecord) expire(cutoff time.Time) {
	recent := rec.failures[:0]
	for _, failure := range rec.failures {
		if failure.After(cutoff) {
			recent = append(recent, failure)
		}
	}
	rec.failures = recent
}

// done marks an attempt started by Begin as finished. Records evicted from
// the LRU while an attempt was pending start over at zero.
func (rec *failureRecord) done() {
	if rec.pending > 0 {
		rec.pending--
	}
}
