package listener

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"

	"github.com/spec-kit/live-desk/internal/config"
)

// BackoffPolicy describes reconnect delays: Base doubling per failure,
// capped at Cap, at most MaxAttempts reconnects before giving up.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is 1s, 2s, 4s, 8s, 16s and then a terminal failure.
var DefaultBackoff = BackoffPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 5}

// PolicyFromConfig converts listener configuration.
func PolicyFromConfig(cfg config.ListenerConfig) BackoffPolicy {
	p := BackoffPolicy{Base: cfg.BackoffBase(), Cap: cfg.BackoffCap(), MaxAttempts: cfg.MaxAttempts}
	if p.Base <= 0 || p.MaxAttempts <= 0 {
		return DefaultBackoff
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// New returns a fresh backoff sequence.
func (p BackoffPolicy) New() retry.Backoff {
	b := retry.NewExponential(p.Base)
	b = retry.WithCappedDuration(p.Cap, b)
	return retry.WithMaxRetries(uint64(p.MaxAttempts), b)
}

// Scheduler runs fn once after delay. The returned func cancels a
// pending run.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) (cancel func())
}

// ClockScheduler schedules on a clockwork clock.
type ClockScheduler struct {
	Clock clockwork.Clock
}

// Schedule implements Scheduler.
func (s ClockScheduler) Schedule(delay time.Duration, fn func()) func() {
	clock := s.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timer := clock.AfterFunc(delay, fn)
	return func() { timer.Stop() }
}

// ManualScheduler records scheduled work and runs it only when asked.
type ManualScheduler struct {
	mu      sync.Mutex
	next    int
	pending map[int]func()
	delays  []time.Duration
}

// NewManualScheduler creates an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{pending: make(map[int]func())}
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.pending[id] = fn
	s.delays = append(s.delays, delay)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.pending, id)
	}
}

// Delays lists every delay requested so far.
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Pending returns the number of scheduled, not yet run or cancelled jobs.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RunPending runs every pending job in scheduling order and returns how
// many ran. Jobs scheduled while running wait for the next call.
func (s *ManualScheduler) RunPending() int {
	s.mu.Lock()
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	jobs := make([]func(), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		jobs = append(jobs, s.pending[id])
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		job()
	}
	return len(jobs)
}
