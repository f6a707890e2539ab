package crypto

import (
	"sync"
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After behaves like time.After against the provider's clock.
	After(d time.Duration) <-chan time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// After waits for the duration to elapse and then sends the current time.
func (DefaultTimeProvider) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManualTimeProvider is a TimeProvider whose clock only moves when Advance
// or Set is called. Timers created with After fire once the clock reaches
// their deadline.
type ManualTimeProvider struct {
	mu     sync.Mutex
	now    time.Time
	timers []manualTimer
}

type manualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManualTimeProvider creates a manual clock starting at now.
func NewManualTimeProvider(now time.Time) *ManualTimeProvider {
	return &ManualTimeProvider{now: now}
}

// Now returns the manual clock's current time.
func (m *ManualTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the manual duration elapsed since t.
func (m *ManualTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// After registers a timer firing when the clock reaches now+d.
func (m *ManualTimeProvider) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, manualTimer{deadline: deadline, ch: ch})
	return ch
}

// PendingTimers returns the number of timers that have not fired yet.
func (m *ManualTimeProvider) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward and fires due timers.
func (m *ManualTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.fireLocked()
	m.mu.Unlock()
}

// Set moves the clock to t and fires due timers.
func (m *ManualTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.fireLocked()
	m.mu.Unlock()
}

func (m *ManualTimeProvider) fireLocked() {
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if !timer.deadline.After(m.now) {
			timer.ch <- m.now
			continue
		}
		remaining = append(remaining, timer)
	}
	m.timers = remaining
}

// defaultTimeProvider is the package-level default for functions that need time.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// SetDefaultTimeProvider sets the package-level time provider for testing.
// Pass nil to reset to the default implementation.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	defaultTimeProvider = tp
}

// GetDefaultTimeProvider returns the current package-level time provider.
func GetDefaultTimeProvider() TimeProvider {
	return defaultTimeProvider
}
