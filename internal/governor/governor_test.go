package governor

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock provides a manually advanced time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testGovernor(t *testing.T, creds []Credential, cfg Config) (*Governor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Now = clock.Now
	g, err := New(creds, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g, clock
}

func TestAcquire_ReservesBudgetSlot(t *testing.T) {
	g, _ := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a"}}, Config{RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		lease, err := g.Acquire()
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		if lease.CredentialID() != "a" {
			t.Errorf("expected credential a, got %s", lease.CredentialID())
		}
	}

	_, err := g.Acquire()
	var ncErr *NoCredentialError
	if !errors.As(err, &ncErr) {
		t.Fatalf("expected NoCredentialError, got %v", err)
	}
	if ncErr.RetryAfter <= 0 || ncErr.RetryAfter > time.Minute {
		t.Errorf("retry-after should be within one minute, got %v", ncErr.RetryAfter)
	}
}

func TestAcquire_SlidingWindowRecovers(t *testing.T) {
	g, clock := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a"}}, Config{RequestsPerMinute: 1})

	if _, err := g.Acquire(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := g.Acquire(); err == nil {
		t.Fatal("second acquire within the minute should fail")
	}

	clock.Advance(61 * time.Second)
	if _, err := g.Acquire(); err != nil {
		t.Errorf("acquire after window elapsed should succeed: %v", err)
	}
}

func TestAcquire_DailyBudget(t *testing.T) {
	g, clock := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a", RPM: 100, RPD: 2}}, Config{})

	for i := 0; i < 2; i++ {
		if _, err := g.Acquire(); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	_, err := g.Acquire()
	var ncErr *NoCredentialError
	if !errors.As(err, &ncErr) {
		t.Fatalf("expected NoCredentialError when daily budget exhausted, got %v", err)
	}
	if ncErr.RetryAfter > 24*time.Hour {
		t.Errorf("retry-after should be within a day, got %v", ncErr.RetryAfter)
	}

	// Minute recovery is not enough; the day window still holds both slots.
	clock.Advance(2 * time.Minute)
	if _, err := g.Acquire(); err == nil {
		t.Error("acquire should still fail on daily budget")
	}

	clock.Advance(25 * time.Hour)
	if _, err := g.Acquire(); err != nil {
		t.Errorf("acquire after a day should succeed: %v", err)
	}
}

func TestAcquire_PrefersLowestUsage(t *testing.T) {
	g, _ := testGovernor(t, []Credential{
		{ID: "a", Secret: "sk-a"},
		{ID: "b", Secret: "sk-b"},
	}, Config{RequestsPerMinute: 10})

	// Drive usage onto "a" so "b" becomes preferred.
	lease, err := g.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if lease.CredentialID() != "a" {
		t.Fatalf("tie-break should pick smallest id first, got %s", lease.CredentialID())
	}
	g.Release(lease, OutcomeSuccess)

	lease2, err := g.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if lease2.CredentialID() != "b" {
		t.Errorf("expected lower-usage credential b, got %s", lease2.CredentialID())
	}
}

func TestRelease_RateLimitedBacksOff(t *testing.T) {
	g, clock := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a"}}, Config{
		RequestsPerMinute: 10,
		RateLimitBackoff:  30 * time.Second,
		BackoffCeiling:    4 * time.Minute,
	})

	lease, err := g.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	g.Release(lease, OutcomeRateLimited)

	if _, err := g.Acquire(); err == nil {
		t.Fatal("acquire should fail while credential is blocked")
	}

	clock.Advance(31 * time.Second)
	lease, err = g.Acquire()
	if err != nil {
		t.Fatalf("acquire after backoff elapsed should succeed: %v", err)
	}

	// Second consecutive failure doubles the backoff.
	g.Release(lease, OutcomeRateLimited)
	clock.Advance(31 * time.Second)
	if _, err := g.Acquire(); err == nil {
		t.Error("doubled backoff should still block after 31s")
	}
	clock.Advance(30 * time.Second)
	if _, err := g.Acquire(); err != nil {
		t.Errorf("acquire after doubled backoff should succeed: %v", err)
	}
}

func TestRelease_SuccessResetsConsecutiveErrors(t *testing.T) {
	g, clock := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a"}}, Config{
		RequestsPerMinute: 10,
		TransientBackoff:  5 * time.Second,
	})

	lease, _ := g.Acquire()
	g.Release(lease, OutcomeTransientError)
	clock.Advance(6 * time.Second)

	lease, err := g.Acquire()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	g.Release(lease, OutcomeSuccess)

	// Next failure starts from the base backoff again.
	lease, _ = g.Acquire()
	g.Release(lease, OutcomeTransientError)
	clock.Advance(6 * time.Second)
	if _, err := g.Acquire(); err != nil {
		t.Errorf("base backoff should have elapsed: %v", err)
	}
}

func TestRelease_FatalRequiresReset(t *testing.T) {
	g, clock := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a"}}, Config{RequestsPerMinute: 10})

	lease, _ := g.Acquire()
	g.Release(lease, OutcomeFatalError)

	clock.Advance(365 * 24 * time.Hour)
	if _, err := g.Acquire(); err == nil {
		t.Fatal("fatally blocked credential must not become eligible by waiting")
	}

	if err := g.ResetCredential("a"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if _, err := g.Acquire(); err != nil {
		t.Errorf("acquire after administrative reset should succeed: %v", err)
	}

	if err := g.ResetCredential("nope"); err == nil {
		t.Error("reset of unknown credential should fail")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	g, _ := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a"}}, Config{RequestsPerMinute: 10})

	lease, _ := g.Acquire()
	g.Release(lease, OutcomeSuccess)
	g.Release(lease, OutcomeRateLimited) // ignored

	snap := g.Snapshot()
	if snap[0].ErrorCount != 0 {
		t.Errorf("second release should be a no-op, error_count=%d", snap[0].ErrorCount)
	}
	if snap[0].UsageCount != 1 {
		t.Errorf("expected usage_count 1, got %d", snap[0].UsageCount)
	}
}

func TestAcquire_ConcurrentNoDoubleCommit(t *testing.T) {
	const limit = 5
	const workers = 40
	g, _ := testGovernor(t, []Credential{{ID: "a", Secret: "sk-a", RPM: limit, RPD: 10000}}, Config{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Acquire(); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != limit {
		t.Errorf("expected exactly %d successful acquires, got %d", limit, acquired)
	}
}

func TestSnapshot_ExcludesSecrets(t *testing.T) {
	g, _ := testGovernor(t, []Credential{{ID: "a", Secret: "sk-secret"}}, Config{RequestsPerMinute: 3})

	lease, _ := g.Acquire()
	g.Release(lease, OutcomeSuccess)

	snap := g.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 status, got %d", len(snap))
	}
	st := snap[0]
	if st.ID != "a" || st.UsageCount != 1 || st.MinuteWindowUsed != 1 {
		t.Errorf("unexpected snapshot: %+v", st)
	}
	if !st.Eligible {
		t.Error("credential should still be eligible")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("empty credential set should fail")
	}
	if _, err := New([]Credential{{ID: "a", Secret: "s"}, {ID: "a", Secret: "s2"}}, Config{}); err == nil {
		t.Error("duplicate ids should fail")
	}
	if _, err := New([]Credential{{ID: "", Secret: "s"}}, Config{}); err == nil {
		t.Error("missing id should fail")
	}
}
