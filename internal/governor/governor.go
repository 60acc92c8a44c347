package governor

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Outcome describes how a leased credential performed upstream.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeTransientError
	OutcomeFatalError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeFatalError:
		return "fatal_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// farFuture is the administrative-reset sentinel for fatally blocked credentials.
var farFuture = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// Credential is the configuration-time description of one upstream credential.
// RPM/RPD of zero fall back to the governor-wide defaults.
type Credential struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
	RPM    int    `yaml:"rpm,omitempty"`
	RPD    int    `yaml:"rpd,omitempty"`
}

// record holds the runtime state for one credential. The secret never leaves
// this package except through Lease.Secret for the duration of one call.
type record struct {
	id     string
	secret string
	rpm    int
	rpd    int

	mu                sync.Mutex
	usageCount        uint64
	errorCount        uint64
	consecutiveErrors int
	blockedUntil      time.Time
	// Commit timestamps inside the sliding windows, oldest first.
	// Pruned lazily whenever the record is inspected.
	minuteWindow []time.Time
	dayWindow    []time.Time
}

// Config controls budgets and backoff for a Governor.
type Config struct {
	RequestsPerMinute int           // default per-credential RPM when Credential.RPM is zero
	RequestsPerDay    int           // default per-credential RPD when Credential.RPD is zero
	RateLimitBackoff  time.Duration // base backoff after an upstream 429
	TransientBackoff  time.Duration // base backoff after a transient failure
	BackoffCeiling    time.Duration // cap for the doubling backoff
	Now               func() time.Time
	Logger            *log.Logger
}

func (c *Config) applyDefaults() {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 3
	}
	if c.RequestsPerDay <= 0 {
		c.RequestsPerDay = 500
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 30 * time.Second
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 5 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 15 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Governor arbitrates concurrent access to a fixed pool of credentials.
// Each record carries its own lock so contention on one credential never
// blocks acquisition against another; the cross-record scan reads briefly
// per record and tolerates slightly stale counters.
type Governor struct {
	records []*record
	cfg     Config
	logger  *log.Logger
}

// New builds a Governor over the given credential set.
func New(creds []Credential, cfg Config) (*Governor, error) {
	cfg.applyDefaults()
	if len(creds) == 0 {
		return nil, fmt.Errorf("governor: at least one credential required")
	}
	seen := make(map[string]bool, len(creds))
	records := make([]*record, 0, len(creds))
	for _, c := range creds {
		if c.ID == "" || c.Secret == "" {
			return nil, fmt.Errorf("governor: credential id and secret required")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("governor: duplicate credential id %q", c.ID)
		}
		seen[c.ID] = true
		rpm := c.RPM
		if rpm <= 0 {
			rpm = cfg.RequestsPerMinute
		}
		rpd := c.RPD
		if rpd <= 0 {
			rpd = cfg.RequestsPerDay
		}
		records = append(records, &record{id: c.ID, secret: c.Secret, rpm: rpm, rpd: rpd})
	}
	// Deterministic tie-break order.
	sort.Slice(records, func(i, j int) bool { return records[i].id < records[j].id })
	return &Governor{records: records, cfg: cfg, logger: cfg.Logger}, nil
}

// Lease represents one committed rate-window slot on a credential.
// It must be released exactly once; extra releases are ignored.
type Lease struct {
	rec        *record
	gov        *Governor
	acquiredAt time.Time

	mu       sync.Mutex
	released bool
}

// CredentialID returns the opaque identifier, safe for logging.
func (l *Lease) CredentialID() string { return l.rec.id }

// Secret exposes the credential value for the upstream call. Callers must not
// log or retain it.
func (l *Lease) Secret() string { return l.rec.secret }

// NoCredentialError reports that every credential is blocked or over budget.
// NextEligible is the earliest instant at which any credential may qualify
// again, so callers can choose to wait or fail fast.
type NoCredentialError struct {
	NextEligible time.Time
	RetryAfter   time.Duration
}

func (e *NoCredentialError) Error() string {
	return fmt.Sprintf("no credential available (retry after %s)", e.RetryAfter.Round(time.Second))
}

// Acquire selects a usable credential and atomically reserves one rate-window
// slot on it. Among eligible records it prefers the lowest usage count, then
// the lowest error count, then the smallest id. It never blocks or spins; on
// exhaustion it returns a *NoCredentialError carrying the earliest retry time.
func (g *Governor) Acquire() (*Lease, error) {
	now := g.cfg.Now()

	type ranked struct {
		rec    *record
		usage  uint64
		errors uint64
	}
	candidates := make([]ranked, 0, len(g.records))
	for _, r := range g.records {
		u, e := r.stats()
		candidates = append(candidates, ranked{rec: r, usage: u, errors: e})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].usage != candidates[j].usage {
			return candidates[i].usage < candidates[j].usage
		}
		if candidates[i].errors != candidates[j].errors {
			return candidates[i].errors < candidates[j].errors
		}
		return candidates[i].rec.id < candidates[j].rec.id
	})

	for _, c := range candidates {
		if c.rec.tryReserve(now) {
			return &Lease{rec: c.rec, gov: g, acquiredAt: now}, nil
		}
	}

	next := farFuture
	for _, r := range g.records {
		if t := r.nextEligible(now); t.Before(next) {
			next = t
		}
	}
	retry := next.Sub(now)
	if retry < 0 {
		retry = 0
	}
	g.logf("governor acquire exhausted next_eligible=%s retry_after=%s", next.Format(time.RFC3339), retry.Round(time.Second))
	return nil, &NoCredentialError{NextEligible: next, RetryAfter: retry}
}

// Release records the outcome of the call made under the lease. It is
// idempotent; only the first call per lease takes effect. The rate-window
// slot reserved at acquire time stays committed for every outcome, since the
// upstream request was actually sent.
func (g *Governor) Release(l *Lease, outcome Outcome) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	now := g.cfg.Now()
	r := l.rec
	r.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		r.usageCount++
		r.consecutiveErrors = 0
	case OutcomeRateLimited:
		r.errorCount++
		r.consecutiveErrors++
		r.blockedUntil = now.Add(backoff(g.cfg.RateLimitBackoff, r.consecutiveErrors, g.cfg.BackoffCeiling))
	case OutcomeTransientError:
		r.errorCount++
		r.consecutiveErrors++
		r.blockedUntil = now.Add(backoff(g.cfg.TransientBackoff, r.consecutiveErrors, g.cfg.BackoffCeiling))
	case OutcomeFatalError:
		r.errorCount++
		r.blockedUntil = farFuture
	}
	blocked := r.blockedUntil
	r.mu.Unlock()

	if outcome == OutcomeSuccess {
		g.logf("governor release credential=%s outcome=%s", r.id, outcome)
	} else {
		g.logf("governor release credential=%s outcome=%s blocked_until=%s", r.id, outcome, blocked.Format(time.RFC3339))
	}
}

// ResetCredential clears the blocked state of a credential, typically after a
// FatalError once the operator has rotated or re-validated the secret.
// Usage and error counters are preserved.
func (g *Governor) ResetCredential(id string) error {
	for _, r := range g.records {
		if r.id != id {
			continue
		}
		r.mu.Lock()
		r.blockedUntil = time.Time{}
		r.consecutiveErrors = 0
		r.mu.Unlock()
		g.logf("governor reset credential=%s", id)
		return nil
	}
	return fmt.Errorf("governor: unknown credential %q", id)
}

// CredentialStatus is the admin-facing view of one credential. Secrets are
// never included.
type CredentialStatus struct {
	ID                string     `json:"id"`
	UsageCount        uint64     `json:"usage_count"`
	ErrorCount        uint64     `json:"error_count"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	Eligible          bool       `json:"eligible"`
	MinuteWindowUsed  int        `json:"minute_window_used"`
	DayWindowUsed     int        `json:"day_window_used"`
	RPM               int        `json:"rpm"`
	RPD               int        `json:"rpd"`
}

// Snapshot returns the current state of every credential.
func (g *Governor) Snapshot() []CredentialStatus {
	now := g.cfg.Now()
	out := make([]CredentialStatus, 0, len(g.records))
	for _, r := range g.records {
		r.mu.Lock()
		r.prune(now)
		st := CredentialStatus{
			ID:                r.id,
			UsageCount:        r.usageCount,
			ErrorCount:        r.errorCount,
			ConsecutiveErrors: r.consecutiveErrors,
			MinuteWindowUsed:  len(r.minuteWindow),
			DayWindowUsed:     len(r.dayWindow),
			RPM:               r.rpm,
			RPD:               r.rpd,
		}
		if !r.blockedUntil.IsZero() && now.Before(r.blockedUntil) {
			t := r.blockedUntil
			st.BlockedUntil = &t
		}
		st.Eligible = st.BlockedUntil == nil && len(r.minuteWindow) < r.rpm && len(r.dayWindow) < r.rpd
		r.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (g *Governor) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// backoff doubles the base per consecutive error, capped at ceiling.
func backoff(base time.Duration, consecutive int, ceiling time.Duration) time.Duration {
	d := base
	for i := 1; i < consecutive; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func (r *record) stats() (usage, errors uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usageCount, r.errorCount
}

// tryReserve is the check-and-reserve step: under the record lock it verifies
// block state and both sliding-window budgets, then commits the timestamp so
// no two acquirers can claim the same marginal slot.
func (r *record) tryReserve(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blockedUntil.IsZero() && now.Before(r.blockedUntil) {
		return false
	}
	r.prune(now)
	if len(r.minuteWindow) >= r.rpm || len(r.dayWindow) >= r.rpd {
		return false
	}
	r.minuteWindow = append(r.minuteWindow, now)
	r.dayWindow = append(r.dayWindow, now)
	return true
}

// nextEligible computes the earliest instant this record could reserve again.
func (r *record) nextEligible(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	next := now
	if !r.blockedUntil.IsZero() && now.Before(r.blockedUntil) {
		next = r.blockedUntil
	}
	if len(r.minuteWindow) >= r.rpm {
		if t := r.minuteWindow[0].Add(time.Minute); t.After(next) {
			next = t
		}
	}
	if len(r.dayWindow) >= r.rpd {
		if t := r.dayWindow[0].Add(24 * time.Hour); t.After(next) {
			next = t
		}
	}
	return next
}

// prune drops window entries older than the window span. Caller holds r.mu.
func (r *record) prune(now time.Time) {
	minuteCutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.minuteWindow) && !r.minuteWindow[i].After(minuteCutoff) {
		i++
	}
	if i > 0 {
		r.minuteWindow = append(r.minuteWindow[:0], r.minuteWindow[i:]...)
	}
	dayCutoff := now.Add(-24 * time.Hour)
	i = 0
	for i < len(r.dayWindow) && !r.dayWindow[i].After(dayCutoff) {
		i++
	}
	if i > 0 {
		r.dayWindow = append(r.dayWindow[:0], r.dayWindow[i:]...)
	}
}
