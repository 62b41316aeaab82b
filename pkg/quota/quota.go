// Package quota enforces per-tenant token budgets over a monthly period.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/parley/pkg/llm"
)

// ErrQuotaExceeded is matched by every *ExceededError.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError reports a rejected quota check. Reserved is what in-flight
// runs of the tenant hold on top of Used.
type ExceededError struct {
	TenantID  string
	Used      int64
	Reserved  int64
	Requested int64
	Limit     int64
}

func (e *ExceededError) Error() string {
	if e.Reserved > 0 {
		return fmt.Sprintf("quota exceeded for tenant %s: used %d + reserved %d + requested %d > limit %d",
			e.TenantID, e.Used, e.Reserved, e.Requested, e.Limit)
	}
	return fmt.Sprintf("quota exceeded for tenant %s: used %d + requested %d > limit %d",
		e.TenantID, e.Used, e.Requested, e.Limit)
}

// Is makes errors.Is(err, ErrQuotaExceeded) true.
func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Record is one immutable usage entry.
type Record struct {
	TenantID     string
	UserID       string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	RecordedAt   time.Time
}

// Total returns input plus output tokens.
func (r Record) Total() int64 {
	return r.InputTokens + r.OutputTokens
}

// Store persists usage records.
type Store interface {
	// AddUsage appends a record atomically.
	AddUsage(ctx context.Context, rec Record) error
	// Usage returns the total tokens recorded for tenant at or after since.
	Usage(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

// Limits holds the default budget and per-tenant overrides.
// A limit <= 0 means unlimited.
type Limits struct {
	Default int64
	Tenants map[string]int64
}

// For returns the limit that applies to tenant.
func (l Limits) For(tenantID string) int64 {
	if v, ok := l.Tenants[tenantID]; ok {
		return v
	}
	return l.Default
}

// Tracker checks and records token usage.
type Tracker struct {
	store Store
	now   func() time.Time

	mu     sync.RWMutex
	limits Limits

	// reserveMu serializes check-and-reserve per tracker.
	reserveMu sync.Mutex
	reserved  map[string]int64
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, limits Limits) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Tracker{
		store:  store,
		now:    time.Now,
		limits:   copyLimits(limits),
		reserved: make(map[string]int64),
	}, nil
}

// SetLimits replaces the limits. Safe to call while checks are running.
func (t *Tracker) SetLimits(limits Limits) {
	t.mu.Lock()
	t.limits = copyLimits(limits)
	t.mu.Unlock()
}

// Limit returns the limit that applies to tenant.
func (t *Tracker) Limit(tenantID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits.For(tenantID)
}

// PeriodStart returns the start of the current calendar month in UTC.
func (t *Tracker) PeriodStart() time.Time {
	now := t.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckQuota rejects iff used + reserved + requested exceeds the tenant's
// limit. Nothing is held; use Reserve to keep the budget for a run.
func (t *Tracker) CheckQuota(ctx context.Context, tenantID string, requested int64) error {
	t.reserveMu.Lock()
	defer t.reserveMu.Unlock()
	_, err := t.check(ctx, tenantID, requested)
	return err
}

// Reserve checks like CheckQuota and then holds requested tokens until the
// reservation is released, so concurrent runs of one tenant cannot pass the
// check together and overspend. Unlimited tenants get an empty reservation.
func (t *Tracker) Reserve(ctx context.Context, tenantID string, requested int64) (*Reservation, error) {
	t.reserveMu.Lock()
	defer t.reserveMu.Unlock()

	limited, err := t.check(ctx, tenantID, requested)
	if err != nil {
		return nil, err
	}
	res := &Reservation{tracker: t, tenantID: tenantID}
	if limited && requested > 0 {
		res.held = requested
		t.reserved[tenantID] += requested
	}
	return res, nil
}

// check reports whether tenant is limited. The caller holds reserveMu.
func (t *Tracker) check(ctx context.Context, tenantID string, requested int64) (bool, error) {
	limit := t.Limit(tenantID)
	if limit <= 0 {
		return false, nil
	}

	used, err := t.store.Usage(ctx, tenantID, t.PeriodStart())
	if err != nil {
		return true, fmt.Errorf("failed to read usage: %w", err)
	}

	reserved := t.reserved[tenantID]
	if used+reserved+requested > limit {
		return true, &ExceededError{
			TenantID:  tenantID,
			Used:      used,
			Reserved:  reserved,
			Requested: requested,
			Limit:     limit,
		}
	}
	return true, nil
}

// Reserved returns the tokens currently held for tenant.
func (t *Tracker) Reserved(tenantID string) int64 {
	t.reserveMu.Lock()
	defer t.reserveMu.Unlock()
	return t.reserved[tenantID]
}

func (t *Tracker) unreserve(tenantID string, n int64) {
	t.reserveMu.Lock()
	defer t.reserveMu.Unlock()
	left := t.reserved[tenantID] - n
	if left <= 0 {
		delete(t.reserved, tenantID)
		return
	}
	t.reserved[tenantID] = left
}

// Reservation is budget held for one run.
type Reservation struct {
	tracker  *Tracker
	tenantID string

	mu   sync.Mutex
	held int64
}

// Consume settles n tokens that were recorded for the run against the hold.
func (r *Reservation) Consume(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.mu.Lock()
	if n > r.held {
		n = r.held
	}
	r.held -= n
	r.mu.Unlock()
	if n > 0 {
		r.tracker.unreserve(r.tenantID, n)
	}
}

// Release returns whatever is still held. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.mu.Lock()
	n := r.held
	r.held = 0
	r.mu.Unlock()
	if n > 0 {
		r.tracker.unreserve(r.tenantID, n)
	}
}

// RecordUsage appends usage for tenant and user.
func (t *Tracker) RecordUsage(ctx context.Context, tenantID, userID string, usage llm.Usage) error {
	if usage.Total() == 0 {
		return nil
	}
	rec := Record{
		TenantID:     tenantID,
		UserID:       userID,
		Provider:     usage.Provider,
		Model:        usage.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		RecordedAt:   t.now().UTC(),
	}
	if err := t.store.AddUsage(ctx, rec); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Remaining returns the tokens left in the period, or -1 when unlimited.
func (t *Tracker) Remaining(ctx context.Context, tenantID string) (int64, error) {
	limit := t.Limit(tenantID)
	if limit <= 0 {
		return -1, nil
	}
	used, err := t.store.Usage(ctx, tenantID, t.PeriodStart())
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	if used >= limit {
		return 0, nil
	}
	return limit - used, nil
}

func copyLimits(l Limits) Limits {
	out := Limits{Default: l.Default, Tenants: make(map[string]int64, len(l.Tenants))}
	for k, v := range l.Tenants {
		out.Tenants[k] = v
	}
	return out
}

// MemoryStore keeps usage records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AddUsage(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Usage(_ context.Context, tenantID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, r := range s.records {
		if r.TenantID == tenantID && !r.RecordedAt.Before(since) {
			total += r.Total()
		}
	}
	return total, nil
}
