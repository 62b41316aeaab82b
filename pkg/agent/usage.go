package agent

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/quota"
	"github.com/harun/parley/pkg/routing"
)

type meterKey struct{}

// meter sums the usage of every model call made during one run and settles
// it against the run's quota reservation.
type meter struct {
	mu    sync.Mutex
	usage llm.Usage
	hold  *quota.Reservation
}

func withMeter(ctx context.Context) (context.Context, *meter) {
	m := &meter{}
	return context.WithValue(ctx, meterKey{}, m), m
}

func meterFrom(ctx context.Context) *meter {
	m, _ := ctx.Value(meterKey{}).(*meter)
	return m
}

func (m *meter) reserve(res *quota.Reservation) {
	m.mu.Lock()
	m.hold = res
	m.mu.Unlock()
}

func (m *meter) add(u llm.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold.Consume(u.Total())
	m.usage.InputTokens += u.InputTokens
	m.usage.OutputTokens += u.OutputTokens
	if u.Provider != "" {
		m.usage.Provider = u.Provider
	}
	if u.Model != "" {
		m.usage.Model = u.Model
	}
}

func (m *meter) snapshot() llm.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// account records u against the tenant quota and the run meter on ctx.
func account(ctx context.Context, tracker *quota.Tracker, tenantID, userID string, u llm.Usage, logger zerolog.Logger) {
	if u.Total() == 0 {
		return
	}
	if tracker != nil {
		if err := tracker.RecordUsage(context.WithoutCancel(ctx), tenantID, userID, u); err != nil {
			logger = tracing.LoggerFromContext(ctx, logger)
			logger.Error().Err(err).
				Int64("tokens", u.Total()).
				Msg("Failed to record token usage")
		}
	}
	// Settle the reservation only after the store holds the tokens.
	if m := meterFrom(ctx); m != nil {
		m.add(u)
	}
}

// UsageRecorder returns a routing.UsageFunc that charges routing calls to
// the tenant and user carried by ctx, and to the run they belong to.
func UsageRecorder(tracker *quota.Tracker, logger zerolog.Logger) routing.UsageFunc {
	return func(ctx context.Context, u llm.Usage) {
		account(ctx, tracker, tracing.GetTenantID(ctx), tracing.GetUserID(ctx), u, logger)
	}
}
