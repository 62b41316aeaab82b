package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/retry"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/catalog"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/confirm"
	"github.com/harun/parley/pkg/cron"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/ledger"
	"github.com/harun/parley/pkg/llm"
	"github.com/harun/parley/pkg/quota"
	"github.com/harun/parley/pkg/routing"
	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/tools"
)

// app is the assembled gateway process.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	ledger   *ledger.DB
	store    session.Store
	tracker  *quota.Tracker
	queue    *commandqueue.CommandQueue
	recorder *observability.Recorder
	runner   *agent.Runner
	server   *gateway.Server
	cron     *cron.Service
}

// newApp wires every component from cfg. On error, whatever was opened is
// closed again.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
	}

	a.ledger, err = ledger.Open(ledger.Config{Path: cfg.Ledger.Path, Logger: logger.With().Str("component", "ledger").Logger()})
	if err != nil {
		return err
	}

	a.tracker, err = quota.NewTracker(a.ledger, quotaLimits(cfg.Quota))
	if err != nil {
		return err
	}

	a.store, err = openSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	registry := tools.NewRegistry()
	if err := cat.Register(registry); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	client, err := newLLMClient(cfg.LLM, cfg.LLM.Model, cfg.LLM.MaxTokens, logger)
	if err != nil {
		return err
	}

	onUsage := agent.UsageRecorder(a.tracker, logger)
	var routingModel routing.Generator
	if cfg.LLM.RoutingModel != "" {
		rc, err := newLLMClient(cfg.LLM, cfg.LLM.RoutingModel, 256, logger)
		if err != nil {
			return err
		}
		routingModel = rc
	}

	classifier, err := routing.NewClassifier(routing.ClassifierConfig{
		Model:   routingModel,
		OnUsage: onUsage,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	selector := routing.NewSelector(routing.SelectorConfig{
		Model:   routingModel,
		OnUsage: onUsage,
		Logger:  logger,
	})

	machine, err := confirm.New(confirm.Config{Store: a.store, Registry: registry, Logger: logger})
	if err != nil {
		return err
	}

	a.queue = commandqueue.New()
	a.recorder = observability.NewRecorder(logger, 256, observability.NewLogSink(logger), a.ledger)

	a.runner, err = agent.NewRunner(agent.Config{
		Store:       a.store,
		Tracker:     a.tracker,
		Client:      client,
		Classifier:  classifier,
		Selector:    selector,
		Dispatcher:  tools.NewDispatcher(tools.DispatcherConfig{Logger: logger}),
		Confirm:     machine,
		Registry:    registry,
		Queue:       a.queue,
		Recorder:    a.recorder,
		TokenBudget: cfg.Quota.TokenBudget,
		MaxTokens:   cfg.LLM.MaxTokens,
		HistorySize: cfg.Session.HistorySize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	a.server, err = gateway.NewServer(gateway.Config{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		SharedSecret:  cfg.Gateway.SharedSecret,
		StreamDefault: cfg.Gateway.StreamDefault,
		TokenBudget:   cfg.Quota.TokenBudget,
		Runner:        a.runner,
		Store:         a.store,
		Limiter:       gateway.NewRateLimiter(cfg.Gateway.RateLimit, cfg.Gateway.RateWindow()),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	a.cron = cron.NewService(logger)
	return nil
}

func quotaLimits(q config.QuotaConfig) quota.Limits {
	tenants := make(map[string]int64, len(q.Tenants))
	for k, v := range q.Tenants {
		tenants[k] = v
	}
	return quota.Limits{Default: q.DefaultLimit, Tenants: tenants}
}

func openSessionStore(ctx context.Context, cfg config.SessionConfig, logger zerolog.Logger) (session.Store, error) {
	switch cfg.Backend {
	case "redis":
		var ttl time.Duration
		if cfg.IdleDays > 0 {
			ttl = time.Duration(cfg.IdleDays) * 24 * time.Hour
		}
		store, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      ttl,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := session.NewFileStore(session.FileConfig{Dir: cfg.Dir, Logger: logger})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newLLMClient(cfg config.LLMConfig, model string, maxTokens int, logger zerolog.Logger) (*llm.Client, error) {
	profile, ok := cfg.Profile()
	if !ok {
		return nil, fmt.Errorf("llm profile %q not found", cfg.ActiveProfile)
	}
	provider, err := llm.NewProvider(llm.Profile{
		Provider: profile.Provider,
		APIKey:   profile.APIKey,
		BaseURL:  profile.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return llm.NewClient(llm.ClientConfig{
		Provider:    provider,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: cfg.Temperature,
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
			Factor:      2,
		},
		Logger: logger,
	})
}

// start begins serving and schedules maintenance jobs.
func (a *app) start() error {
	if err := a.scheduleJobs(); err != nil {
		return err
	}
	return a.server.Start()
}

func (a *app) scheduleJobs() error {
	limiter := a.server.Limiter()
	if err := a.cron.Add("ratelimit-sweep", cron.Every(time.Minute), func(ctx context.Context) error {
		if n := limiter.Sweep(); n > 0 {
			a.logger.Debug().Int("identities", n).Msg("Swept idle rate limit windows")
		}
		return nil
	}); err != nil {
		return err
	}

	if days := a.cfg.Ledger.RetentionDays; days > 0 {
		if err := a.cron.Add("ledger-prune", cron.Expr("@daily"), func(ctx context.Context) error {
			n, err := a.ledger.Prune(ctx, time.Now().AddDate(0, 0, -days))
			if err != nil {
				return err
			}
			a.logger.Info().Int64("rows", n).Msg("Pruned ledger")
			return nil
		}); err != nil {
			return err
		}
	}

	if fs, ok := a.store.(*session.FileStore); ok && a.cfg.Session.IdleDays > 0 {
		maxAge := time.Duration(a.cfg.Session.IdleDays) * 24 * time.Hour
		if err := a.cron.Add("session-prune", cron.Expr("@hourly"), func(ctx context.Context) error {
			n, err := fs.PruneIdle(ctx, maxAge)
			if err != nil {
				return err
			}
			if n > 0 {
				a.logger.Info().Int("sessions", n).Msg("Pruned idle sessions")
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyReload pushes hot-reloadable settings into running components.
func (a *app) applyReload(cfg *config.Config) {
	a.tracker.SetLimits(quotaLimits(cfg.Quota))
	a.server.Limiter().SetLimit(cfg.Gateway.RateLimit, cfg.Gateway.RateWindow())
	a.logger.Info().
		Int64("default_quota", cfg.Quota.DefaultLimit).
		Int("rate_limit", cfg.Gateway.RateLimit).
		Msg("Applied reloaded limits")
}

// stop drains in-flight runs then releases everything.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.close()
	if a.cfg.Tracing.Enabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close session store")
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close ledger")
		}
	}
}
