package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/agent"
	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/compactor"
	"github.com/fyrsmithlabs/taskpilot/internal/config"
	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
	"github.com/fyrsmithlabs/taskpilot/internal/execution"
	"github.com/fyrsmithlabs/taskpilot/internal/executor"
	"github.com/fyrsmithlabs/taskpilot/internal/ledger"
	"github.com/fyrsmithlabs/taskpilot/internal/logging"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
	"github.com/fyrsmithlabs/taskpilot/internal/orchestrator"
	"github.com/fyrsmithlabs/taskpilot/internal/redact"
	"github.com/fyrsmithlabs/taskpilot/internal/sqlitedb"
)

// dependencies owns everything that needs closing on shutdown.
type dependencies struct {
	agent    *agent.Service
	nats     *nats.Conn
	ledgerDB *sql.DB
	logger   *logging.Logger
}

// Close stops the agent first so in-flight runs can still checkpoint.
func (d *dependencies) Close() {
	ctx := context.Background()
	if d.agent != nil {
		if err := d.agent.Close(); err != nil {
			d.logger.Warn(ctx, "agent close failed", zap.Error(err))
		}
	}
	if d.ledgerDB != nil {
		if err := d.ledgerDB.Close(); err != nil {
			d.logger.Warn(ctx, "ledger database close failed", zap.Error(err))
		}
	}
	if d.nats != nil {
		if err := d.nats.Drain(); err != nil {
			d.logger.Warn(ctx, "nats drain failed", zap.Error(err))
		}
	}
}

// initDependencies connects the backends selected by cfg and builds the
// agent service on top of them. On error everything opened so far is
// closed.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	deps := &dependencies{logger: logger}
	var checkpoints checkpoint.Service
	defer func() {
		if err != nil {
			if checkpoints != nil && deps.agent == nil {
				_ = checkpoints.Close()
			}
			deps.Close()
		}
	}()
	z := logger.Underlying()

	redactor, err := redact.New(redact.Config{
		Enabled:       cfg.Redaction.Enabled,
		AllowlistPath: cfg.Redaction.AllowlistPath,
	}, z.Named("redact"))
	if err != nil {
		return nil, fmt.Errorf("redactor: %w", err)
	}

	if cfg.Events.NATSURL != "" {
		deps.nats, err = nats.Connect(cfg.Events.NATSURL,
			nats.Name("taskpilotd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		logger.Info(ctx, "NATS connected", zap.String("url", cfg.Events.NATSURL))
	}

	store, err := openCheckpointStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	checkpoints, err = checkpoint.NewService(store,
		checkpoint.WithLogger(z.Named("checkpoint")),
		checkpoint.WithRedactor(redactor))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("checkpoint service: %w", err)
	}

	led, err := deps.openLedger(ctx, cfg.Ledger, cfg.Store)
	if err != nil {
		return nil, err
	}

	model, err := decision.NewModel(decision.ModelConfig{
		Provider: cfg.Decision.Provider,
		Model:    cfg.Decision.Model,
		APIKey:   cfg.Decision.APIKey.Value(),
		BaseURL:  cfg.Decision.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	dec := decision.NewLLMService(model,
		decision.WithRateLimit(cfg.Decision.RateLimit, cfg.Decision.Burst),
		decision.WithTemperature(cfg.Decision.Temperature),
		decision.WithMaxTokens(cfg.Decision.MaxTokens),
		decision.WithLogger(z.Named("decision")))

	exec, err := newExecution(cfg, deps.nats)
	if err != nil {
		return nil, err
	}

	facts, err := newFactStore(cfg.Memory, redactor, z)
	if err != nil {
		return nil, err
	}

	mode, err := engine.ParseMode(cfg.Engine.Mode)
	if err != nil {
		return nil, err
	}

	opts := agent.Options{
		Decision:    dec,
		Execution:   exec,
		Checkpoints: checkpoints,
		Ledger:      led,
		Facts:       facts,
		Summarizer:  newSummarizer(cfg, model),
		Model:       model,
		Logger:      logger.Named("agent"),
	}
	if deps.nats != nil {
		opts.Publisher = events.NewNATSPublisher(deps.nats, cfg.Events.SubjectPrefix)
	}

	deps.agent, err = agent.New(agentConfig(cfg, mode), opts)
	if err != nil {
		return nil, fmt.Errorf("agent service: %w", err)
	}
	return deps, nil
}

func agentConfig(cfg *config.Config, mode engine.Mode) agent.Config {
	return agent.Config{
		DefaultMode: mode,
		Executor: executor.Config{
			MaxRetries:     cfg.Engine.MaxRetries,
			AttemptTimeout: cfg.Engine.AttemptTimeout.Duration(),
		},
		Compactor: compactor.Config{
			MaxRecentMessages: cfg.Context.MaxRecentMessages,
			SummaryThreshold:  cfg.Context.SummaryThreshold,
		},
		Orchestrator: orchestrator.Config{
			MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
			MaxIterations:          cfg.Engine.MaxIterations,
		},
		WorkingMaxItems:  cfg.Memory.WorkingMaxItems,
		WorkingTTL:       cfg.Memory.WorkingDefaultTTL.Duration(),
		MaxMessages:      cfg.Memory.MaxMessages,
		MaxFacts:         cfg.Memory.MaxFacts,
		HandlerMaxTokens: cfg.Decision.MaxTokens,
	}
}

func openCheckpointStore(ctx context.Context, cfg config.StoreConfig) (checkpoint.Store, error) {
	switch cfg.Driver {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "sqlite":
		path, err := config.ExpandHome(cfg.DSN)
		if err != nil {
			return nil, err
		}
		store, err := checkpoint.OpenSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint database: %w", err)
		}
		return store, nil
	case "redis":
		store, err := checkpoint.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword.Value(), cfg.RedisDB, "taskpilot")
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openLedger shares the checkpoint database file when both use sqlite.
func (d *dependencies) openLedger(ctx context.Context, cfg config.LedgerConfig, store config.StoreConfig) (ledger.Ledger, error) {
	switch cfg.Driver {
	case "memory":
		return ledger.NewMemoryLedger(), nil
	case "sqlite":
		if store.DSN == "" {
			return nil, errors.New("ledger.driver sqlite needs store.dsn")
		}
		path, err := config.ExpandHome(store.DSN)
		if err != nil {
			return nil, err
		}
		db, err := sqlitedb.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening ledger database: %w", err)
		}
		d.ledgerDB = db
		l, err := ledger.NewSQLiteLedger(ctx, db)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

func newExecution(cfg *config.Config, nc *nats.Conn) (execution.Service, error) {
	switch cfg.Execution.Transport {
	case "http":
		// Attempts are bounded by the executor; the client timeout only
		// catches a hung connection past that.
		client := &http.Client{Timeout: 2 * cfg.Engine.AttemptTimeout.Duration()}
		return execution.NewHTTPService(cfg.Execution.URL, client), nil
	case "nats":
		if nc == nil {
			return nil, errors.New("execution transport nats needs events.nats_url")
		}
		return execution.NewNATSService(nc, cfg.Execution.Subject), nil
	default:
		return nil, fmt.Errorf("unknown execution transport %q", cfg.Execution.Transport)
	}
}

func newFactStore(cfg config.MemoryConfig, r memory.Redactor, logger *zap.Logger) (*memory.FactStore, error) {
	opts := []memory.FactOption{
		memory.WithRedactor(r),
		memory.WithFactLogger(logger.Named("facts")),
	}
	if cfg.FactIndex {
		idx, err := memory.NewFactIndex(memory.HashEmbedder{})
		if err != nil {
			return nil, fmt.Errorf("fact index: %w", err)
		}
		opts = append(opts, memory.WithIndex(idx))
	}
	return memory.NewFactStore(cfg.MaxFacts, opts...), nil
}

func newSummarizer(cfg *config.Config, model llms.Model) compactor.Summarizer {
	if cfg.Context.Summarizer == "llm" {
		return compactor.NewLLMSummarizer(model, cfg.Decision.MaxTokens)
	}
	return compactor.RuleSummarizer{}
}
