// Package agent is the outward facade of the engine.
//
// A Service owns the process-wide collaborators (checkpoint service, task
// ledger, fact store, conversation history) and builds a fresh set of steps
// for every run. At most one run is active per thread; a second request for
// a busy thread fails with ErrThreadBusy.
package agent

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/compactor"
	"github.com/fyrsmithlabs/taskpilot/internal/decision"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
	"github.com/fyrsmithlabs/taskpilot/internal/execution"
	"github.com/fyrsmithlabs/taskpilot/internal/executor"
	"github.com/fyrsmithlabs/taskpilot/internal/ledger"
	"github.com/fyrsmithlabs/taskpilot/internal/logging"
	"github.com/fyrsmithlabs/taskpilot/internal/memory"
	"github.com/fyrsmithlabs/taskpilot/internal/orchestrator"
	"github.com/fyrsmithlabs/taskpilot/internal/router"
)

var (
	// ErrThreadBusy is returned when a thread already has an active run.
	ErrThreadBusy = errors.New("thread has an active run")

	// ErrThreadNotFound is returned for a thread with no checkpoints and no
	// session.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrNotRunning is returned by StopTask for an idle thread.
	ErrNotRunning = errors.New("thread has no active run")

	// ErrEmptyGoal is returned when a task has no goal.
	ErrEmptyGoal = errors.New("goal is required")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agent service is closed")
)

const eventBuffer = 32

// Config holds the engine tunables.
type Config struct {
	DefaultMode  engine.Mode
	Executor     executor.Config
	Compactor    compactor.Config
	Orchestrator orchestrator.Config

	WorkingMaxItems int
	WorkingTTL      time.Duration
	MaxMessages     int
	MaxFacts        int

	// HandlerMaxTokens caps answers from the built-in llm handler.
	HandlerMaxTokens int
}

// Options carries the collaborators. Decision, Execution and Checkpoints
// are required.
type Options struct {
	Decision    decision.Service
	Execution   execution.Service
	Checkpoints checkpoint.Service

	// Ledger defaults to an in-memory ledger.
	Ledger ledger.Ledger

	// Facts defaults to an unindexed store bounded by Config.MaxFacts.
	Facts *memory.FactStore

	// Summarizer defaults to compactor.RuleSummarizer.
	Summarizer compactor.Summarizer

	// Model backs the llm router handler. Without it only the executor
	// handler is registered.
	Model llms.Model

	// Handlers are registered next to the built-in ones.
	Handlers []router.Handler

	Publisher events.Publisher
	Logger    *logging.Logger
}

// Service runs tasks and exposes checkpoints, sessions and memory.
type Service struct {
	cfg         Config
	decision    decision.Service
	execution   execution.Service
	checkpoints checkpoint.Service
	ledger      ledger.Ledger
	facts       *memory.FactStore
	convo       *memory.Conversation
	compactor   *compactor.Compactor
	model       llms.Model
	handlers    []router.Handler
	publisher   events.Publisher
	logger      *logging.Logger

	mu     sync.Mutex
	active map[string]*Run
	closed bool
	wg     sync.WaitGroup

	runsStarted  atomic.Int64
	runsFinished atomic.Int64
}

// New creates a Service.
func New(cfg Config, opts Options) (*Service, error) {
	if opts.Decision == nil || opts.Execution == nil || opts.Checkpoints == nil {
		return nil, &engine.ConfigurationError{Setting: "agent options", Hint: "decision, execution and checkpoint services are required"}
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = engine.ModeLinear
	}
	cfg.Compactor.ApplyDefaults()
	if err := cfg.Compactor.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		decision:    opts.Decision,
		execution:   opts.Execution,
		checkpoints: opts.Checkpoints,
		ledger:      opts.Ledger,
		facts:       opts.Facts,
		convo:       memory.NewConversation(cfg.MaxMessages),
		model:       opts.Model,
		handlers:    opts.Handlers,
		publisher:   opts.Publisher,
		logger:      opts.Logger,
		active:      make(map[string]*Run),
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	if s.ledger == nil {
		s.ledger = ledger.NewMemoryLedger()
	}
	if s.facts == nil {
		s.facts = memory.NewFactStore(cfg.MaxFacts, memory.WithFactLogger(s.zap()))
	}
	if s.publisher == nil {
		s.publisher = events.NopPublisher{}
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = compactor.RuleSummarizer{}
	}

	comp, err := compactor.New(cfg.Compactor, summarizer, s.zap())
	if err != nil {
		return nil, err
	}
	s.compactor = comp

	// Fail on duplicate custom handler names now rather than on first run.
	if _, err := s.registry(nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) zap() *zap.Logger { return s.logger.Underlying() }

// registry builds the handler set for one run. exec is nil when only
// validating the configuration.
func (s *Service) registry(exec *executor.Executor) (*router.Registry, error) {
	var hs []router.Handler
	if exec != nil {
		hs = append(hs, router.NewExecutorHandler(exec))
	}
	if s.model != nil {
		hs = append(hs, router.NewLLMHandler(s.model, s.cfg.HandlerMaxTokens))
	}
	hs = append(hs, s.handlers...)
	return router.NewRegistry(hs...)
}

// Close waits for active runs to finish and closes the checkpoint service.
// Runs are asked to stop first.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, r := range s.active {
		r.control.Stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.checkpoints.Close()
}
