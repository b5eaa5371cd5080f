package decision

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/decision"

const (
	defaultRateLimit   = 1.0
	defaultBurst       = 2
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048

	defaultAnthropicModel = "claude-3-5-sonnet-latest"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// ModelConfig selects and authenticates a language model provider.
type ModelConfig struct {
	Provider string // anthropic or openai
	Model    string
	APIKey   string `json:"-"`
	BaseURL  string
}

// NewModel builds the langchaingo model for cfg. A missing API key is a
// *engine.ConfigurationError.
func NewModel(cfg ModelConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		if cfg.APIKey == "" {
			return nil, &engine.ConfigurationError{
				Setting: "decision.api_key",
				Hint:    "set TASKPILOT_DECISION_API_KEY to an Anthropic API key",
			}
		}
		model := cfg.Model
		if model == "" {
			model = defaultAnthropicModel
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	case "openai":
		if cfg.APIKey == "" {
			return nil, &engine.ConfigurationError{
				Setting: "decision.api_key",
				Hint:    "set TASKPILOT_DECISION_API_KEY to an OpenAI API key",
			}
		}
		model := cfg.Model
		if model == "" {
			model = defaultOpenAIModel
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.Provider)
	}
}

// Option configures an LLMService.
type Option func(*LLMService)

// WithRateLimit sets the token-bucket limit in calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *LLMService) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		} else {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *LLMService) { s.temperature = t }
}

// WithMaxTokens bounds response length.
func WithMaxTokens(n int) Option {
	return func(s *LLMService) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *LLMService) { s.logger = l }
}

// LLMService implements Service on a langchaingo model.
type LLMService struct {
	model       llms.Model
	limiter     *rate.Limiter
	temperature float64
	maxTokens   int
	logger      *zap.Logger
	tracer      trace.Tracer
}

var _ Service = (*LLMService)(nil)

// NewLLMService wraps model.
func NewLLMService(model llms.Model, opts ...Option) *LLMService {
	s := &LLMService{
		model:       model,
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the underlying model, shared with summarizers and handlers.
func (s *LLMService) Model() llms.Model { return s.model }

func (s *LLMService) generate(ctx context.Context, span trace.Span, prompt string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt,
		llms.WithTemperature(s.temperature),
		llms.WithMaxTokens(s.maxTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("model call failed: %w", err)
	}
	span.SetAttributes(attribute.Int("response.length", len(out)))
	return out, nil
}

func (s *LLMService) parseFailed(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn("unparseable model response", zap.Error(err))
}

// Plan implements Service.
func (s *LLMService) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	ctx, span := s.tracer.Start(ctx, "decision.plan")
	defer span.End()

	raw, err := s.generate(ctx, span, planPrompt(req))
	if err != nil {
		return nil, err
	}
	p, err := ParsePlan(raw)
	if err != nil {
		s.parseFailed(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Bool("plan.complete", p.IsComplete))
	return p, nil
}

// Act implements Service.
func (s *LLMService) Act(ctx context.Context, req ActRequest) (*Act, error) {
	ctx, span := s.tracer.Start(ctx, "decision.act")
	defer span.End()

	attempt := 1
	if req.Prior != nil {
		attempt = req.Prior.Attempt + 1
	}
	span.SetAttributes(attribute.Int("attempt", attempt))

	raw, err := s.generate(ctx, span, actPrompt(req))
	if err != nil {
		return nil, err
	}
	a, err := ParseAct(raw)
	if err != nil {
		s.parseFailed(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("action.type", a.Action.Type))
	return a, nil
}

// Decompose implements Service.
func (s *LLMService) Decompose(ctx context.Context, goal string) (*Decomposition, error) {
	ctx, span := s.tracer.Start(ctx, "decision.decompose")
	defer span.End()

	raw, err := s.generate(ctx, span, decomposePrompt(goal))
	if err != nil {
		return nil, err
	}
	d, err := ParseDecomposition(raw)
	if err != nil {
		s.parseFailed(span, err)
		return nil, err
	}
	if d.EpicTitle == "" {
		d.EpicTitle = goal
	}
	span.SetAttributes(attribute.Int("task.count", len(d.Tasks)))
	return d, nil
}
