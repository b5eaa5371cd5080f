package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

const instrumentationName = "github.com/fyrsmithlabs/taskpilot/internal/checkpoint"

// Service provides checkpoint and session management.
type Service interface {
	// Save appends a checkpoint of req.State to req.ThreadID.
	Save(ctx context.Context, req *SaveRequest) (*Checkpoint, error)

	// List returns checkpoints of a thread, newest first.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// Get retrieves a checkpoint by ID.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// Restore returns a copy of the state captured by a checkpoint and
	// moves the session head to it.
	Restore(ctx context.Context, threadID, checkpointID string) (*engine.State, error)

	// Latest returns the newest checkpoint of a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// DeleteThread removes all checkpoints of a thread.
	DeleteThread(ctx context.Context, threadID string) error

	CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)

	// DeleteSession removes the session and its checkpoints.
	DeleteSession(ctx context.Context, id string) error

	// TouchSession bumps the session's update time.
	TouchSession(ctx context.Context, id string) error

	Close() error
}

// Redactor scrubs secrets from stored previews.
type Redactor interface {
	Redact(string) string
}

// Option configures the service.
type Option func(*service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *service) { s.logger = l }
}

// WithRedactor redacts message previews before they are stored.
func WithRedactor(r Redactor) Option {
	return func(s *service) { s.redactor = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// service implements the Service interface.
type service struct {
	store    Store
	logger   *zap.Logger
	redactor Redactor
	now      func() time.Time

	// Telemetry
	tracer         trace.Tracer
	meter          metric.Meter
	saveCounter    metric.Int64Counter
	restoreCounter metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewService creates a checkpoint service over store.
func NewService(store Store, opts ...Option) (Service, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	s := &service{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"taskpilot.checkpoints.saved",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{checkpoint}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.restoreCounter, err = s.meter.Int64Counter(
		"taskpilot.checkpoints.restored",
		metric.WithDescription("Total number of checkpoint restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn("failed to create restore counter", zap.Error(err))
	}
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Save creates a new checkpoint. The sequence is the thread's latest plus
// one unless the request pins it.
func (s *service) Save(ctx context.Context, req *SaveRequest) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	span.SetAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.String("source_node", req.SourceNode),
		attribute.Bool("user_originated", req.UserOriginated),
	)

	if err := s.checkOpen(); err != nil {
		return nil, fail(span, err)
	}
	if req.ThreadID == "" {
		return nil, fail(span, ErrEmptyThread)
	}
	if req.State == nil {
		return nil, fail(span, errors.New("state is required"))
	}

	seq := req.Sequence
	if seq == 0 {
		latest, err := s.store.Latest(ctx, req.ThreadID)
		switch {
		case errors.Is(err, ErrCheckpointNotFound):
			seq = 1
		case err != nil:
			return nil, fail(span, fmt.Errorf("reading latest checkpoint: %w", err))
		default:
			seq = latest.Sequence + 1
		}
	}

	stepIndex := 0
	if req.ParentID != "" {
		parent, err := s.store.Get(ctx, req.ThreadID, req.ParentID)
		if err != nil {
			return nil, fail(span, fmt.Errorf("parent %s: %w", req.ParentID, err))
		}
		stepIndex = parent.StepIndex + 1
	}

	snap := req.State.Clone()
	prev := preview(snap)
	if s.redactor != nil {
		prev = s.redactor.Redact(prev)
	}
	cp := &Checkpoint{
		ID:               uuid.New().String(),
		ThreadID:         req.ThreadID,
		ParentID:         req.ParentID,
		Sequence:         seq,
		StepIndex:        stepIndex,
		SourceNode:       req.SourceNode,
		CreatedAt:        s.now().UTC(),
		Snapshot:         snap,
		MessagePreview:   prev,
		IsUserOriginated: req.UserOriginated,
	}

	if err := s.store.Append(ctx, cp); err != nil {
		return nil, fail(span, fmt.Errorf("failed to save checkpoint: %w", err))
	}

	if err := s.advanceSession(ctx, cp); err != nil {
		s.logger.Warn("failed to update session head",
			zap.String("thread_id", cp.ThreadID),
			zap.Error(err),
		)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source_node", req.SourceNode),
		))
	}

	s.logger.Debug("saved checkpoint",
		zap.String("id", cp.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.Int64("sequence", cp.Sequence),
		zap.String("source_node", cp.SourceNode),
	)

	span.SetAttributes(
		attribute.String("checkpoint.id", cp.ID),
		attribute.Int64("checkpoint.sequence", cp.Sequence),
	)
	return cp, nil
}

// advanceSession creates the thread's session on first save and moves its
// head to cp.
func (s *service) advanceSession(ctx context.Context, cp *Checkpoint) error {
	sess, err := s.store.GetSession(ctx, cp.ThreadID)
	if errors.Is(err, ErrSessionNotFound) {
		sess = &Session{
			ID:        cp.ThreadID,
			Title:     title(cp.Snapshot.Goal),
			Goal:      cp.Snapshot.Goal,
			Mode:      cp.Snapshot.Mode,
			CreatedAt: cp.CreatedAt,
		}
	} else if err != nil {
		return err
	}
	if sess.Goal == "" {
		sess.Goal = cp.Snapshot.Goal
	}
	if sess.Title == "" {
		sess.Title = title(cp.Snapshot.Goal)
	}
	sess.Status = cp.Snapshot.Status
	sess.HeadCheckpointID = cp.ID
	sess.UpdatedAt = cp.CreatedAt
	return s.store.PutSession(ctx, sess)
}

func title(goal string) string {
	r := []rune(goal)
	if len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return goal
}

// List retrieves checkpoints of a thread, newest first, without snapshots.
func (s *service) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()

	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int("limit", limit),
	)

	if err := s.checkOpen(); err != nil {
		return nil, fail(span, err)
	}
	cps, err := s.store.List(ctx, threadID, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to list checkpoints: %w", err))
	}
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = cp.Summary()
	}
	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

// Get retrieves a checkpoint by ID.
func (s *service) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.get")
	defer span.End()

	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("checkpoint.id", checkpointID),
	)

	if err := s.checkOpen(); err != nil {
		return nil, fail(span, err)
	}
	cp, err := s.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, fail(span, err)
	}
	return cp, nil
}

// Restore returns a copy of the state captured by checkpointID.
func (s *service) Restore(ctx context.Context, threadID, checkpointID string) (*engine.State, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.restore")
	defer span.End()

	span.SetAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("checkpoint.id", checkpointID),
	)

	if err := s.checkOpen(); err != nil {
		return nil, fail(span, err)
	}
	cp, err := s.store.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, fail(span, err)
	}
	if cp.Snapshot == nil {
		return nil, fail(span, fmt.Errorf("checkpoint %s has no snapshot", checkpointID))
	}

	if sess, err := s.store.GetSession(ctx, threadID); err == nil {
		sess.HeadCheckpointID = cp.ID
		sess.Status = cp.Snapshot.Status
		sess.UpdatedAt = s.now().UTC()
		if err := s.store.PutSession(ctx, sess); err != nil {
			s.logger.Warn("failed to move session head", zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}

	s.logger.Info("restored checkpoint",
		zap.String("id", cp.ID),
		zap.String("thread_id", threadID),
		zap.Int("step_index", cp.StepIndex),
	)
	return cp.Snapshot.Clone(), nil
}

// Latest returns the newest checkpoint of a thread.
func (s *service) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.Latest(ctx, threadID)
}

// DeleteThread removes all checkpoints of a thread.
func (s *service) DeleteThread(ctx context.Context, threadID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.delete_thread")
	defer span.End()

	span.SetAttributes(attribute.String("thread.id", threadID))

	if err := s.checkOpen(); err != nil {
		return fail(span, err)
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return fail(span, fmt.Errorf("failed to delete thread: %w", err))
	}
	s.logger.Info("deleted thread checkpoints", zap.String("thread_id", threadID))
	return nil
}

// CreateSession registers a new session. An empty ID is generated.
func (s *service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := s.store.GetSession(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	mode := req.Mode
	if mode == "" {
		mode = engine.ModeLinear
	}
	t := req.Title
	if t == "" {
		t = title(req.Goal)
	}
	now := s.now().UTC()
	sess := &Session{
		ID:        id,
		Title:     t,
		Goal:      req.Goal,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *service) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, id)
}

// ListSessions returns sessions most recently updated first.
func (s *service) ListSessions(ctx context.Context) ([]*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.ListSessions(ctx)
}

// DeleteSession removes a session and its checkpoints.
func (s *service) DeleteSession(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteThread(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session checkpoints: %w", err)
	}
	s.logger.Info("deleted session", zap.String("session_id", id))
	return nil
}

// TouchSession bumps a session's update time.
func (s *service) TouchSession(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.UpdatedAt = s.now().UTC()
	return s.store.PutSession(ctx, sess)
}

// Close closes the service and its store.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}
