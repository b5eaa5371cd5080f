package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/taskpilot/internal/checkpoint"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/sanitize"
)

// ListCheckpoints returns the thread's checkpoints newest first, without
// snapshots.
func (s *Service) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]*checkpoint.Checkpoint, error) {
	return s.checkpoints.List(ctx, threadID, limit)
}

// RestoreCheckpoint moves the thread's session head to checkpointID and
// returns its state. The next continued run branches from there.
func (s *Service) RestoreCheckpoint(ctx context.Context, threadID, checkpointID string) (*engine.State, error) {
	if s.Running(threadID) {
		return nil, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
	}
	st, err := s.checkpoints.Restore(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	if err := s.convo.Replace(threadID, st.Messages); err != nil {
		return nil, err
	}
	return st, nil
}

// CreateSession registers an empty session. The first run on its id
// inherits its mode.
func (s *Service) CreateSession(ctx context.Context, id, title string, mode engine.Mode) (*checkpoint.Session, error) {
	if err := sanitize.ValidateOptionalID(id, "session_id"); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	return s.checkpoints.CreateSession(ctx, &checkpoint.CreateSessionRequest{ID: id, Title: title, Mode: mode})
}

// LoadSession returns the session and the state at its head checkpoint.
// The state is nil for a session that has not run yet.
func (s *Service) LoadSession(ctx context.Context, id string) (*checkpoint.Session, *engine.State, error) {
	sess, err := s.checkpoints.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sess.HeadCheckpointID == "" {
		return sess, nil, nil
	}
	cp, err := s.checkpoints.Get(ctx, id, sess.HeadCheckpointID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return sess, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return sess, cp.Snapshot.Clone(), nil
}

// ListSessions returns every session.
func (s *Service) ListSessions(ctx context.Context) ([]*checkpoint.Session, error) {
	return s.checkpoints.ListSessions(ctx)
}

// DeleteSession removes the session, its checkpoints and its conversation.
// A running session cannot be deleted.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if s.Running(id) {
		return fmt.Errorf("%w: %s", ErrThreadBusy, id)
	}
	if err := s.checkpoints.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.convo.Forget(id)
	return nil
}
