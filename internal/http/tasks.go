package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskpilot/internal/agent"
	"github.com/fyrsmithlabs/taskpilot/internal/engine"
	"github.com/fyrsmithlabs/taskpilot/internal/events"
)

// SSE event names.
const (
	EventStep  = "step"
	EventDone  = "done"
	EventError = "error"
)

// handleExecuteTask starts a run and streams its step events. With
// ?wait=true it answers with the terminal event only.
//
//	event: step
//	data: {"threadId":"...","node":"planner","sequence":2,...}
//
//	event: done
//	data: {"threadId":"...","node":"planner","terminal":true,...}
func (s *Server) handleExecuteTask(c echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.Goal == "" {
		return badRequest("goal field is required")
	}
	var mode engine.Mode
	if req.Mode != "" {
		m, err := engine.ParseMode(req.Mode)
		if err != nil {
			return badRequest(err.Error())
		}
		mode = m
	}
	wait := false
	if v := c.QueryParam("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest("wait must be a boolean")
		}
		wait = b
	}

	ctx := c.Request().Context()
	run, err := s.agent.ExecuteTask(ctx, agent.Request{
		Goal:            req.Goal,
		ThreadID:        req.ThreadID,
		ContinueSession: req.ContinueSession,
		Mode:            mode,
	})
	if err != nil {
		return err
	}
	c.Response().Header().Set("X-Thread-ID", run.ThreadID)
	c.Response().Header().Set("X-Run-ID", run.ID)

	if wait {
		return s.waitTask(c, run)
	}
	return s.streamTask(c, run)
}

func (s *Server) waitTask(c echo.Context, run *agent.Run) error {
	var last *events.Event
	for ev := range run.Events() {
		ev := ev
		last = &ev
	}
	if _, err := run.Wait(); err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("run %s ended without events", run.ID)
	}
	return c.JSON(http.StatusOK, last)
}

func (s *Server) streamTask(c echo.Context, run *agent.Run) error {
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				if _, err := run.Wait(); err != nil {
					s.logger.Warn(ctx, "run aborted during stream", zap.Error(err))
					_ = writeEvent(w, EventError, ErrorResponse{Error: err.Error()})
				}
				return nil
			}
			name := EventStep
			if ev.Terminal {
				name = EventDone
			}
			if err := writeEvent(w, name, ev); err != nil {
				return nil
			}

		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			w.Flush()

		case <-ctx.Done():
			// Client gone; the run aborts on the same context.
			return nil
		}
	}
}

func writeEvent(w *echo.Response, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *Server) handleStopTask(c echo.Context) error {
	id := c.Param("id")
	if err := s.agent.StopTask(id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, StopResponse{ThreadID: id, Stopping: true})
}
