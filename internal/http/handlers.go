package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/taskpilot/internal/engine"
)

const (
	defaultFactLimit  = 50
	defaultRecallSize = 5
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.agent.GetStats())
}

// intParam reads a non-negative integer query parameter.
func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleListCheckpoints(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return err
	}
	id := c.Param("id")
	cps, err := s.agent.ListCheckpoints(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CheckpointListResponse{ThreadID: id, Checkpoints: cps})
}

func (s *Server) handleRestoreCheckpoint(c echo.Context) error {
	id, cid := c.Param("id"), c.Param("cid")
	st, err := s.agent.RestoreCheckpoint(c.Request().Context(), id, cid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RestoreResponse{ThreadID: id, CheckpointID: cid, State: st})
}

func (s *Server) handleConversation(c echo.Context) error {
	id := c.Param("id")
	msgs, err := s.agent.GetConversation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ConversationResponse{ThreadID: id, Messages: msgs})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req SessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	var mode engine.Mode
	if req.Mode != "" {
		m, err := engine.ParseMode(req.Mode)
		if err != nil {
			return badRequest(err.Error())
		}
		mode = m
	}
	sess, err := s.agent.CreateSession(c.Request().Context(), req.ID, req.Title, mode)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, SessionResponse{Session: sess})
}

func (s *Server) handleListSessions(c echo.Context) error {
	list, err := s.agent.ListSessions(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: list})
}

func (s *Server) handleLoadSession(c echo.Context) error {
	sess, st, err := s.agent.LoadSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionResponse{Session: sess, State: st})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.agent.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSaveFact(c echo.Context) error {
	var req FactRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	conf := 1.0
	if req.Confidence != nil {
		conf = *req.Confidence
	}
	f, created, err := s.agent.SaveFact(c.Request().Context(), req.Content, req.Source, conf)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, FactResponse{Fact: f, Created: created})
}

func (s *Server) handleListFacts(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultFactLimit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FactListResponse{Facts: s.agent.GetFacts(limit)})
}

func (s *Server) handleRecallFacts(c echo.Context) error {
	k, err := intParam(c, "k", defaultRecallSize)
	if err != nil {
		return err
	}
	facts, err := s.agent.RecallFacts(c.Request().Context(), c.QueryParam("q"), k)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FactListResponse{Facts: facts})
}
