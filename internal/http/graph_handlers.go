package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/logging"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
	"github.com/fyrsmithlabs/expertd/internal/staleness"
)

func (s *Server) handleStale(c echo.Context) error {
	threshold := s.svc.StalenessThreshold()
	var domain string
	if err := echo.QueryParamsBinder(c).
		Float64("threshold", &threshold).
		String("domain", &domain).
		BindError(); err != nil {
		return err
	}
	recs, err := s.svc.Stale(c.Request().Context(), threshold, domain)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []staleness.Scored{}
	}
	return c.JSON(http.StatusOK, StaleResponse{Threshold: threshold, Records: recs})
}

func (s *Server) handlePrune(c echo.Context) error {
	var req PruneRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	threshold := s.svc.StalenessThreshold()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	ctx := logging.WithOperation(c.Request().Context(), "prune")
	res, err := s.svc.Prune(ctx, threshold, req.DryRun)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleGraphStats(c echo.Context) error {
	stats, err := s.svc.GraphStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleContradictions(c echo.Context) error {
	var domain string
	unresolved := true
	if err := echo.QueryParamsBinder(c).
		String("domain", &domain).
		Bool("unresolved", &unresolved).
		BindError(); err != nil {
		return err
	}
	views, err := s.svc.Contradictions(c.Request().Context(), domain, unresolved)
	if err != nil {
		return err
	}
	if views == nil {
		views = []knowledge.ContradictionView{}
	}
	return c.JSON(http.StatusOK, ContradictionsResponse{Contradictions: views})
}

func (s *Server) handleDetect(c echo.Context) error {
	var req knowledge.DetectRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	ctx := logging.WithOperation(c.Request().Context(), "detect")
	res, err := s.svc.Detect(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	strategy, err := resolution.ParseStrategy(req.Strategy)
	if err != nil {
		return err
	}
	ctx := logging.WithOperation(c.Request().Context(), "resolve")
	res, err := s.svc.Resolve(ctx, c.Param("id"), strategy, req.Params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleCheck always answers 200 when the gates ran; failure is in the body.
func (s *Server) handleCheck(c echo.Context) error {
	report, err := s.svc.Check(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CheckResponse{Passed: report.Passed(), CheckReport: report})
}
