package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/extraction"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/logging"
)

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{
		Status:       "ok",
		Version:      s.config.Version,
		Indexed:      s.svc.IndexLen(),
		NLIAvailable: s.svc.NLIAvailable(ctx),
	}
	n, err := s.svc.Count(ctx)
	if err != nil {
		s.logger.Warn(ctx, "health check could not count records", zap.Error(err))
		resp.Status = "degraded"
		n = -1
	}
	resp.Records = n
	if s.telemetry != nil {
		h := s.telemetry.Health()
		resp.Telemetry = &h
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

func (s *Server) handleAddRecord(c echo.Context) error {
	var in knowledge.RecordInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	rec, err := in.Build()
	if err != nil {
		return err
	}
	ctx := logging.WithOperation(c.Request().Context(), "record.add")
	if _, err := s.svc.AddRecord(ctx, rec); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleListRecords(c echo.Context) error {
	var (
		f       expertise.Filter
		recType string
	)
	err := echo.QueryParamsBinder(c).
		String("domain", &f.Domain).
		String("type", &recType).
		String("project", &f.Project).
		Strings("tag", &f.Tags).
		Bool("include_inactive", &f.IncludeInactive).
		Float64("min_confidence", &f.MinConfidence).
		String("search", &f.Search).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return err
	}
	if recType != "" {
		if f.Type, err = expertise.ParseRecordType(recType); err != nil {
			return err
		}
	}
	recs, err := s.svc.ListRecords(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*expertise.Record{}
	}
	return c.JSON(http.StatusOK, RecordsResponse{Records: recs, Count: len(recs)})
}

func (s *Server) handleGetRecord(c echo.Context) error {
	rec, err := s.svc.GetRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// handleUpdateRecord decodes the body directly: echo's binder would copy
// the :id path parameter into the field map.
func (s *Server) handleUpdateRecord(c echo.Context) error {
	var fields map[string]any
	dec := json.NewDecoder(c.Request().Body)
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return badRequest("body must be a JSON object of fields to update")
	}
	if len(fields) == 0 {
		return badRequest("no fields to update")
	}
	ctx := logging.WithOperation(c.Request().Context(), "record.update")
	rec, err := s.svc.Update(ctx, c.Param("id"), fields)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(c echo.Context) error {
	ctx := logging.WithOperation(c.Request().Context(), "record.delete")
	if err := s.svc.Delete(ctx, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleValidateRecord(c echo.Context) error {
	rec, err := s.svc.Validate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleLineage(c echo.Context) error {
	lineage, err := s.svc.Lineage(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, lineage)
}

func (s *Server) handleSearch(c echo.Context) error {
	var (
		q      string
		domain string
		limit  int
	)
	if err := echo.QueryParamsBinder(c).
		String("q", &q).
		String("domain", &domain).
		Int("limit", &limit).
		BindError(); err != nil {
		return err
	}
	if strings.TrimSpace(q) == "" {
		return badRequest("q is required")
	}
	hits, err := s.svc.Search(c.Request().Context(), q, limit, domain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

func (s *Server) handleListDomains(c echo.Context) error {
	domains, err := s.svc.Domains(c.Request().Context())
	if err != nil {
		return err
	}
	if domains == nil {
		domains = []expertise.Domain{}
	}
	return c.JSON(http.StatusOK, DomainsResponse{Domains: domains})
}

func (s *Server) handleCreateDomain(c echo.Context) error {
	var req CreateDomainRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest("name is required")
	}
	if err := s.svc.CreateDomain(c.Request().Context(), req.Name, req.Description); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, req)
}

func (s *Server) handleDomainStats(c echo.Context) error {
	stats, err := s.svc.DomainStats(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleExtractBatch(c echo.Context) error {
	var req ExtractBatchRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.Conversations) == 0 {
		return badRequest("conversations is required")
	}
	ctx := logging.WithOperation(c.Request().Context(), "extract")
	stats, err := s.svc.ExtractBatch(ctx, req.Conversations, extraction.Mode(req.Mode), req.DefaultDomain)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleExtractText(c echo.Context) error {
	var req ExtractTextRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest("text is required")
	}
	ctx := logging.WithOperation(c.Request().Context(), "extract")
	outcomes, err := s.svc.Extract(ctx, extraction.Request{
		Text:           req.Text,
		Domain:         req.Domain,
		Project:        req.Project,
		ConversationID: req.ConversationID,
		Agent:          req.Agent,
		Mode:           extraction.Mode(req.Mode),
	})
	if err != nil {
		return err
	}
	if outcomes == nil {
		outcomes = []extraction.Outcome{}
	}
	return c.JSON(http.StatusOK, ExtractTextResponse{Outcomes: outcomes})
}

func (s *Server) handleConversationRecords(c echo.Context) error {
	id := c.Param("id")
	ids, err := s.svc.RecordsFromConversation(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, ConversationRecordsResponse{ConversationID: id, RecordIDs: ids})
}

func (s *Server) handlePrime(c echo.Context) error {
	var req knowledge.PrimeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	resp, err := s.svc.Prime(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleScrub(c echo.Context) error {
	if s.scrubber == nil {
		return echo.NewHTTPError(http.StatusNotFound, "secret scrubbing is not configured")
	}
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Content == "" {
		return badRequest("content field is required")
	}
	result := s.scrubber.Scrub(req.Content)
	s.logger.Debug(c.Request().Context(), "scrubbed content", zap.Int("findings", len(result.Findings)))
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Text,
		FindingsCount: len(result.Findings),
		ByRule:        result.ByRule,
	})
}
