package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/programme-lv/judge/api"
	"github.com/programme-lv/judge/internal/fanout"
	"github.com/programme-lv/judge/internal/submission"
)

func (s *Server) createSubmission(c *gin.Context) {
	base64Encoded := c.Query("base64_encoded") == "true"
	wait := c.Query("wait") == "true"

	var req api.CreateSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "malformed request body"))
		return
	}

	sub, err := s.service.Create(c.Request.Context(), req, base64Encoded)
	if err != nil {
		s.renderServiceError(c, err)
		return
	}

	if wait {
		view, err := s.service.WaitForCompletion(c.Request.Context(), sub.Token, base64Encoded)
		if err != nil {
			s.renderServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, view)
		return
	}
	c.JSON(http.StatusCreated, api.TokenResponse{Token: sub.Token})
}

func (s *Server) createBatch(c *gin.Context) {
	base64Encoded := c.Query("base64_encoded") == "true"

	var req api.BatchCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "malformed request body"))
		return
	}

	items, err := s.service.CreateBatch(c.Request.Context(), req.Submissions, base64Encoded)
	if err != nil {
		// Batch shape problems are client errors regardless of kind.
		c.JSON(http.StatusBadRequest, errorBody(c, err.Error()))
		return
	}

	out := make([]map[string]any, len(items))
	for i, item := range items {
		if item.Err != nil {
			out[i] = batchErrorEntry(item.Err)
			continue
		}
		out[i] = map[string]any{"token": item.Token}
	}
	c.JSON(http.StatusCreated, out)
}

func batchErrorEntry(err error) map[string]any {
	var verr *submission.ValidationError
	if errors.As(err, &verr) && len(verr.Fields) > 0 {
		return map[string]any{"errors": verr.Fields}
	}
	return map[string]any{"error": err.Error()}
}

func (s *Server) getBatch(c *gin.Context) {
	base64Encoded := c.Query("base64_encoded") == "true"
	fields := c.Query("fields")

	raw := strings.TrimSpace(c.Query("tokens"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, errorBody(c, "tokens query parameter is required"))
		return
	}
	tokens := strings.Split(raw, ",")
	if len(tokens) > s.cfg.BatchMaxSize {
		c.JSON(http.StatusBadRequest, errorBody(c, fmt.Sprintf("maximum batch size is %d", s.cfg.BatchMaxSize)))
		return
	}

	views, err := s.service.GetBatch(c.Request.Context(), tokens, fields, base64Encoded)
	if err != nil {
		s.renderServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.BatchGetResponse{Submissions: views})
}

func (s *Server) getSubmission(c *gin.Context) {
	token := c.Param("token")
	base64Encoded := c.Query("base64_encoded") == "true"
	fields := c.Query("fields")

	view, err := s.service.Get(c.Request.Context(), token, fields, base64Encoded)
	if err != nil {
		s.renderServiceError(c, err)
		return
	}

	// Terminal submissions never change again and may be cached.
	if statusID, err := s.service.StatusOf(c.Request.Context(), token); err == nil && api.IsTerminal(statusID) {
		c.Header("Cache-Control", fmt.Sprintf("public, max-age=%d", int(s.cfg.CacheTTL.Seconds())))
	} else {
		c.Header("Cache-Control", "no-store")
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getHistory(c *gin.Context) {
	recs, err := s.service.History(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.renderServiceError(c, err)
		return
	}

	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		status, _ := api.StatusByID(rec.StatusID)
		out[i] = map[string]any{
			"id":         rec.ID,
			"status":     map[string]any{"id": status.ID, "description": status.Name},
			"stdout":     rec.Stdout,
			"stderr":     rec.Stderr,
			"exit_code":  rec.ExitCode,
			"time_ms":    rec.TimeMillis,
			"memory_kb":  rec.MemoryKB,
			"created_at": rec.CreatedAt.UTC(),
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) subscribe(c *gin.Context) {
	token := c.Param("token")
	if !s.service.Exists(c.Request.Context(), token) {
		c.JSON(http.StatusNotFound, errorBody(c, "submission not found"))
		return
	}
	if !strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		c.JSON(http.StatusBadRequest, errorBody(c, "websocket upgrade required"))
		return
	}

	if _, err := fanout.UpgradeAndSubscribe(s.hub, token, c.Writer, c.Request); err != nil {
		// Upgrade failures already wrote an HTTP error response.
		s.log.Debug("websocket upgrade failed", "token", token, "error", err)
	}
}

func (s *Server) getLanguages(c *gin.Context) {
	langs := s.langs.All()
	out := make([]api.LanguageInfo, len(langs))
	for i, lang := range langs {
		out[i] = api.LanguageInfo{ID: lang.ID, Name: lang.Name}
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.JSON(http.StatusOK, out)
}

func (s *Server) getStatuses(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=86400")
	c.JSON(http.StatusOK, api.Statuses())
}

func (s *Server) renderServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, submission.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody(c, "submission not found"))
	case errors.Is(err, submission.ErrInvalidEncoding):
		c.JSON(http.StatusBadRequest, errorBody(c, err.Error()))
	default:
		var verr *submission.ValidationError
		if errors.As(err, &verr) {
			if len(verr.Fields) > 0 {
				c.JSON(http.StatusUnprocessableEntity, verr.Fields)
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": verr.Msg})
			return
		}
		s.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, errorBody(c, "internal server error"))
	}
}
