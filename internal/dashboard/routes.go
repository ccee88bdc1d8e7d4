package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/atlasfeed/internal/console"
	"github.com/zulandar/atlasfeed/internal/draft"
	"github.com/zulandar/atlasfeed/internal/models"
	"go.uber.org/zap"
)

type handlers struct {
	session   Session
	heartbeat time.Duration
	logger    *zap.Logger
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	api := router.Group("/api")

	api.GET("/view", h.handleView)
	api.GET("/events", h.handleSSE)
	api.GET("/filter", h.handleGetFilter)
	api.POST("/filter", h.handleSetFilter)
	api.POST("/refresh", h.handleRefresh)

	api.POST("/drafts/:id/approve", h.handleDraftOutcome(h.session.Approve))
	api.POST("/drafts/:id/dismiss", h.handleDraftOutcome(h.session.Dismiss))
	api.PUT("/drafts/:id", h.handleEditDraft)
	api.POST("/drafts/:id/discuss", h.handleDiscuss)
	api.POST("/drafts/:id/discussion", h.handleSendDiscussion)
	api.DELETE("/drafts/:id/discussion", h.handleCloseDiscussion)

	api.POST("/chat", h.handleAsk)
	api.GET("/cards/:id", h.handleCard)
	api.POST("/risks/:id/resolve", h.handleResolveRisk)
}

type textRequest struct {
	Text string `json:"text"`
}

type outcomeResponse struct {
	DraftID   string `json:"draft_id"`
	Outcome   string `json:"outcome"`
	SessionID string `json:"session_id,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

type turnResponse struct {
	TurnID string `json:"turn_id"`
}

func (h *handlers) handleView(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.View())
}

func (h *handlers) handleGetFilter(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Filter())
}

func (h *handlers) handleSetFilter(c *gin.Context) {
	var f models.FilterState
	if err := c.ShouldBindJSON(&f); err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.session.SetFilter(f); err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, h.session.View())
}

func (h *handlers) handleRefresh(c *gin.Context) {
	if err := h.session.Refresh(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleDraftOutcome(op func(ctx context.Context, draftID string) (draft.Outcome, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		out, err := op(c.Request.Context(), id)
		if err != nil && out != draft.Applied {
			h.fail(c, err)
			return
		}
		resp := outcomeResponse{DraftID: id, Outcome: out.String()}
		// An applied transition stands even when the backend did not confirm it.
		if err != nil {
			resp.Warning = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *handlers) handleEditDraft(c *gin.Context) {
	var content models.DraftContent
	if err := c.ShouldBindJSON(&content); err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return
	}
	id := c.Param("id")
	out, err := h.session.EditDraft(c.Request.Context(), id, content)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomeResponse{DraftID: id, Outcome: out.String()})
}

func (h *handlers) handleDiscuss(c *gin.Context) {
	id := c.Param("id")
	s, out, err := h.session.Discuss(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := outcomeResponse{DraftID: id, Outcome: out.String()}
	if s != nil {
		resp.SessionID = s.ID()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) handleSendDiscussion(c *gin.Context) {
	text, ok := h.bindText(c)
	if !ok {
		return
	}
	turn, _, err := h.session.SendDiscussion(c.Request.Context(), c.Param("id"), text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, turnResponse{TurnID: turn})
}

func (h *handlers) handleCloseDiscussion(c *gin.Context) {
	h.session.CloseDiscussion(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *handlers) handleAsk(c *gin.Context) {
	text, ok := h.bindText(c)
	if !ok {
		return
	}
	turn, _, err := h.session.Ask(c.Request.Context(), text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, turnResponse{TurnID: turn})
}

func (h *handlers) handleCard(c *gin.Context) {
	d, err := h.session.OpenCard(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *handlers) handleResolveRisk(c *gin.Context) {
	if err := h.session.ResolveRisk(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) bindText(c *gin.Context) (string, bool) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, http.StatusBadRequest, err)
		return "", false
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		h.abort(c, http.StatusBadRequest, errors.New("text is required"))
		return "", false
	}
	return text, true
}

// fail maps a session error to an HTTP status.
func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	h.abort(c, status, err)
}

func (h *handlers) abort(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var te *models.TransportError
	switch {
	case errors.Is(err, models.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, console.ErrCardNotFound), errors.Is(err, console.ErrNoDetail):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
