package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"healthchat/internal/auth"
	"healthchat/internal/convlock"
	"healthchat/internal/metrics"
	"healthchat/internal/models"
	"healthchat/internal/service/chat"
)

// ChatService is the conversation surface the handlers need.
type ChatService interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error)
	EditMessage(ctx context.Context, req chat.EditRequest) (*models.Message, error)
	EditWithRegeneration(ctx context.Context, req chat.EditRequest) (*chat.EditResult, error)
	GetConversationForUser(ctx context.Context, id, userID string, opts chat.ReadOptions) (*models.ConversationView, error)
	GetConversationSummaryForUser(ctx context.Context, id, userID string) (*models.ConversationSummary, error)
	ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error)
	DeleteConversation(ctx context.Context, id, userID string) error
}

// Handler wires HTTP routes to the chat service. Writes to an existing
// conversation hold its lock for the duration of the request.
type Handler struct {
	chat    ChatService
	auth    *auth.Service
	locks   convlock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHandler constructs a Handler instance. A nil locker falls back to an in-process one.
func NewHandler(chatService ChatService, authService *auth.Service, locks convlock.Locker, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	if locks == nil {
		locks = convlock.NewLocalLocker(0)
	}
	return &Handler{
		chat:    chatService,
		auth:    authService,
		locks:   locks,
		metrics: m,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestLogger(h.logger, h.metrics))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if reg := h.metrics.Registry(); reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/chat")
	api.Use(h.auth.Middleware())
	api.POST("/messages", h.sendMessage)
	api.GET("/conversations", h.listConversations)
	api.GET("/conversations/:id", h.getConversation)
	api.GET("/conversations/:id/summary", h.getConversationSummary)
	api.PATCH("/conversations/:id/messages/:messageId", h.editMessage)
	api.DELETE("/conversations/:id", h.deleteConversation)
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// lockConversation takes the per-conversation lock, writing an error response on failure.
func (h *Handler) lockConversation(c *gin.Context, conversationID string) (func(), bool) {
	unlock, err := h.locks.Lock(c.Request.Context(), conversationID)
	if err != nil {
		h.writeError(c, err, nil)
		return nil, false
	}
	return unlock, true
}

type sendMessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	AssessmentID   string `json:"assessmentId"`
}

func (h *Handler) sendMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID != "" {
		unlock, ok := h.lockConversation(c, req.ConversationID)
		if !ok {
			return
		}
		defer unlock()
	}

	res, err := h.chat.SendMessage(c.Request.Context(), chat.SendRequest{
		UserID:         userID,
		Text:           req.Message,
		ConversationID: req.ConversationID,
		AssessmentID:   req.AssessmentID,
	})
	if err != nil {
		var extra gin.H
		if res != nil && res.ConversationID != "" {
			extra = gin.H{"conversationId": res.ConversationID, "userMessage": res.UserMessage}
		}
		h.writeError(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":          res.AssistantMessage.Content,
		"conversationId":   res.ConversationID,
		"userMessage":      res.UserMessage,
		"assistantMessage": res.AssistantMessage,
	})
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.chat.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	opts, err := parseReadOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := h.chat.GetConversationForUser(c.Request.Context(), c.Param("id"), userID, opts)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, view)
}

func parseReadOptions(c *gin.Context) (chat.ReadOptions, error) {
	var opts chat.ReadOptions
	if raw := c.Query("includeMessages"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New("includeMessages must be a boolean")
		}
		opts.IncludeMessages = v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return opts, errors.New("limit must be a non-negative integer")
		}
		opts.Limit = &v
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return opts, errors.New("offset must be a non-negative integer")
		}
		opts.Offset = v
	}
	return opts, nil
}

func (h *Handler) getConversationSummary(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	summary, err := h.chat.GetConversationSummaryForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type editMessageRequest struct {
	Content            string `json:"content"`
	RegenerateResponse *bool  `json:"regenerateResponse"`
}

func (h *Handler) editMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conversationID := c.Param("id")
	unlock, ok := h.lockConversation(c, conversationID)
	if !ok {
		return
	}
	defer unlock()

	regenerate := true
	if req.RegenerateResponse != nil {
		regenerate = *req.RegenerateResponse
	}
	res, err := h.chat.EditWithRegeneration(c.Request.Context(), chat.EditRequest{
		ConversationID: conversationID,
		MessageID:      c.Param("messageId"),
		UserID:         userID,
		Content:        req.Content,
		Regenerate:     regenerate,
	})
	if err != nil {
		var extra gin.H
		if res != nil && len(res.RemovedIDs) > 0 {
			extra = gin.H{"removedMessageIds": res.RemovedIDs}
		}
		h.writeError(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")
	unlock, ok := h.lockConversation(c, conversationID)
	if !ok {
		return
	}
	defer unlock()

	if err := h.chat.DeleteConversation(c.Request.Context(), conversationID, userID); err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps service errors to status codes. Not-found and forbidden
// share 404. extra fields are merged into the body.
func (h *Handler) writeError(c *gin.Context, err error, extra gin.H) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, chat.ErrValidation):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrNotFound):
		status, message = http.StatusNotFound, "conversation not found"
	case errors.Is(err, convlock.ErrNotAcquired):
		status, message = http.StatusConflict, "conversation is busy, please retry"
	}
	body := gin.H{"error": message}
	var flowErr *chat.FlowError
	if errors.As(err, &flowErr) && status == http.StatusInternalServerError {
		body["failedStep"] = flowErr.Failed
		body["completedSteps"] = flowErr.Completed
	}
	for k, v := range extra {
		body[k] = v
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, body)
}
