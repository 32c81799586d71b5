package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type WebhookRegistry interface {
	Register(ctx context.Context, url string, events []string, description, createdBy string) (*models.WebhookSubscription, string, error)
	List(ctx context.Context) ([]models.WebhookSubscription, error)
}

type WebhookHandler struct {
	registry WebhookRegistry
	logger   *zap.Logger
}

func NewWebhookHandler(registry WebhookRegistry, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{registry: registry, logger: logger}
}

func (h *WebhookHandler) Register(c *gin.Context) {
	var req models.RegisterWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": bindingMessage(err)})
		return
	}

	ctx := c.Request.Context()
	sub, secret, err := h.registry.Register(ctx, req.URL, req.Events, req.Description, c.GetString(middleware.ContextUserID))
	var invalid *webhook.InvalidSubscriptionError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": invalid.Reason})
		return
	}
	if err != nil {
		h.logger.Error("Failed to register webhook",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, models.RegisterWebhookResponse{Subscription: *sub, Secret: secret})
}

func (h *WebhookHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	subs, err := h.registry.List(ctx)
	if err != nil {
		h.logger.Error("Failed to list webhooks",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	if subs == nil {
		subs = []models.WebhookSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscriptions": subs})
}
