package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

type CallbackReconciler interface {
	Reconcile(ctx context.Context, payload []byte) payment.ReconcileResult
}

// CallbackHandler receives gateway result notifications. The gateway always gets a
// success acknowledgement so it does not redeliver; problems are only logged.
type CallbackHandler struct {
	reconciler CallbackReconciler
	logger     *zap.Logger
}

func NewCallbackHandler(reconciler CallbackReconciler, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{reconciler: reconciler, logger: logger}
}

func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("Failed to read callback body",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	res := h.reconciler.Reconcile(context.WithoutCancel(ctx), body)
	h.logger.Info("Callback processed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reference", res.Reference),
	)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
