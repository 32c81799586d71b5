package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Initiator interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.InitiateResult, error)
}

type StatusQuerier interface {
	Status(ctx context.Context, reference string) (*payment.StatusResult, error)
}

type PaymentHandler struct {
	initiator Initiator
	status    StatusQuerier
	logger    *zap.Logger
}

func NewPaymentHandler(initiator Initiator, status StatusQuerier, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		initiator: initiator,
		status:    status,
		logger:    logger,
	}
}

func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.InitiatePaymentResponse{Success: false, Message: bindingMessage(err)})
		return
	}

	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
		return
	}

	ctx := c.Request.Context()
	res, err := h.initiator.Initiate(ctx, payment.InitiateRequest{
		UserID:    userID,
		Phone:     req.Phone,
		Amount:    req.Amount,
		PackageID: req.PackageID,
	})

	var ve *payment.ValidationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, models.InitiatePaymentResponse{
			Success:       true,
			ReferenceCode: res.ReferenceCode,
			Message:       res.Message,
		})
	case errors.As(err, &ve):
		message := ve.Error()
		if ve.Field == "packageId" {
			message = ve.Reason
		}
		c.JSON(http.StatusBadRequest, models.InitiatePaymentResponse{Success: false, Message: message})
	case res != nil:
		c.JSON(http.StatusBadGateway, models.InitiatePaymentResponse{
			Success:       false,
			ReferenceCode: res.ReferenceCode,
			Message:       res.Message,
		})
	default:
		h.logger.Error("Failed to initiate payment",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, models.InitiatePaymentResponse{Success: false, Message: "Internal server error"})
	}
}

func (h *PaymentHandler) GetStatus(c *gin.Context) {
	h.respondStatus(c, c.Param("reference"))
}

func (h *PaymentHandler) PostStatus(c *gin.Context) {
	var req models.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.StatusResponse{Success: false, Message: bindingMessage(err)})
		return
	}
	h.respondStatus(c, req.ReferenceCode)
}

func (h *PaymentHandler) respondStatus(c *gin.Context, reference string) {
	ctx := c.Request.Context()
	res, err := h.status.Status(ctx, reference)
	if err != nil {
		h.logger.Error("Failed to query payment status",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("reference", reference),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, models.StatusResponse{Success: false, Message: "Internal server error", ReferenceCode: reference})
		return
	}
	if !res.Found {
		c.JSON(http.StatusNotFound, models.StatusResponse{Success: false, Message: res.Message, ReferenceCode: reference})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{
		Success:       true,
		Message:       res.Message,
		ReferenceCode: res.Reference,
		Status:        res.State,
	})
}
