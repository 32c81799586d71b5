package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/auth"
	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/models"
	"github.com/Moonlitwhisper254/datakibanda/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Authenticator interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.User, error)
	Login(ctx context.Context, phone, password string) (*models.LoginResponse, error)
	Logout(ctx context.Context, sessionID string) error
}

type AuthHandler struct {
	auth         Authenticator
	secureCookie bool
	logger       *zap.Logger
}

func NewAuthHandler(a Authenticator, secureCookie bool, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: a, secureCookie: secureCookie, logger: logger}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": bindingMessage(err)})
		return
	}

	ctx := c.Request.Context()
	user, err := h.auth.Register(ctx, req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"success": true, "user": user})
	case errors.Is(err, auth.ErrPhoneTaken):
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": "User already exists"})
	case payment.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
	default:
		h.logger.Error("Failed to register user", zap.String("trace_id", middleware.GetTraceID(ctx)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
	}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": bindingMessage(err)})
		return
	}

	ctx := c.Request.Context()
	resp, err := h.auth.Login(ctx, req.Phone, req.Password)
	var locked *auth.LockedError
	switch {
	case err == nil:
		maxAge := int(time.Until(resp.ExpiresAt).Seconds())
		c.SetSameSite(http.SameSiteStrictMode)
		c.SetCookie(middleware.SessionCookie, resp.Token, maxAge, "/", "", h.secureCookie, true)
		c.JSON(http.StatusOK, resp)
	case errors.As(err, &locked):
		c.JSON(http.StatusLocked, gin.H{"success": false, "message": "Account temporarily locked. Try again later.", "locked_until": locked.Until})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid credentials"})
	default:
		h.logger.Error("Failed to log in", zap.String("trace_id", middleware.GetTraceID(ctx)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
	}
}

func (h *AuthHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.auth.Logout(ctx, c.GetString(middleware.ContextSessionID)); err != nil {
		h.logger.Error("Failed to log out", zap.String("trace_id", middleware.GetTraceID(ctx)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", h.secureCookie, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}
