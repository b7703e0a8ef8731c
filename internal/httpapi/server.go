// Package httpapi exposes the generation ledger over HTTP: session-scoped
// user routes, admin routes, and secret-guarded webhook endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/genledger/pkg/pricing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "auth_claims"
	webhookSecretHeader = "X-Webhook-Secret"
)

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *ledger.Service, prices pricing.Table, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &Handler{
		logger:  logger,
		service: service,
		prices:  prices,
		cfg:     cfg,
	}

	router := NewRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("genledger api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine with all routes and middleware.
func NewRouter(cfg Config, handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/balance", handler.handleBalance)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/generations", handler.handleCreateGeneration)
	api.POST("/generations/:id/refund", handler.handleRefundGeneration)
	api.POST("/redeem", handler.handleRedeemCode)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/credits", handler.handleAdjustCredits)
	admin.POST("/codes", handler.handleCreateCode)
	admin.GET("/audit/:user_id", handler.handleAudit)

	hooks := router.Group("")
	hooks.Use(handler.requireWebhookSecret)
	hooks.POST("/webhooks/topup", handler.handleTopupWebhook)
	hooks.POST("/callbacks/generations/:id", handler.handleGenerationCallback)

	return router
}

// Handler serves the HTTP routes against the ledger service.
type Handler struct {
	logger  *zap.Logger
	service *ledger.Service
	prices  pricing.Table
	cfg     Config
}

// NewHandler wires a Handler for router assembly and tests.
func NewHandler(cfg Config, service *ledger.Service, prices pricing.Table, logger *zap.Logger) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
		prices:  prices,
		cfg:     cfg,
	}
}

func (handler *Handler) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	for _, role := range claims.GetUserRoles() {
		if role == handler.cfg.AdminRole {
			ctx.Next()
			return
		}
	}
	ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
}

func (handler *Handler) requireWebhookSecret(ctx *gin.Context) {
	provided := ctx.GetHeader(webhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid webhook secret"))
		return
	}
	ctx.Next()
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondServiceError maps ledger sentinel errors onto HTTP statuses.
func (handler *Handler) respondServiceError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "balance too low"))
	case errors.Is(err, ledger.ErrRefundNotEligible):
		ctx.JSON(http.StatusConflict, errorResponse("refund_not_eligible", "generation is not refundable"))
	case errors.Is(err, ledger.ErrCodeExhausted):
		ctx.JSON(http.StatusConflict, errorResponse("code_exhausted", "redemption code is fully used"))
	case errors.Is(err, ledger.ErrCodeExpired):
		ctx.JSON(http.StatusConflict, errorResponse("code_expired", "redemption code has expired"))
	case errors.Is(err, ledger.ErrCodeInactive):
		ctx.JSON(http.StatusConflict, errorResponse("code_inactive", "redemption code is disabled"))
	case errors.Is(err, ledger.ErrDuplicateCode):
		ctx.JSON(http.StatusConflict, errorResponse("code_exists", "redemption code already exists"))
	case errors.Is(err, ledger.ErrStatusConflict):
		ctx.JSON(http.StatusConflict, errorResponse("status_conflict", "generation status changed concurrently"))
	case errors.Is(err, ledger.ErrUnknownGeneration):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_generation", "generation not found"))
	case errors.Is(err, ledger.ErrUnknownUser):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_user", "user not found"))
	case errors.Is(err, ledger.ErrUnknownCode):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_code", "redemption code not found"))
	case errors.Is(err, ledger.ErrInvalidCredits),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidGenerationID),
		errors.Is(err, ledger.ErrInvalidChargeID),
		errors.Is(err, ledger.ErrInvalidMetadataJSON),
		errors.Is(err, ledger.ErrInvalidCode),
		errors.Is(err, ledger.ErrInvalidModelID),
		errors.Is(err, ledger.ErrInvalidAdjustMode),
		errors.Is(err, ledger.ErrInvalidStatusEvent):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "operation failed"))
	}
}
