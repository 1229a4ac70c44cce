// Package httpapi exposes the inbound contracts over HTTP: impressions, withdrawals, balances,
// the payment processor's callback, and the admin security-event listing.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/fraud"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/location"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/payout"
	"github.com/MarkoPoloResearchLab/rewardpool/internal/rewards"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	headerAuthorization   = "Authorization"
	bearerPrefix          = "Bearer "
	defaultRequestTimeout = 5 * time.Second
	defaultEventsLimit    = 50
	maxEventsLimit        = 500
	shutdownTimeout       = 5 * time.Second
)

var releaseModeOnce sync.Once

// Rewards is the facade the handlers drive.
type Rewards interface {
	ImpressionOccurred(ctx context.Context, impression rewards.Impression) (rewards.ImpressionResult, error)
	RequestWithdrawal(ctx context.Context, command rewards.WithdrawalCommand) (ledger.WithdrawalRequest, error)
	GetBalance(ctx context.Context, userID string) (rewards.BalanceView, error)
	Confirm(ctx context.Context, withdrawalID ledger.ReferenceID) (ledger.WithdrawalRequest, error)
	Fail(ctx context.Context, withdrawalID ledger.ReferenceID, reason string) (ledger.WithdrawalRequest, error)
}

// CallbackVerifier authenticates payout callbacks.
type CallbackVerifier interface {
	Verify(token string) (payout.Callback, error)
}

// SecurityEvents lists audit rows for the reporting UI.
type SecurityEvents interface {
	ListSecurityEvents(ctx context.Context, beforeUnixUTC int64, limit int) ([]fraud.SecurityEvent, error)
}

// Config aggregates HTTP settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	AdminToken     string
	RequestTimeout time.Duration
}

// Handler serves the HTTP routes.
type Handler struct {
	rewards  Rewards
	verifier CallbackVerifier
	events   SecurityEvents
	config   Config
	logger   *zap.Logger
}

// NewHandler wires the handlers.
func NewHandler(rewardsService Rewards, verifier CallbackVerifier, events SecurityEvents, config Config, logger *zap.Logger) (*Handler, error) {
	if rewardsService == nil || verifier == nil || events == nil {
		return nil, errors.New("httpapi: missing dependency")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{rewards: rewardsService, verifier: verifier, events: events, config: config, logger: logger.Named("http")}, nil
}

// Router builds the gin engine.
func (handler *Handler) Router() *gin.Engine {
	releaseModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	router := gin.New()
	router.Use(gin.Recovery())
	if len(handler.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     handler.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerAuthorization},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/impressions", handler.handleImpression)
	api.POST("/withdrawals", handler.handleWithdrawal)
	api.GET("/balances/:userID", handler.handleBalance)
	api.POST("/payouts/callback", handler.handlePayoutCallback)

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/security-events", handler.handleSecurityEvents)

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (handler *Handler) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              handler.config.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: handler.config.RequestTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("http server listening", zap.String("addr", handler.config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (handler *Handler) handleImpression(ctx *gin.Context) {
	var request impressionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.config.RequestTimeout)
	defer cancel()

	result, err := handler.rewards.ImpressionOccurred(requestCtx, rewards.Impression{
		UserID:       request.UserID,
		AdUnitRef:    request.AdUnitRef,
		ImpressionID: request.ImpressionID,
		Request:      requestMetadata(ctx),
	})
	if err != nil {
		handler.respondError(ctx, "impression", err)
		return
	}
	ctx.JSON(http.StatusOK, impressionPayload{
		PointsAwarded: int64(result.PointsAwarded),
		CountryCode:   result.CountryCode.String(),
		CurrencyCode:  result.Currency.String(),
		EntryID:       result.EntryID.String(),
		Confidence:    result.Decision.Assessment.Confidence,
	})
}

func (handler *Handler) handleWithdrawal(ctx *gin.Context) {
	var request withdrawalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.config.RequestTimeout)
	defer cancel()

	withdrawal, err := handler.rewards.RequestWithdrawal(requestCtx, rewards.WithdrawalCommand{
		UserID:           request.UserID,
		AmountMinorUnits: request.AmountMinorUnits,
		Destination:      request.Destination,
		IdempotencyKey:   request.IdempotencyKey,
		Request:          requestMetadata(ctx),
	})
	if err != nil {
		handler.respondError(ctx, "withdrawal", err)
		return
	}
	ctx.JSON(http.StatusAccepted, newWithdrawalPayload(withdrawal))
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.config.RequestTimeout)
	defer cancel()
	balance, err := handler.rewards.GetBalance(requestCtx, ctx.Param("userID"))
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, balancePayload{
		PendingPoints:         int64(balance.PendingPoints),
		CashBalanceMinorUnits: balance.CashBalanceMinorUnits.Int64(),
		CurrencyCode:          balance.CurrencyCode.String(),
		CountryCode:           balance.CountryCode.String(),
		LocationLocked:        balance.LocationLocked,
	})
}

func (handler *Handler) handlePayoutCallback(ctx *gin.Context) {
	var request callbackRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	callback, err := handler.verifier.Verify(request.Token)
	if err != nil {
		handler.logger.Warn("payout callback rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_callback", "callback token rejected"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.config.RequestTimeout)
	defer cancel()

	var withdrawal ledger.WithdrawalRequest
	if callback.Completed {
		withdrawal, err = handler.rewards.Confirm(requestCtx, callback.ReferenceID)
	} else {
		withdrawal, err = handler.rewards.Fail(requestCtx, callback.ReferenceID, callback.Reason)
	}
	if err != nil {
		handler.respondError(ctx, "payout callback", err)
		return
	}
	ctx.JSON(http.StatusOK, newWithdrawalPayload(withdrawal))
}

func (handler *Handler) handleSecurityEvents(ctx *gin.Context) {
	before, err := parseInt(ctx.Query("before"), 0)
	if err != nil || before < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
		return
	}
	limit, err := parseInt(ctx.Query("limit"), defaultEventsLimit)
	if err != nil || limit <= 0 || limit > maxEventsLimit {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be between 1 and %d", maxEventsLimit)))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.config.RequestTimeout)
	defer cancel()
	events, err := handler.events.ListSecurityEvents(requestCtx, before, int(limit))
	if err != nil {
		handler.respondError(ctx, "security events", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"events": events})
}

func (handler *Handler) requireAdmin(ctx *gin.Context) {
	header := ctx.GetHeader(headerAuthorization)
	token := strings.TrimPrefix(header, bearerPrefix)
	if handler.config.AdminToken == "" || token == header ||
		subtle.ConstantTimeCompare([]byte(token), []byte(handler.config.AdminToken)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "admin token required"))
		return
	}
	ctx.Next()
}

func (handler *Handler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func requestMetadata(ctx *gin.Context) location.RequestMetadata {
	return location.RequestMetadata{
		RemoteAddr: ctx.Request.RemoteAddr,
		Headers:    ctx.Request.Header,
		UserAgent:  ctx.Request.UserAgent(),
	}
}

func parseInt(raw string, fallback int64) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
