package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/genledger/pkg/pricing"
	"github.com/gin-gonic/gin"
)

func (handler *Handler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance.Int64()})
}

func (handler *Handler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	before := queryInt64(ctx, "before", time.Now().UTC().Add(time.Second).Unix())
	limit := int(queryInt64(ctx, "limit", int64(handler.cfg.HistoryLimit)))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = handler.cfg.HistoryLimit
	}
	transactions, err := handler.service.ListTransactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, toTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *Handler) handleCreateGeneration(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request createGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	options := pricing.Options{
		Duration:   request.Options.Duration,
		Quality:    request.Options.Quality,
		Resolution: request.Options.Resolution,
	}
	costValue, err := handler.prices.Cost(request.ModelID, options)
	if err != nil {
		if errors.Is(err, pricing.ErrUnpricedModel) {
			ctx.JSON(http.StatusBadRequest, errorResponse("unpriced_model", "no price configured for model"))
			return
		}
		handler.respondServiceError(ctx, err)
		return
	}
	cost, err := ledger.NewPositiveCredits(costValue)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	optionsJSON, err := ledger.NewMetadataJSON(marshalJSON(request.Options))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	generation, err := handler.service.Authorize(ctx.Request.Context(), userID, request.ModelID, cost, optionsJSON, request.Prompt)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"generation": toGenerationPayload(generation)})
}

func (handler *Handler) handleRefundGeneration(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	generationID, err := ledger.NewGenerationID(ctx.Param("id"))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	generation, err := handler.service.Generation(ctx.Request.Context(), generationID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	if generation.UserID != userID.String() {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_generation", "generation not found"))
		return
	}
	transaction, err := handler.service.Refund(ctx.Request.Context(), generationID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": toTransactionPayload(transaction)})
}

func (handler *Handler) handleRedeemCode(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transaction, err := handler.service.Redeem(ctx.Request.Context(), userID, request.Code)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": toTransactionPayload(transaction)})
}

func (handler *Handler) handleAdjustCredits(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	mode, err := ledger.ParseAdjustMode(request.Mode)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	transaction, err := handler.service.Adjust(ctx.Request.Context(), userID, request.Amount, mode)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	if transaction.TransactionID == "" {
		ctx.JSON(http.StatusOK, gin.H{"status": "unchanged"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": toTransactionPayload(transaction)})
}

func (handler *Handler) handleCreateCode(ctx *gin.Context) {
	var request createCodeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	credits, err := ledger.NewPositiveCredits(request.Credits)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	code, err := handler.service.CreateCode(ctx.Request.Context(), request.Code, credits, request.MaxUses, request.ExpiresAtUnixUTC)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"code": toRedemptionCodePayload(code)})
}

func (handler *Handler) handleAudit(ctx *gin.Context) {
	userID, err := ledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	balance, err := handler.service.VerifyBalance(ctx.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceMismatch) {
			ctx.JSON(http.StatusOK, gin.H{"consistent": false})
			return
		}
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"consistent": true, "balance": balance.Int64()})
}

func (handler *Handler) handleTopupWebhook(ctx *gin.Context) {
	var request topupWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	chargeID, err := ledger.NewChargeID(request.ChargeID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Credits)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	result, err := handler.service.ApplyTopup(ctx.Request.Context(), chargeID, userID, amount)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	if result.AlreadyApplied {
		ctx.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      "applied",
		"transaction": toTransactionPayload(result.Transaction),
	})
}

func (handler *Handler) handleGenerationCallback(ctx *gin.Context) {
	generationID, err := ledger.NewGenerationID(ctx.Param("id"))
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	var request generationCallbackRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := ledger.ParseStatusEventKind(request.Status)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	generation, err := handler.service.ApplyStatus(ctx.Request.Context(), generationID, ledger.StatusEvent{
		Kind:           kind,
		TaskID:         request.TaskID,
		ResultRefsJSON: marshalJSONOrEmpty(request.ResultRefs),
		ErrorMessage:   request.ErrorMessage,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"generation": toGenerationPayload(generation)})
}

func (handler *Handler) sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func queryInt64(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func marshalJSON(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func marshalJSONOrEmpty(value json.RawMessage) string {
	if len(value) == 0 {
		return ""
	}
	return string(value)
}

type createGenerationRequest struct {
	ModelID string            `json:"model_id"`
	Prompt  string            `json:"prompt"`
	Options generationOptions `json:"options"`
}

type generationOptions struct {
	Duration   string `json:"duration"`
	Quality    string `json:"quality"`
	Resolution string `json:"resolution"`
}

type redeemRequest struct {
	Code string `json:"code"`
}

type adjustRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Mode   string `json:"mode"`
}

type createCodeRequest struct {
	Code             string `json:"code"`
	Credits          int64  `json:"credits"`
	MaxUses          int64  `json:"max_uses"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type topupWebhookRequest struct {
	ChargeID string `json:"charge_id"`
	UserID   string `json:"user_id"`
	Credits  int64  `json:"credits"`
}

type generationCallbackRequest struct {
	Status       string          `json:"status"`
	TaskID       string          `json:"task_id"`
	ResultRefs   json.RawMessage `json:"result_refs"`
	ErrorMessage string          `json:"error_message"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	GenerationID   string          `json:"generation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func toTransactionPayload(transaction ledger.Transaction) transactionPayload {
	metadata := transaction.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		Kind:           transaction.Kind.String(),
		Amount:         transaction.Amount.Int64(),
		BalanceAfter:   transaction.BalanceAfter.Int64(),
		GenerationID:   transaction.GenerationID,
		IdempotencyKey: transaction.IdempotencyKey,
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

type generationPayload struct {
	GenerationID   string          `json:"generation_id"`
	ModelID        string          `json:"model_id"`
	Status         string          `json:"status"`
	CreditsUsed    int64           `json:"credits_used"`
	Refunded       bool            `json:"refunded"`
	TaskID         string          `json:"task_id,omitempty"`
	ResultRefs     json.RawMessage `json:"result_refs,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func toGenerationPayload(generation ledger.Generation) generationPayload {
	var resultRefs json.RawMessage
	if generation.ResultRefsJSON != "" {
		resultRefs = json.RawMessage(generation.ResultRefsJSON)
	}
	return generationPayload{
		GenerationID:   generation.GenerationID,
		ModelID:        generation.ModelID,
		Status:         generation.Status.String(),
		CreditsUsed:    generation.CreditsUsed.Int64(),
		Refunded:       generation.Refunded,
		TaskID:         generation.TaskID,
		ResultRefs:     resultRefs,
		ErrorMessage:   generation.ErrorMessage,
		CreatedUnixUTC: generation.CreatedUnixUTC,
	}
}

type redemptionCodePayload struct {
	CodeID           string `json:"code_id"`
	Code             string `json:"code"`
	Credits          int64  `json:"credits"`
	MaxUses          int64  `json:"max_uses"`
	UsedCount        int64  `json:"used_count"`
	IsActive         bool   `json:"is_active"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
}

func toRedemptionCodePayload(code ledger.RedemptionCode) redemptionCodePayload {
	return redemptionCodePayload{
		CodeID:           code.CodeID,
		Code:             code.Code,
		Credits:          code.Credits.Int64(),
		MaxUses:          code.MaxUses,
		UsedCount:        code.UsedCount,
		IsActive:         code.IsActive,
		ExpiresAtUnixUTC: code.ExpiresAtUnixUTC,
	}
}
