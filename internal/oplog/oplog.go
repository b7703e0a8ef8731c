// Package oplog adapts the ledger's operation callback to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	"go.uber.org/zap"
)

// Logger forwards ledger operation logs to a zap logger.
type Logger struct {
	logger *zap.Logger
}

// New wires a zap-backed operation logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.GenerationID != "" {
		fields = append(fields, zap.String("generation_id", entry.GenerationID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
