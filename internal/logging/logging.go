// Package logging builds the process logger and adapts it to the ledger and HTTP client hooks.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

// New returns a production logger, or a development logger when level is "debug".
func New(level string) (*zap.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "debug" {
		return zap.NewDevelopment()
	}
	config := zap.NewProductionConfig()
	if level != "" {
		var parsed zapcore.Level
		if err := parsed.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}
	return config.Build()
}

// OperationLogger writes ledger operation callbacks as structured log lines.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger; a nil logger discards everything.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("ledger")}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if !entry.Country.IsZero() {
		fields = append(fields, zap.String("country", entry.Country.String()))
	}
	if !entry.Period.IsZero() {
		fields = append(fields, zap.String("period", entry.Period.String()))
	}
	if !entry.ReferenceID.IsZero() {
		fields = append(fields, zap.String("reference_id", entry.ReferenceID.String()))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.PointsDelta != 0 {
		fields = append(fields, zap.Int64("points_delta", entry.PointsDelta.Int64()))
	}
	if entry.CashDelta != 0 {
		fields = append(fields, zap.Int64("cash_delta", entry.CashDelta.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// Leveled adapts a zap logger to the key/value logger interface used by retrying HTTP clients.
type Leveled struct {
	sugar *zap.SugaredLogger
}

// NewLeveled wraps logger; a nil logger discards everything.
func NewLeveled(logger *zap.Logger) Leveled {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Leveled{sugar: logger.Sugar()}
}

func (leveled Leveled) Error(message string, keysAndValues ...interface{}) {
	leveled.sugar.Errorw(message, keysAndValues...)
}

func (leveled Leveled) Warn(message string, keysAndValues ...interface{}) {
	leveled.sugar.Warnw(message, keysAndValues...)
}

func (leveled Leveled) Info(message string, keysAndValues ...interface{}) {
	leveled.sugar.Infow(message, keysAndValues...)
}

func (leveled Leveled) Debug(message string, keysAndValues ...interface{}) {
	leveled.sugar.Debugw(message, keysAndValues...)
}
