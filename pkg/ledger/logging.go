package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ServiceOption configures any of the ledger services.
type ServiceOption func(*core)

// OperationLogger records domain-level events emitted by state-changing operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	Country        CountryCode
	Period         Period
	ReferenceID    ReferenceID
	PointsDelta    Points
	CashDelta      MinorUnits
	IdempotencyKey IdempotencyKey
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *core) {
		service.logger = logger
	}
}

// WithIDGenerator overrides the generator used for entry, batch and withdrawal ids.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *core) {
		if generator != nil {
			service.newID = generator
		}
	}
}

// core carries the dependencies shared by every service in this package.
type core struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
	newID  func() string
}

func newCore(store Store, now func() int64, options []ServiceOption) (core, error) {
	if store == nil {
		return core{}, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return core{}, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	shared := core{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(&shared)
		}
	}
	return shared, nil
}

func (shared *core) logOperation(ctx context.Context, entry OperationLog) {
	if shared.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	shared.logger.LogOperation(ctx, entry)
}
