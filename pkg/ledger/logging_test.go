package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsPostOperation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	account := mustRegionalAccount(test, store, "user-1", "US", "USD")
	idempotencyKey := mustIdempotencyKey(test, "award-1")

	mustPost(test, service, PostRequest{
		AccountID:      account.AccountID,
		Kind:           EntryAward,
		PointsDelta:    10,
		IdempotencyKey: idempotencyKey,
		Metadata:       mustMetadata(test, `{"action":"test"}`),
	})
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationPost || entry.AccountID != account.AccountID || entry.PointsDelta != 10 || entry.IdempotencyKey != idempotencyKey {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	failing := newFailingStore(test, errors.New("boom"))
	logger := &recorderLogger{}
	service, err := NewService(failing, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	accountID, err := NewAccountID("acct-1")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	_, err = service.Post(context.Background(), PostRequest{
		AccountID:      accountID,
		Kind:           EntryAward,
		PointsDelta:    5,
		IdempotencyKey: mustIdempotencyKey(test, "award-1"),
	})
	if err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, fixedClock(1)); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newMemoryStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	if _, err := NewPoolAccountant(newMemoryStore(test), fixedClock(1), 10001); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for share above 100%%, got %v", err)
	}
	if _, err := NewWithdrawalProcessor(newMemoryStore(test), fixedClock(1), nil, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil sink, got %v", err)
	}
}
