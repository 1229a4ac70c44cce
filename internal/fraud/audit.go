package fraud

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultAuditWriteTimeout = 5 * time.Second

// SecurityEvent is one persisted suspicious location decision.
type SecurityEvent struct {
	EventID         string   `json:"event_id"`
	UserID          string   `json:"user_id"`
	IPAddress       string   `json:"ip_address"`
	CountryCode     string   `json:"country_code"`
	ASNOrganization string   `json:"asn_organization"`
	UserAgent       string   `json:"user_agent"`
	Confidence      float64  `json:"confidence"`
	VPNScore        float64  `json:"vpn_score"`
	IsVPN           bool     `json:"is_vpn"`
	IsSuspicious    bool     `json:"is_suspicious"`
	Decision        string   `json:"decision"`
	Reason          string   `json:"reason,omitempty"`
	Signals         []string `json:"signals"`
	CreatedUnixUTC  int64    `json:"created_unix_utc"`
}

// AuditStore persists security events.
type AuditStore interface {
	InsertSecurityEvent(ctx context.Context, event SecurityEvent) error
	ListSecurityEvents(ctx context.Context, beforeUnixUTC int64, limit int) ([]SecurityEvent, error)
}

// AuditQueue writes security events in the background. Submit never blocks the request path;
// events are dropped when the buffer is full.
type AuditQueue struct {
	events       chan SecurityEvent
	store        AuditStore
	logger       *zap.Logger
	writeTimeout time.Duration
	done         chan struct{}
	mutex        sync.RWMutex
	closed       bool
	dropped      atomic.Int64
}

// NewAuditQueue starts the writer goroutine.
func NewAuditQueue(store AuditStore, capacity int, logger *zap.Logger) (*AuditQueue, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: audit store is nil", ErrInvalidPolicy)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: audit capacity must be positive", ErrInvalidPolicy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := &AuditQueue{
		events:       make(chan SecurityEvent, capacity),
		store:        store,
		logger:       logger.Named("audit"),
		writeTimeout: defaultAuditWriteTimeout,
		done:         make(chan struct{}),
	}
	go queue.run()
	return queue, nil
}

// Submit enqueues an event and reports whether it was accepted.
func (queue *AuditQueue) Submit(event SecurityEvent) bool {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	queue.mutex.RLock()
	defer queue.mutex.RUnlock()
	if queue.closed {
		return false
	}
	select {
	case queue.events <- event:
		return true
	default:
		queue.dropped.Add(1)
		queue.logger.Warn("audit queue full, dropping security event",
			zap.String("user_id", event.UserID),
			zap.String("ip", event.IPAddress),
		)
		return false
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (queue *AuditQueue) Dropped() int64 {
	return queue.dropped.Load()
}

// Close stops accepting events and waits for buffered ones to be written or ctx to expire.
func (queue *AuditQueue) Close(ctx context.Context) error {
	queue.mutex.Lock()
	if !queue.closed {
		queue.closed = true
		close(queue.events)
	}
	queue.mutex.Unlock()
	select {
	case <-queue.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (queue *AuditQueue) run() {
	defer close(queue.done)
	for event := range queue.events {
		queue.write(event)
	}
}

func (queue *AuditQueue) write(event SecurityEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			queue.logger.Error("audit write panicked", zap.Any("panic", recovered), zap.String("event_id", event.EventID))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), queue.writeTimeout)
	defer cancel()
	if err := queue.store.InsertSecurityEvent(ctx, event); err != nil {
		queue.logger.Warn("audit write failed", zap.String("event_id", event.EventID), zap.Error(err))
	}
}
