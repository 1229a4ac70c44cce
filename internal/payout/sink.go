// Package payout talks to the external payment processor: it sends payout instructions and
// verifies the signed callbacks that settle them.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rewardpool/internal/logging"
	"github.com/MarkoPoloResearchLab/rewardpool/pkg/ledger"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerAuthorization  = "Authorization"
	defaultMaxRetries    = 3
	defaultTimeout       = 10 * time.Second
)

// ErrInvalidSinkConfig reports an unusable processor configuration.
var ErrInvalidSinkConfig = errors.New("invalid payout sink config")

// ErrRejected reports a non-retryable processor response.
var ErrRejected = errors.New("payout rejected by processor")

// SinkConfig describes the processor endpoint.
type SinkConfig struct {
	Endpoint   string
	APIToken   string
	MaxRetries int
	Timeout    time.Duration
}

// HTTPSink posts payout instructions as JSON. The reference id is sent as the idempotency key so
// retried deliveries are deduplicated by the processor.
type HTTPSink struct {
	client   *retryablehttp.Client
	endpoint string
	apiToken string
	logger   *zap.Logger
}

// NewHTTPSink validates config and builds the retrying client.
func NewHTTPSink(config SinkConfig, logger *zap.Logger) (*HTTPSink, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", ErrInvalidSinkConfig, err)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalidSinkConfig)
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = config.MaxRetries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = config.Timeout
	client.Logger = logging.NewLeveled(logger)
	return &HTTPSink{client: client, endpoint: endpoint, apiToken: config.APIToken, logger: logger.Named("payout")}, nil
}

// Dispatch implements ledger.PayoutSink.
func (sink *HTTPSink) Dispatch(ctx context.Context, instruction ledger.PayoutInstruction) error {
	body, err := json.Marshal(instruction)
	if err != nil {
		return fmt.Errorf("encode payout instruction: %w", err)
	}
	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, sink.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerIdempotencyKey, instruction.ReferenceID)
	if sink.apiToken != "" {
		request.Header.Set(headerAuthorization, "Bearer "+sink.apiToken)
	}
	response, err := sink.client.Do(request)
	if err != nil {
		return fmt.Errorf("dispatch payout %s: %w", instruction.ReferenceID, err)
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", ErrRejected, instruction.ReferenceID, response.StatusCode, strings.TrimSpace(string(detail)))
	}
	sink.logger.Info("payout dispatched",
		zap.String("reference_id", instruction.ReferenceID),
		zap.Int64("amount_minor_units", instruction.AmountMinorUnits),
		zap.String("currency", instruction.CurrencyCode),
	)
	return nil
}
