package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/sony/gobreaker"
)

var (
	ErrCircuitOpen = errors.New("relay circuit open")
	ErrTimeout     = errors.New("relay submit timeout")
)

// Submitter hands a withdrawal to the external relay (chain or bank) and
// returns its receipt.
type Submitter interface {
	Submit(ctx context.Context, w *storage.Withdrawal) (string, error)
}

type SubmitterFunc func(ctx context.Context, w *storage.Withdrawal) (string, error)

func (f SubmitterFunc) Submit(ctx context.Context, w *storage.Withdrawal) (string, error) {
	return f(ctx, w)
}

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerSubmitter bounds every submission with a timeout and stops calling
// a relay that keeps failing until the breaker half-opens.
type BreakerSubmitter struct {
	next    Submitter
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func NewBreakerSubmitter(name string, next Submitter, timeout time.Duration, cfg BreakerConfig, logger *slog.Logger) *BreakerSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("breaker", name)
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = DefaultBreakerConfig().ConsecutiveFailures
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	}
	return &BreakerSubmitter{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(settings),
		timeout: timeout,
		logger:  logger,
	}
}

func (b *BreakerSubmitter) Submit(ctx context.Context, w *storage.Withdrawal) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, w)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "", fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		return "", fmt.Errorf("%w: %v", ErrTimeout, err)
	case err != nil:
		return "", err
	}
	receipt, _ := res.(string)
	return receipt, nil
}

func (b *BreakerSubmitter) State() string {
	return b.cb.State().String()
}

type submitRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	AssetClass   string `json:"asset_class"`
	HolderID     string `json:"holder_id"`
	Currency     string `json:"currency"`
	Amount       string `json:"amount"`
	Destination  string `json:"destination"`
	RetryCount   int    `json:"retry_count"`
}

type submitResponse struct {
	Receipt string `json:"receipt"`
}

// HTTPSubmitter posts withdrawals to a relay endpoint as JSON and reads the
// receipt from a 2xx response.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSubmitter(endpoint string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSubmitter{endpoint: endpoint, client: client}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, w *storage.Withdrawal) (string, error) {
	body, err := json.Marshal(submitRequest{
		WithdrawalID: w.ID.String(),
		AssetClass:   string(w.Class),
		HolderID:     w.HolderID,
		Currency:     w.Currency,
		Amount:       w.Amount.String(),
		Destination:  w.Destination,
		RetryCount:   w.RetryCount,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", w.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("relay responded %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	var out submitResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("decode relay response: %w", err)
		}
	}
	return out.Receipt, nil
}
