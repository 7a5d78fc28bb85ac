/**
 * @description
 * This package provides a client for the interoperability Hub: the external
 * service that knows which wallet providers hold a wallet for a phone number
 * or national id and settles transfers between providers.
 *
 * @notes
 * - Every call carries the provider's static bearer token.
 * - A non-2xx status or an unreadable body is reported as ErrUnavailable;
 *   an explicit business refusal (success=false or a non-COMPLETED status)
 *   is reported as *RejectedError.
 * - Lookups are retried with backoff. Transfers and registrations are never
 *   retried, because the hub may already have applied them.
 *
 * @dependencies
 * - github.com/failsafe-go/failsafe-go: retry policy and circuit breaker.
 * - internal/domain: For the money type.
 */
package hubclient

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

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
)

// StatusCompleted is the only hub transfer status treated as committed.
const StatusCompleted = "COMPLETED"

var (
	// ErrUnavailable means the hub could not be reached or answered with
	// something other than a readable 2xx response.
	ErrUnavailable = errors.New("hub unavailable")
)

// RejectedError is an explicit refusal reported by the hub.
type RejectedError struct {
	Status  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return "hub rejected the request: " + e.Message
	}
	return fmt.Sprintf("hub rejected the request (status %q)", e.Status)
}

// Config configures the hub client.
type Config struct {
	BaseURL          string
	APIToken         string
	Timeout          time.Duration
	LookupMaxRetries int
	Logger           *logrus.Entry
}

// Client is a client for the Hub API.
type Client struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client

	lookup  failsafe.Executor[*rawResponse]
	mutate  failsafe.Executor[*rawResponse]
	breaker circuitbreaker.CircuitBreaker[*rawResponse]
	logger  *logrus.Entry
}

// rawResponse is a fully read hub reply, so retried attempts never leak bodies.
type rawResponse struct {
	StatusCode int
	Body       []byte
}

// NewClient creates a new Hub API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.LookupMaxRetries < 0 {
		cfg.LookupMaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("component", "hub_client")

	breaker := circuitbreaker.NewBuilder[*rawResponse]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(func(resp *rawResponse, err error) bool {
			return err != nil || (resp != nil && resp.StatusCode >= 500)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"from_state": breakerState(event.OldState),
				"to_state":   breakerState(event.NewState),
			}).Warn("hub circuit breaker state change")
		}).
		Build()

	retry := retrypolicy.NewBuilder[*rawResponse]().
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.LookupMaxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		ReturnLastFailure().
		Build()

	return &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		APIToken:   cfg.APIToken,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
		lookup:     failsafe.With[*rawResponse](retry, breaker),
		mutate:     failsafe.With[*rawResponse](breaker),
		breaker:    breaker,
		logger:     logger,
	}
}

func breakerState(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

func shouldRetry(resp *rawResponse, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Wallet is one provider's wallet as reported by the lookup endpoint.
type Wallet struct {
	ProviderName string `json:"providerName"`
	UserName     string `json:"userName"`
	WalletRef    string `json:"walletRef"`
}

// LookupResponse is the reply of GET /api/v1/wallets/{identifier}.
type LookupResponse struct {
	Found   bool     `json:"found"`
	Wallets []Wallet `json:"wallets"`
	Message string   `json:"message,omitempty"`
}

// TransferRequest is the payload of POST /api/v1/transfer.
type TransferRequest struct {
	FromIdentifier string        `json:"fromIdentifier"`
	ToIdentifier   string        `json:"toIdentifier"`
	ToProviderName string        `json:"toProviderName"`
	Amount         domain.Amount `json:"amount"`
	Description    string        `json:"description"`
}

// TransferResponse is the reply of POST /api/v1/transfer.
type TransferResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Message       string `json:"message,omitempty"`
}

// RegisterWalletRequest is the payload of POST /api/v1/register-wallet.
type RegisterWalletRequest struct {
	UserIdentifier   string `json:"userIdentifier"`
	InternalWalletID string `json:"internalWalletId"`
	UserName         string `json:"userName"`
}

// RegisterWalletResponse is the reply of POST /api/v1/register-wallet.
type RegisterWalletResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FindWallets asks the hub for every wallet registered under identifier.
// A hub that answers 404 with found=false yields an empty result rather
// than an error.
func (c *Client) FindWallets(ctx context.Context, identifier string) (*LookupResponse, error) {
	endpoint := "/api/v1/wallets/" + url.PathEscape(identifier)
	resp, err := c.execute(ctx, c.lookup, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var lookup LookupResponse
	if resp.StatusCode == http.StatusNotFound {
		if json.Unmarshal(resp.Body, &lookup) == nil && !lookup.Found {
			return &LookupResponse{Found: false, Wallets: []Wallet{}}, nil
		}
	}
	if err := decode(resp, &lookup); err != nil {
		return nil, err
	}
	if !lookup.Found {
		lookup.Wallets = []Wallet{}
	}
	return &lookup, nil
}

// Transfer asks the hub to move money to a wallet at another provider. The
// call is made exactly once.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	resp, err := c.execute(ctx, c.mutate, http.MethodPost, "/api/v1/transfer", req)
	if err != nil {
		return nil, err
	}
	var transfer TransferResponse
	if err := decode(resp, &transfer); err != nil {
		return nil, err
	}
	if !transfer.Success || transfer.Status != StatusCompleted {
		c.logger.WithFields(logging.Fields{
			"status":        transfer.Status,
			"to_provider":   req.ToProviderName,
			"hub_message":   transfer.Message,
			"to_identifier": req.ToIdentifier,
		}).Warn("hub rejected transfer")
		return nil, &RejectedError{Status: transfer.Status, Message: transfer.Message}
	}
	transfer.TransactionID = strings.TrimSpace(transfer.TransactionID)
	if transfer.TransactionID == "" {
		// The hub committed; the caller decides how to record it.
		c.logger.WithFields(logging.Fields{
			"to_provider":   req.ToProviderName,
			"to_identifier": req.ToIdentifier,
		}).Warn("hub completed transfer without a transaction id")
	}
	return &transfer, nil
}

// RegisterWallet publishes a local wallet to the hub directory.
func (c *Client) RegisterWallet(ctx context.Context, req RegisterWalletRequest) (*RegisterWalletResponse, error) {
	resp, err := c.execute(ctx, c.mutate, http.MethodPost, "/api/v1/register-wallet", req)
	if err != nil {
		return nil, err
	}
	var registered RegisterWalletResponse
	if err := decode(resp, &registered); err != nil {
		return nil, err
	}
	if !registered.Success {
		return nil, &RejectedError{Message: registered.Message}
	}
	return &registered, nil
}

// BreakerOpen reports whether the hub circuit breaker is currently open.
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

func (c *Client) execute(ctx context.Context, executor failsafe.Executor[*rawResponse], method, endpoint string, payload interface{}) (*rawResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hub request: %w", err)
		}
	}

	resp, err := executor.WithContext(ctx).Get(func() (*rawResponse, error) {
		return c.do(ctx, method, endpoint, body)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*rawResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute hub request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read hub response body: %v", ErrUnavailable, err)
	}
	return &rawResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// decode enforces the 2xx contract and unmarshals the body into out.
func decode(resp *rawResponse, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return fmt.Errorf("%w: empty response body", ErrUnavailable)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal hub response: %v", ErrUnavailable, err)
	}
	return nil
}
