package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
)

const (
	// nationalIDLength is the length of a DNI; phone numbers are longer.
	nationalIDLength     = 8
	maxIdentifierLength  = 15
	resolveRateLimitName = "resolve"
)

// RateLimiter counts events per scope and subject in a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitedError tells the caller how long to wait before trying again.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == domain.ErrRateLimited
}

// NormalizeIdentifier trims the raw input and checks it is a national id
// (8 digits) or a phone number (9 or more digits).
func NormalizeIdentifier(raw string) (string, error) {
	identifier := strings.TrimSpace(raw)
	if identifier == "" {
		return "", fmt.Errorf("%w: identifier is required", domain.ErrInvalidIdentifier)
	}
	for _, r := range identifier {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q must contain only digits", domain.ErrInvalidIdentifier, identifier)
		}
	}
	if len(identifier) < nationalIDLength || len(identifier) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %q must have between %d and %d digits", domain.ErrInvalidIdentifier, identifier, nationalIDLength, maxIdentifierLength)
	}
	return identifier, nil
}

// Resolver turns a human-entered identifier into the wallets the hub knows
// for it. It never picks one on the caller's behalf.
type Resolver struct {
	hub            HubClient
	localProvider  string
	limiter        RateLimiter
	limitPerMinute int
	metrics        *Metrics
	logger         *logrus.Entry
}

func NewResolver(hub HubClient, localProvider string, logger *logrus.Entry) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{
		hub:           hub,
		localProvider: localProvider,
		logger:        logger.WithField("component", "resolver"),
	}
}

// WithRateLimit caps lookups per session per minute. A zero limit disables it.
func (r *Resolver) WithRateLimit(limiter RateLimiter, perMinute int) *Resolver {
	r.limiter = limiter
	r.limitPerMinute = perMinute
	return r
}

func (r *Resolver) WithMetrics(m *Metrics) *Resolver {
	r.metrics = m
	return r
}

// Resolve returns every wallet registered under identifier, in hub order.
func (r *Resolver) Resolve(ctx context.Context, identifier string) ([]domain.WalletCandidate, error) {
	normalized, err := NormalizeIdentifier(identifier)
	if err != nil {
		r.metrics.resolution("invalid")
		return nil, err
	}

	resp, err := r.hub.FindWallets(ctx, normalized)
	if err != nil {
		r.metrics.resolution("hub_error")
		r.logger.WithError(err).WithField("identifier", normalized).Warn("hub lookup failed")
		return nil, translateHubError(err)
	}
	if !resp.Found || len(resp.Wallets) == 0 {
		r.metrics.resolution("not_found")
		return nil, fmt.Errorf("%w: no wallet is registered for %s", domain.ErrRecipientNotFound, normalized)
	}

	candidates := make([]domain.WalletCandidate, 0, len(resp.Wallets))
	for _, wallet := range resp.Wallets {
		candidates = append(candidates, domain.WalletCandidate{
			ProviderName:      wallet.ProviderName,
			ExternalWalletRef: wallet.WalletRef,
			DisplayName:       wallet.UserName,
			Identifier:        normalized,
			Local:             isLocalProvider(wallet.ProviderName, r.localProvider),
		})
	}
	r.metrics.resolution("found")
	r.logger.WithFields(logrus.Fields{
		"identifier": normalized,
		"candidates": len(candidates),
	}).Debug("identifier resolved")
	return candidates, nil
}

// ResolveFor is Resolve on behalf of a session, subject to the lookup rate limit.
func (r *Resolver) ResolveFor(ctx context.Context, session domain.SessionContext, identifier string) ([]domain.WalletCandidate, error) {
	if r.limiter != nil && r.limitPerMinute > 0 {
		count, retryAfter, err := r.limiter.ConsumeRateLimit(ctx, resolveRateLimitName, session.UserID.String(), r.limitPerMinute, time.Minute)
		if err != nil {
			// A broken limiter must not block lookups.
			r.logger.WithError(err).Warn("resolve rate limiter unavailable; allowing request")
		} else if count > r.limitPerMinute {
			r.metrics.resolution("rate_limited")
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}
	return r.Resolve(ctx, identifier)
}

func isLocalProvider(provider, local string) bool {
	return local != "" && strings.EqualFold(strings.TrimSpace(provider), strings.TrimSpace(local))
}
