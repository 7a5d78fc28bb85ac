package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/pkg/hubclient"
)

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "phone number", input: "912345678", want: "912345678"},
		{name: "national id", input: "12345678", want: "12345678"},
		{name: "trims spaces", input: "  912345678 ", want: "912345678"},
		{name: "too short", input: "12345", wantErr: true},
		{name: "empty", input: "   ", wantErr: true},
		{name: "letters", input: "91234567a", wantErr: true},
		{name: "plus prefix", input: "+51912345678", wantErr: true},
		{name: "too long", input: "1234567890123456", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIdentifier(tt.input)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidIdentifier) {
					t.Fatalf("expected ErrInvalidIdentifier, got %v (%q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolveReturnsEveryCandidateInHubOrder(t *testing.T) {
	hub := newFakeHub()
	hub.wallets["912345678"] = []hubclient.Wallet{
		{ProviderName: "BilleteraGrupoB", UserName: "Ana T.", WalletRef: "w-2"},
		{ProviderName: "khipu", UserName: "Ana Torres", WalletRef: "w-1"},
	}
	resolver := NewResolver(hub, testProvider, nil)

	candidates, err := resolver.Resolve(context.Background(), " 912345678 ")
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "BilleteraGrupoB", candidates[0].ProviderName)
	assert.False(t, candidates[0].Local)
	assert.Equal(t, "w-2", candidates[0].ExternalWalletRef)
	assert.True(t, candidates[1].Local)
	assert.Equal(t, "Ana Torres", candidates[1].DisplayName)
	for _, c := range candidates {
		assert.Equal(t, "912345678", c.Identifier)
	}
}

func TestResolveNotFound(t *testing.T) {
	hub := newFakeHub()
	resolver := NewResolver(hub, testProvider, nil)

	_, err := resolver.Resolve(context.Background(), "000000000")
	assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
}

func TestResolveInvalidIdentifierNeverCallsHub(t *testing.T) {
	hub := newFakeHub()
	resolver := NewResolver(hub, testProvider, nil)

	_, err := resolver.Resolve(context.Background(), "12345")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
	assert.Empty(t, hub.lookups)
}

func TestResolveHubUnavailable(t *testing.T) {
	hub := newFakeHub()
	hub.lookupErr = hubclient.ErrUnavailable
	resolver := NewResolver(hub, testProvider, nil)

	_, err := resolver.Resolve(context.Background(), "912345678")
	assert.ErrorIs(t, err, domain.ErrHubUnavailable)
}

type countingLimiter struct {
	counts map[string]int
	err    error
}

func (l *countingLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.counts[scope+":"+subject]++
	return l.counts[scope+":"+subject], 42, nil
}

func TestResolveForAppliesSessionRateLimit(t *testing.T) {
	hub := newFakeHub()
	hub.wallets["912345678"] = []hubclient.Wallet{{ProviderName: "Khipu", UserName: "Ana", WalletRef: "w-1"}}
	limiter := &countingLimiter{counts: map[string]int{}}
	resolver := NewResolver(hub, testProvider, nil).WithRateLimit(limiter, 2)
	session := domain.SessionContext{UserID: uuid.New()}

	for i := 0; i < 2; i++ {
		_, err := resolver.ResolveFor(context.Background(), session, "912345678")
		require.NoError(t, err)
	}
	_, err := resolver.ResolveFor(context.Background(), session, "912345678")
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var limited *RateLimitedError
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, 42, limited.RetryAfterSeconds)
	assert.Len(t, hub.lookups, 2)

	other := domain.SessionContext{UserID: uuid.New()}
	_, err = resolver.ResolveFor(context.Background(), other, "912345678")
	assert.NoError(t, err)
}

func TestResolveForIgnoresBrokenLimiter(t *testing.T) {
	hub := newFakeHub()
	hub.wallets["912345678"] = []hubclient.Wallet{{ProviderName: "Khipu", UserName: "Ana", WalletRef: "w-1"}}
	resolver := NewResolver(hub, testProvider, nil).WithRateLimit(&countingLimiter{err: errors.New("redis down")}, 1)

	_, err := resolver.ResolveFor(context.Background(), domain.SessionContext{UserID: uuid.New()}, "912345678")
	assert.NoError(t, err)
}
