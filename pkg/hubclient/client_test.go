package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipu/wallet-service/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		BaseURL:          server.URL,
		APIToken:         "khipu-secret",
		Timeout:          2 * time.Second,
		LookupMaxRetries: retries,
	})
}

func TestFindWalletsSendsBearerTokenAndDecodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/wallets/912345678", r.URL.Path)
		assert.Equal(t, "Bearer khipu-secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found":true,"wallets":[
			{"providerName":"Khipu","userName":"Ana Torres","walletRef":"w-1"},
			{"providerName":"BilleteraGrupoB","userName":"Ana T.","walletRef":"w-2"}]}`))
	}, 0)

	resp, err := client.FindWallets(context.Background(), "912345678")
	require.NoError(t, err)
	assert.True(t, resp.Found)
	require.Len(t, resp.Wallets, 2)
	assert.Equal(t, "BilleteraGrupoB", resp.Wallets[1].ProviderName)
	assert.Equal(t, "Ana T.", resp.Wallets[1].UserName)
}

func TestFindWalletsTreatsNotFoundBodyAsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"found":false,"message":"no wallets"}`))
	}, 0)

	resp, err := client.FindWallets(context.Background(), "000000000")
	require.NoError(t, err)
	assert.False(t, resp.Found)
	assert.Empty(t, resp.Wallets)
}

func TestFindWalletsRetriesServerErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"found":true,"wallets":[{"providerName":"Khipu","userName":"Ana","walletRef":"w-1"}]}`))
	}, 3)

	resp, err := client.FindWallets(context.Background(), "912345678")
	require.NoError(t, err)
	assert.Len(t, resp.Wallets, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFindWalletsReportsUnavailableAfterRetries(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	_, err := client.FindWallets(context.Background(), "912345678")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFindWalletsUnreadableBodyIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}, 0)

	_, err := client.FindWallets(context.Background(), "912345678")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTransferSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "911111111", body["fromIdentifier"])
		assert.Equal(t, "922222222", body["toIdentifier"])
		assert.Equal(t, "BilleteraGrupoB", body["toProviderName"])
		assert.Equal(t, 30.0, body["amount"])

		_, _ = w.Write([]byte(`{"success":true,"status":"COMPLETED","transactionId":"HUB-42"}`))
	}, 0)

	resp, err := client.Transfer(context.Background(), TransferRequest{
		FromIdentifier: "911111111",
		ToIdentifier:   "922222222",
		ToProviderName: "BilleteraGrupoB",
		Amount:         domain.Amount(3000),
		Description:    "Almuerzo",
	})
	require.NoError(t, err)
	assert.Equal(t, "HUB-42", resp.TransactionID)
}

func TestTransferCompletedWithoutTransactionID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"status":"COMPLETED","transactionId":"  "}`))
	}, 0)

	resp, err := client.Transfer(context.Background(), TransferRequest{ToIdentifier: "922222222", Amount: 100})
	require.NoError(t, err, "a completed transfer must not be reported as failed")
	assert.Empty(t, resp.TransactionID)
}

func TestTransferRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"success false", `{"success":false,"status":"FAILED","message":"destination wallet frozen"}`},
		{"pending status", `{"success":true,"status":"PENDING","transactionId":"HUB-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}, 0)

			_, err := client.Transfer(context.Background(), TransferRequest{ToIdentifier: "922222222", Amount: 100})
			var rejected *RejectedError
			require.True(t, errors.As(err, &rejected), "expected RejectedError, got %v", err)
			assert.NotErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestTransferIsNeverRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, 5)

	_, err := client.Transfer(context.Background(), TransferRequest{ToIdentifier: "922222222", Amount: 100})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 0)
	assert.False(t, client.BreakerOpen())

	for i := 0; i < 10; i++ {
		_, _ = client.Transfer(context.Background(), TransferRequest{ToIdentifier: "922222222", Amount: 100})
	}
	assert.True(t, client.BreakerOpen())

	_, err := client.Transfer(context.Background(), TransferRequest{ToIdentifier: "922222222", Amount: 100})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegisterWallet(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/register-wallet", r.URL.Path)
		var body RegisterWalletRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.UserIdentifier == "900000000" {
			_, _ = w.Write([]byte(`{"success":false,"message":"identifier already registered"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}, 0)

	_, err := client.RegisterWallet(context.Background(), RegisterWalletRequest{UserIdentifier: "912345678", InternalWalletID: "u-1", UserName: "Ana"})
	require.NoError(t, err)

	_, err = client.RegisterWallet(context.Background(), RegisterWalletRequest{UserIdentifier: "900000000", InternalWalletID: "u-2", UserName: "Bob"})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "identifier already registered", rejected.Message)
}
