package app

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/store"
)

func inboundPayload(t *testing.T, event domain.InboundTransferEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body
}

func TestInboundTransferCreditsRecipientOnce(t *testing.T) {
	repo := store.NewMemoryRepository()
	ana := seedUser(t, repo, "911111111", "Ana", 500)
	consumer := NewInboundTransferConsumer(repo, nil)

	body := inboundPayload(t, domain.InboundTransferEvent{
		TransactionID:  "HUB-7",
		ToIdentifier:   "911111111",
		FromName:       "Diego",
		FromProvider:   "BilleteraGrupoB",
		FromIdentifier: "944444444",
		Amount:         2500,
	})

	assert.True(t, consumer.HandleMessage(body))
	assert.True(t, consumer.HandleMessage(body))

	assert.Equal(t, domain.Amount(3000), balanceOf(t, repo, ana.ID))
	txs := historyOf(t, repo, ana.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.KindTransferIn, txs[0].Kind)
	assert.Equal(t, "Transferencia de Diego", txs[0].Description)
	assert.Equal(t, "BilleteraGrupoB", txs[0].CounterpartyProvider)
	require.NotNil(t, txs[0].ExternalReference)
	assert.Equal(t, "HUB-7", *txs[0].ExternalReference)
}

func TestInboundTransferAcksUnprocessableMessages(t *testing.T) {
	repo := store.NewMemoryRepository()
	consumer := NewInboundTransferConsumer(repo, nil)

	tests := []struct {
		name string
		body []byte
	}{
		{"malformed json", []byte(`{"transactionId":`)},
		{"missing reference", inboundPayload(t, domain.InboundTransferEvent{ToIdentifier: "911111111", Amount: 100})},
		{"non-positive amount", inboundPayload(t, domain.InboundTransferEvent{TransactionID: "HUB-1", ToIdentifier: "911111111"})},
		{"unknown recipient", inboundPayload(t, domain.InboundTransferEvent{TransactionID: "HUB-1", ToIdentifier: "999999999", Amount: 100})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !consumer.HandleMessage(tt.body) {
				t.Fatalf("expected message to be acknowledged")
			}
		})
	}
}

func TestInboundTransferRequeuesOnStoreFailure(t *testing.T) {
	mem := store.NewMemoryRepository()
	ana := seedUser(t, mem, "911111111", "Ana", 500)
	repo := &faultyRepo{Repository: mem, appendErr: errConnReset}
	consumer := NewInboundTransferConsumer(repo, nil)

	body := inboundPayload(t, domain.InboundTransferEvent{TransactionID: "HUB-8", ToIdentifier: "911111111", Amount: 1000})
	assert.False(t, consumer.HandleMessage(body))
	assert.Equal(t, domain.Amount(500), balanceOf(t, mem, ana.ID))

	repo.appendErr = nil
	assert.True(t, consumer.HandleMessage(body))
	assert.Equal(t, domain.Amount(1500), balanceOf(t, mem, ana.ID))
}
