package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the events exchange.
const (
	EventTransferCompleted       = "transfer.completed"
	EventReconciliationFailed    = "transfer.reconciliation.failed"
	EventReconciliationEscalated = "transfer.reconciliation.escalated"
	EventRegistrationOrphaned    = "wallet.registration.orphaned"
	EventInboundTransfer         = "hub.transfer.incoming"
)

// TransferCompletedEvent is published after a transfer is committed.
type TransferCompletedEvent struct {
	TransactionID     uuid.UUID `json:"transaction_id"`
	SenderID          uuid.UUID `json:"sender_id"`
	RecipientName     string    `json:"recipient_name"`
	Route             Route     `json:"route"`
	Amount            Amount    `json:"amount"`
	ExternalReference string    `json:"external_reference,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// ReconciliationFailedEvent alerts operators about a hub-committed transfer
// missing from the local ledger.
type ReconciliationFailedEvent struct {
	IssueID          uuid.UUID `json:"issue_id"`
	SenderID         uuid.UUID `json:"sender_id"`
	Amount           Amount    `json:"amount"`
	HubTransactionID string    `json:"hub_transaction_id"`
	Reason           string    `json:"reason"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// RegistrationOrphanedEvent alerts operators about a local identity with no
// hub presence that could not be rolled back.
type RegistrationOrphanedEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// InboundTransferEvent is delivered by the hub when another provider sends
// money to one of our users.
type InboundTransferEvent struct {
	TransactionID  string `json:"transactionId"`
	ToIdentifier   string `json:"toIdentifier"`
	FromName       string `json:"fromName"`
	FromProvider   string `json:"fromProvider"`
	FromIdentifier string `json:"fromIdentifier"`
	Amount         Amount `json:"amount"`
	Description    string `json:"description"`
}
