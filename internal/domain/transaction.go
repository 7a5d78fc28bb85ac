/**
 * @description
 * Core domain models for the wallet service: the wallet account, the
 * single-sided ledger entry, the candidates returned by the hub lookup and
 * the request/result DTOs of the transfer flow.
 *
 * @notes
 * - Amounts are `Amount` (int64 minor units) everywhere.
 * - A local transfer produces two ledger entries (one per side); an external
 *   transfer produces one local `transfer-out` entry carrying the hub's
 *   transaction id.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind identifies which side of a money movement a ledger entry records.
type TransactionKind string

const (
	KindTransferOut TransactionKind = "transfer-out"
	KindTransferIn  TransactionKind = "transfer-in"
	KindTopUp       TransactionKind = "topup"
)

// TransactionStatus is always completed at creation today; pending and failed
// exist for a future asynchronous settlement model.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusPending   TransactionStatus = "pending"
	StatusFailed    TransactionStatus = "failed"
)

// DefaultDescription returns the label used when the caller left the
// description empty.
func (k TransactionKind) DefaultDescription(counterpartyName string) string {
	switch k {
	case KindTransferIn:
		if counterpartyName != "" {
			return "Transferencia de " + counterpartyName
		}
		return "Transferencia recibida"
	case KindTopUp:
		return "Recarga de saldo"
	default:
		return "Transferencia"
	}
}

// Transaction is an immutable single-sided ledger entry owned by one local user.
type Transaction struct {
	ID                     uuid.UUID         `json:"id"`
	OwnerUserID            uuid.UUID         `json:"owner_user_id"`
	Kind                   TransactionKind   `json:"kind"`
	Amount                 Amount            `json:"amount"` // signed: negative for outgoing
	CounterpartyName       string            `json:"counterparty_name,omitempty"`
	CounterpartyProvider   string            `json:"counterparty_provider,omitempty"`
	CounterpartyIdentifier string            `json:"counterparty_identifier,omitempty"`
	ExternalReference      *string           `json:"external_reference,omitempty"`
	Description            string            `json:"description"`
	Status                 TransactionStatus `json:"status"`
	OccurredAt             time.Time         `json:"occurred_at"`
}

// Route is the path a transfer takes.
type Route string

const (
	RouteLocal    Route = "LOCAL"
	RouteExternal Route = "EXTERNAL"
)

// WalletCandidate is one provider's wallet for a searched identifier, as
// reported by the hub.
type WalletCandidate struct {
	ProviderName      string `json:"provider_name"`
	ExternalWalletRef string `json:"external_wallet_ref"`
	DisplayName       string `json:"display_name"`
	// Identifier is the phone number or national id the candidate was resolved from.
	Identifier string `json:"identifier"`
	// Local is true when the wallet belongs to this provider.
	Local bool `json:"local"`
}

// TransferRequest is the input of the transfer engine.
type TransferRequest struct {
	Candidate      WalletCandidate `json:"candidate"`
	Amount         Amount          `json:"amount"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"-"`
}

// TransferResult is what a committed transfer reports back to the caller.
type TransferResult struct {
	NewSenderBalance     Amount    `json:"new_sender_balance"`
	RecipientDisplayName string    `json:"recipient_display_name"`
	Route                Route     `json:"route"`
	TransactionID        uuid.UUID `json:"transaction_id"`
	ExternalReference    string    `json:"external_reference,omitempty"`
}

// TopUpResult is returned by a balance recharge.
type TopUpResult struct {
	NewBalance    Amount    `json:"new_balance"`
	TransactionID uuid.UUID `json:"transaction_id"`
}

// ReconciliationIssue records an external transfer the hub committed but the
// local ledger did not absorb.
type ReconciliationIssue struct {
	ID               uuid.UUID  `json:"id"`
	SenderID         uuid.UUID  `json:"sender_id"`
	Amount           Amount     `json:"amount"`
	HubTransactionID string     `json:"hub_transaction_id"`
	ToIdentifier     string     `json:"to_identifier"`
	ToProvider       string     `json:"to_provider"`
	FailureReason    string     `json:"failure_reason"`
	CreatedAt        time.Time  `json:"created_at"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
}
