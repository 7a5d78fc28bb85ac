/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every mutation runs in its own short database transaction together with a
 * `pg_notify` on the ledger channel, which the ChangeFeed turns into
 * subscription refreshes.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/khipu/wallet-service/internal/domain"
	"github.com/khipu/wallet-service/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db     *pgxpool.Pool
	fanout *fanout
	logger *logrus.Entry
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, logger *logrus.Entry) *PostgresRepository {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PostgresRepository{
		db:     db,
		fanout: newFanout(),
		logger: logger.WithField("component", "postgres_repository"),
	}
}

// ChangeFeed returns the listener that keeps this repository's subscriptions
// current. It must be Run for subscriptions to see changes.
func (r *PostgresRepository) ChangeFeed() *ChangeFeed {
	return newChangeFeed(r.db, r.fanout, r.logger)
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return unavailable("ensure schema", err)
	}
	return nil
}

const userColumns = `id, identifier, display_name, COALESCE(email, ''), balance, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	var balance int64
	err := row.Scan(&user.ID, &user.Identifier, &user.DisplayName, &user.Email, &balance, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.Balance = domain.Amount(balance)
	return &user, nil
}

// GetUser retrieves a user by internal id.
func (r *PostgresRepository) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("get user", err)
	}
	return user, nil
}

// FindUserByIdentifier retrieves a user by phone number or national id.
func (r *PostgresRepository) FindUserByIdentifier(ctx context.Context, identifier string) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE identifier = btrim($1)`, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable("find user by identifier", err)
	}
	return user, nil
}

// CreateUser inserts a new wallet account. The id is generated when empty.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.Balance < 0 {
		return fmt.Errorf("%w: balance cannot be negative", domain.ErrInvalidAmount)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	var email *string
	if trimmed := strings.TrimSpace(user.Email); trimmed != "" {
		email = &trimmed
	}

	return r.mutate(ctx, "create user", user.ID, changeUser, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO users (id, identifier, display_name, email, balance)
			VALUES ($1, btrim($2), $3, $4, $5)
			RETURNING created_at, updated_at
		`, user.ID, user.Identifier, user.DisplayName, email, int64(user.Balance)).Scan(&user.CreatedAt, &user.UpdatedAt)
		if isPgError(err, pgUniqueViolation) {
			return ErrUserExists
		}
		return err
	})
}

// DeleteUser removes a user and, through the foreign key cascade, their ledger entries.
func (r *PostgresRepository) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	return r.mutate(ctx, "delete user", userID, changeUser, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// SetBalance overwrites a user's balance unconditionally.
func (r *PostgresRepository) SetBalance(ctx context.Context, userID uuid.UUID, newBalance domain.Amount) error {
	if newBalance < 0 {
		return fmt.Errorf("%w: balance cannot be negative", domain.ErrInvalidAmount)
	}
	return r.mutate(ctx, "set balance", userID, changeUser, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE users SET balance = $2, updated_at = NOW() WHERE id = $1`, userID, int64(newBalance))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// CompareAndSetBalance writes newBalance only while the row still holds expected.
func (r *PostgresRepository) CompareAndSetBalance(ctx context.Context, userID uuid.UUID, expected, newBalance domain.Amount) error {
	if newBalance < 0 {
		return fmt.Errorf("%w: balance cannot be negative", domain.ErrInvalidAmount)
	}
	return r.mutate(ctx, "compare and set balance", userID, changeUser, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET balance = $3, updated_at = NOW()
			WHERE id = $1 AND balance = $2
		`, userID, int64(expected), int64(newBalance))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrBalanceConflict
	})
}

// AppendTransaction inserts an immutable ledger entry.
func (r *PostgresRepository) AppendTransaction(ctx context.Context, entry *domain.Transaction) (uuid.UUID, error) {
	ids, err := r.AppendTransactions(ctx, []*domain.Transaction{entry})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

// AppendTransactions inserts several ledger entries in one database transaction.
func (r *PostgresRepository) AppendTransactions(ctx context.Context, entries []*domain.Transaction) ([]uuid.UUID, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		prepareTransaction(entry, now)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, unavailable("append transactions", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, len(entries))
	notified := make(map[uuid.UUID]bool, len(entries))
	for _, entry := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO transactions (
				id, owner_user_id, kind, amount, counterparty_name, counterparty_provider,
				counterparty_identifier, external_reference, description, status, occurred_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			entry.ID,
			entry.OwnerUserID,
			string(entry.Kind),
			int64(entry.Amount),
			entry.CounterpartyName,
			entry.CounterpartyProvider,
			entry.CounterpartyIdentifier,
			entry.ExternalReference,
			entry.Description,
			string(entry.Status),
			entry.OccurredAt,
		)
		if err != nil {
			return nil, classifyInsertError(err)
		}
		ids = append(ids, entry.ID)

		if notified[entry.OwnerUserID] {
			continue
		}
		notified[entry.OwnerUserID] = true
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(changeTransactions)+":"+entry.OwnerUserID.String()); err != nil {
			return nil, unavailable("append transactions", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("append transactions", err)
	}
	return ids, nil
}

const transactionColumns = `
	id, owner_user_id, kind, amount, counterparty_name, counterparty_provider,
	counterparty_identifier, external_reference, description, status, occurred_at
`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var kind, status string
	var amount int64
	err := row.Scan(
		&tx.ID,
		&tx.OwnerUserID,
		&kind,
		&amount,
		&tx.CounterpartyName,
		&tx.CounterpartyProvider,
		&tx.CounterpartyIdentifier,
		&tx.ExternalReference,
		&tx.Description,
		&status,
		&tx.OccurredAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	tx.Amount = domain.Amount(amount)
	return &tx, nil
}

// GetTransaction retrieves a ledger entry by id.
func (r *PostgresRepository) GetTransaction(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, unavailable("get transaction", err)
	}
	return tx, nil
}

// ListTransactions returns a user's ledger entries, newest first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, userID uuid.UUID) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE owner_user_id = $1
		ORDER BY occurred_at DESC, seq DESC
	`, userID)
	if err != nil {
		return nil, unavailable("list transactions", err)
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, unavailable("scan transaction", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list transactions", err)
	}
	return txs, nil
}

// FindTransactionByExternalReference looks up the entry a hub transaction id was recorded under.
func (r *PostgresRepository) FindTransactionByExternalReference(ctx context.Context, ownerID uuid.UUID, reference string) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE owner_user_id = $1 AND external_reference = $2
	`, ownerID, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, unavailable("find transaction by external reference", err)
	}
	return tx, nil
}

// SubscribeUser delivers the user's current state right away and after every change.
func (r *PostgresRepository) SubscribeUser(ctx context.Context, userID uuid.UUID, fn UserListener) (Subscription, error) {
	if _, err := r.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.fanout.add(ctx, userID, changeUser, func(ctx context.Context) {
		current, err := r.GetUser(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.WithError(err).WithField("user_id", userID).Warn("subscription refresh failed")
			}
			return
		}
		fn(*current)
	}), nil
}

// SubscribeTransactions delivers the user's full transaction list right away and after every change.
func (r *PostgresRepository) SubscribeTransactions(ctx context.Context, userID uuid.UUID, fn TransactionsListener) (Subscription, error) {
	if _, err := r.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.fanout.add(ctx, userID, changeTransactions, func(ctx context.Context) {
		current, err := r.ListTransactions(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.WithError(err).WithField("user_id", userID).Warn("subscription refresh failed")
			}
			return
		}
		fn(current)
	}), nil
}

// RecordReconciliationIssue persists a hub-committed transfer the ledger missed.
func (r *PostgresRepository) RecordReconciliationIssue(ctx context.Context, issue *domain.ReconciliationIssue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO reconciliation_issues (
			id, sender_id, amount, hub_transaction_id, to_identifier, to_provider, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`,
		issue.ID,
		issue.SenderID,
		int64(issue.Amount),
		issue.HubTransactionID,
		issue.ToIdentifier,
		issue.ToProvider,
		issue.FailureReason,
	).Scan(&issue.CreatedAt)
	if err != nil {
		return unavailable("record reconciliation issue", err)
	}
	return nil
}

// ListOpenReconciliationIssues returns issues not yet escalated, oldest first.
func (r *PostgresRepository) ListOpenReconciliationIssues(ctx context.Context, limit int) ([]domain.ReconciliationIssue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, sender_id, amount, hub_transaction_id, to_identifier, to_provider,
		       failure_reason, created_at, escalated_at
		FROM reconciliation_issues
		WHERE escalated_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, unavailable("list reconciliation issues", err)
	}
	defer rows.Close()

	issues := make([]domain.ReconciliationIssue, 0)
	for rows.Next() {
		var issue domain.ReconciliationIssue
		var amount int64
		if err := rows.Scan(
			&issue.ID,
			&issue.SenderID,
			&amount,
			&issue.HubTransactionID,
			&issue.ToIdentifier,
			&issue.ToProvider,
			&issue.FailureReason,
			&issue.CreatedAt,
			&issue.EscalatedAt,
		); err != nil {
			return nil, unavailable("scan reconciliation issue", err)
		}
		issue.Amount = domain.Amount(amount)
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list reconciliation issues", err)
	}
	return issues, nil
}

// MarkReconciliationIssueEscalated stamps an issue as handed to operators.
func (r *PostgresRepository) MarkReconciliationIssueEscalated(ctx context.Context, issueID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reconciliation_issues
		SET escalated_at = COALESCE(escalated_at, NOW())
		WHERE id = $1
	`, issueID)
	if err != nil {
		return unavailable("mark reconciliation issue escalated", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIssueNotFound
	}
	return nil
}

// mutate runs fn and the change notification in one database transaction.
// Store sentinels and domain errors returned by fn pass through untouched;
// anything else is reported as the store being unavailable.
func (r *PostgresRepository) mutate(ctx context.Context, op string, userID uuid.UUID, kind changeKind, fn func(pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classifyMutationError(op, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(kind)+":"+userID.String()); err != nil {
		return unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

// classifyMutationError maps an error raised inside a mutation to what
// callers of the repository are allowed to see.
func classifyMutationError(op string, err error) error {
	switch {
	case isLedgerError(err):
		return err
	case isPgError(err, pgCheckViolation):
		return fmt.Errorf("%w: %s violates a ledger constraint", domain.ErrInvalidAmount, op)
	default:
		return unavailable(op, err)
	}
}

func classifyInsertError(err error) error {
	switch {
	case isPgError(err, pgForeignKeyViolation):
		return ErrUserNotFound
	case isPgError(err, pgUniqueViolation):
		return ErrDuplicateTransaction
	default:
		return unavailable("append transaction", err)
	}
}

func isLedgerError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrUserExists) ||
		errors.Is(err, ErrBalanceConflict) ||
		errors.Is(err, ErrDuplicateTransaction)
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
