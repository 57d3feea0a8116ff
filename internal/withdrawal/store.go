package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/gateway"
)

// ErrNotFound is returned when no transaction matches the lookup key.
var ErrNotFound = common.NewAppError(common.CodeNotFound, "transaction not found", http.StatusNotFound, nil)

// Store persists withdrawal transactions and their payout audit trail.
type Store struct {
	Pool *pgxpool.Pool
}

const txColumns = `transaction_id, user_id, type, amount, fee, currency, status, payout,
	provider_ref, otp_hash, otp_expiry, debited_at, manual_reconciliation, failure_reason,
	created_at, updated_at`

// Create inserts a new transaction.
func (s *Store) Create(ctx context.Context, t *Transaction) error {
	payout, err := json.Marshal(t.Payout)
	if err != nil {
		return err
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO transactions (
			transaction_id, user_id, type, amount, fee, currency, status, payout, otp_hash, otp_expiry
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		t.TransactionID, t.UserID, string(t.Type), t.Amount, t.Fee, t.Currency,
		string(t.Status), payout, t.OTPHash, t.OTPExpiry,
	)
	return row.Scan(&t.CreatedAt, &t.UpdatedAt)
}

// Get fetches a transaction by id.
func (s *Store) Get(ctx context.Context, transactionID string) (Transaction, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	return scanTransaction(row)
}

// GetActiveForUser returns the user's in-flight withdrawal if one exists.
func (s *Store) GetActiveForUser(ctx context.Context, userID string) (Transaction, bool, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`,
		userID, statusStrings(activeStatuses))
	t, err := scanTransaction(row)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return t, true, nil
}

// CountSince counts the user's withdrawals created at or after the cutoff in
// any status guarded by the daily cap.
func (s *Store) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM transactions
		WHERE user_id = $1 AND type = $2 AND created_at >= $3 AND status = ANY($4)`,
		userID, string(TypeWithdrawal), since, statusStrings(guardedStatuses)).Scan(&count)
	return count, err
}

// SetOTP replaces the stored challenge, used when re-issuing a code for an
// existing in-flight withdrawal.
func (s *Store) SetOTP(ctx context.Context, transactionID, hash string, expiry time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET otp_hash = $2, otp_expiry = $3, updated_at = now()
		WHERE transaction_id = $1 AND status = $4`,
		transactionID, hash, expiry, string(StatusPendingOTP))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.InvalidStateError("transaction is not awaiting verification")
	}
	return nil
}

// UpdateStatus performs a compare-and-set status transition, clearing the OTP
// fields whenever the row leaves the verification state.
func (s *Store) UpdateStatus(ctx context.Context, transactionID string, from, to Status) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE transactions
		SET status = $3,
		    otp_hash = CASE WHEN $2 = 'PENDING_OTP_VERIFICATION' THEN '' ELSE otp_hash END,
		    otp_expiry = CASE WHEN $2 = 'PENDING_OTP_VERIFICATION' THEN NULL ELSE otp_expiry END,
		    updated_at = now()
		WHERE transaction_id = $1 AND status = $2`,
		transactionID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetProviderRef records the provider's payout reference.
func (s *Store) SetProviderRef(ctx context.Context, transactionID, ref string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET provider_ref = $2, updated_at = now()
		WHERE transaction_id = $1`, transactionID, ref)
	return err
}

// SetFailureReason records why a payout ended up failed.
func (s *Store) SetFailureReason(ctx context.Context, transactionID, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET failure_reason = $2, updated_at = now()
		WHERE transaction_id = $1`, transactionID, reason)
	return err
}

// MarkDebited claims the right to debit the user's balance. It reports false
// when the debit was already claimed, which keeps the balance mutation
// at-most-once across webhooks and sweeps.
func (s *Store) MarkDebited(ctx context.Context, transactionID string, at time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET debited_at = $2, updated_at = now()
		WHERE transaction_id = $1 AND debited_at IS NULL`,
		transactionID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FlagManualReconciliation marks a completed payout whose debit failed.
func (s *Store) FlagManualReconciliation(ctx context.Context, transactionID, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE transactions SET manual_reconciliation = TRUE, failure_reason = $2, updated_at = now()
		WHERE transaction_id = $1`, transactionID, reason)
	return err
}

// ListStaleOTP returns transactions stuck awaiting verification since before
// the cutoff.
func (s *Store) ListStaleOTP(ctx context.Context, cutoff time.Time, limit int) ([]Transaction, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		string(StatusPendingOTP), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// ListProcessing returns in-flight payouts for the re-verification sweep.
func (s *Store) ListProcessing(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 ORDER BY updated_at LIMIT $2`,
		string(StatusProcessing), limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// ListFailedWithRef returns recent failed payouts that reached a provider, the
// candidates for the sanctioned failed-to-completed upgrade.
func (s *Store) ListFailedWithRef(ctx context.Context, since time.Time, limit int) ([]Transaction, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = $1 AND provider_ref <> '' AND updated_at >= $2
		ORDER BY updated_at LIMIT $3`,
		string(StatusFailed), since, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// AppendPayoutEvent appends one audit row to the payout event trail.
func (s *Store) AppendPayoutEvent(ctx context.Context, transactionID string, status Status, rawStatus, source string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payout_events (transaction_id, status, raw_status, source, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		transactionID, string(status), rawStatus, source, payload)
	return err
}

func statusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var typ, status string
	var payout []byte
	err := row.Scan(
		&t.TransactionID, &t.UserID, &typ, &t.Amount, &t.Fee, &t.Currency, &status, &payout,
		&t.ProviderRef, &t.OTPHash, &t.OTPExpiry, &t.DebitedAt, &t.ManualReconciliation,
		&t.FailureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	if len(payout) > 0 {
		if err := json.Unmarshal(payout, &t.Payout); err != nil {
			return Transaction{}, err
		}
	}
	if t.Payout.Gateway == "" {
		t.Payout.Gateway = gateway.None
	}
	return t, nil
}

func scanTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
