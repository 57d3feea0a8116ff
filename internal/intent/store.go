package intent

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

// ErrNotFound is returned when no intent matches the lookup key.
var ErrNotFound = common.NewAppError(common.CodeNotFound, "payment intent not found", http.StatusNotFound, nil)

// Store persists payment intents and their webhook history in Postgres.
type Store struct {
	Pool *pgxpool.Pool
}

const intentColumns = `session_id, user_id, amount, currency, paid_amount, paid_currency,
	payment_type, gateway, gateway_payment_id, gateway_checkout_url, deposit_address,
	status, metadata, created_at, updated_at, archived_at`

// Create inserts a new intent in its initial status.
func (s *Store) Create(ctx context.Context, pi *PaymentIntent) error {
	meta, err := json.Marshal(pi.Metadata)
	if err != nil {
		return err
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO payment_intents (
			session_id, user_id, amount, currency, payment_type, gateway, status, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		pi.SessionID, pi.UserID, pi.Amount, pi.Currency, pi.PaymentType, string(pi.Gateway), string(pi.Status), meta,
	)
	return row.Scan(&pi.CreatedAt, &pi.UpdatedAt)
}

// GetBySession fetches an intent by its session id.
func (s *Store) GetBySession(ctx context.Context, sessionID string) (PaymentIntent, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE session_id = $1`, sessionID)
	return scanIntent(row)
}

// FindByProviderRef fetches an intent by the provider's payment reference.
func (s *Store) FindByProviderRef(ctx context.Context, gw gateway.Gateway, providerRef string) (PaymentIntent, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE gateway = $1 AND gateway_payment_id = $2`,
		string(gw), providerRef)
	return scanIntent(row)
}

// SetSubmission records the charged amount, currency and gateway. A retry
// after a transient initiation failure may overwrite these while the intent is
// still awaiting submission; once the status moves on they are frozen.
func (s *Store) SetSubmission(ctx context.Context, sessionID string, pi *PaymentIntent) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET paid_amount = $2, paid_currency = $3, gateway = $4, updated_at = now()
		WHERE session_id = $1 AND status = $5`,
		sessionID, pi.PaidAmount, pi.PaidCurrency, string(pi.Gateway), string(StatusPendingUserInput))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return common.InvalidStateError("intent is not awaiting submission")
	}
	return nil
}

// SetProviderRefs records the provider reference and checkout surface after a
// successful initiate-payment call.
func (s *Store) SetProviderRefs(ctx context.Context, sessionID, providerRef, checkoutURL, depositAddress string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET gateway_payment_id = $2, gateway_checkout_url = $3, deposit_address = $4, updated_at = now()
		WHERE session_id = $1`,
		sessionID, providerRef, checkoutURL, depositAddress)
	return err
}

// UpdateStatus performs a compare-and-set status transition. It reports false
// when the row was not in the expected status, which callers treat as a lost
// race rather than an error.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, from, to Status) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents SET status = $3, updated_at = now()
		WHERE session_id = $1 AND status = $2`,
		sessionID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResetForRetry returns an errored intent to its initial status and clears the
// submission fields so the caller can resubmit from a clean slate.
func (s *Store) ResetForRetry(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents
		SET status = $2, paid_amount = NULL, paid_currency = '', gateway = $3,
		    gateway_payment_id = '', gateway_checkout_url = '', deposit_address = '',
		    updated_at = now()
		WHERE session_id = $1 AND status = $4`,
		sessionID, string(StatusPendingUserInput), string(gateway.None), string(StatusError))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendEvent appends one entry to the intent's webhook history.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, status Status, rawStatus string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO intent_events (session_id, status, raw_status, payload)
		VALUES ($1, $2, $3, $4)`,
		sessionID, string(status), rawStatus, payload)
	return err
}

// ListEvents returns the intent's webhook history, oldest first.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]WebhookRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT status, raw_status, payload, created_at
		FROM intent_events WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []WebhookRecord
	for rows.Next() {
		var rec WebhookRecord
		var status string
		if err := rows.Scan(&status, &rec.RawStatus, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		history = append(history, rec)
	}
	return history, rows.Err()
}

// Archive soft-deletes an intent. Rows are never physically removed.
func (s *Store) Archive(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE payment_intents SET archived_at = $2, updated_at = now()
		WHERE session_id = $1 AND archived_at IS NULL`,
		sessionID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIntent(row pgx.Row) (PaymentIntent, error) {
	var pi PaymentIntent
	var gw, status string
	var meta []byte
	err := row.Scan(
		&pi.SessionID, &pi.UserID, &pi.Amount, &pi.Currency, &pi.PaidAmount, &pi.PaidCurrency,
		&pi.PaymentType, &gw, &pi.GatewayPaymentID, &pi.GatewayCheckoutURL, &pi.DepositAddress,
		&status, &meta, &pi.CreatedAt, &pi.UpdatedAt, &pi.ArchivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return PaymentIntent{}, ErrNotFound
	}
	if err != nil {
		return PaymentIntent{}, err
	}
	pi.Gateway = gateway.Gateway(gw)
	pi.Status = Status(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &pi.Metadata)
	}
	return pi, nil
}
