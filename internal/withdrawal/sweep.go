package withdrawal

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/sikapay/backend-core/internal/common"
	"github.com/sikapay/backend-core/internal/gateway"
)

// Asynq task types handled by the reconciliation worker.
const (
	TaskStaleOTPSweep  = "withdrawal:sweep_stale_otp"
	TaskPayoutReverify = "withdrawal:reverify_payouts"
)

// Sweeper runs the background reconciliation jobs: cancelling withdrawals
// stuck on their OTP challenge and re-verifying in-flight payouts against the
// provider.
type Sweeper struct {
	Svc    *Service
	Logger zerolog.Logger

	// StaleAfter is how long a withdrawal may sit awaiting verification.
	StaleAfter time.Duration
	// UpgradeWindow bounds how far back the failed-to-completed upgrade looks.
	UpgradeWindow time.Duration
	BatchSize     int
}

func (s *Sweeper) batch() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 50
}

// HandleStaleOTP cancels withdrawals whose OTP challenge went unanswered.
func (s *Sweeper) HandleStaleOTP(ctx context.Context, _ *asynq.Task) error {
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 20 * time.Minute
	}
	cutoff := s.Svc.clock().Add(-staleAfter)
	stale, err := s.Svc.Repo.ListStaleOTP(ctx, cutoff, s.batch())
	if err != nil {
		return err
	}
	for _, t := range stale {
		if _, err := s.Svc.Cancel(ctx, "", t.TransactionID, true); err != nil {
			// Losing to a concurrent verify or cancel is fine.
			if common.IsAppError(err) {
				continue
			}
			s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).
				Msg("stale otp sweep failed to cancel")
			continue
		}
		s.Logger.Info().Str("transaction_id", t.TransactionID).Msg("stale withdrawal cancelled")
	}
	return nil
}

// HandlePayoutReverify re-checks in-flight payouts against the provider and
// settles the ones that reached a verified terminal state. It also runs the
// sanctioned upgrade: a FAILED payout the provider now reports as completed
// moves to COMPLETED, debiting the balance if that never happened.
func (s *Sweeper) HandlePayoutReverify(ctx context.Context, _ *asynq.Task) error {
	processing, err := s.Svc.Repo.ListProcessing(ctx, s.batch())
	if err != nil {
		return err
	}
	for _, t := range processing {
		if err := s.Svc.verifyAndSettle(ctx, t); err != nil {
			s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).
				Msg("payout re-verification failed")
		}
	}

	window := s.UpgradeWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	failed, err := s.Svc.Repo.ListFailedWithRef(ctx, s.Svc.clock().Add(-window), s.batch())
	if err != nil {
		return err
	}
	for _, t := range failed {
		adapter, ok := s.Svc.Adapters[t.Payout.Gateway]
		if !ok {
			continue
		}
		check, err := adapter.CheckPayoutStatus(ctx, t.TransactionID)
		if err != nil {
			continue
		}
		if check.Status != gateway.PayoutCompleted {
			continue
		}
		if err := s.Svc.settleCompleted(ctx, t, StatusFailed, check); err != nil {
			s.Logger.Error().Err(err).Str("transaction_id", t.TransactionID).
				Msg("failed-to-completed upgrade failed")
			continue
		}
		s.Logger.Warn().Str("transaction_id", t.TransactionID).
			Msg("stale failed payout upgraded to completed")
	}
	return nil
}
