package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts payment intent submission outcomes.
	PaymentIntentTotal *prometheus.CounterVec
	// PayoutTotal counts payout initiation outcomes.
	PayoutTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PayoutWebhookTotal counts inbound payout webhook processing outcomes.
	PayoutWebhookTotal *prometheus.CounterVec
	// ConversionFallbackTotal counts degraded 1:1 conversions after both rate sources failed.
	ConversionFallbackTotal prometheus.Counter
	// LedgerInconsistencyTotal counts verified payouts whose balance debit failed.
	LedgerInconsistencyTotal prometheus.Counter
	// OTPIssuedTotal counts withdrawal OTP challenges issued.
	OTPIssuedTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of payment intent submission outcomes.",
		}, []string{"gateway", "result"})
		PayoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_total",
			Help:      "Count of payout initiation outcomes.",
		}, []string{"gateway", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"gateway", "result"})
		PayoutWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_webhook_total",
			Help:      "Count of processed payout webhooks by outcome.",
		}, []string{"gateway", "result"})
		ConversionFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_fallback_total",
			Help:      "Number of conversions served by the degraded 1:1 default rate.",
		})
		LedgerInconsistencyTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_inconsistency_total",
			Help:      "Completed payouts whose balance debit failed and need manual reconciliation.",
		})
		OTPIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawal_otp_issued_total",
			Help:      "Number of withdrawal OTP challenges issued.",
		})

		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, PayoutTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PayoutTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, PayoutWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PayoutWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, ConversionFallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ConversionFallbackTotal = v
			}
		})
		mustRegisterCollector(reg, LedgerInconsistencyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				LedgerInconsistencyTotal = v
			}
		})
		mustRegisterCollector(reg, OTPIssuedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				OTPIssuedTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
