package auth

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Structured field keys for selection logging.
const (
	FieldAccount       = "account_id"
	FieldProvider      = "provider"
	FieldModel         = "model"
	FieldReason        = "reason"
	FieldDuration      = "duration"
	FieldProviderModel = "provider_model"
	FieldFromModel     = "from_model"
	FieldToModel       = "to_model"
	FieldEarliestReset = "earliest_reset"
)

// logKeySelected logs when a candidate wins selection.
func logKeySelected(accountID string, provider Provider, model, providerModel string) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	log.WithFields(log.Fields{
		FieldAccount:       accountID,
		FieldProvider:      provider,
		FieldModel:         model,
		FieldProviderModel: providerModel,
	}).Debug("Account selected")
}

// logRateLimited logs when an account is parked behind a rate-limit reset.
func logRateLimited(accountID string, provider Provider, reason string, backoff time.Duration) {
	log.WithFields(log.Fields{
		FieldAccount:  accountID,
		FieldProvider: provider,
		FieldReason:   reason,
		FieldDuration: backoff.String(),
	}).Debug("Account rate limited")
}

// LogModelFallback logs when the orchestrator moves to the next model in the
// chain.
func LogModelFallback(fromModel, toModel, reason string) {
	log.WithFields(log.Fields{
		FieldFromModel: fromModel,
		FieldToModel:   toModel,
		FieldReason:    reason,
	}).Warn("Model fallback triggered")
}

// LogAllAccountsExhausted logs when no account is usable for a model.
func LogAllAccountsExhausted(model string, earliestReset time.Duration) {
	log.WithFields(log.Fields{
		FieldModel:         model,
		FieldEarliestReset: earliestReset.String(),
	}).Debug("All accounts exhausted for model")
}
