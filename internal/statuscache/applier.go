package statuscache

import (
	"log/slog"

	"github.com/sango-pay/sango_pay/internal/events"
)

const kycVerified = "verified"

// Applier translates upstream state-change events into cache writes. It runs
// on the subscriber's consumer loop, so events for one subject arrive in
// order and last-writer-wins resolves cross-partition races.
func Applier(cache *Cache, logger *slog.Logger) events.Handler {
	return func(event events.Event) {
		switch event.Type {
		case events.TypeKYCUpdated:
			applied := cache.PutCompliance(ComplianceEntry{
				UserID:   event.SubjectID,
				Verified: event.Status == kycVerified,
				AsOf:     event.OccurredAt,
			})
			logApply(logger, event, applied)
		case events.TypeComplianceUpdated:
			applied := cache.MarkCompliancePending(event.SubjectID, event.OccurredAt)
			logApply(logger, event, applied)
		case events.TypeWalletStatusChanged:
			applied := cache.PutWalletStatus(WalletEntry{
				WalletID: event.SubjectID,
				Status:   event.Status,
				AsOf:     event.OccurredAt,
			})
			logApply(logger, event, applied)
		default:
			// Lifecycle events on a shared topic are not cache input.
		}
	}
}

func logApply(logger *slog.Logger, event events.Event, applied bool) {
	if applied {
		logger.Debug("cache updated",
			slog.String("type", string(event.Type)),
			slog.String("subject", event.SubjectID),
		)
		return
	}
	logger.Debug("stale event ignored",
		slog.String("type", string(event.Type)),
		slog.String("subject", event.SubjectID),
	)
}
