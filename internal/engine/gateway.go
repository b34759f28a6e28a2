package engine

import (
	"context"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/metrics"
)

// SubmitDelivery accepts one notification from a remote deliverer. It is
// rejected with core.ErrGateClosed while the effect gate is closed.
func (e *Engine) SubmitDelivery(ctx context.Context, rec *core.NotificationRecord) (*core.DeliveryReceipt, error) {
	if err := core.ValidateNotificationRecord(rec); err != nil {
		metrics.DeliveriesSubmitted.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if !e.settings.EffectGate() {
		metrics.DeliveriesSubmitted.WithLabelValues("rejected").Inc()
		e.logger.Warn("delivery rejected, gate closed", "to", rec.To, "subject", rec.Subject)
		return nil, core.ErrGateClosed
	}

	metrics.DeliveriesSubmitted.WithLabelValues("accepted").Inc()
	e.logger.Info("delivery accepted",
		"to", rec.To, "subject", rec.Subject, "time", rec.Time, "content", rec.Content)
	return &core.DeliveryReceipt{
		Accepted:   true,
		To:         rec.To,
		Subject:    rec.Subject,
		ReceivedAt: core.FormatTime(e.clock.Now()),
	}, nil
}
