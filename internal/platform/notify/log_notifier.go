package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/services"
)

// LogNotifier records notifications in the service log. Used when no Pub/Sub project is configured.
type LogNotifier struct {
	logger *zap.Logger
}

var _ services.OrderNotifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, orderNumber string, kind services.NotificationKind) error {
	n.logger.Info("order notification",
		zap.String("orderNumber", orderNumber),
		zap.String("kind", string(kind)),
	)
	return nil
}
