package notify

import (
	"context"
	"log/slog"

	"github.com/nakulbh/walletcore/internal/domain"
)

// LogNotifier is the default notification dispatch hook. The engine
// fires it only after commit, fire-and-forget; a real deployment would
// swap in a push/email gateway behind the same interface.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, txn domain.Transaction) {
	n.logger.Info("transaction notification",
		"transaction", txn.ID,
		"reference", txn.ReferenceID,
		"type", txn.Type,
		"status", txn.Status,
		"amount", txn.Amount,
	)
}
