package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// ConnectionAuditWorker periodically deactivates connections whose tokens
// expired long ago with no way to refresh them, and prunes old publish
// receipts. Both are housekeeping; the enforcement loop never depends on this
// worker having run.
type ConnectionAuditWorker struct {
	DB                    *sql.DB
	StaleAfter            time.Duration // expired-with-no-refresh-token cutoff (default: 72h)
	ReceiptRetention      time.Duration // how long receipts are kept (default: 90 days)
	CheckInterval         time.Duration // how often to run (default: 1h)
}

// Start begins the audit loop.
func (w *ConnectionAuditWorker) Start(ctx context.Context) {
	if w.StaleAfter <= 0 {
		w.StaleAfter = 72 * time.Hour
	}
	if w.ReceiptRetention <= 0 {
		w.ReceiptRetention = 90 * 24 * time.Hour
	}
	if w.CheckInterval <= 0 {
		w.CheckInterval = time.Hour
	}

	ticker := time.NewTicker(w.CheckInterval)
	defer ticker.Stop()

	log.Printf("[ConnectionAudit] started staleAfter=%s receiptRetention=%s interval=%s",
		w.StaleAfter, w.ReceiptRetention, w.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[ConnectionAudit] stopped")
			return
		case <-ticker.C:
			w.auditConnections(ctx)
			w.pruneReceipts(ctx)
		}
	}
}

// auditConnections deactivates connections that expired past the cutoff and
// carry no refresh token. The token refresher would reject them on first use
// anyway; this surfaces the reconnect prompt before the user schedules posts.
func (w *ConnectionAuditWorker) auditConnections(ctx context.Context) {
	cutoff := time.Now().Add(-w.StaleAfter)

	result, err := w.DB.ExecContext(ctx, `
		UPDATE public.platform_connections
		   SET is_active = false,
		       reauth_reason = 'token_expired',
		       updated_at = NOW()
		 WHERE is_active = true
		   AND refresh_token IS NULL
		   AND expires_at IS NOT NULL
		   AND expires_at < $1
	`, cutoff)
	if err != nil {
		log.Printf("[ConnectionAudit] audit error: %v", err)
		return
	}

	if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("[ConnectionAudit] deactivated %d stale connections", n)
	}
}

func (w *ConnectionAuditWorker) pruneReceipts(ctx context.Context) {
	cutoff := time.Now().Add(-w.ReceiptRetention)

	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.publish_receipts
		 WHERE created_at < $1
	`, cutoff)
	if err != nil {
		log.Printf("[ConnectionAudit] prune error: %v", err)
		return
	}

	if n, _ := result.RowsAffected(); n > 0 {
		log.Printf("[ConnectionAudit] pruned %d old receipts", n)
	}
}
