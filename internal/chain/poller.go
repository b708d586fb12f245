package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/harvestmark/agritrace-backend/internal/logger"
)

// ReceiptSource is what the poller needs from the read gateway.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	BlockNumber(ctx context.Context) (int64, error)
}

// ReceiptFallback is the console-backed receipt query used when the
// structured protocol is unavailable.
type ReceiptFallback interface {
	RunRaw(ctx context.Context, command string) (string, error)
}

// Poller watches a submitted transaction until it is included in a finalized
// block or the timeout elapses. On timeout it returns the current chain head
// as a best-effort approximation: the write path already committed a pending
// status, so the job here is to minimize latency before "likely confirmed",
// not to guarantee exact block attribution. Timeout-derived heights are
// flagged provisional and must be re-verified on the next read.
type Poller struct {
	log      *logger.Logger
	receipts ReceiptSource
	fallback ReceiptFallback
	interval time.Duration
}

func NewPoller(log *logger.Logger, receipts ReceiptSource, fallback ReceiptFallback) *Poller {
	return &Poller{
		log:      log.With("service", "ConfirmationPoller"),
		receipts: receipts,
		fallback: fallback,
		interval: time.Second,
	}
}

// AwaitConfirmation polls at a fixed interval. Transient receipt failures
// (transport errors, empty or partial receipts) never abort the loop before
// the timeout.
func (p *Poller) AwaitConfirmation(ctx context.Context, txHash string, timeout time.Duration) (int64, bool, error) {
	if txHash == "" {
		return 0, false, fmt.Errorf("poller: empty transaction hash")
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		receipt := p.fetchReceipt(ctx, txHash)
		if receipt.StatusOK() && receipt.BlockNumber != nil {
			return *receipt.BlockNumber, false, nil
		}

		if time.Now().After(deadline) {
			return p.provisionalHeight(ctx, txHash), true, nil
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) fetchReceipt(ctx context.Context, txHash string) *Receipt {
	receipt, err := p.receipts.TransactionReceipt(ctx, txHash)
	if err == nil {
		// A nil receipt means not mined yet; the console has no better
		// answer, and its lock is shared with in-flight writes.
		return receipt
	}
	p.log.Debug("Receipt query failed, trying console fallback", "tx_hash", txHash, "error", err)
	if p.fallback == nil {
		return nil
	}
	out, err := p.fallback.RunRaw(ctx, fmt.Sprintf("getTransactionReceipt %s", txHash))
	if err != nil {
		p.log.Debug("Console receipt fallback failed", "tx_hash", txHash, "error", err)
		return nil
	}
	if parsed, ok := parseReceiptText(out); ok {
		return parsed
	}
	return nil
}

func (p *Poller) provisionalHeight(ctx context.Context, txHash string) int64 {
	head, err := p.receipts.BlockNumber(ctx)
	if err != nil {
		p.log.Warn("Confirmation timed out and head query failed", "tx_hash", txHash, "error", err)
		return 0
	}
	p.log.Info("Confirmation timed out, returning provisional head", "tx_hash", txHash, "height", head)
	return head
}
