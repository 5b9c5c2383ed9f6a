package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Effect is one coin mutation derived from an order: a use of coins at
// checkout or a reward credit on success.
type Effect struct {
	Type          string
	Amount        int64
	ExpiresInDays int
}

// EffectsForSettlement derives the ledger effects of a successful payment.
// Amounts were fixed at checkout and are applied verbatim, however late the
// settlement lands.
func EffectsForSettlement(order *models.Order, coinExpiryDays int) []Effect {
	var effects []Effect
	if order.CoinsUsed > 0 {
		effects = append(effects, Effect{
			Type:   models.LedgerTypeUsed,
			Amount: -order.CoinsUsed,
		})
	}
	if order.RewardCoins > 0 {
		effects = append(effects, Effect{
			Type:          models.LedgerTypeEarned,
			Amount:        order.RewardCoins,
			ExpiresInDays: coinExpiryDays,
		})
	}
	return effects
}

// CoinLedger owns the append-only coin transaction log and the cached user
// balance derived from it.
type CoinLedger struct {
	store    LedgerStore
	notifier Notifier
	logger   *zap.Logger
}

// NewCoinLedger creates the coin ledger service.
func NewCoinLedger(store LedgerStore, notifier Notifier) *CoinLedger {
	return &CoinLedger{
		store:    store,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// Apply appends one entry per effect. Effects are applied independently: a
// failure on one does not block the others, and the aggregated error is for
// logging only — coins are an auxiliary reward, not payment correctness.
// Re-applying for the same order is a no-op per (order, type).
func (l *CoinLedger) Apply(ctx context.Context, order *models.Order, effects []Effect) error {
	ctx, span := util.StartSpan(ctx, "CoinLedger.Apply")
	defer span.End()

	var errs []error
	for _, effect := range effects {
		if err := l.applyOne(ctx, order, effect); err != nil {
			errs = append(errs, fmt.Errorf("effect %s for order %d: %w", effect.Type, order.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (l *CoinLedger) applyOne(ctx context.Context, order *models.Order, effect Effect) error {
	existing, err := l.store.GetCompletedLedgerEntry(ctx, order.ID, effect.Type)
	if err != nil {
		return fmt.Errorf("failed to check for prior entry: %w", err)
	}
	if existing != nil {
		util.LedgerSkippedTotal.WithLabelValues(effect.Type).Inc()
		l.logger.Info("Ledger effect already applied, skipping",
			zap.Int64("order_id", order.ID),
			zap.String("type", effect.Type))
		return nil
	}

	orderID := order.ID
	entry := &models.CoinLedgerEntry{
		ID:      uuid.New().String(),
		UserID:  order.UserID,
		OrderID: &orderID,
		Type:    effect.Type,
		Amount:  effect.Amount,
	}
	if effect.ExpiresInDays > 0 {
		expiresAt := time.Now().AddDate(0, 0, effect.ExpiresInDays)
		entry.ExpiresAt = &expiresAt
	}

	if err := l.store.AppendLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			// Hard invariant, should be unreachable after checkout
			// validation. Settlement of the payment itself still completes.
			util.LedgerIntegrityAlertsTotal.Inc()
			l.logger.Error("LEDGER INTEGRITY: balance would go negative",
				zap.Int64("order_id", order.ID),
				zap.Int64("user_id", order.UserID),
				zap.String("type", effect.Type),
				zap.Int64("amount", effect.Amount))
		}
		return err
	}

	util.LedgerEntriesTotal.WithLabelValues(effect.Type).Inc()
	l.logger.Info("Ledger entry appended",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("type", effect.Type),
		zap.Int64("amount", effect.Amount),
		zap.Int64("balance_after", entry.BalanceAfter))
	return nil
}

// Reverse rolls back an order's settled coin effects after a refund: the
// used coins come back as a refunded credit, the earned reward is clawed
// back, and the originals flip to reversed. History is never mutated, only
// offset and re-labelled.
func (l *CoinLedger) Reverse(ctx context.Context, order *models.Order) error {
	ctx, span := util.StartSpan(ctx, "CoinLedger.Reverse")
	defer span.End()

	var errs []error

	if err := l.reverseOne(ctx, order, models.LedgerTypeUsed, models.LedgerTypeRefunded); err != nil {
		errs = append(errs, err)
	}
	if err := l.reverseOne(ctx, order, models.LedgerTypeEarned, models.LedgerTypeAdjusted); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *CoinLedger) reverseOne(ctx context.Context, order *models.Order, originalType, offsetType string) error {
	original, err := l.store.GetCompletedLedgerEntry(ctx, order.ID, originalType)
	if err != nil {
		return fmt.Errorf("failed to load %s entry for order %d: %w", originalType, order.ID, err)
	}
	if original == nil {
		return nil
	}
	// Dedup: one completed offset per (order, type).
	prior, err := l.store.GetCompletedLedgerEntry(ctx, order.ID, offsetType)
	if err != nil {
		return err
	}
	if prior != nil {
		util.LedgerSkippedTotal.WithLabelValues(offsetType).Inc()
		return nil
	}

	orderID := order.ID
	offset := &models.CoinLedgerEntry{
		ID:      uuid.New().String(),
		UserID:  original.UserID,
		OrderID: &orderID,
		Type:    offsetType,
		Amount:  -original.Amount,
		Note:    fmt.Sprintf("reversal of %s", original.ID),
	}
	if err := l.store.AppendLedgerEntry(ctx, offset); err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			util.LedgerIntegrityAlertsTotal.Inc()
			l.logger.Error("LEDGER INTEGRITY: reversal would take balance negative",
				zap.Int64("order_id", order.ID),
				zap.String("entry_id", original.ID))
		}
		return err
	}
	util.LedgerEntriesTotal.WithLabelValues(offsetType).Inc()

	if _, err := l.store.FlipLedgerEntryStatus(ctx, original.ID,
		models.LedgerStatusCompleted, models.LedgerStatusReversed); err != nil {
		return fmt.Errorf("failed to flip entry %s to reversed: %w", original.ID, err)
	}
	return nil
}

// SweepExpired finds earned entries whose expiry passed, appends an
// offsetting expired entry for each and flips the original. The conditional
// flip makes concurrent sweeps safe: only the flip winner appends.
func (l *CoinLedger) SweepExpired(ctx context.Context, now time.Time, batchSize int) (int, error) {
	ctx, span := util.StartSpan(ctx, "CoinLedger.SweepExpired")
	defer span.End()

	entries, err := l.store.ListExpiredEarnedEntries(ctx, now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired entries: %w", err)
	}

	swept := 0
	for _, entry := range entries {
		won, err := l.store.FlipLedgerEntryStatus(ctx, entry.ID,
			models.LedgerStatusCompleted, models.LedgerStatusExpired)
		if err != nil {
			l.logger.Error("Failed to flip expired entry",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
			continue
		}
		if !won {
			continue // another sweep got there first
		}

		offset := &models.CoinLedgerEntry{
			ID:      uuid.New().String(),
			UserID:  entry.UserID,
			OrderID: entry.OrderID,
			Type:    models.LedgerTypeExpired,
			Amount:  -entry.Amount,
			Note:    fmt.Sprintf("expiry of %s", entry.ID),
		}
		if err := l.store.AppendLedgerEntry(ctx, offset); err != nil {
			// The flip already happened; the offset is retried by putting
			// the original back so the next sweep picks it up again.
			l.logger.Error("Failed to append expiry offset, unflipping",
				zap.String("entry_id", entry.ID),
				zap.Error(err))
			if _, uerr := l.store.FlipLedgerEntryStatus(ctx, entry.ID,
				models.LedgerStatusExpired, models.LedgerStatusCompleted); uerr != nil {
				l.logger.Error("Failed to unflip entry after offset failure",
					zap.String("entry_id", entry.ID),
					zap.Error(uerr))
			}
			continue
		}

		util.CoinsExpiredTotal.Add(float64(entry.Amount))
		swept++

		var orderKey int64
		if entry.OrderID != nil {
			orderKey = *entry.OrderID
		}
		l.notifier.Emit(ctx, models.EventTypeCoinsExpired, orderKey, models.CoinsExpiredPayload{
			UserID:  entry.UserID,
			EntryID: entry.ID,
			Amount:  entry.Amount,
		})
	}

	if swept > 0 {
		l.logger.Info("Expiry sweep completed", zap.Int("swept", swept))
	}
	return swept, nil
}
