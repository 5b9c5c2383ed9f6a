package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"settlement-service/internal/models"
)

// GetCompletedLedgerEntry returns the completed entry for an (order, type)
// pair, or nil. At most one such entry exists; duplicate settlements use
// this to skip re-crediting.
func (s *Store) GetCompletedLedgerEntry(ctx context.Context, orderID int64, entryType string) (*models.CoinLedgerEntry, error) {
	var entry models.CoinLedgerEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT * FROM coin_ledger
		WHERE order_id = $1 AND type = $2 AND status = $3
		LIMIT 1`,
		orderID, entryType, models.LedgerStatusCompleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// AppendLedgerEntry appends a completed entry and updates the cached user
// balance in one transaction. The balance row is locked so balance_after is
// a true snapshot, and the append aborts with ErrInsufficientBalance if the
// running balance would go negative.
func (s *Store) AppendLedgerEntry(ctx context.Context, entry *models.CoinLedgerEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance int64
	err = tx.GetContext(ctx, &balance,
		"SELECT coins FROM users WHERE id = $1 FOR UPDATE", entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to lock user balance: %w", err)
	}

	balanceAfter := balance + entry.Amount
	if balanceAfter < 0 {
		return models.ErrInsufficientBalance
	}
	entry.BalanceAfter = balanceAfter
	entry.Status = models.LedgerStatusCompleted

	err = tx.GetContext(ctx, &entry.CreatedAt, `
		INSERT INTO coin_ledger (id, user_id, order_id, type, amount, balance_after, status, expires_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		entry.ID, entry.UserID, entry.OrderID, entry.Type, entry.Amount,
		entry.BalanceAfter, entry.Status, entry.ExpiresAt, entry.Note)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE users SET coins = $1, updated_at = NOW() WHERE id = $2",
		balanceAfter, entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to update cached balance: %w", err)
	}

	return tx.Commit()
}

// FlipLedgerEntryStatus conditionally moves an entry from one status to
// another. Rows-affected tells the caller whether it won; concurrent sweeps
// flipping the same entry produce exactly one winner.
func (s *Store) FlipLedgerEntryStatus(ctx context.Context, entryID, fromStatus, toStatus string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE coin_ledger SET status = $1 WHERE id = $2 AND status = $3",
		toStatus, entryID, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpiredEarnedEntries returns completed earned entries whose expiry
// passed, oldest first, bounded for batch sweeps.
func (s *Store) ListExpiredEarnedEntries(ctx context.Context, now time.Time, limit int) ([]models.CoinLedgerEntry, error) {
	var entries []models.CoinLedgerEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM coin_ledger
		WHERE type = $1 AND status = $2 AND expires_at IS NOT NULL AND expires_at < $3
		ORDER BY expires_at
		LIMIT $4`,
		models.LedgerTypeEarned, models.LedgerStatusCompleted, now, limit)
	return entries, err
}

// GetLedgerEntriesByUser returns a user's ledger history, newest first.
func (s *Store) GetLedgerEntriesByUser(ctx context.Context, userID int64, limit int) ([]models.CoinLedgerEntry, error) {
	var entries []models.CoinLedgerEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM coin_ledger WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	return entries, err
}
