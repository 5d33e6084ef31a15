// Package ledger implements the prepaid credit accounting that gates license
// key issuance: a global stock counter bounding total allocatable credits,
// per-user balances with an optional key-prefix claim, and the guarded
// decrements that make concurrent spends safe.
//
// Every balance mutation is a single conditional store write. The one
// deliberate exception is AllocateCredits, which reserves stock and grants the
// credits in two steps; see that method's documentation for the accepted
// failure mode.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/license-registry/license-registry/internal/store"
)

// Ledger operation errors. The HTTP layer maps these onto the wire reason
// codes (no_credits, invalid_prefix, not_enough_stock, ...).
var (
	// ErrNoCredits means the account's balance was already zero.
	ErrNoCredits = errors.New("ledger: no credits remaining")

	// ErrInvalidPrefix means the caller's expected key prefix does not match
	// the prefix claimed on the account.
	ErrInvalidPrefix = errors.New("ledger: key prefix mismatch")

	// ErrInsufficientStock means the global stock cannot cover the requested
	// allocation.
	ErrInsufficientStock = errors.New("ledger: not enough stock")

	// ErrInsufficientCredits means a revocation asked for more credits than
	// the account holds.
	ErrInsufficientCredits = errors.New("ledger: not enough credits")

	// ErrNoUser means the account does not exist.
	ErrNoUser = errors.New("ledger: no such user")

	// ErrInvalidAmount means the amount must be a positive integer.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Balance is the caller-visible view of an account.
type Balance struct {
	Credits   int64  `json:"credits"`
	KeyPrefix string `json:"prefix,omitempty"`
}

// ConsumeResult reports a successful credit spend: the prefix the account
// held at spend time and the balance left afterwards.
type ConsumeResult struct {
	Prefix    string
	Remaining int64
}

// Service is the credit ledger over the shared record store.
type Service struct {
	credits store.CreditStore
	stock   store.StockStore
}

// New creates a ledger over the given stores.
func New(credits store.CreditStore, stock store.StockStore) *Service {
	return &Service{credits: credits, stock: stock}
}

// GrantStock adds delta to the global stock counter and returns the new
// level. Negative deltas are allowed for corrections.
func (s *Service) GrantStock(ctx context.Context, delta int64) (int64, error) {
	return s.stock.AdjustStock(ctx, delta)
}

// CheckStock returns the current stock level, 0 if uninitialised.
func (s *Service) CheckStock(ctx context.Context) (int64, error) {
	return s.stock.StockLevel(ctx)
}

// AllocateCredits moves amount credits from the global stock to the user's
// account and stamps the account with the key-prefix claim. Fails with
// ErrInsufficientStock — and performs no mutation — when the stock cannot
// cover the amount.
//
// The stock reservation and the credit grant are two separate single-record
// writes, in that order, so concurrent allocations can never hand out more
// credits than the stock held. The cost of that ordering is the known seam: a
// crash between the two writes strands the reserved stock without a matching
// grant. Credits are never double-granted; recovering stranded stock is a
// manual GrantStock correction.
func (s *Service) AllocateCredits(ctx context.Context, userID string, amount int64, prefix string) (*store.CreditAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if err := s.stock.ReserveStock(ctx, amount); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			return nil, ErrInsufficientStock
		}
		return nil, err
	}

	acct, err := s.credits.UpsertCredits(ctx, userID, amount, prefix)
	if err != nil {
		// Stock is already reserved and cannot be rolled back atomically.
		// Surface loudly so an operator can re-grant the stranded amount.
		slog.Error("credit grant failed after stock reservation; stock is stranded",
			"user_id", userID, "amount", amount, "error", err)
		return nil, err
	}
	return acct, nil
}

// ConsumeCredit spends one credit from the user's account. When
// expectedPrefix is non-empty the account's claimed prefix must match,
// correlating the spend with the key family the caller is about to mint.
//
// The decrement itself is a store-level guarded write: of two concurrent
// calls racing on a balance of 1, exactly one succeeds and the other gets
// ErrNoCredits. When the spend empties the account the prefix claim lapses
// and is cleared.
func (s *Service) ConsumeCredit(ctx context.Context, userID, expectedPrefix string) (*ConsumeResult, error) {
	if expectedPrefix != "" {
		acct, err := s.credits.GetAccount(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoUser
		}
		if err != nil {
			return nil, err
		}
		if acct.KeyPrefix != expectedPrefix {
			return nil, ErrInvalidPrefix
		}
	}

	before, err := s.credits.ConsumeCredit(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoUser
	}
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, ErrNoCredits
	}
	if err != nil {
		return nil, err
	}

	remaining := before.Credits - 1
	if remaining == 0 {
		if err := s.credits.ClearPrefixIfZero(ctx, userID); err != nil {
			slog.Warn("failed to clear lapsed key prefix", "user_id", userID, "error", err)
		}
	}

	return &ConsumeResult{Prefix: before.KeyPrefix, Remaining: remaining}, nil
}

// GetBalance returns the user's balance and prefix, defaulting to zero/none
// for unknown users.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	acct, err := s.credits.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{Credits: acct.Credits, KeyPrefix: acct.KeyPrefix}, nil
}

// ListAccounts returns every account with the full projection, including the
// generated-key log.
func (s *Service) ListAccounts(ctx context.Context) ([]*store.CreditAccount, error) {
	return s.credits.ListAccounts(ctx)
}

// AddCredits is the administrative override outside the stock-backed flow: an
// unconditional grant that touches neither the stock counter nor the prefix
// claim.
func (s *Service) AddCredits(ctx context.Context, userID string, amount int64) (*store.CreditAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.credits.UpsertCredits(ctx, userID, amount, "")
}

// RevokeCredits removes amount credits from the account, failing with
// ErrInsufficientCredits when the balance is too small. A revocation that
// lands the balance on exactly zero clears the prefix claim; a positive
// remainder leaves it intact.
func (s *Service) RevokeCredits(ctx context.Context, userID string, amount int64) (*store.CreditAccount, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := s.credits.DeductCredits(ctx, userID, amount)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoUser
	}
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, ErrInsufficientCredits
	}
	if err != nil {
		return nil, err
	}

	if acct.Credits == 0 && acct.KeyPrefix != "" {
		if err := s.credits.ClearPrefixIfZero(ctx, userID); err != nil {
			slog.Warn("failed to clear lapsed key prefix", "user_id", userID, "error", err)
		}
		acct.KeyPrefix = ""
	}
	return acct, nil
}
