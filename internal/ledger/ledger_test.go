package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/store/file"
)

func newTestLedger(t *testing.T) (*Service, *file.Store) {
	t.Helper()
	st, err := file.Open("")
	require.NoError(t, err)
	return New(st, st), st
}

func TestGrantAndCheckStock(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	level, err := svc.CheckStock(ctx)
	require.NoError(t, err)
	assert.Zero(t, level)

	level, err = svc.GrantStock(ctx, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, level)

	// Negative deltas are corrections.
	level, err = svc.GrantStock(ctx, -3)
	require.NoError(t, err)
	assert.EqualValues(t, 7, level)
}

func TestAllocateCreditsMovesStock(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.GrantStock(ctx, 10)
	require.NoError(t, err)

	acct, err := svc.AllocateCredits(ctx, "42", 4, "AB")
	require.NoError(t, err)
	assert.EqualValues(t, 4, acct.Credits)
	assert.Equal(t, "AB", acct.KeyPrefix)

	level, err := svc.CheckStock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, level)
}

func TestAllocateCreditsInsufficientStock(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.GrantStock(ctx, 3)
	require.NoError(t, err)

	_, err = svc.AllocateCredits(ctx, "42", 5, "AB")
	assert.ErrorIs(t, err, ErrInsufficientStock)

	// The failed allocation mutated nothing.
	level, err := svc.CheckStock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, level)

	bal, err := svc.GetBalance(ctx, "42")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits)
}

func TestAllocateCreditsInvalidAmount(t *testing.T) {
	svc, _ := newTestLedger(t)

	_, err := svc.AllocateCredits(context.Background(), "42", 0, "AB")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.AllocateCredits(context.Background(), "42", -2, "AB")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// failingCreditStore simulates a credit-store outage after the stock
// reservation has already landed.
type failingCreditStore struct {
	store.CreditStore
}

func (f *failingCreditStore) UpsertCredits(context.Context, string, int64, string) (*store.CreditAccount, error) {
	return nil, errors.New("store unavailable")
}

func TestAllocateCreditsNeverDoubleGrants(t *testing.T) {
	// When the grant fails after the reservation, the stock stays reserved
	// and the user gets nothing: the failure mode is stranded stock, never
	// minted credits.
	st, err := file.Open("")
	require.NoError(t, err)
	svc := New(&failingCreditStore{CreditStore: st}, st)
	ctx := context.Background()

	_, err = svc.GrantStock(ctx, 10)
	require.NoError(t, err)

	_, err = svc.AllocateCredits(ctx, "42", 4, "AB")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientStock)

	level, err := svc.CheckStock(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, level)

	acct, err := st.GetAccount(ctx, "42")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, acct)
}

func TestConsumeCreditLifecycle(t *testing.T) {
	// Scenario: allocate 4 credits with prefix AB, spend them one at a time.
	// The fourth spend empties the account and lapses the prefix; a fifth
	// fails without driving the balance negative.
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.GrantStock(ctx, 10)
	require.NoError(t, err)
	_, err = svc.AllocateCredits(ctx, "42", 4, "AB")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		res, err := svc.ConsumeCredit(ctx, "42", "AB")
		require.NoError(t, err, "spend %d", i+1)
		assert.Equal(t, "AB", res.Prefix)
		assert.EqualValues(t, 3-i, res.Remaining)
	}

	bal, err := svc.GetBalance(ctx, "42")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits)
	assert.Empty(t, bal.KeyPrefix)

	_, err = svc.ConsumeCredit(ctx, "42", "")
	assert.ErrorIs(t, err, ErrNoCredits)
}

func TestConsumeCreditPrefixMismatch(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.GrantStock(ctx, 5)
	require.NoError(t, err)
	_, err = svc.AllocateCredits(ctx, "42", 5, "AB")
	require.NoError(t, err)

	_, err = svc.ConsumeCredit(ctx, "42", "ZZ")
	assert.ErrorIs(t, err, ErrInvalidPrefix)

	// The rejected spend left the balance intact.
	bal, err := svc.GetBalance(ctx, "42")
	require.NoError(t, err)
	assert.EqualValues(t, 5, bal.Credits)
}

func TestConsumeCreditUnknownUser(t *testing.T) {
	svc, _ := newTestLedger(t)

	_, err := svc.ConsumeCredit(context.Background(), "nobody", "")
	assert.ErrorIs(t, err, ErrNoUser)

	_, err = svc.ConsumeCredit(context.Background(), "nobody", "AB")
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestConsumeCreditConcurrentLastCredit(t *testing.T) {
	// Two spends race on a balance of 1: exactly one wins.
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.GrantStock(ctx, 1)
	require.NoError(t, err)
	_, err = svc.AllocateCredits(ctx, "42", 1, "AB")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ConsumeCredit(ctx, "42", "")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrNoCredits)
		}
	}
	assert.Equal(t, 1, winners)

	bal, err := svc.GetBalance(ctx, "42")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits)
}

func TestAddCreditsBypassesStock(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	acct, err := svc.AddCredits(ctx, "42", 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, acct.Credits)
	assert.Empty(t, acct.KeyPrefix)

	level, err := svc.CheckStock(ctx)
	require.NoError(t, err)
	assert.Zero(t, level)

	_, err = svc.AddCredits(ctx, "42", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRevokeCredits(t *testing.T) {
	svc, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := svc.GrantStock(ctx, 10)
	require.NoError(t, err)
	_, err = svc.AllocateCredits(ctx, "42", 5, "AB")
	require.NoError(t, err)

	// Partial revocation leaves the prefix claim intact.
	acct, err := svc.RevokeCredits(ctx, "42", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, acct.Credits)
	assert.Equal(t, "AB", acct.KeyPrefix)

	// Over-revocation is refused outright.
	_, err = svc.RevokeCredits(ctx, "42", 4)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Revoking down to exactly zero lapses the prefix.
	acct, err = svc.RevokeCredits(ctx, "42", 3)
	require.NoError(t, err)
	assert.Zero(t, acct.Credits)
	assert.Empty(t, acct.KeyPrefix)

	_, err = svc.RevokeCredits(ctx, "nobody", 1)
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestGetBalanceUnknownUser(t *testing.T) {
	svc, _ := newTestLedger(t)

	bal, err := svc.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, bal.Credits)
	assert.Empty(t, bal.KeyPrefix)
}
