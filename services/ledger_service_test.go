package services

import (
	"testing"
	"time"

	"farming-ledger/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUser_ReferrerIsImmutable(t *testing.T) {
	h := newHarness(t)
	h.register("root", "")
	h.register("other", "")
	h.register("kid", "root")

	u, err := h.engine.Ledger.RegisterUser(h.ctx, "kid", uid("root"))
	require.NoError(t, err, "same referrer again is a no-op")
	assert.Equal(t, models.UserID("root"), *u.ReferrerID)

	_, err = h.engine.Ledger.RegisterUser(h.ctx, "kid", uid("other"))
	assert.ErrorIs(t, err, ErrReferrerImmutable)

	u, err = h.engine.Ledger.RegisterUser(h.ctx, "kid", nil)
	require.NoError(t, err)
	assert.Equal(t, models.UserID("root"), *u.ReferrerID)
}

func TestRegisterUser_RejectsCycles(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Ledger.RegisterUser(h.ctx, "self", uid("self"))
	assert.ErrorIs(t, err, ErrReferrerCycle)
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.register("a", "")
	h.register("b", "a")
	h.register("c", "b")
	// a already sits above c
	_, err = h.engine.Ledger.RegisterUser(h.ctx, "a", uid("c"))
	assert.ErrorIs(t, err, ErrReferrerCycle)
}

func TestRegisterUser_CycleThroughUnregisteredUser(t *testing.T) {
	h := newHarness(t)
	h.register("x", "y")

	_, err := h.engine.Ledger.RegisterUser(h.ctx, "y", uid("x"))
	assert.ErrorIs(t, err, ErrReferrerCycle)
}

func TestRegisterUser_AttachesReferrerToDepositor(t *testing.T) {
	h := newHarness(t)
	h.register("sponsor", "")
	h.deposit("early", "5", "r1")

	u, err := h.engine.Ledger.RegisterUser(h.ctx, "early", uid("sponsor"))
	require.NoError(t, err)
	assert.Equal(t, models.UserID("sponsor"), *u.ReferrerID)

	_, err = h.engine.Ledger.RegisterUser(h.ctx, "early", uid("someone-else"))
	assert.ErrorIs(t, err, ErrReferrerImmutable)

	up, err := h.engine.Ledger.Upline(h.ctx, "early")
	require.NoError(t, err)
	assert.Equal(t, []models.ReferralEdge{{ReferrerID: "sponsor", ReferredID: "early", Level: 1}}, up)
}

func TestWithdraw(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "5", "r1")

	id, err := h.engine.Ledger.Withdraw(h.ctx, "alice", models.CurrencyA, dec("2"), "w1")
	require.NoError(t, err)
	assert.True(t, h.balance("alice", models.CurrencyA).Equal(dec("3")))

	again, err := h.engine.Ledger.Withdraw(h.ctx, "alice", models.CurrencyA, dec("2"), "w1")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.True(t, h.balance("alice", models.CurrencyA).Equal(dec("3")))

	_, err = h.engine.Ledger.Withdraw(h.ctx, "alice", models.CurrencyA, dec("3.5"), "w1")
	assert.ErrorIs(t, err, ErrReferenceMismatch)

	_, err = h.engine.Ledger.Withdraw(h.ctx, "alice", models.CurrencyA, dec("10"), "w2")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, h.balance("alice", models.CurrencyA).Equal(dec("3")))

	_, err = h.engine.Ledger.Withdraw(h.ctx, "nobody", models.CurrencyA, dec("1"), "w3")
	assert.ErrorIs(t, err, ErrNotFound)

	// principal is not spendable balance and stays farming
	assert.True(t, h.position("alice").Principal.Equal(dec("5")))
	h.assertReconciled("alice")
}

func TestPurchase_MovesBalanceIntoPrincipal(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "5", "r1")
	rate := decimal.RequireFromString("0.02")

	_, err := h.engine.Ledger.Purchase(h.ctx, "alice", models.CurrencyA, dec("2"), &rate, "boost-1")
	require.NoError(t, err)

	assert.True(t, h.balance("alice", models.CurrencyA).Equal(dec("3")))
	pos := h.position("alice")
	assert.True(t, pos.Principal.Equal(dec("7")))
	assert.True(t, pos.Rate.Equal(rate))

	h.tick(t0.Add(time.Hour))
	assert.True(t, h.balance("alice", models.CurrencyA).Equal(dec("3.14")))

	_, err = h.engine.Ledger.Purchase(h.ctx, "alice", models.CurrencyA, dec("100"), nil, "boost-2")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	h.assertReconciled("alice")
}

func TestHistory_NewestFirstWithLimit(t *testing.T) {
	h := newHarness(t)
	h.deposit("alice", "1", "r1")
	h.clock.Set(t0.Add(time.Minute))
	h.deposit("alice", "2", "r2")
	h.clock.Set(t0.Add(2 * time.Minute))
	h.deposit("alice", "3", "r3")

	txs, err := h.engine.Ledger.History(h.ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "r3", txs[0].ExternalRef)
	assert.Equal(t, "r2", txs[1].ExternalRef)

	all, err := h.engine.Ledger.History(h.ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReferralTree_CountsPerLevel(t *testing.T) {
	h := newHarness(t)
	h.register("top", "")
	h.register("l1a", "top")
	h.register("l1b", "top")
	h.register("l2", "l1a")
	h.register("l3", "l2")

	tree, err := h.engine.Ledger.ReferralTree(h.ctx, "top")
	require.NoError(t, err)
	assert.Equal(t, 4, tree.Total)
	assert.Equal(t, []ReferralLevel{{Level: 1, Count: 2}, {Level: 2, Count: 1}, {Level: 3, Count: 1}}, tree.Levels)

	_, err = h.engine.Ledger.ReferralTree(h.ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeactivatePosition_UnknownPosition(t *testing.T) {
	h := newHarness(t)
	h.register("alice", "")

	_, err := h.engine.Ledger.DeactivatePosition(h.ctx, "alice", models.CurrencyA)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerEquivalence_MixedOperations(t *testing.T) {
	h := scenario(t)
	_, err := h.engine.IngestDeposit(h.ctx, "B", models.CurrencyB, dec("2.5"), "b-1")
	require.NoError(t, err)
	h.tick(t0.Add(time.Hour))
	_, err = h.engine.Ledger.Withdraw(h.ctx, "A", models.CurrencyA, dec("1.05"), "out-1")
	require.NoError(t, err)
	h.tick(t0.Add(2 * time.Hour))
	_, err = h.engine.Ledger.Purchase(h.ctx, "B", models.CurrencyB, dec("0.5"), nil, "boost")
	require.NoError(t, err)
	h.tick(t0.Add(3 * time.Hour))

	h.assertReconciled("A", "B", "C")
}
