package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farming-ledger/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func tempBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func key(s string) *string { return &s }

func creditTx(user models.UserID, amount string, at time.Time, dedupe *string) *models.Transaction {
	return &models.Transaction{
		ID:        uuid.NewString(),
		UserID:    user,
		Kind:      models.KindDeposit,
		Currency:  models.CurrencyA,
		Amount:    dec(amount),
		Status:    models.StatusCompleted,
		DedupeKey: dedupe,
		CreatedAt: at,
	}
}

func depositMutation(user models.UserID, amount string, at time.Time, dedupe *string) Mutation {
	return Mutation{
		Tx:         creditTx(user, amount, at, dedupe),
		EnsureUser: true,
		Position: &PositionChange{
			PrincipalDelta:  dec(amount),
			Rate:            dec("0.01"),
			CreateIfMissing: true,
			Activate:        true,
		},
	}
}

func TestBoltStore_ApplyCreatesUserAndPosition(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	tx, err := s.Apply(ctx, depositMutation("alice", "5", t0, key("k1")))
	require.NoError(t, err)
	require.NotNil(t, tx.PositionID)

	user, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, user.BalanceA.Equal(dec("5")))
	assert.Nil(t, user.ReferrerID)

	pos, err := s.GetPosition(ctx, "alice", models.CurrencyA)
	require.NoError(t, err)
	assert.Equal(t, *tx.PositionID, pos.ID)
	assert.True(t, pos.Principal.Equal(dec("5")))
	assert.True(t, pos.Active)
	assert.True(t, pos.LastAccrualAt.Equal(t0))
}

func TestBoltStore_ApplyDedupe(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	first, err := s.Apply(ctx, depositMutation("alice", "5", t0, key("same")))
	require.NoError(t, err)

	again, err := s.Apply(ctx, depositMutation("alice", "5", t0.Add(time.Second), key("same")))
	assert.ErrorIs(t, err, ErrDuplicateKey)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	user, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, user.BalanceA.Equal(dec("5")))
}

func TestBoltStore_ApplyConcurrentSameKey(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Apply(ctx, depositMutation("alice", "1", t0, key("race"))); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	snap, err := s.Snapshot(ctx, "alice", models.CurrencyA)
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("1")))
	assert.True(t, snap.CompletedSum.Equal(dec("1")))
}

func TestBoltStore_ApplyRejectsNegativeBalance(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, depositMutation("alice", "2", t0, nil))
	require.NoError(t, err)

	debit := creditTx("alice", "-3", t0.Add(time.Minute), nil)
	debit.Kind = models.KindWithdrawal
	_, err = s.Apply(ctx, Mutation{Tx: debit})
	assert.ErrorIs(t, err, ErrNegativeBalance)

	user, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, user.BalanceA.Equal(dec("2")))
}

func TestBoltStore_ApplyUnknownUserWithoutEnsure(t *testing.T) {
	s := tempBoltStore(t)
	_, err := s.Apply(context.Background(), Mutation{Tx: creditTx("ghost", "1", t0, nil)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_ApplyCursorCompareAndSet(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, depositMutation("alice", "5", t0, nil))
	require.NoError(t, err)

	advance := t0.Add(time.Hour)
	stale := t0.Add(-time.Hour)
	tx := creditTx("alice", "0.05", advance, key("acc"))
	tx.Kind = models.KindAccrualCredit
	_, err = s.Apply(ctx, Mutation{Tx: tx, Position: &PositionChange{ExpectLastAccrualAt: &stale, AdvanceTo: &advance}})
	assert.ErrorIs(t, err, ErrConflict)

	expect := t0
	_, err = s.Apply(ctx, Mutation{Tx: tx, Position: &PositionChange{ExpectLastAccrualAt: &expect, AdvanceTo: &advance}})
	require.NoError(t, err)

	pos, err := s.GetPosition(ctx, "alice", models.CurrencyA)
	require.NoError(t, err)
	assert.True(t, pos.LastAccrualAt.Equal(advance))
	assert.True(t, pos.Principal.Equal(dec("5")), "yield never compounds into principal")
}

func TestBoltStore_ClaimLifecycle(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	claim := creditTx("alice", "5", t0, key("dep"))
	claim.Status = models.StatusPending
	got, err := s.ClaimDedupeKey(ctx, claim, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	// fresh claim blocks a second caller
	second := creditTx("alice", "5", t0.Add(time.Second), key("dep"))
	existing, err := s.ClaimDedupeKey(ctx, second, t0.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, got.ID, existing.ID)

	// stale claim is taken over
	later := t0.Add(time.Hour)
	third := creditTx("alice", "5", later, key("dep"))
	taken, err := s.ClaimDedupeKey(ctx, third, later.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, got.ID, taken.ID)
	assert.True(t, taken.CreatedAt.Equal(later))

	// completing the claim credits the balance exactly once
	done := creditTx("alice", "5", later.Add(time.Second), key("dep"))
	tx, err := s.Apply(ctx, Mutation{Tx: done, ClaimID: taken.ID, EnsureUser: true})
	require.NoError(t, err)
	assert.Equal(t, taken.ID, tx.ID)

	_, err = s.Apply(ctx, Mutation{Tx: creditTx("alice", "5", later.Add(2*time.Second), key("dep")), ClaimID: taken.ID, EnsureUser: true})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	history, err := s.ListTransactions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusCompleted, history[0].Status)
}

func TestBoltStore_ReleaseAndFailClaim(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	claim := creditTx("alice", "5", t0, key("dep"))
	got, err := s.ClaimDedupeKey(ctx, claim, t0)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseClaim(ctx, got.ID))

	_, err = s.FindByDedupeKey(ctx, "dep")
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := s.ClaimDedupeKey(ctx, creditTx("alice", "5", t0, key("dep")), t0)
	require.NoError(t, err)
	require.NoError(t, s.FailClaim(ctx, again.ID, "amount mismatch"))

	failed, err := s.FindByDedupeKey(ctx, "dep")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.ErrorIs(t, s.FailClaim(ctx, again.ID, "twice"), ErrConflict)
}

func TestBoltStore_ReferrerChain(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	// u0 <- u1 <- ... <- u5 : u0 referred by u1, u1 by u2 ...
	for i := 5; i >= 0; i-- {
		u := &models.User{ID: models.UserID(uid(i))}
		if i < 5 {
			ref := models.UserID(uid(i + 1))
			u.ReferrerID = &ref
		}
		require.NoError(t, s.CreateUser(ctx, u))
	}

	chain, err := s.ReferrerChain(ctx, "u0", 20)
	require.NoError(t, err)
	assert.Equal(t, []models.UserID{"u1", "u2", "u3", "u4", "u5"}, chain)

	chain, err = s.ReferrerChain(ctx, "u0", 2)
	require.NoError(t, err)
	assert.Equal(t, []models.UserID{"u1", "u2"}, chain)

	refs, err := s.ListReferrals(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, []models.UserID{"u2"}, refs)

	_, err = s.ReferrerChain(ctx, "missing", 20)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_ReferrerChainDanglingAndCycle(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	gone := models.UserID("gone")
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "orphan", ReferrerID: &gone}))
	chain, err := s.ReferrerChain(ctx, "orphan", 20)
	require.NoError(t, err)
	assert.Empty(t, chain)

	// a <- b <- a, only reachable through corrupted rows
	b := models.UserID("b")
	a := models.UserID("a")
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "a", ReferrerID: &b}))
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "b", ReferrerID: &a}))
	_, err = s.ReferrerChain(ctx, "a", 20)
	assert.ErrorIs(t, err, ErrReferrerCycle)
}

func TestBoltStore_ListAccruablePositions(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, depositMutation("due", "5", t0, nil))
	require.NoError(t, err)
	_, err = s.Apply(ctx, depositMutation("fresh", "5", t0.Add(time.Hour), nil))
	require.NoError(t, err)
	_, err = s.Apply(ctx, depositMutation("off", "5", t0, nil))
	require.NoError(t, err)
	off, err := s.GetPosition(ctx, "off", models.CurrencyA)
	require.NoError(t, err)
	require.NoError(t, s.SetPositionActive(ctx, off.ID, false, t0))

	due, err := s.ListAccruablePositions(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, models.UserID("due"), due[0].UserID)
}

func TestBoltStore_PositionFailuresFlagAndResolve(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, depositMutation("alice", "5", t0, nil))
	require.NoError(t, err)
	pos, err := s.GetPosition(ctx, "alice", models.CurrencyA)
	require.NoError(t, err)

	flagged, err := s.RecordPositionFailure(ctx, pos.ID, "boom", 2, t0)
	require.NoError(t, err)
	assert.False(t, flagged)
	flagged, err = s.RecordPositionFailure(ctx, pos.ID, "boom", 2, t0)
	require.NoError(t, err)
	assert.True(t, flagged)

	due, err := s.ListAccruablePositions(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	flags, err := s.ListReviewFlags(ctx, false)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, models.SubjectPosition, flags[0].SubjectKind)
	assert.Equal(t, "repeated_failure", flags[0].ErrorClass)

	resolved, err := s.ResolveReviewFlag(ctx, flags[0].ID, "ops", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, resolved.Open())

	pos, err = s.GetPosition(ctx, "alice", models.CurrencyA)
	require.NoError(t, err)
	assert.Nil(t, pos.FlaggedAt)
	assert.Zero(t, pos.FailureCount)

	open, err := s.ListReviewFlags(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestBoltStore_PendingCascades(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	tx := creditTx("alice", "1", t0, nil)
	tx.Kind = models.KindAccrualCredit
	tx.CascadeState = models.CascadePending
	_, err := s.Apply(ctx, Mutation{Tx: tx, EnsureUser: true})
	require.NoError(t, err)

	pending, err := s.ListPendingCascades(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	none, err := s.ListPendingCascades(ctx, t0.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.SetCascadeState(ctx, tx.ID, models.CascadeComplete))
	pending, err = s.ListPendingCascades(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBoltStore_RepairBalance(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	_, err := s.Apply(ctx, depositMutation("alice", "5", t0, nil))
	require.NoError(t, err)

	audit := &models.Transaction{
		ID: uuid.NewString(), UserID: "alice", Kind: models.KindReconciliation,
		Currency: models.CurrencyA, Amount: dec("2"), Status: models.StatusAudit, CreatedAt: t0,
	}
	err = s.RepairBalance(ctx, RepairRequest{UserID: "alice", Currency: models.CurrencyA, Observed: dec("4"), Target: dec("7"), Audit: audit})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.RepairBalance(ctx, RepairRequest{UserID: "alice", Currency: models.CurrencyA, Observed: dec("5"), Target: dec("7"), Audit: audit}))

	snap, err := s.Snapshot(ctx, "alice", models.CurrencyA)
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("7")))
	assert.True(t, snap.CompletedSum.Equal(dec("5")), "audit rows are not counted")
}

func TestBoltStore_ListTransactionsNewestFirst(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Apply(ctx, depositMutation("alice", "1", t0.Add(time.Duration(i)*time.Minute), nil))
		require.NoError(t, err)
	}
	_, err := s.Apply(ctx, depositMutation("alicia", "1", t0, nil))
	require.NoError(t, err)

	txs, err := s.ListTransactions(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.True(t, txs[0].CreatedAt.Equal(t0.Add(2*time.Minute)))
	assert.True(t, txs[1].CreatedAt.Equal(t0.Add(time.Minute)))

	all, err := s.ListTransactions(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBoltStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s1, err := OpenBoltStore(path)
	require.NoError(t, err)
	_, err = s1.Apply(context.Background(), depositMutation("alice", "5", t0, key("k")))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer s2.Close()
	tx, err := s2.FindByDedupeKey(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, tx.Amount.Equal(dec("5")))
}

func uid(i int) string {
	return "u" + string(rune('0'+i))
}

func TestBoltStore_AttachReferrer(t *testing.T) {
	s := tempBoltStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "sponsor"}))
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "late"}))

	require.NoError(t, s.AttachReferrer(ctx, "late", "sponsor", t0))
	require.NoError(t, s.AttachReferrer(ctx, "late", "sponsor", t0), "same referrer is a no-op")
	assert.ErrorIs(t, s.AttachReferrer(ctx, "late", "other", t0), ErrConflict)
	assert.ErrorIs(t, s.AttachReferrer(ctx, "ghost", "sponsor", t0), ErrNotFound)

	refs, err := s.ListReferrals(ctx, "sponsor")
	require.NoError(t, err)
	assert.Equal(t, []models.UserID{"late"}, refs)

	chain, err := s.ReferrerChain(ctx, "late", 20)
	require.NoError(t, err)
	assert.Equal(t, []models.UserID{"sponsor"}, chain)
}
