package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farming-ledger/config"
	"farming-ledger/messaging"
	"farming-ledger/models"
	"farming-ledger/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func uid(s string) *models.UserID {
	id := models.UserID(s)
	return &id
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeSource struct {
	mu    sync.Mutex
	err   error
	conf  *DepositConfirmation
	calls int
}

func (f *fakeSource) Confirm(context.Context, models.Currency, string) (DepositConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return DepositConfirmation{}, f.err
	}
	if f.conf != nil {
		return *f.conf, nil
	}
	return DepositConfirmation{Confirmed: true}, nil
}

func (f *fakeSource) set(conf *DepositConfirmation, err error) {
	f.mu.Lock()
	f.conf, f.err = conf, err
	f.mu.Unlock()
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
	docs []any
}

func (a *fakeArchive) PutJSON(_ context.Context, key string, v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	a.docs = append(a.docs, v)
	return nil
}

func (a *fakeArchive) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

// faultStore injects failures in front of a real store.
type faultStore struct {
	store.LedgerStore

	mu        sync.Mutex
	applyErr  func(m store.Mutation) error
	repairErr func(req store.RepairRequest) error
	listHook  func([]models.FarmingPosition) []models.FarmingPosition
}

func (f *faultStore) failApply(fn func(m store.Mutation) error) {
	f.mu.Lock()
	f.applyErr = fn
	f.mu.Unlock()
}

func (f *faultStore) failRepair(fn func(req store.RepairRequest) error) {
	f.mu.Lock()
	f.repairErr = fn
	f.mu.Unlock()
}

func (f *faultStore) rewritePositions(fn func([]models.FarmingPosition) []models.FarmingPosition) {
	f.mu.Lock()
	f.listHook = fn
	f.mu.Unlock()
}

func (f *faultStore) Apply(ctx context.Context, m store.Mutation) (*models.Transaction, error) {
	f.mu.Lock()
	fn := f.applyErr
	f.mu.Unlock()
	if fn != nil {
		if err := fn(m); err != nil {
			return nil, err
		}
	}
	return f.LedgerStore.Apply(ctx, m)
}

func (f *faultStore) RepairBalance(ctx context.Context, req store.RepairRequest) error {
	f.mu.Lock()
	fn := f.repairErr
	f.mu.Unlock()
	if fn != nil {
		if err := fn(req); err != nil {
			return err
		}
	}
	return f.LedgerStore.RepairBalance(ctx, req)
}

func (f *faultStore) ListAccruablePositions(ctx context.Context, dueBefore time.Time) ([]models.FarmingPosition, error) {
	positions, err := f.LedgerStore.ListAccruablePositions(ctx, dueBefore)
	f.mu.Lock()
	fn := f.listHook
	f.mu.Unlock()
	if err != nil || fn == nil {
		return positions, err
	}
	return fn(positions), nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	raw     *store.BoltStore
	store   *faultStore
	clock   *fakeClock
	events  *messaging.Recorder
	source  *fakeSource
	archive *fakeArchive
	cfg     config.Engine
	engine  *Engine
}

func newHarness(t *testing.T, tune ...func(*config.Engine)) *harness {
	t.Helper()
	raw, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	cfg := config.DefaultEngine()
	cfg.ReadCheckMode = config.ReadCheckOff
	for _, fn := range tune {
		fn(&cfg)
	}

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		raw:     raw,
		store:   &faultStore{LedgerStore: raw},
		clock:   &fakeClock{now: t0},
		events:  &messaging.Recorder{},
		source:  &fakeSource{},
		archive: &fakeArchive{},
		cfg:     cfg,
	}
	h.engine, err = NewEngine(h.store, Options{
		Config:    cfg,
		Source:    h.source,
		Publisher: h.events,
		Archive:   h.archive,
		Logger:    zap.NewNop(),
		Clock:     h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(h.engine.Wait)
	return h
}

func (h *harness) register(id string, referrer string) {
	h.t.Helper()
	var ref *models.UserID
	if referrer != "" {
		ref = uid(referrer)
	}
	_, err := h.engine.Ledger.RegisterUser(h.ctx, models.UserID(id), ref)
	require.NoError(h.t, err)
}

func (h *harness) deposit(user string, amount string, ref string) string {
	h.t.Helper()
	id, err := h.engine.IngestDeposit(h.ctx, models.UserID(user), models.CurrencyA, dec(amount), ref)
	require.NoError(h.t, err)
	return id
}

func (h *harness) tick(at time.Time) *TickReport {
	h.t.Helper()
	h.clock.Set(at)
	report, err := h.engine.RunAccrualTick(h.ctx, at)
	require.NoError(h.t, err)
	return report
}

func (h *harness) balance(user string, c models.Currency) decimal.Decimal {
	h.t.Helper()
	u, err := h.raw.GetUser(h.ctx, models.UserID(user))
	require.NoError(h.t, err)
	return u.Balance(c)
}

func (h *harness) position(user string) *models.FarmingPosition {
	h.t.Helper()
	pos, err := h.raw.GetPosition(h.ctx, models.UserID(user), models.CurrencyA)
	require.NoError(h.t, err)
	return pos
}

func (h *harness) txsOfKind(user string, kind models.TransactionKind) []models.Transaction {
	h.t.Helper()
	all, err := h.raw.ListTransactions(h.ctx, models.UserID(user), 0)
	require.NoError(h.t, err)
	var out []models.Transaction
	for _, tx := range all {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

// assertReconciled checks that every balance equals its completed log sum.
func (h *harness) assertReconciled(users ...string) {
	h.t.Helper()
	for _, u := range users {
		for _, c := range models.Currencies {
			snap, err := h.raw.Snapshot(h.ctx, models.UserID(u), c)
			require.NoError(h.t, err)
			require.Truef(h.t, snap.Balance.Equal(snap.CompletedSum),
				"%s/%s balance %s != log sum %s", u, c, snap.Balance, snap.CompletedSum)
		}
	}
}
