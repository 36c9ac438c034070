package workers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"farming-ledger/models"
	"farming-ledger/services"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSourceServer(t *testing.T, handler http.HandlerFunc) *DepositSourceClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewDepositSourceClient(srv.URL, "tok")
	require.NoError(t, err)
	return client
}

func TestDepositSourceClient_Confirm(t *testing.T) {
	client := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Service-Token"))
		switch r.URL.Path {
		case "/api/v1/deposits/A/tx_111":
			fmt.Fprint(w, `{"confirmed":true,"amount":"5","user_id":42}`)
		case "/api/v1/deposits/A/tx_bounced":
			fmt.Fprint(w, `{"confirmed":false,"reason":"bounced"}`)
		case "/api/v1/deposits/A/tx_down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	conf, err := client.Confirm(ctx, models.CurrencyA, "tx_111")
	require.NoError(t, err)
	assert.True(t, conf.Confirmed)
	assert.True(t, conf.Amount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, models.UserID("42"), conf.UserID)

	conf, err = client.Confirm(ctx, models.CurrencyA, "tx_bounced")
	require.NoError(t, err)
	assert.False(t, conf.Confirmed)
	assert.Equal(t, "bounced", conf.Reason)

	conf, err = client.Confirm(ctx, models.CurrencyA, "tx_missing")
	require.NoError(t, err)
	assert.False(t, conf.Confirmed)

	_, err = client.Confirm(ctx, models.CurrencyA, "tx_down")
	assert.Error(t, err)
}

func TestNewDepositSourceClient_RequiresURL(t *testing.T) {
	_, err := NewDepositSourceClient("  ", "tok")
	assert.Error(t, err)
}

type ingestCall struct {
	user     models.UserID
	currency models.Currency
	amount   string
	ref      string
}

type fakeIngester struct {
	mu    sync.Mutex
	calls []ingestCall
	errs  map[string]error
}

func (f *fakeIngester) IngestDeposit(_ context.Context, userID models.UserID, currency models.Currency, amount decimal.Decimal, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{userID, currency, amount.String(), ref})
	if err := f.errs[ref]; err != nil {
		return "", err
	}
	return "tx-" + ref, nil
}

func TestDepositPoller_PollOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		sinces []string
	)
	client := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/confirmed-deposits", r.URL.Path)
		mu.Lock()
		sinces = append(sinces, r.URL.Query().Get("since"))
		mu.Unlock()
		fmt.Fprint(w, `{"deposits":[
			{"user_id":"u2","currency":"b","amount":"1.5","external_ref":"r2","confirmed_at":"2026-03-01T00:02:00Z"},
			{"user_id":7,"currency":"A","amount":"5","external_ref":"r1","confirmed_at":"2026-03-01T00:01:00Z"},
			{"user_id":"u3","currency":"Z","amount":"1","external_ref":"r3","confirmed_at":"2026-03-01T00:03:00Z"}
		]}`)
	})
	ingester := &fakeIngester{}
	poller := NewDepositPoller(client, ingester, time.Second, zap.NewNop())
	start := poller.since

	require.NoError(t, poller.pollOnce(context.Background()))
	require.Len(t, ingester.calls, 2, "unknown currency is skipped")
	assert.Equal(t, ingestCall{"7", models.CurrencyA, "5", "r1"}, ingester.calls[0])
	assert.Equal(t, ingestCall{"u2", models.CurrencyB, "1.5", "r2"}, ingester.calls[1])
	assert.WithinDuration(t, time.Now().UTC().Add(-pollOverlap), poller.since, 5*time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, start.Format(time.RFC3339), sinces[0])
}

func TestDepositPoller_TransientFailureKeepsWindow(t *testing.T) {
	client := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"deposits":[{"user_id":"u1","currency":"A","amount":"5","external_ref":"r1","confirmed_at":"2026-03-01T00:01:00Z"}]}`)
	})
	ingester := &fakeIngester{errs: map[string]error{"r1": fmt.Errorf("wrap: %w", services.ErrStoreUnavailable)}}
	poller := NewDepositPoller(client, ingester, time.Second, nil)
	start := poller.since

	assert.Error(t, poller.pollOnce(context.Background()))
	assert.Equal(t, start, poller.since)

	ingester.errs = nil
	require.NoError(t, poller.pollOnce(context.Background()))
	assert.Len(t, ingester.calls, 2)
	assert.True(t, poller.since.After(start))
}

func TestDepositPoller_WindowOverlapsPreviousPoll(t *testing.T) {
	sinces := make(chan string, 2)
	client := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		sinces <- r.URL.Query().Get("since")
		fmt.Fprint(w, `{"deposits":[]}`)
	})
	poller := NewDepositPoller(client, &fakeIngester{}, time.Second, nil)

	firstPoll := time.Now().UTC()
	require.NoError(t, poller.pollOnce(context.Background()))
	require.NoError(t, poller.pollOnce(context.Background()))
	<-sinces

	second, err := time.Parse(time.RFC3339, <-sinces)
	require.NoError(t, err)
	assert.True(t, second.Before(firstPoll), "second window starts before the first poll ran")
	assert.WithinDuration(t, firstPoll.Add(-pollOverlap), second, 5*time.Second)
}

func TestDepositPoller_SourceDown(t *testing.T) {
	client := newSourceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	poller := NewDepositPoller(client, &fakeIngester{}, time.Second, nil)
	start := poller.since

	assert.Error(t, poller.pollOnce(context.Background()))
	assert.Equal(t, start, poller.since)
}

type registration struct {
	user     models.UserID
	referrer string
}

type fakeRegistrar struct {
	regs []registration
	errs map[models.UserID]error
}

func (f *fakeRegistrar) RegisterUser(_ context.Context, id models.UserID, referrer *models.UserID) (*models.User, error) {
	ref := ""
	if referrer != nil {
		ref = string(*referrer)
	}
	f.regs = append(f.regs, registration{id, ref})
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	return &models.User{ID: id, ReferrerID: referrer}, nil
}

func newProfileWorker(t *testing.T, body string, registrar UserRegistrar) (*UserSyncWorker, chan string) {
	t.Helper()
	sinces := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/public/profiles", r.URL.Path)
		assert.Equal(t, "sync-token", r.Header.Get("X-Service-Token"))
		sinces <- r.URL.Query().Get("since")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return NewUserSyncWorker(registrar, srv.URL, "sync-token", time.Minute, zap.NewNop()), sinces
}

func TestUserSyncWorker_RegistersOldestFirst(t *testing.T) {
	registrar := &fakeRegistrar{errs: map[models.UserID]error{
		"kid": fmt.Errorf("wrap: %w", services.ErrReferrerImmutable),
	}}
	w, sinces := newProfileWorker(t, `{"users":[
		{"id":"kid","referred_by_id":"root","created_at":"2026-03-02T00:00:00Z","updated_at":"2026-03-05T00:00:00Z"},
		{"id":"root","created_at":"2026-03-01T00:00:00Z","updated_at":"2026-03-01T00:00:00Z"},
		{"id":12,"referred_by_id":"kid","created_at":"2026-03-03T00:00:00Z","updated_at":"2026-03-03T00:00:00Z"}
	]}`, registrar)

	require.NoError(t, w.syncBatch(context.Background()))
	assert.Equal(t, []registration{{"root", ""}, {"kid", "root"}, {"12", "kid"}}, registrar.regs)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), w.lastSync.UTC())
	assert.Equal(t, "0001-01-01T00:00:00Z", <-sinces)
}

func TestUserSyncWorker_RetriesOnStoreFailure(t *testing.T) {
	registrar := &fakeRegistrar{errs: map[models.UserID]error{
		"root": fmt.Errorf("wrap: %w", services.ErrStoreUnavailable),
	}}
	w, _ := newProfileWorker(t, `{"users":[{"id":"root","created_at":"2026-03-01T00:00:00Z","updated_at":"2026-03-01T00:00:00Z"}]}`, registrar)

	assert.Error(t, w.syncBatch(context.Background()))
	assert.True(t, w.lastSync.IsZero())
}

func TestNewRedisTickLease(t *testing.T) {
	_, err := NewRedisTickLease("")
	assert.Error(t, err)

	_, err = NewRedisTickLease("ftp://nope")
	assert.Error(t, err)

	lease, err := NewRedisTickLease("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.holder)
	assert.NoError(t, lease.Close())

	lease, err = NewRedisTickLease("localhost:6379")
	require.NoError(t, err)
	assert.NoError(t, lease.Close())

	assert.Equal(t, "farming-ledger:lease:accrual-tick", leaseKey("accrual-tick"))
}

var _ services.DepositSource = (*DepositSourceClient)(nil)
var _ services.TickLease = (*RedisTickLease)(nil)
