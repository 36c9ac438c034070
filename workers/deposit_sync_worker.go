package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"farming-ledger/models"
	"farming-ledger/services"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositSourceClient talks to the payment service that observes external
// transfers. It implements services.DepositSource.
type DepositSourceClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewDepositSourceClient(baseURL, token string) (*DepositSourceClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("deposit source: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("deposit source: invalid base URL %q: %w", baseURL, err)
	}
	return &DepositSourceClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type confirmationResponse struct {
	Confirmed bool            `json:"confirmed"`
	Amount    decimal.Decimal `json:"amount"`
	UserID    any             `json:"user_id"`
	Reason    string          `json:"reason"`
}

// RemoteDeposit is one confirmed transfer as reported by the payment service.
type RemoteDeposit struct {
	UserID      any             `json:"user_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalRef string          `json:"external_ref"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

func (c *DepositSourceClient) get(ctx context.Context, u *url.URL, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call deposit source: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("deposit source returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode deposit source response: %w", err)
	}
	return resp.StatusCode, nil
}

// Confirm asks the payment service about one external reference. A 404 is a
// definitive "no"; any other failure is transient.
func (c *DepositSourceClient) Confirm(ctx context.Context, currency models.Currency, externalRef string) (services.DepositConfirmation, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return services.DepositConfirmation{}, fmt.Errorf("failed to parse base URL: %w", err)
	}
	u = u.JoinPath("api", "v1", "deposits", string(currency), externalRef)

	var body confirmationResponse
	status, err := c.get(ctx, u, &body)
	if status == http.StatusNotFound {
		return services.DepositConfirmation{Confirmed: false, Reason: "unknown reference"}, nil
	}
	if err != nil {
		return services.DepositConfirmation{}, err
	}

	conf := services.DepositConfirmation{
		Confirmed: body.Confirmed,
		Amount:    body.Amount,
		Reason:    body.Reason,
	}
	if body.UserID != nil {
		id, err := models.ParseUserID(body.UserID)
		if err != nil {
			return services.DepositConfirmation{}, fmt.Errorf("deposit source sent bad user id: %w", err)
		}
		conf.UserID = id
	}
	return conf, nil
}

// GetConfirmedDeposits lists transfers confirmed at or after since.
func (c *DepositSourceClient) GetConfirmedDeposits(ctx context.Context, since time.Time) ([]RemoteDeposit, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	u = u.JoinPath("api", "v1", "confirmed-deposits")
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	var response struct {
		Deposits []RemoteDeposit `json:"deposits"`
	}
	if _, err := c.get(ctx, u, &response); err != nil {
		return nil, err
	}
	return response.Deposits, nil
}

// DepositIngester is the slice of the engine the poller drives.
type DepositIngester interface {
	IngestDeposit(ctx context.Context, userID models.UserID, currency models.Currency, amount decimal.Decimal, externalRef string) (string, error)
}

// pollOverlap rewinds each new window so transfers the source commits late,
// with a confirmed_at just before the previous poll, are still listed.
const pollOverlap = 5 * time.Minute

// DepositPoller pulls confirmed transfers and feeds them to IngestDeposit.
// Replays are harmless, so the window only moves forward once every
// retryable deposit in it has landed.
type DepositPoller struct {
	client   *DepositSourceClient
	ingester DepositIngester
	interval time.Duration
	log      *zap.Logger
	since    time.Time
}

func NewDepositPoller(client *DepositSourceClient, ingester DepositIngester, interval time.Duration, log *zap.Logger) *DepositPoller {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DepositPoller{
		client:   client,
		ingester: ingester,
		interval: interval,
		log:      log.With(zap.String("component", "deposit_poller")),
		since:    time.Now().UTC().Add(-24 * time.Hour),
	}
}

// Run blocks until ctx is done.
func (p *DepositPoller) Run(ctx context.Context) {
	p.log.Info("[DEPOSIT] polling started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("[DEPOSIT] polling stopped")
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.log.Warn("[DEPOSIT] poll failed", zap.Time("since", p.since), zap.Error(err))
			}
		}
	}
}

type pollStats struct {
	credited int
	invalid  int
	retry    int
}

func (p *DepositPoller) pollOnce(ctx context.Context) error {
	started := time.Now().UTC()
	deposits, err := p.client.GetConfirmedDeposits(ctx, p.since)
	if err != nil {
		return err
	}
	if len(deposits) == 0 {
		p.since = started.Add(-pollOverlap)
		return nil
	}

	sort.SliceStable(deposits, func(i, j int) bool {
		return deposits[i].ConfirmedAt.Before(deposits[j].ConfirmedAt)
	})

	var stats pollStats
	for _, d := range deposits {
		if err := p.ingest(ctx, d); err != nil {
			if retryable(err) {
				stats.retry++
			} else {
				stats.invalid++
			}
			p.log.Warn("[DEPOSIT] polled deposit not credited",
				zap.String("external_ref", d.ExternalRef),
				zap.String("currency", d.Currency),
				zap.Error(err))
			continue
		}
		stats.credited++
	}

	p.log.Info("[DEPOSIT] poll finished",
		zap.Int("received", len(deposits)),
		zap.Int("credited", stats.credited),
		zap.Int("invalid", stats.invalid),
		zap.Int("retry", stats.retry))

	if stats.retry > 0 {
		return fmt.Errorf("%d deposit(s) will be retried", stats.retry)
	}
	p.since = started.Add(-pollOverlap)
	return nil
}

func (p *DepositPoller) ingest(ctx context.Context, d RemoteDeposit) error {
	userID, err := models.ParseUserID(d.UserID)
	if err != nil {
		return err
	}
	currency, err := models.ParseCurrency(d.Currency)
	if err != nil {
		return err
	}
	_, err = p.ingester.IngestDeposit(ctx, userID, currency, d.Amount, d.ExternalRef)
	return err
}

func retryable(err error) bool {
	return errors.Is(err, services.ErrStoreUnavailable) ||
		errors.Is(err, services.ErrSourceUnavailable) ||
		errors.Is(err, services.ErrDuplicateDepositPending) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
