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
	"time"

	"farming-ledger/models"
	"farming-ledger/services"

	"go.uber.org/zap"
)

// RemoteProfile is the part of a profile-service record the ledger cares
// about: who the user is and who referred them.
type RemoteProfile struct {
	ID           any       `json:"id"`
	ReferredByID any       `json:"referred_by_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type profileChangesResponse struct {
	Users []RemoteProfile `json:"users"`
}

// UserRegistrar is the slice of the ledger the sync worker drives.
type UserRegistrar interface {
	RegisterUser(ctx context.Context, userID models.UserID, referrerID *models.UserID) (*models.User, error)
}

// UserSyncWorker mirrors sign-ups and referral edges from the profile
// service into the ledger.
type UserSyncWorker struct {
	registrar    UserRegistrar
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	log          *zap.Logger

	lastSync time.Time
}

func NewUserSyncWorker(registrar UserRegistrar, baseURL, serviceToken string, interval time.Duration, log *zap.Logger) *UserSyncWorker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &UserSyncWorker{
		registrar:    registrar,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: "/api/v1/public/profiles",
		serviceToken: serviceToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With(zap.String("component", "user_sync")),
	}
}

func (w *UserSyncWorker) Start(ctx context.Context) {
	w.log.Info("[SYNC] starting profile sync worker", zap.Duration("interval", w.interval))
	go w.run(ctx)
}

func (w *UserSyncWorker) run(ctx context.Context) {
	// backfill from the beginning of time
	if err := w.syncBatch(ctx); err != nil {
		w.log.Warn("[SYNC] initial sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.syncBatch(ctx); err != nil {
				w.log.Warn("[SYNC] sync batch failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.log.Info("[SYNC] profile sync worker stopped")
			return
		}
	}
}

func (w *UserSyncWorker) fetch(ctx context.Context, since time.Time) ([]RemoteProfile, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid profile service URL %q: %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to profile service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("profile service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response profileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode profile service response: %w", err)
	}
	return response.Users, nil
}

// syncBatch registers every changed profile. Profiles are applied oldest
// first so a referrer usually exists before the users it referred.
func (w *UserSyncWorker) syncBatch(ctx context.Context) error {
	profiles, err := w.fetch(ctx, w.lastSync)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].CreatedAt.Before(profiles[j].CreatedAt)
	})

	var registered, conflicts, failed int
	var latest time.Time
	var retry bool
	for _, p := range profiles {
		if p.UpdatedAt.After(latest) {
			latest = p.UpdatedAt
		}
		err := w.register(ctx, p)
		switch {
		case err == nil:
			registered++
		case errors.Is(err, services.ErrReferrerImmutable), errors.Is(err, services.ErrInvalidInput),
			errors.Is(err, models.ErrInvalidUserID):
			conflicts++
			w.log.Warn("[SYNC] profile rejected", zap.Any("id", p.ID), zap.Error(err))
		default:
			failed++
			retry = true
			w.log.Error("[SYNC] failed to register profile", zap.Any("id", p.ID), zap.Error(err))
		}
	}

	w.log.Info("[SYNC] profiles synced",
		zap.Int("received", len(profiles)),
		zap.Int("registered", registered),
		zap.Int("rejected", conflicts),
		zap.Int("failed", failed))

	if retry {
		return fmt.Errorf("%d profile(s) will be retried", failed)
	}
	if !latest.IsZero() {
		w.lastSync = latest
	}
	return nil
}

func (w *UserSyncWorker) register(ctx context.Context, p RemoteProfile) error {
	id, err := models.ParseUserID(p.ID)
	if err != nil {
		return err
	}
	var referrer *models.UserID
	if p.ReferredByID != nil {
		ref, err := models.ParseUserID(p.ReferredByID)
		if err != nil {
			return err
		}
		referrer = &ref
	}
	_, err = w.registrar.RegisterUser(ctx, id, referrer)
	return err
}
