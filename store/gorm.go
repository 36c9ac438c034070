package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farming-ledger/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore is the Postgres LedgerStore. Money mutations lock the owner row
// (then the position row) with SELECT ... FOR UPDATE; the unique index on
// transactions.dedupe_key settles races between replicas.
type GormStore struct {
	db *gorm.DB
}

var _ LedgerStore = (*GormStore)(nil)

// OpenPostgres connects with duplicate-key errors translated to gorm.ErrDuplicatedKey.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	return NewGormStore(db), nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.User{},
		&models.FarmingPosition{},
		&models.Transaction{},
		&models.ReviewFlag{},
	)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify maps driver errors onto the store sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrConflict),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrNegativeBalance), errors.Is(err, ErrNegativePrincipal),
		errors.Is(err, ErrReferrerCycle), errors.Is(err, ErrInvalidMutation):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateKey
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// lockUser takes the row lock on the owner, creating the row first if asked.
func lockUser(tx *gorm.DB, id models.UserID, ensure bool, at time.Time) (*models.User, error) {
	if ensure {
		fresh := models.User{ID: id, Timestamps: models.Timestamps{CreatedAt: at, UpdatedAt: at}}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
			return nil, err
		}
	}
	var user models.User
	if err := forUpdate(tx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormStore) findByKey(ctx context.Context, key string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).Where("dedupe_key = ?", key).First(&t).Error; err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// users and referrals
// ---------------------------------------------------------------------------

func (s *GormStore) GetUser(ctx context.Context, id models.UserID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, classify(err)
	}
	return &user, nil
}

func (s *GormStore) CreateUser(ctx context.Context, user *models.User) error {
	return classify(s.db.WithContext(ctx).Create(user).Error)
}

func (s *GormStore) ListUserIDs(ctx context.Context) ([]models.UserID, error) {
	var raw []string
	if err := s.db.WithContext(ctx).Model(&models.User{}).Order("id").Pluck("id", &raw).Error; err != nil {
		return nil, classify(err)
	}
	ids := make([]models.UserID, len(raw))
	for i, r := range raw {
		ids[i] = models.UserID(r)
	}
	return ids, nil
}

func (s *GormStore) ReferrerChain(ctx context.Context, id models.UserID, maxDepth int) ([]models.UserID, error) {
	lookup := func(ctx context.Context, uid models.UserID) (*models.UserID, error) {
		var u models.User
		err := s.db.WithContext(ctx).Select("id", "referrer_id").Where("id = ?", uid).First(&u).Error
		if err != nil {
			return nil, classify(err)
		}
		return u.ReferrerID, nil
	}
	return walkReferrers(ctx, lookup, id, maxDepth)
}

func (s *GormStore) ListReferrals(ctx context.Context, referrer models.UserID) ([]models.UserID, error) {
	var raw []string
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("referrer_id = ?", referrer).Order("id").Pluck("id", &raw).Error
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]models.UserID, len(raw))
	for i, r := range raw {
		ids[i] = models.UserID(r)
	}
	return ids, nil
}

func (s *GormStore) AttachReferrer(ctx context.Context, userID, referrerID models.UserID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND referrer_id IS NULL", userID).
		Updates(map[string]any{"referrer_id": referrerID, "updated_at": at})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.ReferrerID != nil && *user.ReferrerID == referrerID {
		return nil
	}
	return ErrConflict
}

func (s *GormStore) CountReferrals(ctx context.Context, referrer models.UserID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("referrer_id = ?", referrer).Count(&n).Error
	return n, classify(err)
}

// ---------------------------------------------------------------------------
// positions
// ---------------------------------------------------------------------------

func (s *GormStore) GetPosition(ctx context.Context, userID models.UserID, currency models.Currency) (*models.FarmingPosition, error) {
	var pos models.FarmingPosition
	err := s.db.WithContext(ctx).Where("user_id = ? AND currency = ?", userID, currency).First(&pos).Error
	if err != nil {
		return nil, classify(err)
	}
	return &pos, nil
}

func (s *GormStore) ListAccruablePositions(ctx context.Context, dueBefore time.Time) ([]models.FarmingPosition, error) {
	var positions []models.FarmingPosition
	err := s.db.WithContext(ctx).
		Where("active = ? AND flagged_at IS NULL AND principal > 0 AND last_accrual_at <= ?", true, dueBefore).
		Order("last_accrual_at, id").
		Find(&positions).Error
	return positions, classify(err)
}

func (s *GormStore) SetPositionActive(ctx context.Context, positionID string, active bool, at time.Time) error {
	return classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos models.FarmingPosition
		if err := forUpdate(tx).Where("id = ?", positionID).First(&pos).Error; err != nil {
			return err
		}
		if pos.Active == active {
			return nil
		}
		updates := map[string]any{"active": active, "updated_at": at}
		if active {
			updates["last_accrual_at"] = at
		}
		return tx.Model(&pos).Updates(updates).Error
	}))
}

func (s *GormStore) RecordPositionFailure(ctx context.Context, positionID, reason string, threshold int, at time.Time) (bool, error) {
	flagged := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos models.FarmingPosition
		if err := forUpdate(tx).Where("id = ?", positionID).First(&pos).Error; err != nil {
			return err
		}
		pos.FailureCount++
		updates := map[string]any{
			"failure_count": pos.FailureCount,
			"last_error":    reason,
			"updated_at":    at,
		}
		if pos.FailureCount >= threshold && pos.FlaggedAt == nil {
			updates["flagged_at"] = at
			if err := tx.Create(newFailureFlag(&pos, reason, threshold, at)).Error; err != nil {
				return err
			}
			flagged = true
		}
		return tx.Model(&pos).Updates(updates).Error
	})
	return flagged, classify(err)
}

func (s *GormStore) ResetPositionFailures(ctx context.Context, positionID string) error {
	err := s.db.WithContext(ctx).Model(&models.FarmingPosition{}).
		Where("id = ? AND failure_count > 0", positionID).
		Updates(map[string]any{"failure_count": 0, "last_error": ""}).Error
	return classify(err)
}

// ---------------------------------------------------------------------------
// transactions
// ---------------------------------------------------------------------------

func (s *GormStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, classify(err)
	}
	return &t, nil
}

func (s *GormStore) FindByDedupeKey(ctx context.Context, key string) (*models.Transaction, error) {
	return s.findByKey(ctx, key)
}

func (s *GormStore) ListTransactions(ctx context.Context, userID models.UserID, limit int) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Transaction
	return out, classify(q.Find(&out).Error)
}

func (s *GormStore) ListPendingCascades(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error) {
	q := s.db.WithContext(ctx).
		Where("cascade_state = ? AND created_at <= ?", models.CascadePending, createdBefore).
		Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Transaction
	return out, classify(q.Find(&out).Error)
}

func (s *GormStore) SetCascadeState(ctx context.Context, txID string, state models.CascadeState) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("id = ?", txID).Update("cascade_state", state)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ClaimDedupeKey(ctx context.Context, claim *models.Transaction, staleBefore time.Time) (*models.Transaction, error) {
	if claim == nil || claim.DedupeKey == nil {
		return nil, fmt.Errorf("%w: claim needs a dedupe key", ErrInvalidMutation)
	}
	key := *claim.DedupeKey

	var result *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Transaction
		res := forUpdate(tx).Where("dedupe_key = ?", key).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			row := *claim
			row.Status = models.StatusPending
			row.UpdatedAt = row.CreatedAt
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			result = &row
			return nil
		}

		result = &existing
		if existing.Status != models.StatusPending || !existing.CreatedAt.Before(staleBefore) {
			return ErrDuplicateKey
		}
		existing.UserID = claim.UserID
		existing.Amount = claim.Amount
		existing.ExternalRef = claim.ExternalRef
		existing.CreatedAt = claim.CreatedAt
		existing.UpdatedAt = claim.CreatedAt
		return tx.Model(&existing).Updates(map[string]any{
			"user_id":      existing.UserID,
			"amount":       existing.Amount,
			"external_ref": existing.ExternalRef,
			"created_at":   existing.CreatedAt,
			"updated_at":   existing.UpdatedAt,
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost the insert race
		existing, ferr := s.findByKey(ctx, key)
		if ferr != nil {
			return nil, ferr
		}
		return existing, ErrDuplicateKey
	}
	if err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return result, err
		}
		return nil, classify(err)
	}
	return result, nil
}

func (s *GormStore) ReleaseClaim(ctx context.Context, txID string) error {
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", txID, models.StatusPending).
		Delete(&models.Transaction{}).Error
	return classify(err)
}

func (s *GormStore) FailClaim(ctx context.Context, txID, note string) error {
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", txID, models.StatusPending).
		Updates(map[string]any{"status": models.StatusFailed, "note": note})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStore) Apply(ctx context.Context, m Mutation) (*models.Transaction, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	row := *m.Tx
	at := row.CreatedAt
	row.UpdatedAt = at

	var dup *models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, row.UserID, m.EnsureUser, at)
		if err != nil {
			return err
		}

		claimed := false
		if row.DedupeKey != nil {
			var existing models.Transaction
			res := forUpdate(tx).Where("dedupe_key = ?", *row.DedupeKey).Limit(1).Find(&existing)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				if existing.ID != m.ClaimID || existing.Status != models.StatusPending {
					dup = &existing
					return ErrDuplicateKey
				}
				claimed = true
			}
		}
		if m.ClaimID != "" && !claimed {
			return ErrConflict
		}

		if err := creditUser(user, &row); err != nil {
			return err
		}

		if ch := m.Position; ch != nil {
			var pos models.FarmingPosition
			err := forUpdate(tx).Where("user_id = ? AND currency = ?", row.UserID, row.Currency).First(&pos).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound) && ch.CreateIfMissing:
				created := newPosition(&row, ch)
				if err := changePosition(created, ch, at); err != nil {
					return err
				}
				if err := tx.Create(created).Error; err != nil {
					return err
				}
				pos = *created
			case err != nil:
				return err
			default:
				if err := changePosition(&pos, ch, at); err != nil {
					return err
				}
				if err := tx.Save(&pos).Error; err != nil {
					return err
				}
			}
			if row.PositionID == nil {
				id := pos.ID
				row.PositionID = &id
			}
		}

		if m.ClaimID != "" {
			res := tx.Model(&models.Transaction{}).
				Where("id = ? AND status = ? AND dedupe_key = ?", m.ClaimID, models.StatusPending, *row.DedupeKey).
				Updates(map[string]any{
					"user_id":       row.UserID,
					"amount":        row.Amount,
					"status":        row.Status,
					"position_id":   row.PositionID,
					"cascade_state": row.CascadeState,
					"created_at":    row.CreatedAt,
					"updated_at":    row.UpdatedAt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			row.ID = m.ClaimID
		} else if err := tx.Create(&row).Error; err != nil {
			return err
		}

		return tx.Model(user).Updates(map[string]any{
			"balance_a":          user.BalanceA,
			"balance_b":          user.BalanceB,
			"balance_updated_at": user.BalanceUpdatedAt,
			"updated_at":         at,
		}).Error
	})

	switch {
	case err == nil:
		return &row, nil
	case dup != nil:
		return dup, ErrDuplicateKey
	case errors.Is(err, gorm.ErrDuplicatedKey) && row.DedupeKey != nil:
		existing, ferr := s.findByKey(ctx, *row.DedupeKey)
		if ferr != nil {
			return nil, ferr
		}
		return existing, ErrDuplicateKey
	default:
		return nil, classify(err)
	}
}

// ---------------------------------------------------------------------------
// reconciliation
// ---------------------------------------------------------------------------

func sumCompleted(tx *gorm.DB, userID models.UserID, currency models.Currency) (decimal.Decimal, error) {
	var sum decimal.Decimal
	row := tx.Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND currency = ? AND status = ?", userID, currency, models.StatusCompleted).
		Row()
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (s *GormStore) Snapshot(ctx context.Context, userID models.UserID, currency models.Currency) (Snapshot, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// FOR SHARE holds off writers on this user until the sum is read
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Where("id = ?", userID).First(&user).Error; err != nil {
			return err
		}
		sum, err := sumCompleted(tx, userID, currency)
		if err != nil {
			return err
		}
		snap = Snapshot{Balance: user.Balance(currency), CompletedSum: sum}
		return nil
	})
	return snap, classify(err)
}

func (s *GormStore) RepairBalance(ctx context.Context, req RepairRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	return classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockUser(tx, req.UserID, false, req.Audit.CreatedAt)
		if err != nil {
			return err
		}
		if !user.Balance(req.Currency).Equal(req.Observed) {
			return ErrConflict
		}
		at := req.Audit.CreatedAt
		user.SetBalance(req.Currency, req.Target)
		if err := tx.Model(user).Updates(map[string]any{
			"balance_a":          user.BalanceA,
			"balance_b":          user.BalanceB,
			"balance_updated_at": at,
			"updated_at":         at,
		}).Error; err != nil {
			return err
		}
		audit := *req.Audit
		audit.UpdatedAt = at
		return tx.Create(&audit).Error
	}))
}

// ---------------------------------------------------------------------------
// review queue
// ---------------------------------------------------------------------------

func (s *GormStore) CreateReviewFlag(ctx context.Context, flag *models.ReviewFlag) error {
	return classify(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// serializes writers for one subject; row locks cannot cover a row that does not exist yet
		lock := string(flag.SubjectKind) + ":" + flag.SubjectID
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", lock).Error; err != nil {
			return err
		}
		var open int64
		err := tx.Model(&models.ReviewFlag{}).
			Where("subject_kind = ? AND subject_id = ? AND resolved_at IS NULL", flag.SubjectKind, flag.SubjectID).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrDuplicateKey
		}
		return tx.Create(flag).Error
	}))
}

func (s *GormStore) ListReviewFlags(ctx context.Context, includeResolved bool) ([]models.ReviewFlag, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if !includeResolved {
		q = q.Where("resolved_at IS NULL")
	}
	var flags []models.ReviewFlag
	return flags, classify(q.Find(&flags).Error)
}

func (s *GormStore) ResolveReviewFlag(ctx context.Context, id, resolvedBy string, at time.Time) (*models.ReviewFlag, error) {
	var flag models.ReviewFlag
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).Where("id = ?", id).First(&flag).Error; err != nil {
			return err
		}
		if !flag.Open() {
			return nil
		}

		switch flag.SubjectKind {
		case models.SubjectPosition:
			if err := tx.Model(&models.FarmingPosition{}).Where("id = ?", flag.SubjectID).
				Updates(map[string]any{"flagged_at": nil, "failure_count": 0, "last_error": "", "updated_at": at}).Error; err != nil {
				return err
			}
		case models.SubjectTransaction:
			if err := tx.Model(&models.Transaction{}).
				Where("id = ? AND cascade_state = ?", flag.SubjectID, models.CascadeFlagged).
				Update("cascade_state", models.CascadePending).Error; err != nil {
				return err
			}
		}

		flag.ResolvedAt = &at
		flag.ResolvedBy = resolvedBy
		return tx.Model(&flag).Updates(map[string]any{"resolved_at": at, "resolved_by": resolvedBy, "updated_at": at}).Error
	})
	if err != nil {
		return nil, classify(err)
	}
	return &flag, nil
}
