package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"farming-ledger/models"

	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers          = []byte("users")
	bucketReferrals      = []byte("referrals")
	bucketPositions      = []byte("positions")
	bucketPositionOwner  = []byte("position_owner")
	bucketTransactions   = []byte("transactions")
	bucketDedupe         = []byte("dedupe")
	bucketUserTxs        = []byte("user_txs")
	bucketCascadePending = []byte("cascade_pending")
	bucketReviewFlags    = []byte("review_flags")
)

// BoltStore is a single-node LedgerStore on bbolt. bbolt allows one writer at
// a time, so every Update is a serialized atomic unit.
type BoltStore struct {
	db *bbolt.DB
}

var _ LedgerStore = (*BoltStore)(nil)

// OpenBoltStore opens or creates the database at dbPath, creating the parent
// directory if needed.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers, bucketReferrals, bucketPositions, bucketPositionOwner,
			bucketTransactions, bucketDedupe, bucketUserTxs, bucketCascadePending, bucketReviewFlags,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func ownerKey(userID models.UserID, currency models.Currency) []byte {
	return []byte(string(userID) + "\x00" + string(currency))
}

func userPrefix(userID models.UserID) []byte {
	return append([]byte(userID), 0)
}

// userTxKey orders a user's transactions by creation time.
func userTxKey(userID models.UserID, at time.Time, txID string) []byte {
	k := userPrefix(userID)
	k = binary.BigEndian.AppendUint64(k, uint64(at.UnixNano()))
	return append(k, txID...)
}

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func put(b *bbolt.Bucket, key []byte, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put(key, data)
}

func live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// row helpers, all run inside a bbolt transaction
// ---------------------------------------------------------------------------

func getUser(btx *bbolt.Tx, id models.UserID) (*models.User, error) {
	data := btx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var u models.User
	if err := decodeJSON(data, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

func getTx(btx *bbolt.Tx, id string) (*models.Transaction, error) {
	data := btx.Bucket(bucketTransactions).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var t models.Transaction
	if err := decodeJSON(data, &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}

func getPosition(btx *bbolt.Tx, id []byte) (*models.FarmingPosition, error) {
	data := btx.Bucket(bucketPositions).Get(id)
	if data == nil {
		return nil, ErrNotFound
	}
	var p models.FarmingPosition
	if err := decodeJSON(data, &p); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	return &p, nil
}

func getPositionByOwner(btx *bbolt.Tx, userID models.UserID, currency models.Currency) (*models.FarmingPosition, error) {
	id := btx.Bucket(bucketPositionOwner).Get(ownerKey(userID, currency))
	if id == nil {
		return nil, ErrNotFound
	}
	return getPosition(btx, id)
}

func putPosition(btx *bbolt.Tx, p *models.FarmingPosition) error {
	if err := put(btx.Bucket(bucketPositions), []byte(p.ID), p); err != nil {
		return err
	}
	return btx.Bucket(bucketPositionOwner).Put(ownerKey(p.UserID, p.Currency), []byte(p.ID))
}

// putTx writes the row and every index that points at it.
func putTx(btx *bbolt.Tx, t *models.Transaction) error {
	if err := put(btx.Bucket(bucketTransactions), []byte(t.ID), t); err != nil {
		return err
	}
	if t.DedupeKey != nil {
		if err := btx.Bucket(bucketDedupe).Put([]byte(*t.DedupeKey), []byte(t.ID)); err != nil {
			return err
		}
	}
	if err := btx.Bucket(bucketUserTxs).Put(userTxKey(t.UserID, t.CreatedAt, t.ID), nil); err != nil {
		return err
	}
	pending := btx.Bucket(bucketCascadePending)
	if t.CascadeState == models.CascadePending {
		return pending.Put([]byte(t.ID), nil)
	}
	return pending.Delete([]byte(t.ID))
}

func unindexTx(btx *bbolt.Tx, t *models.Transaction) error {
	return btx.Bucket(bucketUserTxs).Delete(userTxKey(t.UserID, t.CreatedAt, t.ID))
}

// ---------------------------------------------------------------------------
// users and referrals
// ---------------------------------------------------------------------------

func (s *BoltStore) GetUser(ctx context.Context, id models.UserID) (*models.User, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var user *models.User
	err := s.db.View(func(btx *bbolt.Tx) error {
		var err error
		user, err = getUser(btx, id)
		return err
	})
	return user, err
}

func (s *BoltStore) CreateUser(ctx context.Context, user *models.User) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		users := btx.Bucket(bucketUsers)
		if users.Get([]byte(user.ID)) != nil {
			return ErrDuplicateKey
		}
		if user.CreatedAt.IsZero() {
			user.CreatedAt = time.Now().UTC()
		}
		if user.UpdatedAt.IsZero() {
			user.UpdatedAt = user.CreatedAt
		}
		if err := put(users, []byte(user.ID), user); err != nil {
			return err
		}
		if user.ReferrerID != nil {
			key := append(userPrefix(*user.ReferrerID), user.ID...)
			return btx.Bucket(bucketReferrals).Put(key, nil)
		}
		return nil
	})
}

func (s *BoltStore) ListUserIDs(ctx context.Context) ([]models.UserID, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var ids []models.UserID
	err := s.db.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketUsers).ForEach(func(k, _ []byte) error {
			ids = append(ids, models.UserID(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) ReferrerChain(ctx context.Context, id models.UserID, maxDepth int) ([]models.UserID, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var chain []models.UserID
	err := s.db.View(func(btx *bbolt.Tx) error {
		lookup := func(_ context.Context, uid models.UserID) (*models.UserID, error) {
			u, err := getUser(btx, uid)
			if err != nil {
				return nil, err
			}
			return u.ReferrerID, nil
		}
		var err error
		chain, err = walkReferrers(ctx, lookup, id, maxDepth)
		return err
	})
	return chain, err
}

func (s *BoltStore) ListReferrals(ctx context.Context, referrer models.UserID) ([]models.UserID, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var ids []models.UserID
	prefix := userPrefix(referrer)
	err := s.db.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(bucketReferrals).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, models.UserID(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *BoltStore) AttachReferrer(ctx context.Context, userID, referrerID models.UserID, at time.Time) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		user, err := getUser(btx, userID)
		if err != nil {
			return err
		}
		if user.ReferrerID != nil {
			if *user.ReferrerID == referrerID {
				return nil
			}
			return ErrConflict
		}
		user.ReferrerID = &referrerID
		user.UpdatedAt = at
		if err := put(btx.Bucket(bucketUsers), []byte(user.ID), user); err != nil {
			return err
		}
		return btx.Bucket(bucketReferrals).Put(append(userPrefix(referrerID), user.ID...), nil)
	})
}

func (s *BoltStore) CountReferrals(ctx context.Context, referrer models.UserID) (int64, error) {
	ids, err := s.ListReferrals(ctx, referrer)
	return int64(len(ids)), err
}

// ---------------------------------------------------------------------------
// positions
// ---------------------------------------------------------------------------

func (s *BoltStore) GetPosition(ctx context.Context, userID models.UserID, currency models.Currency) (*models.FarmingPosition, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var pos *models.FarmingPosition
	err := s.db.View(func(btx *bbolt.Tx) error {
		var err error
		pos, err = getPositionByOwner(btx, userID, currency)
		return err
	})
	return pos, err
}

func (s *BoltStore) ListAccruablePositions(ctx context.Context, dueBefore time.Time) ([]models.FarmingPosition, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var out []models.FarmingPosition
	err := s.db.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketPositions).ForEach(func(_, v []byte) error {
			var p models.FarmingPosition
			if err := decodeJSON(v, &p); err != nil {
				return fmt.Errorf("decode position: %w", err)
			}
			if p.Accruable() && !p.LastAccrualAt.After(dueBefore) {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SetPositionActive(ctx context.Context, positionID string, active bool, at time.Time) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		pos, err := getPosition(btx, []byte(positionID))
		if err != nil {
			return err
		}
		if pos.Active == active {
			return nil
		}
		pos.Active = active
		if active {
			pos.LastAccrualAt = at
		}
		pos.UpdatedAt = at
		return putPosition(btx, pos)
	})
}

func (s *BoltStore) RecordPositionFailure(ctx context.Context, positionID, reason string, threshold int, at time.Time) (bool, error) {
	if err := live(ctx); err != nil {
		return false, err
	}
	flagged := false
	err := s.db.Update(func(btx *bbolt.Tx) error {
		pos, err := getPosition(btx, []byte(positionID))
		if err != nil {
			return err
		}
		pos.FailureCount++
		pos.LastError = reason
		pos.UpdatedAt = at
		if pos.FailureCount >= threshold && pos.FlaggedAt == nil {
			pos.FlaggedAt = &at
			flag := newFailureFlag(pos, reason, threshold, at)
			if err := put(btx.Bucket(bucketReviewFlags), []byte(flag.ID), flag); err != nil {
				return err
			}
			flagged = true
		}
		return putPosition(btx, pos)
	})
	return flagged, err
}

func (s *BoltStore) ResetPositionFailures(ctx context.Context, positionID string) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		pos, err := getPosition(btx, []byte(positionID))
		if err != nil {
			return err
		}
		if pos.FailureCount == 0 && pos.LastError == "" {
			return nil
		}
		pos.FailureCount = 0
		pos.LastError = ""
		return putPosition(btx, pos)
	})
}

// ---------------------------------------------------------------------------
// transactions
// ---------------------------------------------------------------------------

func (s *BoltStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var t *models.Transaction
	err := s.db.View(func(btx *bbolt.Tx) error {
		var err error
		t, err = getTx(btx, id)
		return err
	})
	return t, err
}

func (s *BoltStore) FindByDedupeKey(ctx context.Context, key string) (*models.Transaction, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var t *models.Transaction
	err := s.db.View(func(btx *bbolt.Tx) error {
		id := btx.Bucket(bucketDedupe).Get([]byte(key))
		if id == nil {
			return ErrNotFound
		}
		var err error
		t, err = getTx(btx, string(id))
		return err
	})
	return t, err
}

// ListTransactions returns the newest limit rows for the user.
func (s *BoltStore) ListTransactions(ctx context.Context, userID models.UserID, limit int) ([]models.Transaction, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var out []models.Transaction
	prefix := userPrefix(userID)
	err := s.db.View(func(btx *bbolt.Tx) error {
		c := btx.Bucket(bucketUserTxs).Cursor()
		// walk backwards from the end of this user's key range
		upper := append(append([]byte{}, prefix[:len(prefix)-1]...), 1)
		k, _ := c.Seek(upper)
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			t, err := getTx(btx, string(k[len(prefix)+8:]))
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListPendingCascades(ctx context.Context, createdBefore time.Time, limit int) ([]models.Transaction, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var out []models.Transaction
	err := s.db.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketCascadePending).ForEach(func(k, _ []byte) error {
			t, err := getTx(btx, string(k))
			if err != nil {
				return err
			}
			if !t.CreatedAt.After(createdBefore) {
				out = append(out, *t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) SetCascadeState(ctx context.Context, txID string, state models.CascadeState) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		t, err := getTx(btx, txID)
		if err != nil {
			return err
		}
		t.CascadeState = state
		return putTx(btx, t)
	})
}

func (s *BoltStore) ClaimDedupeKey(ctx context.Context, claim *models.Transaction, staleBefore time.Time) (*models.Transaction, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	if claim == nil || claim.DedupeKey == nil {
		return nil, fmt.Errorf("%w: claim needs a dedupe key", ErrInvalidMutation)
	}

	var result *models.Transaction
	err := s.db.Update(func(btx *bbolt.Tx) error {
		id := btx.Bucket(bucketDedupe).Get([]byte(*claim.DedupeKey))
		if id == nil {
			row := *claim
			row.Status = models.StatusPending
			row.UpdatedAt = row.CreatedAt
			result = &row
			return putTx(btx, &row)
		}

		existing, err := getTx(btx, string(id))
		if err != nil {
			return err
		}
		if existing.Status != models.StatusPending || !existing.CreatedAt.Before(staleBefore) {
			result = existing
			return ErrDuplicateKey
		}

		// stale claim from a caller that never finished
		if err := unindexTx(btx, existing); err != nil {
			return err
		}
		existing.UserID = claim.UserID
		existing.Amount = claim.Amount
		existing.ExternalRef = claim.ExternalRef
		existing.CreatedAt = claim.CreatedAt
		existing.UpdatedAt = claim.CreatedAt
		result = existing
		return putTx(btx, existing)
	})
	return result, err
}

func (s *BoltStore) ReleaseClaim(ctx context.Context, txID string) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		t, err := getTx(btx, txID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.Status != models.StatusPending {
			return ErrConflict
		}
		if err := unindexTx(btx, t); err != nil {
			return err
		}
		if t.DedupeKey != nil {
			if err := btx.Bucket(bucketDedupe).Delete([]byte(*t.DedupeKey)); err != nil {
				return err
			}
		}
		return btx.Bucket(bucketTransactions).Delete([]byte(t.ID))
	})
}

func (s *BoltStore) FailClaim(ctx context.Context, txID, note string) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		t, err := getTx(btx, txID)
		if err != nil {
			return err
		}
		if t.Status != models.StatusPending {
			return ErrConflict
		}
		t.Status = models.StatusFailed
		t.Note = note
		return putTx(btx, t)
	})
}

func (s *BoltStore) Apply(ctx context.Context, m Mutation) (*models.Transaction, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	var result *models.Transaction
	var dup *models.Transaction
	err := s.db.Update(func(btx *bbolt.Tx) error {
		row := *m.Tx
		at := row.CreatedAt
		row.UpdatedAt = at

		var claimed *models.Transaction
		if row.DedupeKey != nil {
			if id := btx.Bucket(bucketDedupe).Get([]byte(*row.DedupeKey)); id != nil {
				existing, err := getTx(btx, string(id))
				if err != nil {
					return err
				}
				if existing.ID != m.ClaimID || existing.Status != models.StatusPending {
					dup = existing
					return ErrDuplicateKey
				}
				claimed = existing
				row.ID = claimed.ID
			}
		}
		if m.ClaimID != "" && claimed == nil {
			// the claim was released underneath us
			return ErrConflict
		}

		user, err := getUser(btx, row.UserID)
		switch {
		case errors.Is(err, ErrNotFound) && m.EnsureUser:
			user = &models.User{ID: row.UserID, Timestamps: models.Timestamps{CreatedAt: at, UpdatedAt: at}}
		case err != nil:
			return err
		}
		if err := creditUser(user, &row); err != nil {
			return err
		}

		if ch := m.Position; ch != nil {
			pos, err := getPositionByOwner(btx, row.UserID, row.Currency)
			switch {
			case errors.Is(err, ErrNotFound) && ch.CreateIfMissing:
				pos = newPosition(&row, ch)
			case err != nil:
				return err
			}
			if err := changePosition(pos, ch, at); err != nil {
				return err
			}
			if err := putPosition(btx, pos); err != nil {
				return err
			}
			if row.PositionID == nil {
				id := pos.ID
				row.PositionID = &id
			}
		}

		if err := put(btx.Bucket(bucketUsers), []byte(user.ID), user); err != nil {
			return err
		}
		if claimed != nil {
			if err := unindexTx(btx, claimed); err != nil {
				return err
			}
		}
		if err := putTx(btx, &row); err != nil {
			return err
		}
		result = &row
		return nil
	})
	if errors.Is(err, ErrDuplicateKey) {
		return dup, err
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// reconciliation
// ---------------------------------------------------------------------------

func completedSum(btx *bbolt.Tx, userID models.UserID, currency models.Currency) (decimal.Decimal, error) {
	sum := decimal.Zero
	prefix := userPrefix(userID)
	c := btx.Bucket(bucketUserTxs).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		t, err := getTx(btx, string(k[len(prefix)+8:]))
		if err != nil {
			return decimal.Zero, err
		}
		if t.Currency == currency && t.Counted() {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (s *BoltStore) Snapshot(ctx context.Context, userID models.UserID, currency models.Currency) (Snapshot, error) {
	if err := live(ctx); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err := s.db.View(func(btx *bbolt.Tx) error {
		user, err := getUser(btx, userID)
		if err != nil {
			return err
		}
		sum, err := completedSum(btx, userID, currency)
		if err != nil {
			return err
		}
		snap = Snapshot{Balance: user.Balance(currency), CompletedSum: sum}
		return nil
	})
	return snap, err
}

func (s *BoltStore) RepairBalance(ctx context.Context, req RepairRequest) error {
	if err := live(ctx); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		user, err := getUser(btx, req.UserID)
		if err != nil {
			return err
		}
		if !user.Balance(req.Currency).Equal(req.Observed) {
			return ErrConflict
		}
		at := req.Audit.CreatedAt
		user.SetBalance(req.Currency, req.Target)
		user.BalanceUpdatedAt = &at
		user.UpdatedAt = at
		if err := put(btx.Bucket(bucketUsers), []byte(user.ID), user); err != nil {
			return err
		}
		audit := *req.Audit
		audit.UpdatedAt = at
		return putTx(btx, &audit)
	})
}

// ---------------------------------------------------------------------------
// review queue
// ---------------------------------------------------------------------------

func (s *BoltStore) CreateReviewFlag(ctx context.Context, flag *models.ReviewFlag) error {
	if err := live(ctx); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		flags := btx.Bucket(bucketReviewFlags)
		open, err := hasOpenFlag(flags, flag.SubjectKind, flag.SubjectID)
		if err != nil {
			return err
		}
		if open {
			return ErrDuplicateKey
		}
		return put(flags, []byte(flag.ID), flag)
	})
}

func hasOpenFlag(flags *bbolt.Bucket, kind models.ReviewSubject, subjectID string) (bool, error) {
	found := false
	err := flags.ForEach(func(_, v []byte) error {
		if found {
			return nil
		}
		var f models.ReviewFlag
		if err := decodeJSON(v, &f); err != nil {
			return fmt.Errorf("decode review flag: %w", err)
		}
		found = f.Open() && f.SubjectKind == kind && f.SubjectID == subjectID
		return nil
	})
	return found, err
}

func (s *BoltStore) ListReviewFlags(ctx context.Context, includeResolved bool) ([]models.ReviewFlag, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var out []models.ReviewFlag
	err := s.db.View(func(btx *bbolt.Tx) error {
		return btx.Bucket(bucketReviewFlags).ForEach(func(_, v []byte) error {
			var f models.ReviewFlag
			if err := decodeJSON(v, &f); err != nil {
				return fmt.Errorf("decode review flag: %w", err)
			}
			if includeResolved || f.Open() {
				out = append(out, f)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// ResolveReviewFlag closes the flag and clears the state it was guarding: a
// flagged position accrues again, a flagged cascade is retried.
func (s *BoltStore) ResolveReviewFlag(ctx context.Context, id, resolvedBy string, at time.Time) (*models.ReviewFlag, error) {
	if err := live(ctx); err != nil {
		return nil, err
	}
	var flag models.ReviewFlag
	err := s.db.Update(func(btx *bbolt.Tx) error {
		flags := btx.Bucket(bucketReviewFlags)
		data := flags.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		if err := decodeJSON(data, &flag); err != nil {
			return fmt.Errorf("decode review flag: %w", err)
		}
		if !flag.Open() {
			return nil
		}

		switch flag.SubjectKind {
		case models.SubjectPosition:
			pos, err := getPosition(btx, []byte(flag.SubjectID))
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if pos != nil {
				pos.FlaggedAt = nil
				pos.FailureCount = 0
				pos.LastError = ""
				pos.UpdatedAt = at
				if err := putPosition(btx, pos); err != nil {
					return err
				}
			}
		case models.SubjectTransaction:
			t, err := getTx(btx, flag.SubjectID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if t != nil && t.CascadeState == models.CascadeFlagged {
				t.CascadeState = models.CascadePending
				if err := putTx(btx, t); err != nil {
					return err
				}
			}
		}

		flag.ResolvedAt = &at
		flag.ResolvedBy = resolvedBy
		flag.UpdatedAt = at
		return put(flags, []byte(flag.ID), &flag)
	})
	if err != nil {
		return nil, err
	}
	return &flag, nil
}
