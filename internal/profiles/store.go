package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fieldAccountID   = "account_id"
	fieldRequesterID = "requester_id"
)

type Requester struct {
	ID          int64
	Role        accounts.Role
	Fingerprint string
}

func (r Requester) lease() Lease {
	return Lease{Holder: r.ID, Stamp: r.Fingerprint}
}

type StoreConfig struct {
	Runner    *txn.Runner
	Lifecycle *Lifecycle
	Assets    AssetCatalog
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store is the transactional read/upsert path over profiles. Every operation locks the
// account row first and the profile row second.
type Store struct {
	runner    *txn.Runner
	lifecycle *Lifecycle
	assets    AssetCatalog
	clock     func() time.Time
	logger    *zap.Logger
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Runner == nil {
		return nil, newServiceError(opStoreNew, "missing_runner", errMissingRunner)
	}
	if cfg.Lifecycle == nil {
		return nil, newServiceError(opStoreNew, "missing_lifecycle", errMissingLifecycle)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		runner:    cfg.Runner,
		lifecycle: cfg.Lifecycle,
		assets:    cfg.Assets,
		clock:     clock,
		logger:    logger,
	}, nil
}

// ReadProfile returns the live profile of an active account, creating an empty one when
// none exists. Only the lease metadata is touched on an existing row.
func (s *Store) ReadProfile(ctx context.Context, targetAccountID int64, requester Requester) (ProfileView, error) {
	if !CanAccess(requester.ID, requester.Role, targetAccountID) {
		return ProfileView{}, s.reject(opReadProfile, reasonForbidden, targetAccountID, requester,
			fmt.Errorf("%w: requester %d may not access account %d", ErrForbidden, requester.ID, targetAccountID))
	}

	var result Profile
	err := s.runner.Run(ctx, func(tx *gorm.DB) error {
		profile, err := s.lockActiveProfile(tx, opReadProfile, targetAccountID)
		if err != nil {
			return err
		}
		lease := requester.lease()
		if profile == nil {
			created, err := s.lifecycle.CreateSkeleton(tx, targetAccountID, &lease)
			if err != nil {
				return err
			}
			result = created
			return nil
		}

		now := s.clock().UTC()
		err = tx.Model(&Profile{}).
			Where("profile_id = ?", profile.ID).
			Updates(map[string]any{
				"last_accessed_by": lease.Holder,
				"session_hash":     lease.Stamp,
				"last_access_time": now,
			}).Error
		if err != nil {
			return err
		}
		profile.LeaseHolder = &lease.Holder
		profile.LeaseStamp = &lease.Stamp
		profile.LastAccessAt = &now
		result = *profile
		return nil
	})
	if err != nil {
		return ProfileView{}, s.fail(opReadProfile, targetAccountID, requester, err)
	}
	return result.View(), nil
}

// WriteProfile applies a partial update to the account's live profile, inserting one when
// none exists. The write is refused when another requester holds the lease, unless the
// requester is elevated. A refused or failed write leaves the row unchanged.
func (s *Store) WriteProfile(ctx context.Context, targetAccountID int64, requester Requester, attributes Attributes) (ProfileView, error) {
	if !CanAccess(requester.ID, requester.Role, targetAccountID) {
		return ProfileView{}, s.reject(opWriteProfile, reasonForbidden, targetAccountID, requester,
			fmt.Errorf("%w: requester %d may not access account %d", ErrForbidden, requester.ID, targetAccountID))
	}
	columns, err := attributes.columns()
	if err != nil {
		return ProfileView{}, s.reject(opWriteProfile, reasonInvalid, targetAccountID, requester, err)
	}

	var result Profile
	err = s.runner.Run(ctx, func(tx *gorm.DB) error {
		profile, err := s.lockActiveProfile(tx, opWriteProfile, targetAccountID)
		if err != nil {
			return err
		}
		lease := requester.lease()
		if profile == nil {
			created, err := s.lifecycle.CreateSkeleton(tx, targetAccountID, &lease)
			if err != nil {
				return err
			}
			profile = &created
		} else {
			decision := arbitrateLease(profile.LeaseHolder, requester.ID, requester.Role)
			if !decision.Granted {
				return newServiceError(opWriteProfile, reasonLease,
					fmt.Errorf("%w: profile of account %d is leased to requester %d; reload and resubmit",
						ErrLeaseConflict, targetAccountID, decision.Holder))
			}
		}

		now := s.clock().UTC()
		updates := make(map[string]any, len(columns)+5)
		for column, value := range columns {
			updates[column] = value
		}
		updates["is_orphaned"] = false
		updates["last_accessed_by"] = lease.Holder
		updates["session_hash"] = lease.Stamp
		updates["last_access_time"] = now
		updates["updated_at"] = now
		if err := tx.Model(&Profile{}).Where("profile_id = ?", profile.ID).Updates(updates).Error; err != nil {
			return err
		}

		profile.apply(columns)
		profile.Orphaned = false
		profile.LeaseHolder = &lease.Holder
		profile.LeaseStamp = &lease.Stamp
		profile.LastAccessAt = &now
		profile.UpdatedAt = now
		result = *profile
		return nil
	})
	if err != nil {
		return ProfileView{}, s.fail(opWriteProfile, targetAccountID, requester, err)
	}

	s.logger.Info("profile written",
		zap.Int64(fieldAccountID, targetAccountID),
		zap.Int64(fieldRequesterID, requester.ID),
		zap.Int("attributes", len(columns)))
	return result.View(), nil
}

// lockActiveProfile locks the account row, requires it to be active, then locks its live
// profile. The returned profile is nil when the account has no live profile.
func (s *Store) lockActiveProfile(tx *gorm.DB, operation string, accountID int64) (*Profile, error) {
	account, err := accounts.LockAccount(tx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err))
		}
		return nil, err
	}
	if !account.Active() {
		return nil, newServiceError(operation, reasonInactive,
			fmt.Errorf("%w: account %d is %s", ErrForbidden, accountID, account.Status))
	}
	return LockLiveProfile(tx, accountID)
}

func (s *Store) reject(operation, reason string, accountID int64, requester Requester, cause error) error {
	err := newServiceError(operation, reason, cause)
	s.logger.Info("profile request rejected",
		zap.String("operation", operation),
		zap.String("code", codeOf(err)),
		zap.Int64(fieldAccountID, accountID),
		zap.Int64(fieldRequesterID, requester.ID))
	return err
}

func (s *Store) fail(operation string, accountID int64, requester Requester, cause error) error {
	err := classify(operation, cause)
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("code", codeOf(err)),
		zap.Int64(fieldAccountID, accountID),
		zap.Int64(fieldRequesterID, requester.ID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound), errors.Is(err, ErrLeaseConflict):
		s.logger.Info("profile request rejected", fields...)
	case Retryable(err):
		s.logger.Warn("profile request busy", fields...)
	default:
		s.logger.Error("profile service error", fields...)
	}
	return err
}
