package profiles

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryAccountOrphaned = "user_id = ? AND is_orphaned = ?"
	orderOldestFirst     = "created_at ASC, profile_id ASC"
	orderRecentFirst     = "updated_at DESC, profile_id DESC"
)

type LifecycleConfig struct {
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Lifecycle owns every profile state transition: skeleton creation, Live → Orphaned and
// Orphaned → Live. Online requests, account status changes and batch repairs all go
// through it. Callers must already hold the account row lock in tx.
type Lifecycle struct {
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.IDProvider == nil {
		return nil, newServiceError(opLifecycleNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{idProvider: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// LockLiveProfile locks and returns the account's live profile, or nil when none exists.
// If drift left several live rows, the oldest one is authoritative.
func LockLiveProfile(tx *gorm.DB, accountID int64) (*Profile, error) {
	var profile Profile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryAccountOrphaned, accountID, false).
		Order(orderOldestFirst).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// LockProfile locks a single profile row by identifier, or returns nil when absent.
func LockProfile(tx *gorm.DB, profileID string) (*Profile, error) {
	var profile Profile
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("profile_id = ?", profileID).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// LockReclaimCandidate returns the orphan that reactivation would reclaim: the most
// recently updated orphaned profile of an account that has no live profile.
func LockReclaimCandidate(tx *gorm.DB, accountID int64) (*Profile, error) {
	live, err := LockLiveProfile(tx, accountID)
	if err != nil || live != nil {
		return nil, err
	}
	var orphan Profile
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryAccountOrphaned, accountID, true).
		Order(orderRecentFirst).
		Take(&orphan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &orphan, nil
}

// CreateSkeleton inserts an empty live profile. A nil lease leaves the lease fields empty.
func (l *Lifecycle) CreateSkeleton(tx *gorm.DB, accountID int64, lease *Lease) (Profile, error) {
	profileID, err := l.idProvider.NewID()
	if err != nil {
		return Profile{}, err
	}
	now := l.clock().UTC()
	profile := Profile{
		ID:        profileID,
		AccountID: accountID,
		Orphaned:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if lease != nil {
		holder := lease.Holder
		stamp := lease.Stamp
		profile.LeaseHolder = &holder
		profile.LeaseStamp = &stamp
		profile.LastAccessAt = &now
	}
	if err := tx.Create(&profile).Error; err != nil {
		return Profile{}, err
	}
	l.logger.Debug("profile skeleton created",
		zap.Int64("account_id", accountID),
		zap.String("profile_id", profileID))
	return profile, nil
}

// Orphan moves a live profile to Orphaned. Content and lease are preserved.
func (l *Lifecycle) Orphan(tx *gorm.DB, profile *Profile) error {
	if profile == nil || profile.Orphaned {
		return nil
	}
	now := l.clock().UTC()
	err := tx.Model(&Profile{}).
		Where("profile_id = ?", profile.ID).
		Updates(map[string]any{
			"is_orphaned": true,
			"updated_at":  now,
		}).Error
	if err != nil {
		return err
	}
	profile.Orphaned = true
	profile.UpdatedAt = now
	l.logger.Info("profile orphaned",
		zap.Int64("account_id", profile.AccountID),
		zap.String("profile_id", profile.ID))
	return nil
}

// Reclaim moves an orphaned profile back to Live, clearing its lease. Content is preserved.
func (l *Lifecycle) Reclaim(tx *gorm.DB, profile *Profile) error {
	if profile == nil || !profile.Orphaned {
		return nil
	}
	now := l.clock().UTC()
	err := tx.Model(&Profile{}).
		Where("profile_id = ?", profile.ID).
		Updates(map[string]any{
			"is_orphaned":      false,
			"last_accessed_by": nil,
			"session_hash":     nil,
			"updated_at":       now,
		}).Error
	if err != nil {
		return err
	}
	profile.Orphaned = false
	profile.LeaseHolder = nil
	profile.LeaseStamp = nil
	profile.UpdatedAt = now
	l.logger.Info("profile reclaimed",
		zap.Int64("account_id", profile.AccountID),
		zap.String("profile_id", profile.ID))
	return nil
}

// OnStatusChange keeps the account's profile in lockstep with its status. It runs in the
// transaction that changed the status, after the account row was locked.
func (l *Lifecycle) OnStatusChange(tx *gorm.DB, accountID int64, previous, next accounts.Status) error {
	if previous == next {
		return nil
	}
	switch next {
	case accounts.StatusInactive:
		var live []Profile
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryAccountOrphaned, accountID, false).
			Order(orderOldestFirst).
			Find(&live).Error
		if err != nil {
			return newServiceError(opStatusChange, reasonStoreFailed, err)
		}
		for index := range live {
			if err := l.Orphan(tx, &live[index]); err != nil {
				return newServiceError(opStatusChange, reasonStoreFailed, err)
			}
		}
	case accounts.StatusActive:
		candidate, err := LockReclaimCandidate(tx, accountID)
		if err != nil {
			return newServiceError(opStatusChange, reasonStoreFailed, err)
		}
		if err := l.Reclaim(tx, candidate); err != nil {
			return newServiceError(opStatusChange, reasonStoreFailed, err)
		}
	}
	return nil
}
