package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAccountNotFound indicates that no account row exists for the identifier.
var ErrAccountNotFound = errors.New("accounts: account not found")

var errMissingRunner = errors.New("accounts: transaction runner is required")

// StatusHook runs inside the transaction that changes an account's status, after the
// account row is locked and updated. Returning an error rolls the status change back.
type StatusHook interface {
	OnStatusChange(tx *gorm.DB, accountID int64, previous, next Status) error
}

type DirectoryConfig struct {
	Runner *txn.Runner
	Hook   StatusHook
	Logger *zap.Logger
}

type Directory struct {
	runner *txn.Runner
	hook   StatusHook
	logger *zap.Logger
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{runner: cfg.Runner, hook: cfg.Hook, logger: logger}, nil
}

// LockAccount reads the account row with an exclusive row lock held until tx ends.
// Every profile transaction calls this before touching profile rows.
func LockAccount(tx *gorm.DB, accountID int64) (Account, error) {
	var account Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Get returns the account without locking it.
func (d *Directory) Get(ctx context.Context, accountID int64) (Account, error) {
	var account Account
	err := d.runner.DB().WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("%w: %d", ErrAccountNotFound, accountID)
	}
	return account, err
}

// List returns every account ordered by identifier.
func (d *Directory) List(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := d.runner.DB().WithContext(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// SetStatus flips the account status and runs the status hook in the same transaction.
// Setting the current status again is a no-op and does not invoke the hook.
func (d *Directory) SetStatus(ctx context.Context, accountID int64, next Status) (Account, error) {
	if _, err := ParseStatus(string(next)); err != nil {
		return Account{}, err
	}

	var updated Account
	err := d.runner.Run(ctx, func(tx *gorm.DB) error {
		account, err := LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		previous := account.Status
		if previous == next {
			updated = account
			return nil
		}
		if err := tx.Model(&Account{}).Where("id = ?", accountID).Update("status", next).Error; err != nil {
			return err
		}
		if d.hook != nil {
			if err := d.hook.OnStatusChange(tx, accountID, previous, next); err != nil {
				return err
			}
		}
		account.Status = next
		updated = account
		return nil
	})
	if err != nil {
		d.logger.Error("account status change failed",
			zap.Int64("account_id", accountID),
			zap.String("status", string(next)),
			zap.Error(err))
		return Account{}, err
	}

	d.logger.Info("account status changed",
		zap.Int64("account_id", accountID),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

// Create registers a new active account.
func (d *Directory) Create(ctx context.Context, username string, role Role) (Account, error) {
	account := Account{Username: username, Status: StatusActive, Role: role}
	if err := d.runner.DB().WithContext(ctx).Create(&account).Error; err != nil {
		d.logger.Error("account creation failed", zap.String("username", username), zap.Error(err))
		return Account{}, err
	}
	return account, nil
}
