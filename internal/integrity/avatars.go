package integrity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AvatarMode string

const (
	AvatarModeReport  AvatarMode = "report"
	AvatarModeClear   AvatarMode = "clear"
	AvatarModeRestore AvatarMode = "restore"

	actionClear   Action = "clear"
	actionRestore Action = "restore"
)

// ParseAvatarMode validates an avatar reconciliation mode.
func ParseAvatarMode(raw string) (AvatarMode, error) {
	switch AvatarMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AvatarModeReport, "":
		return AvatarModeReport, nil
	case AvatarModeClear:
		return AvatarModeClear, nil
	case AvatarModeRestore:
		return AvatarModeRestore, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

type DanglingAvatar struct {
	ProfileID string `json:"profile_id"`
	AccountID int64  `json:"account_id"`
	AvatarURL string `json:"avatar_url"`
	Orphaned  bool   `json:"orphaned"`
}

type RestorableAvatar struct {
	ProfileID  string `json:"profile_id"`
	AccountID  int64  `json:"account_id"`
	LatestPath string `json:"latest_path"`
}

type AvatarReport struct {
	Mode       AvatarMode         `json:"mode"`
	Dangling   []DanglingAvatar   `json:"dangling"`
	Restorable []RestorableAvatar `json:"restorable"`
	Cleared    int                `json:"cleared"`
	Restored   int                `json:"restored"`
	Skipped    int                `json:"skipped"`
	Failures   []RepairFailure    `json:"failures"`
}

type AvatarReconcilerConfig struct {
	Runner *txn.Runner
	Assets profiles.AssetCatalog
	Store  *profiles.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// AvatarReconciler detects and repairs avatar references that drifted from the image table.
type AvatarReconciler struct {
	runner *txn.Runner
	assets profiles.AssetCatalog
	store  *profiles.Store
	clock  func() time.Time
	logger *zap.Logger
}

func NewAvatarReconciler(cfg AvatarReconcilerConfig) (*AvatarReconciler, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	if cfg.Assets == nil {
		return nil, errMissingCatalog
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvatarReconciler{
		runner: cfg.Runner,
		assets: cfg.Assets,
		store:  cfg.Store,
		clock:  clock,
		logger: logger,
	}, nil
}

// ReconcileAvatars reports dangling and restorable avatars, and in clear or restore mode
// repairs the corresponding set. Restoring is never automatic: an account may have no
// avatar on purpose.
func (r *AvatarReconciler) ReconcileAvatars(ctx context.Context, mode AvatarMode) (AvatarReport, error) {
	if mode != AvatarModeReport && mode != AvatarModeClear && mode != AvatarModeRestore {
		return AvatarReport{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	report := AvatarReport{
		Mode:       mode,
		Dangling:   []DanglingAvatar{},
		Restorable: []RestorableAvatar{},
		Failures:   []RepairFailure{},
	}
	if err := r.scan(ctx, &report); err != nil {
		r.logger.Error("avatar scan failed", zap.String("mode", string(mode)), zap.Error(err))
		return AvatarReport{}, err
	}

	switch mode {
	case AvatarModeClear:
		for _, item := range report.Dangling {
			change := profiles.AvatarChange{
				AccountID:     item.AccountID,
				ProfileID:     item.ProfileID,
				Expected:      item.AvatarURL,
				Next:          "",
				AllowOrphaned: true,
			}
			r.apply(ctx, &report, change, actionClear, &report.Cleared)
		}
	case AvatarModeRestore:
		for _, item := range report.Restorable {
			change := profiles.AvatarChange{
				AccountID:     item.AccountID,
				ProfileID:     item.ProfileID,
				Expected:      "",
				Next:          item.LatestPath,
				RequireActive: true,
			}
			r.apply(ctx, &report, change, actionRestore, &report.Restored)
		}
	}

	r.logger.Info("avatar reconciliation completed",
		zap.String("mode", string(mode)),
		zap.Int("dangling", len(report.Dangling)),
		zap.Int("restorable", len(report.Restorable)),
		zap.Int("cleared", report.Cleared),
		zap.Int("restored", report.Restored),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

// SetAvatar assigns an avatar after checking the image belongs to the account.
func (r *AvatarReconciler) SetAvatar(ctx context.Context, accountID int64, path string) (profiles.ProfileView, error) {
	return r.store.AssignAvatar(ctx, accountID, path)
}

func (r *AvatarReconciler) scan(ctx context.Context, report *AvatarReport) error {
	db := r.runner.DB().WithContext(ctx)

	var rows []profiles.Profile
	if err := db.Order("user_id ASC, profile_id ASC").Find(&rows).Error; err != nil {
		return err
	}
	var accountRows []accounts.Account
	if err := db.Find(&accountRows).Error; err != nil {
		return err
	}
	active := make(map[int64]bool, len(accountRows))
	for _, account := range accountRows {
		active[account.ID] = account.Active()
	}

	for _, profile := range rows {
		avatar := ""
		if profile.AvatarURL != nil {
			avatar = strings.TrimSpace(*profile.AvatarURL)
		}
		if avatar != "" {
			owned, err := r.assets.AssetExists(ctx, avatar, profile.AccountID)
			if err != nil {
				return err
			}
			if !owned {
				report.Dangling = append(report.Dangling, DanglingAvatar{
					ProfileID: profile.ID,
					AccountID: profile.AccountID,
					AvatarURL: avatar,
					Orphaned:  profile.Orphaned,
				})
			}
			continue
		}
		if profile.Orphaned || !active[profile.AccountID] {
			continue
		}
		owned, err := r.assets.ListOwnedAssets(ctx, profile.AccountID)
		if err != nil {
			return err
		}
		if len(owned) > 0 {
			report.Restorable = append(report.Restorable, RestorableAvatar{
				ProfileID:  profile.ID,
				AccountID:  profile.AccountID,
				LatestPath: owned[0].Path,
			})
		}
	}
	return nil
}

func (r *AvatarReconciler) apply(ctx context.Context, report *AvatarReport, change profiles.AvatarChange, action Action, counter *int) {
	var applied bool
	err := r.runner.Run(ctx, func(tx *gorm.DB) error {
		var err error
		applied, err = profiles.CompareAndSetAvatar(tx, change, r.clock().UTC())
		return err
	})
	switch {
	case err != nil:
		report.Failures = append(report.Failures, RepairFailure{
			AccountID: change.AccountID,
			ProfileID: change.ProfileID,
			Action:    action,
			Error:     err.Error(),
		})
		r.logger.Warn("avatar repair failed",
			zap.Int64("account_id", change.AccountID),
			zap.String("profile_id", change.ProfileID),
			zap.String("action", string(action)),
			zap.Error(err))
	case applied:
		*counter++
	default:
		report.Skipped++
	}
}
