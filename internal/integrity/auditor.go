package integrity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Mode string

const (
	ModeReport Mode = "report"
	ModeRepair Mode = "repair"
)

var (
	// ErrInvalidMode indicates an unsupported scan mode.
	ErrInvalidMode = errors.New("integrity: invalid mode")

	errMissingRunner    = errors.New("integrity: transaction runner is required")
	errMissingLifecycle = errors.New("integrity: lifecycle is required")
	errMissingCatalog   = errors.New("integrity: asset catalog is required")
	errMissingStore     = errors.New("integrity: profile store is required")
	errNoLongerDrifted  = errors.New("integrity: row no longer needs repair")
)

// ParseMode validates an integrity scan mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeReport, "":
		return ModeReport, nil
	case ModeRepair:
		return ModeRepair, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

type RepairFailure struct {
	AccountID int64  `json:"account_id"`
	ProfileID string `json:"profile_id,omitempty"`
	Action    Action `json:"action"`
	Error     string `json:"error"`
}

type RepairSummary struct {
	Created   int             `json:"created"`
	Reclaimed int             `json:"reclaimed"`
	Orphaned  int             `json:"orphaned"`
	Skipped   int             `json:"skipped"`
	Failures  []RepairFailure `json:"failures"`
}

type IntegrityReport struct {
	Mode                  Mode                `json:"mode"`
	MissingProfiles       []MissingProfile    `json:"missing_profiles"`
	MisclassifiedOrphans  []Misclassification `json:"misclassified_orphans"`
	PermanentOrphans      []RetainedOrphan    `json:"permanent_orphans"`
	ShadowedOrphans       []RetainedOrphan    `json:"shadowed_orphans"`
	DuplicateLiveProfiles []DuplicateLive     `json:"duplicate_live_profiles"`
	Stats                 ProfileStats        `json:"stats"`
	Repair                *RepairSummary      `json:"repair,omitempty"`
}

type AuditorConfig struct {
	Runner    *txn.Runner
	Lifecycle *profiles.Lifecycle
	Logger    *zap.Logger
}

// Auditor detects and repairs drift between accounts and profiles.
type Auditor struct {
	runner    *txn.Runner
	lifecycle *profiles.Lifecycle
	logger    *zap.Logger
}

func NewAuditor(cfg AuditorConfig) (*Auditor, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	if cfg.Lifecycle == nil {
		return nil, errMissingLifecycle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{runner: cfg.Runner, lifecycle: cfg.Lifecycle, logger: logger}, nil
}

// RunIntegrityScan computes the discrepancy sets. In repair mode it then applies each
// create, reclaim and orphan action in its own transaction; a failing row is recorded
// and the scan continues.
func (a *Auditor) RunIntegrityScan(ctx context.Context, mode Mode) (IntegrityReport, error) {
	if mode != ModeReport && mode != ModeRepair {
		return IntegrityReport{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	found, err := a.scan(ctx)
	if err != nil {
		a.logger.Error("integrity scan failed", zap.String("mode", string(mode)), zap.Error(err))
		return IntegrityReport{}, err
	}
	report := IntegrityReport{
		Mode:                  mode,
		MissingProfiles:       found.missing,
		MisclassifiedOrphans:  found.misclassified,
		PermanentOrphans:      found.permanent,
		ShadowedOrphans:       found.shadowed,
		DuplicateLiveProfiles: found.duplicates,
		Stats:                 found.stats,
	}

	if mode == ModeRepair {
		summary := a.repair(ctx, found)
		report.Repair = &summary
	}

	a.logger.Info("integrity scan completed",
		zap.String("mode", string(mode)),
		zap.Int("missing_profiles", len(report.MissingProfiles)),
		zap.Int("misclassified_orphans", len(report.MisclassifiedOrphans)),
		zap.Int("permanent_orphans", len(report.PermanentOrphans)),
		zap.Int("duplicate_live_profiles", len(report.DuplicateLiveProfiles)))
	return report, nil
}

func (a *Auditor) scan(ctx context.Context) (drift, error) {
	db := a.runner.DB().WithContext(ctx)

	var accountRows []accounts.Account
	if err := db.Order("id ASC").Find(&accountRows).Error; err != nil {
		return drift{}, err
	}
	var profileRows []profiles.Profile
	if err := db.Order("user_id ASC, profile_id ASC").Find(&profileRows).Error; err != nil {
		return drift{}, err
	}
	return detectDrift(accountRows, profileRows), nil
}

// repair applies reclaims before orphans and creates, so an active account with a
// reclaimable orphan never receives a second live profile.
func (a *Auditor) repair(ctx context.Context, found drift) RepairSummary {
	summary := RepairSummary{Failures: []RepairFailure{}}

	for _, item := range found.misclassified {
		if item.Action != ActionReclaim {
			continue
		}
		a.record(&summary, item.AccountID, item.ProfileID, ActionReclaim, a.runner.Run(ctx, func(tx *gorm.DB) error {
			return a.reclaim(tx, item)
		}))
	}
	for _, item := range found.misclassified {
		if item.Action != ActionOrphan {
			continue
		}
		a.record(&summary, item.AccountID, item.ProfileID, ActionOrphan, a.runner.Run(ctx, func(tx *gorm.DB) error {
			return a.orphan(tx, item)
		}))
	}
	for _, item := range found.missing {
		a.record(&summary, item.AccountID, "", ActionCreate, a.runner.Run(ctx, func(tx *gorm.DB) error {
			return a.create(tx, item.AccountID)
		}))
	}
	return summary
}

func (a *Auditor) reclaim(tx *gorm.DB, item Misclassification) error {
	account, err := accounts.LockAccount(tx, item.AccountID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return errNoLongerDrifted
	}
	if err != nil {
		return err
	}
	if !account.Active() {
		return errNoLongerDrifted
	}
	candidate, err := profiles.LockReclaimCandidate(tx, item.AccountID)
	if err != nil {
		return err
	}
	if candidate == nil || candidate.ID != item.ProfileID {
		return errNoLongerDrifted
	}
	return a.lifecycle.Reclaim(tx, candidate)
}

func (a *Auditor) orphan(tx *gorm.DB, item Misclassification) error {
	account, err := accounts.LockAccount(tx, item.AccountID)
	switch {
	case errors.Is(err, accounts.ErrAccountNotFound):
	case err != nil:
		return err
	case account.Active():
		return errNoLongerDrifted
	}
	profile, err := profiles.LockProfile(tx, item.ProfileID)
	if err != nil {
		return err
	}
	if profile == nil || profile.Orphaned {
		return errNoLongerDrifted
	}
	return a.lifecycle.Orphan(tx, profile)
}

func (a *Auditor) create(tx *gorm.DB, accountID int64) error {
	account, err := accounts.LockAccount(tx, accountID)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return errNoLongerDrifted
	}
	if err != nil {
		return err
	}
	if !account.Active() {
		return errNoLongerDrifted
	}
	live, err := profiles.LockLiveProfile(tx, accountID)
	if err != nil {
		return err
	}
	if live != nil {
		return errNoLongerDrifted
	}
	candidate, err := profiles.LockReclaimCandidate(tx, accountID)
	if err != nil {
		return err
	}
	if candidate != nil {
		return errNoLongerDrifted
	}
	_, err = a.lifecycle.CreateSkeleton(tx, accountID, nil)
	return err
}

func (a *Auditor) record(summary *RepairSummary, accountID int64, profileID string, action Action, err error) {
	switch {
	case err == nil:
		switch action {
		case ActionCreate:
			summary.Created++
		case ActionReclaim:
			summary.Reclaimed++
		case ActionOrphan:
			summary.Orphaned++
		}
	case errors.Is(err, errNoLongerDrifted):
		summary.Skipped++
	default:
		summary.Failures = append(summary.Failures, RepairFailure{
			AccountID: accountID,
			ProfileID: profileID,
			Action:    action,
			Error:     err.Error(),
		})
		a.logger.Warn("integrity repair failed",
			zap.Int64("account_id", accountID),
			zap.String("profile_id", profileID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}
