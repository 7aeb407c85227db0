package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/assets"
	"gorm.io/gorm"
)

var errMissingAssets = errors.New("asset catalog is required")

// AssetCatalog is the asset collaborator consumed for avatar validation and repair.
type AssetCatalog interface {
	ListOwnedAssets(ctx context.Context, accountID int64) ([]assets.OwnedAsset, error)
	AssetExists(ctx context.Context, path string, accountID int64) (bool, error)
}

// AvatarChange describes a compare-and-set on a profile's avatar reference.
type AvatarChange struct {
	AccountID int64
	ProfileID string
	// Expected is the avatar the scan observed; empty means NULL or blank.
	Expected string
	// Next is the avatar to store; empty stores NULL.
	Next string
	// RequireActive skips the change when the owning account is not active.
	RequireActive bool
	// AllowOrphaned lets the change apply to an orphaned profile.
	AllowOrphaned bool
}

// CompareAndSetAvatar locks the account and profile rows in order and replaces the avatar
// only if the profile still carries the expected value. Orphaned profiles are skipped
// unless the change allows them. It reports whether the change was applied.
func CompareAndSetAvatar(tx *gorm.DB, change AvatarChange, now time.Time) (bool, error) {
	account, err := accounts.LockAccount(tx, change.AccountID)
	switch {
	case errors.Is(err, accounts.ErrAccountNotFound):
		if change.RequireActive {
			return false, nil
		}
	case err != nil:
		return false, err
	case change.RequireActive && !account.Active():
		return false, nil
	}

	profile, err := LockProfile(tx, change.ProfileID)
	if err != nil {
		return false, err
	}
	if profile == nil || profile.AccountID != change.AccountID {
		return false, nil
	}
	if profile.Orphaned && !change.AllowOrphaned {
		return false, nil
	}
	current := ""
	if profile.AvatarURL != nil {
		current = strings.TrimSpace(*profile.AvatarURL)
	}
	if current != change.Expected {
		return false, nil
	}

	var next any
	if change.Next != "" {
		next = change.Next
	}
	err = tx.Model(&Profile{}).
		Where("profile_id = ?", profile.ID).
		Updates(map[string]any{"avatar_url": next, "updated_at": now}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// AssignAvatar sets the live profile's avatar to path after checking that path names an
// asset owned by the account. It is an operator action: no access guard or lease applies.
func (s *Store) AssignAvatar(ctx context.Context, targetAccountID int64, path string) (ProfileView, error) {
	if s.assets == nil {
		return ProfileView{}, newServiceError(opSetAvatar, "missing_assets", errMissingAssets)
	}
	trimmed := strings.TrimSpace(path)
	owned, err := s.assets.AssetExists(ctx, trimmed, targetAccountID)
	if err != nil {
		return ProfileView{}, s.fail(opSetAvatar, targetAccountID, Requester{}, err)
	}
	if !owned {
		return ProfileView{}, s.reject(opSetAvatar, reasonInvalidRef, targetAccountID, Requester{},
			fmt.Errorf("%w: %q is not an image owned by account %d", ErrInvalidReference, trimmed, targetAccountID))
	}

	var result Profile
	err = s.runner.Run(ctx, func(tx *gorm.DB) error {
		profile, err := s.lockActiveProfile(tx, opSetAvatar, targetAccountID)
		if err != nil {
			return err
		}
		if profile == nil {
			return newServiceError(opSetAvatar, reasonNotFound,
				fmt.Errorf("%w: account %d has no live profile", ErrNotFound, targetAccountID))
		}
		now := s.clock().UTC()
		err = tx.Model(&Profile{}).
			Where("profile_id = ?", profile.ID).
			Updates(map[string]any{"avatar_url": trimmed, "updated_at": now}).Error
		if err != nil {
			return err
		}
		profile.AvatarURL = &trimmed
		profile.UpdatedAt = now
		result = *profile
		return nil
	})
	if err != nil {
		return ProfileView{}, s.fail(opSetAvatar, targetAccountID, Requester{}, err)
	}
	return result.View(), nil
}
