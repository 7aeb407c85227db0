package integrity

import (
	"sort"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
)

// accountStatusAbsent labels profiles whose account row no longer exists.
const accountStatusAbsent = "absent"

type Action string

const (
	ActionReclaim Action = "reclaim"
	ActionOrphan  Action = "orphan"
	ActionCreate  Action = "create"
)

type MissingProfile struct {
	AccountID int64  `json:"account_id"`
	Username  string `json:"username"`
}

type Misclassification struct {
	ProfileID     string `json:"profile_id"`
	AccountID     int64  `json:"account_id"`
	AccountStatus string `json:"account_status"`
	Orphaned      bool   `json:"orphaned"`
	Action        Action `json:"action"`
}

type RetainedOrphan struct {
	ProfileID     string `json:"profile_id"`
	AccountID     int64  `json:"account_id"`
	AccountStatus string `json:"account_status"`
	HasContent    bool   `json:"has_content"`
}

type DuplicateLive struct {
	AccountID  int64    `json:"account_id"`
	ProfileIDs []string `json:"profile_ids"`
}

type ProfileStats struct {
	Total       int `json:"total"`
	Live        int `json:"live"`
	Orphaned    int `json:"orphaned"`
	WithContent int `json:"with_content"`
}

type drift struct {
	missing       []MissingProfile
	misclassified []Misclassification
	permanent     []RetainedOrphan
	shadowed      []RetainedOrphan
	duplicates    []DuplicateLive
	stats         ProfileStats
}

type accountProfiles struct {
	live    []profiles.Profile
	orphans []profiles.Profile
}

// detectDrift derives every discrepancy class from a snapshot of accounts and profiles.
func detectDrift(accountRows []accounts.Account, profileRows []profiles.Profile) drift {
	var result drift

	byAccount := make(map[int64]*accountProfiles)
	for _, profile := range profileRows {
		result.stats.Total++
		if profile.HasContent() {
			result.stats.WithContent++
		}
		group, ok := byAccount[profile.AccountID]
		if !ok {
			group = &accountProfiles{}
			byAccount[profile.AccountID] = group
		}
		if profile.Orphaned {
			result.stats.Orphaned++
			group.orphans = append(group.orphans, profile)
		} else {
			result.stats.Live++
			group.live = append(group.live, profile)
		}
	}

	known := make(map[int64]accounts.Account, len(accountRows))
	for _, account := range accountRows {
		known[account.ID] = account
		if !account.Active() {
			continue
		}
		if _, hasProfiles := byAccount[account.ID]; !hasProfiles {
			result.missing = append(result.missing, MissingProfile{AccountID: account.ID, Username: account.Username})
		}
	}

	for accountID, group := range byAccount {
		account, exists := known[accountID]
		status := accountStatusAbsent
		if exists {
			status = string(account.Status)
		}

		if !exists || !account.Active() {
			for _, profile := range group.live {
				result.misclassified = append(result.misclassified, Misclassification{
					ProfileID:     profile.ID,
					AccountID:     accountID,
					AccountStatus: status,
					Orphaned:      false,
					Action:        ActionOrphan,
				})
			}
			if !exists {
				for _, profile := range group.orphans {
					result.permanent = append(result.permanent, retained(profile, status))
				}
			}
			continue
		}

		if len(group.live) > 1 {
			ids := make([]string, 0, len(group.live))
			for _, profile := range group.live {
				ids = append(ids, profile.ID)
			}
			sort.Strings(ids)
			result.duplicates = append(result.duplicates, DuplicateLive{AccountID: accountID, ProfileIDs: ids})
		}

		orphans := group.orphans
		sort.Slice(orphans, func(i, j int) bool {
			if !orphans[i].UpdatedAt.Equal(orphans[j].UpdatedAt) {
				return orphans[i].UpdatedAt.After(orphans[j].UpdatedAt)
			}
			return orphans[i].ID > orphans[j].ID
		})
		if len(group.live) == 0 && len(orphans) > 0 {
			result.misclassified = append(result.misclassified, Misclassification{
				ProfileID:     orphans[0].ID,
				AccountID:     accountID,
				AccountStatus: status,
				Orphaned:      true,
				Action:        ActionReclaim,
			})
			orphans = orphans[1:]
		}
		for _, profile := range orphans {
			result.shadowed = append(result.shadowed, retained(profile, status))
		}
	}

	sort.Slice(result.missing, func(i, j int) bool { return result.missing[i].AccountID < result.missing[j].AccountID })
	sort.Slice(result.misclassified, func(i, j int) bool {
		return lessByAccount(result.misclassified[i].AccountID, result.misclassified[i].ProfileID,
			result.misclassified[j].AccountID, result.misclassified[j].ProfileID)
	})
	sortRetained(result.permanent)
	sortRetained(result.shadowed)
	sort.Slice(result.duplicates, func(i, j int) bool { return result.duplicates[i].AccountID < result.duplicates[j].AccountID })
	return result
}

func retained(profile profiles.Profile, status string) RetainedOrphan {
	return RetainedOrphan{
		ProfileID:     profile.ID,
		AccountID:     profile.AccountID,
		AccountStatus: status,
		HasContent:    profile.HasContent(),
	}
}

func sortRetained(items []RetainedOrphan) {
	sort.Slice(items, func(i, j int) bool {
		return lessByAccount(items[i].AccountID, items[i].ProfileID, items[j].AccountID, items[j].ProfileID)
	})
}

func lessByAccount(leftAccount int64, leftProfile string, rightAccount int64, rightProfile string) bool {
	if leftAccount != rightAccount {
		return leftAccount < rightAccount
	}
	return leftProfile < rightProfile
}
