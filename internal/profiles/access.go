package profiles

import "github.com/MarcoPoloResearchLab/profilevault/internal/accounts"

// CanAccess reports whether the requester may read or mutate the target account's profile:
// either it is the requester's own profile or the requester holds an elevated role.
// Malformed identifiers never grant access.
func CanAccess(requesterID int64, requesterRole accounts.Role, targetAccountID int64) bool {
	if requesterID <= 0 || targetAccountID <= 0 {
		return false
	}
	if requesterRole.Elevated() {
		return true
	}
	return requesterID == targetAccountID
}
