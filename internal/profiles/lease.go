package profiles

import "github.com/MarcoPoloResearchLab/profilevault/internal/accounts"

// LeaseDecision is the arbiter's verdict for a write against an existing live profile.
type LeaseDecision struct {
	Granted bool
	// Holder is the conflicting lease holder when the write is refused.
	Holder int64
}

// arbitrateLease decides whether requester may write over the recorded lease.
// An empty lease or the requester's own lease grants the write; another holder's lease
// refuses it unless the requester is elevated.
func arbitrateLease(holder *int64, requesterID int64, requesterRole accounts.Role) LeaseDecision {
	if holder == nil || *holder == 0 || *holder == requesterID {
		return LeaseDecision{Granted: true}
	}
	if requesterRole.Elevated() {
		return LeaseDecision{Granted: true}
	}
	return LeaseDecision{Granted: false, Holder: *holder}
}
