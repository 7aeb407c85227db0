package profiles

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
)

func TestCanAccess(t *testing.T) {
	testCases := []struct {
		name      string
		requester int64
		role      accounts.Role
		target    int64
		want      bool
	}{
		{name: "self", requester: 42, role: accounts.RoleUser, target: 42, want: true},
		{name: "other user", requester: 7, role: accounts.RoleUser, target: 42, want: false},
		{name: "admin", requester: 1, role: accounts.RoleAdmin, target: 42, want: true},
		{name: "unknown role", requester: 7, role: accounts.Role("owner"), target: 42, want: false},
		{name: "zero requester", requester: 0, role: accounts.RoleAdmin, target: 42, want: false},
		{name: "negative target", requester: 42, role: accounts.RoleUser, target: -42, want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := CanAccess(testCase.requester, testCase.role, testCase.target); got != testCase.want {
				t.Fatalf("CanAccess(%d, %s, %d) = %t, want %t",
					testCase.requester, testCase.role, testCase.target, got, testCase.want)
			}
		})
	}
}

func TestDeriveFingerprintIsStableWithinWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)

	first := DeriveFingerprint("token", 42, start, time.Hour)
	sameWindow := DeriveFingerprint("token", 42, start.Add(40*time.Minute), time.Hour)
	nextWindow := DeriveFingerprint("token", 42, start.Add(time.Hour), time.Hour)
	otherRequester := DeriveFingerprint("token", 43, start, time.Hour)
	otherCredential := DeriveFingerprint("other", 42, start, time.Hour)

	if len(first) != fingerprintLength {
		t.Fatalf("expected %d characters, got %d", fingerprintLength, len(first))
	}
	if first != sameWindow {
		t.Fatalf("expected fingerprint to be stable within the window")
	}
	if first == nextWindow || first == otherRequester || first == otherCredential {
		t.Fatalf("expected fingerprint to change with window, requester and credential")
	}
	if DeriveFingerprint("", 42, start, 0) == "" {
		t.Fatalf("expected a token for an empty credential")
	}
}

func TestArbitrateLease(t *testing.T) {
	holder7 := int64(7)
	zero := int64(0)

	if decision := arbitrateLease(nil, 7, accounts.RoleUser); !decision.Granted {
		t.Fatalf("expected empty lease to grant")
	}
	if decision := arbitrateLease(&zero, 7, accounts.RoleUser); !decision.Granted {
		t.Fatalf("expected zero holder to grant")
	}
	if decision := arbitrateLease(&holder7, 7, accounts.RoleUser); !decision.Granted {
		t.Fatalf("expected own lease to grant")
	}

	refused := arbitrateLease(&holder7, 9, accounts.RoleUser)
	if refused.Granted || refused.Holder != 7 {
		t.Fatalf("expected refusal naming holder 7, got %+v", refused)
	}

	if decision := arbitrateLease(&holder7, 1, accounts.RoleAdmin); !decision.Granted {
		t.Fatalf("expected elevated requester to override")
	}
}
