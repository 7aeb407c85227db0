package accounts

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status enumerates account activity states.
type Status string

const (
	// StatusActive marks an account that may own a live profile.
	StatusActive Status = "active"
	// StatusInactive marks a deactivated account whose profile is retained as an orphan.
	StatusInactive Status = "inactive"
)

// Role enumerates requester roles understood by the profile core.
type Role string

const (
	// RoleUser is the default, non-elevated role.
	RoleUser Role = "user"
	// RoleAdmin is elevated: it may access any profile and overrides write leases.
	RoleAdmin Role = "admin"
)

var (
	// ErrInvalidAccountID indicates an identifier that is not a positive integer.
	ErrInvalidAccountID = errors.New("accounts: invalid account id")
	// ErrInvalidStatus indicates a status outside the supported set.
	ErrInvalidStatus = errors.New("accounts: invalid status")
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseRole normalizes a role name. Unknown names map to RoleUser.
func ParseRole(raw string) Role {
	if Role(strings.ToLower(strings.TrimSpace(raw))) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Elevated reports whether the role bypasses self-access and lease checks.
func (r Role) Elevated() bool {
	return r == RoleAdmin
}

// ParseAccountID validates raw input and returns a positive account identifier.
func ParseAccountID(raw string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAccountID, raw)
	}
	return value, nil
}

type Account struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username  string    `gorm:"column:username;size:190;not null;default:''"`
	Status    Status    `gorm:"column:status;size:16;not null;default:active;index"`
	Role      Role      `gorm:"column:role;size:16;not null;default:user"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Active reports whether the account may own a live profile.
func (a Account) Active() bool {
	return a.Status == StatusActive
}
