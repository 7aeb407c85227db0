package profiles

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	birthDateLayout = "2006-01-02"
	maxNameLength   = 100
	maxPhoneLength  = 32
	maxBioLength    = 4000
	maxAvatarLength = 512
)

// Profile is the persisted profile row, including internal lease bookkeeping.
// Several profiles may exist per account; at most one of them is live.
type Profile struct {
	ID           string     `gorm:"column:profile_id;primaryKey;size:64;not null"`
	AccountID    int64      `gorm:"column:user_id;not null;index:idx_profiles_user_orphaned,priority:1"`
	FirstName    *string    `gorm:"column:first_name;size:100"`
	LastName     *string    `gorm:"column:last_name;size:100"`
	Phone        *string    `gorm:"column:phone;size:32"`
	BirthDate    *string    `gorm:"column:birth_date;size:10"`
	Bio          *string    `gorm:"column:bio;type:text"`
	AvatarURL    *string    `gorm:"column:avatar_url;size:512"`
	Orphaned     bool       `gorm:"column:is_orphaned;not null;default:false;index:idx_profiles_user_orphaned,priority:2"`
	LeaseHolder  *int64     `gorm:"column:last_accessed_by"`
	LeaseStamp   *string    `gorm:"column:session_hash;size:64"`
	LastAccessAt *time.Time `gorm:"column:last_access_time"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "user_profiles"
}

// HasContent reports whether any content attribute is set.
func (p Profile) HasContent() bool {
	for _, value := range []*string{p.FirstName, p.LastName, p.Phone, p.BirthDate, p.Bio, p.AvatarURL} {
		if value != nil && *value != "" {
			return true
		}
	}
	return false
}

// View strips lease bookkeeping and returns the externally visible shape.
func (p Profile) View() ProfileView {
	return ProfileView{
		ProfileID: p.ID,
		AccountID: p.AccountID,
		FirstName: copyString(p.FirstName),
		LastName:  copyString(p.LastName),
		Phone:     copyString(p.Phone),
		BirthDate: copyString(p.BirthDate),
		Bio:       copyString(p.Bio),
		AvatarURL: copyString(p.AvatarURL),
		Orphaned:  p.Orphaned,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type ProfileView struct {
	ProfileID string    `json:"profile_id"`
	AccountID int64     `json:"user_id"`
	FirstName *string   `json:"first_name"`
	LastName  *string   `json:"last_name"`
	Phone     *string   `json:"phone"`
	BirthDate *string   `json:"birth_date"`
	Bio       *string   `json:"bio"`
	AvatarURL *string   `json:"avatar_url"`
	Orphaned  bool      `json:"orphaned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Lease struct {
	Holder int64
	Stamp  string
}

// Attributes is a partial update. A nil field is left unchanged; a supplied blank
// value clears the column.
type Attributes struct {
	FirstName *string
	LastName  *string
	Phone     *string
	BirthDate *string
	Bio       *string
	AvatarURL *string
}

// Empty reports whether no attribute was supplied.
func (a Attributes) Empty() bool {
	return a.FirstName == nil && a.LastName == nil && a.Phone == nil &&
		a.BirthDate == nil && a.Bio == nil && a.AvatarURL == nil
}

type attributeRule struct {
	column    string
	value     *string
	maxLength int
	validate  func(string) error
}

func (a Attributes) rules() []attributeRule {
	return []attributeRule{
		{column: "first_name", value: a.FirstName, maxLength: maxNameLength},
		{column: "last_name", value: a.LastName, maxLength: maxNameLength},
		{column: "phone", value: a.Phone, maxLength: maxPhoneLength},
		{column: "birth_date", value: a.BirthDate, maxLength: len(birthDateLayout), validate: validateBirthDate},
		{column: "bio", value: a.Bio, maxLength: maxBioLength},
		{column: "avatar_url", value: a.AvatarURL, maxLength: maxAvatarLength},
	}
}

// columns validates the supplied attributes and returns the column updates to apply.
// Blank values map to nil so the column is cleared.
func (a Attributes) columns() (map[string]any, error) {
	updates := make(map[string]any)
	for _, rule := range a.rules() {
		if rule.value == nil {
			continue
		}
		trimmed := strings.TrimSpace(*rule.value)
		if trimmed == "" {
			updates[rule.column] = nil
			continue
		}
		if utf8.RuneCountInString(trimmed) > rule.maxLength {
			return nil, fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidAttributes, rule.column, rule.maxLength)
		}
		if rule.validate != nil {
			if err := rule.validate(trimmed); err != nil {
				return nil, err
			}
		}
		updates[rule.column] = trimmed
	}
	return updates, nil
}

// apply writes validated column updates onto an in-memory profile.
func (p *Profile) apply(columns map[string]any) {
	targets := map[string]**string{
		"first_name": &p.FirstName,
		"last_name":  &p.LastName,
		"phone":      &p.Phone,
		"birth_date": &p.BirthDate,
		"bio":        &p.Bio,
		"avatar_url": &p.AvatarURL,
	}
	for column, value := range columns {
		target, ok := targets[column]
		if !ok {
			continue
		}
		if text, isText := value.(string); isText {
			*target = &text
			continue
		}
		*target = nil
	}
}

func validateBirthDate(value string) error {
	if _, err := time.Parse(birthDateLayout, value); err != nil {
		return fmt.Errorf("%w: birth_date must be YYYY-MM-DD", ErrInvalidAttributes)
	}
	return nil
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
