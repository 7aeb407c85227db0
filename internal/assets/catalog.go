package assets

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("assets: database handle is required")

type ImageAsset struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID int64     `gorm:"column:user_id;not null;index:idx_images_owner_created,priority:1"`
	Path      string    `gorm:"column:image_url;size:512;not null;index"`
	Filename  string    `gorm:"column:filename;size:255;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_images_owner_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ImageAsset) TableName() string {
	return "images"
}

type OwnedAsset struct {
	Path      string
	CreatedAt time.Time
}

type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Catalog{db: db}, nil
}

// ListOwnedAssets returns the account's assets, most recently created first.
func (c *Catalog) ListOwnedAssets(ctx context.Context, accountID int64) ([]OwnedAsset, error) {
	var rows []ImageAsset
	err := c.db.WithContext(ctx).
		Select("image_url", "created_at").
		Where("user_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	owned := make([]OwnedAsset, 0, len(rows))
	for _, row := range rows {
		owned = append(owned, OwnedAsset{Path: row.Path, CreatedAt: row.CreatedAt})
	}
	return owned, nil
}

// AssetExists reports whether path names an asset owned by accountID.
func (c *Catalog) AssetExists(ctx context.Context, path string, accountID int64) (bool, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return false, nil
	}
	var count int64
	err := c.db.WithContext(ctx).
		Model(&ImageAsset{}).
		Where("image_url = ? AND user_id = ?", trimmed, accountID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
