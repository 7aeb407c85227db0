package integrity

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/assets"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

type countingIDs struct {
	next int
}

func (c *countingIDs) NewID() (string, error) {
	c.next++
	return fmt.Sprintf("generated-%04d", c.next), nil
}

type integrityEnv struct {
	db        *gorm.DB
	runner    *txn.Runner
	lifecycle *profiles.Lifecycle
	directory *accounts.Directory
	catalog   *assets.Catalog
	store     *profiles.Store
	auditor   *Auditor
	avatars   *AvatarReconciler
}

func newIntegrityEnv(t *testing.T, logger *zap.Logger) *integrityEnv {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "integrity.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&accounts.Account{}, &assets.ImageAsset{}, &profiles.Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return testEpoch.Add(24 * time.Hour) }
	runner, err := txn.NewRunner(db, time.Second)
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}
	lifecycle, err := profiles.NewLifecycle(profiles.LifecycleConfig{IDProvider: &countingIDs{}, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build lifecycle: %v", err)
	}
	directory, err := accounts.NewDirectory(accounts.DirectoryConfig{Runner: runner, Hook: lifecycle, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	catalog, err := assets.NewCatalog(db)
	if err != nil {
		t.Fatalf("failed to build catalog: %v", err)
	}
	store, err := profiles.NewStore(profiles.StoreConfig{Runner: runner, Lifecycle: lifecycle, Assets: catalog, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	auditor, err := NewAuditor(AuditorConfig{Runner: runner, Lifecycle: lifecycle, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build auditor: %v", err)
	}
	avatars, err := NewAvatarReconciler(AvatarReconcilerConfig{Runner: runner, Assets: catalog, Store: store, Clock: clock, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build avatar reconciler: %v", err)
	}
	return &integrityEnv{
		db:        db,
		runner:    runner,
		lifecycle: lifecycle,
		directory: directory,
		catalog:   catalog,
		store:     store,
		auditor:   auditor,
		avatars:   avatars,
	}
}

func (e *integrityEnv) seedAccount(t *testing.T, id int64, status accounts.Status) {
	t.Helper()
	account := accounts.Account{ID: id, Username: fmt.Sprintf("user-%d", id), Status: status, Role: accounts.RoleUser}
	if err := e.db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account %d: %v", id, err)
	}
}

type profileSeed struct {
	id       string
	account  int64
	orphaned bool
	bio      string
	avatar   string
	updated  time.Duration
}

func (e *integrityEnv) seedProfile(t *testing.T, seed profileSeed) {
	t.Helper()
	profile := profiles.Profile{
		ID:        seed.id,
		AccountID: seed.account,
		Orphaned:  seed.orphaned,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch.Add(seed.updated),
	}
	if seed.bio != "" {
		bio := seed.bio
		profile.Bio = &bio
	}
	if seed.avatar != "" {
		avatar := seed.avatar
		profile.AvatarURL = &avatar
	}
	if err := e.db.Create(&profile).Error; err != nil {
		t.Fatalf("failed to seed profile %s: %v", seed.id, err)
	}
}

func (e *integrityEnv) seedImage(t *testing.T, accountID int64, path string, age time.Duration) {
	t.Helper()
	image := assets.ImageAsset{AccountID: accountID, Path: path, Filename: filepath.Base(path), CreatedAt: testEpoch.Add(age)}
	if err := e.db.Create(&image).Error; err != nil {
		t.Fatalf("failed to seed image %s: %v", path, err)
	}
}

func (e *integrityEnv) profile(t *testing.T, id string) profiles.Profile {
	t.Helper()
	var profile profiles.Profile
	if err := e.db.Where("profile_id = ?", id).Take(&profile).Error; err != nil {
		t.Fatalf("failed to load profile %s: %v", id, err)
	}
	return profile
}

func (e *integrityEnv) profileCount(t *testing.T, accountID int64, orphaned bool) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&profiles.Profile{}).Where("user_id = ? AND is_orphaned = ?", accountID, orphaned).Count(&count).Error; err != nil {
		t.Fatalf("failed to count profiles: %v", err)
	}
	return count
}
