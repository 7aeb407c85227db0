package profiles

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/assets"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("profile-%04d", s.next), nil
}

type testEnv struct {
	db        *gorm.DB
	runner    *txn.Runner
	clock     *testClock
	lifecycle *Lifecycle
	directory *accounts.Directory
	catalog   *assets.Catalog
	store     *Store
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&accounts.Account{}, &assets.ImageAsset{}, &Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T, logger *zap.Logger, lockTimeout time.Duration) *testEnv {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	db := openTestDatabase(t)
	runner, err := txn.NewRunner(db, lockTimeout)
	if err != nil {
		t.Fatalf("failed to build runner: %v", err)
	}
	clock := newTestClock()
	lifecycle, err := NewLifecycle(LifecycleConfig{IDProvider: &sequentialIDs{}, Clock: clock.Now, Logger: logger})
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
	store, err := NewStore(StoreConfig{
		Runner:    runner,
		Lifecycle: lifecycle,
		Assets:    catalog,
		Clock:     clock.Now,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return &testEnv{
		db:        db,
		runner:    runner,
		clock:     clock,
		lifecycle: lifecycle,
		directory: directory,
		catalog:   catalog,
		store:     store,
	}
}

func (e *testEnv) seedAccount(t *testing.T, id int64, status accounts.Status, role accounts.Role) {
	t.Helper()
	account := accounts.Account{ID: id, Username: fmt.Sprintf("user-%d", id), Status: status, Role: role}
	if err := e.db.Create(&account).Error; err != nil {
		t.Fatalf("failed to seed account %d: %v", id, err)
	}
}

func (e *testEnv) seedImage(t *testing.T, accountID int64, path string, createdAt time.Time) {
	t.Helper()
	image := assets.ImageAsset{AccountID: accountID, Path: path, Filename: filepath.Base(path), CreatedAt: createdAt}
	if err := e.db.Create(&image).Error; err != nil {
		t.Fatalf("failed to seed image %s: %v", path, err)
	}
}

func (e *testEnv) profilesOf(t *testing.T, accountID int64) []Profile {
	t.Helper()
	var rows []Profile
	if err := e.db.Where("user_id = ?", accountID).Order("profile_id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load profiles of %d: %v", accountID, err)
	}
	return rows
}

func owner(id int64) Requester {
	return Requester{ID: id, Role: accounts.RoleUser, Fingerprint: fmt.Sprintf("fp-%d", id)}
}

func admin(id int64) Requester {
	return Requester{ID: id, Role: accounts.RoleAdmin, Fingerprint: fmt.Sprintf("fp-admin-%d", id)}
}

func text(value string) *string {
	return &value
}
