package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReadProfileCreatesSkeletonOnce(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)
	ctx := context.Background()

	view, err := env.store.ReadProfile(ctx, 42, owner(42))
	if err != nil {
		testContext.Fatalf("unexpected read error: %v", err)
	}
	if view.AccountID != 42 || view.Orphaned || view.FirstName != nil || view.Bio != nil {
		testContext.Fatalf("expected empty live profile, got %+v", view)
	}

	again, err := env.store.ReadProfile(ctx, 42, owner(42))
	if err != nil {
		testContext.Fatalf("unexpected second read error: %v", err)
	}
	if again.ProfileID != view.ProfileID {
		testContext.Fatalf("expected the same profile, got %s and %s", view.ProfileID, again.ProfileID)
	}

	rows := env.profilesOf(testContext, 42)
	if len(rows) != 1 {
		testContext.Fatalf("expected exactly one profile row, got %d", len(rows))
	}
	if rows[0].LeaseHolder == nil || *rows[0].LeaseHolder != 42 {
		testContext.Fatalf("expected lease holder 42, got %v", rows[0].LeaseHolder)
	}
	if rows[0].LeaseStamp == nil || *rows[0].LeaseStamp != "fp-42" {
		testContext.Fatalf("expected lease stamp to record the fingerprint")
	}
}

func TestProfileViewNeverCarriesLeaseFields(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)

	view, err := env.store.ReadProfile(context.Background(), 42, owner(42))
	if err != nil {
		testContext.Fatalf("unexpected read error: %v", err)
	}
	encoded, err := json.Marshal(view)
	if err != nil {
		testContext.Fatalf("failed to encode view: %v", err)
	}
	for _, leaked := range []string{"last_accessed_by", "session_hash", "last_access_time", "fp-42"} {
		if strings.Contains(string(encoded), leaked) {
			testContext.Fatalf("view leaked %q: %s", leaked, encoded)
		}
	}
}

func TestWriteProfileAppliesPartialUpdates(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)
	ctx := context.Background()

	view, err := env.store.WriteProfile(ctx, 42, owner(42), Attributes{FirstName: text("Ada"), Bio: text(" hi ")})
	if err != nil {
		testContext.Fatalf("unexpected insert error: %v", err)
	}
	if view.FirstName == nil || *view.FirstName != "Ada" || view.Bio == nil || *view.Bio != "hi" {
		testContext.Fatalf("unexpected view after insert: %+v", view)
	}

	env.clock.Advance(time.Minute)
	view, err = env.store.WriteProfile(ctx, 42, owner(42), Attributes{Phone: text("+1 555 0100"), Bio: text("   ")})
	if err != nil {
		testContext.Fatalf("unexpected update error: %v", err)
	}
	if view.FirstName == nil || *view.FirstName != "Ada" {
		testContext.Fatalf("expected omitted first name to be retained, got %v", view.FirstName)
	}
	if view.Bio != nil {
		testContext.Fatalf("expected blank bio to clear the column, got %q", *view.Bio)
	}

	rows := env.profilesOf(testContext, 42)
	if len(rows) != 1 {
		testContext.Fatalf("expected one profile row, got %d", len(rows))
	}
	stored := rows[0]
	if stored.Phone == nil || *stored.Phone != "+1 555 0100" || stored.Bio != nil {
		testContext.Fatalf("unexpected stored row: %+v", stored)
	}
	if !stored.UpdatedAt.After(stored.CreatedAt) {
		testContext.Fatalf("expected updated_at to advance")
	}
}

func TestWriteProfileRejectsInvalidAttributes(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)

	_, err := env.store.WriteProfile(context.Background(), 42, owner(42), Attributes{BirthDate: text("yesterday")})
	if !errors.Is(err, ErrInvalidAttributes) {
		testContext.Fatalf("expected invalid attributes, got %v", err)
	}
	if rows := env.profilesOf(testContext, 42); len(rows) != 0 {
		testContext.Fatalf("expected no profile to be created, got %d", len(rows))
	}

	_, err = env.store.WriteProfile(context.Background(), 42, owner(42), Attributes{FirstName: text(strings.Repeat("a", maxNameLength+1))})
	if !errors.Is(err, ErrInvalidAttributes) {
		testContext.Fatalf("expected length violation, got %v", err)
	}
}

func TestWriteProfileLeaseConflictLeavesRowUnchanged(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	env := newTestEnv(testContext, zap.New(core), 0)
	env.seedAccount(testContext, 1, accounts.StatusActive, accounts.RoleAdmin)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)
	ctx := context.Background()

	if _, err := env.store.WriteProfile(ctx, 42, admin(1), Attributes{Bio: text("set by admin")}); err != nil {
		testContext.Fatalf("unexpected admin write error: %v", err)
	}
	before := env.profilesOf(testContext, 42)[0]

	env.clock.Advance(time.Minute)
	_, err := env.store.WriteProfile(ctx, 42, owner(42), Attributes{Bio: text("stale edit")})
	if !errors.Is(err, ErrLeaseConflict) {
		testContext.Fatalf("expected lease conflict, got %v", err)
	}
	if Retryable(err) {
		testContext.Fatalf("lease conflicts must not be retryable")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "profiles.write_profile.lease_conflict" {
		testContext.Fatalf("unexpected error code: %v", err)
	}

	after := env.profilesOf(testContext, 42)[0]
	if *after.Bio != "set by admin" || *after.LeaseHolder != 1 || !after.UpdatedAt.Equal(before.UpdatedAt) {
		testContext.Fatalf("expected refused write to leave the row unchanged, got %+v", after)
	}

	if _, err := env.store.ReadProfile(ctx, 42, owner(42)); err != nil {
		testContext.Fatalf("unexpected reload error: %v", err)
	}
	view, err := env.store.WriteProfile(ctx, 42, owner(42), Attributes{Bio: text("after reload")})
	if err != nil {
		testContext.Fatalf("expected write after reload to succeed: %v", err)
	}
	if *view.Bio != "after reload" {
		testContext.Fatalf("unexpected bio %q", *view.Bio)
	}

	rejected := logs.FilterMessage("profile request rejected").All()
	if len(rejected) != 1 {
		testContext.Fatalf("expected one rejection log entry, got %d", len(rejected))
	}
}

func TestAdminOverridesForeignLease(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 1, accounts.StatusActive, accounts.RoleAdmin)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)
	ctx := context.Background()

	if _, err := env.store.WriteProfile(ctx, 42, owner(42), Attributes{Bio: text("hi")}); err != nil {
		testContext.Fatalf("unexpected owner write error: %v", err)
	}
	if _, err := env.store.WriteProfile(ctx, 42, admin(1), Attributes{Bio: text("bye")}); err != nil {
		testContext.Fatalf("expected admin override, got %v", err)
	}
	row := env.profilesOf(testContext, 42)[0]
	if *row.Bio != "bye" || *row.LeaseHolder != 1 {
		testContext.Fatalf("expected admin lease and content, got %+v", row)
	}
}

func TestStoreGuardsAccess(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)
	env.seedAccount(testContext, 43, accounts.StatusInactive, accounts.RoleUser)
	ctx := context.Background()

	testCases := []struct {
		name     string
		target   int64
		request  Requester
		wantErr  error
		wantCode string
	}{
		{name: "foreign user", target: 42, request: owner(7), wantErr: ErrForbidden, wantCode: "profiles.read_profile.forbidden"},
		{name: "inactive account", target: 43, request: owner(43), wantErr: ErrForbidden, wantCode: "profiles.read_profile.account_inactive"},
		{name: "missing account", target: 99, request: admin(1), wantErr: ErrNotFound, wantCode: "profiles.read_profile.not_found"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			_, err := env.store.ReadProfile(ctx, testCase.target, testCase.request)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.wantCode {
				t.Fatalf("expected code %s, got %v", testCase.wantCode, err)
			}
		})
	}

	if rows := env.profilesOf(testContext, 42); len(rows) != 0 {
		testContext.Fatalf("a refused read must not create a profile")
	}
	if rows := env.profilesOf(testContext, 43); len(rows) != 0 {
		testContext.Fatalf("an inactive account must not receive a profile")
	}
}

func TestStoreReportsBusyWhenLockWaitExpires(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	env := newTestEnv(testContext, zap.New(core), 50*time.Millisecond)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)

	holder := env.db.Begin()
	if holder.Error != nil {
		testContext.Fatalf("failed to open holding transaction: %v", holder.Error)
	}
	defer holder.Rollback()

	_, err := env.store.ReadProfile(context.Background(), 42, owner(42))
	if !errors.Is(err, ErrResourceBusy) {
		testContext.Fatalf("expected resource busy, got %v", err)
	}
	if !Retryable(err) {
		testContext.Fatalf("expected busy error to be retryable")
	}
	if entries := logs.FilterMessage("profile request busy").All(); len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		testContext.Fatalf("expected one warn entry for the busy request, got %v", entries)
	}
}

func TestAssignAvatarRequiresOwnedAsset(testContext *testing.T) {
	env := newTestEnv(testContext, nil, 0)
	env.seedAccount(testContext, 42, accounts.StatusActive, accounts.RoleUser)
	env.seedAccount(testContext, 43, accounts.StatusActive, accounts.RoleUser)
	env.seedImage(testContext, 42, "/uploads/42/mine.png", env.clock.Now())
	env.seedImage(testContext, 43, "/uploads/43/theirs.png", env.clock.Now())
	ctx := context.Background()

	if _, err := env.store.AssignAvatar(ctx, 42, "/uploads/42/mine.png"); !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected not found without a live profile, got %v", err)
	}
	if _, err := env.store.ReadProfile(ctx, 42, owner(42)); err != nil {
		testContext.Fatalf("unexpected read error: %v", err)
	}

	if _, err := env.store.AssignAvatar(ctx, 42, "/uploads/43/theirs.png"); !errors.Is(err, ErrInvalidReference) {
		testContext.Fatalf("expected invalid reference for a foreign image, got %v", err)
	}

	view, err := env.store.AssignAvatar(ctx, 42, " /uploads/42/mine.png ")
	if err != nil {
		testContext.Fatalf("unexpected assign error: %v", err)
	}
	if view.AvatarURL == nil || *view.AvatarURL != "/uploads/42/mine.png" {
		testContext.Fatalf("unexpected avatar %v", view.AvatarURL)
	}
}
