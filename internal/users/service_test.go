package users

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestLookupProfilesResolvesKnownUsers(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	aliceID, err := service.Register(ctx, "user-alice", "alice", "Alice@Example.com")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if aliceID != "user-alice" {
		t.Fatalf("expected explicit id to be kept, got %q", aliceID)
	}

	profiles, err := service.LookupProfiles(ctx, []string{"user-alice", "user-unknown"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(profiles) != 1 {
		t.Fatalf("expected one resolved profile, got %d", len(profiles))
	}
	profile := profiles["user-alice"]
	if profile.Username != "alice" || profile.Email != "alice@example.com" {
		t.Fatalf("unexpected profile %#v", profile)
	}
}

func TestLookupProfilesSeesUpdatesFromAnotherService(t *testing.T) {
	gateway, db := newTestService(t)
	ctx := context.Background()
	admin, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create second service: %v", err)
	}

	if _, err := admin.Register(ctx, "user-bob", "bob", "bob@example.com"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	profiles, err := gateway.LookupProfiles(ctx, []string{"user-bob"})
	if err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	if profiles["user-bob"].Username != "bob" {
		t.Fatalf("unexpected initial profile %#v", profiles["user-bob"])
	}

	if _, err := admin.Register(ctx, "user-bob", "robert", "robert@example.com"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	profiles, err = gateway.LookupProfiles(ctx, []string{"user-bob"})
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if got := profiles["user-bob"]; got.Username != "robert" || got.Email != "robert@example.com" {
		t.Fatalf("expected updated profile, got %#v", got)
	}

	if err := db.Where("user_id = ?", "user-bob").Delete(&User{}).Error; err != nil {
		t.Fatalf("failed to delete user row: %v", err)
	}
	profiles, err = gateway.LookupProfiles(ctx, []string{"user-bob"})
	if err != nil {
		t.Fatalf("third lookup failed: %v", err)
	}
	if _, ok := profiles["user-bob"]; ok {
		t.Fatalf("expected deleted user to be unresolved, got %#v", profiles)
	}
}

func TestRegisterGeneratesIdentifierAndRejectsBlankIdentity(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	userID, err := service.Register(ctx, "", "carol", "carol@example.com")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if userID == "" {
		t.Fatalf("expected generated identifier")
	}

	if _, err := service.Register(ctx, "", " ", "nobody@example.com"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestRegisterOverwritesExistingProfile(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Register(ctx, "user-dan", "dan", "dan@example.com"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := service.LookupProfiles(ctx, []string{"user-dan"}); err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, err := service.Register(ctx, "user-dan", "daniel", "daniel@example.com"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	profiles, err := service.LookupProfiles(ctx, []string{"user-dan"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if profiles["user-dan"].Username != "daniel" {
		t.Fatalf("expected refreshed profile, got %#v", profiles["user-dan"])
	}
}
