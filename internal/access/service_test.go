package access

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"ticketgate/internal/subscription"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Administrator{}, &subscription.Subscriber{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestIsAdminUnionsAllowListAndTable(t *testing.T) {
	db := openTestDB(t)
	service, err := NewService(ServiceConfig{Database: db, AllowList: []int64{42}})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if err := db.Create(&Administrator{PrincipalID: 77, AddedBy: 42}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ctx := context.Background()
	if !service.IsAdmin(ctx, 42) {
		t.Fatalf("allow-listed principal must be admin")
	}
	if !service.IsAdmin(ctx, 77) {
		t.Fatalf("table-granted principal must be admin")
	}
	if service.IsAdmin(ctx, 99) {
		t.Fatalf("unknown principal must not be admin")
	}
}

func TestIsAdminFailsClosedOnStoreError(t *testing.T) {
	db := openTestDB(t)
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if err := db.Migrator().DropTable(&Administrator{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	if service.IsAdmin(context.Background(), 42) {
		t.Fatalf("store failure must deny access, not grant it")
	}
}

func TestHasActiveSubscription(t *testing.T) {
	db := openTestDB(t)
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	if err := db.Create(&subscription.Subscriber{
		PrincipalID: 1001, Alias: "alias-active", HasAccess: true,
	}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := db.Create(&subscription.Subscriber{
		PrincipalID: 1002, Alias: "alias-revoked", HasAccess: false,
	}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ctx := context.Background()
	if !service.HasActiveSubscription(ctx, 1001) {
		t.Fatalf("active subscriber must have access")
	}
	if service.HasActiveSubscription(ctx, 1002) {
		t.Fatalf("revoked subscriber must not have access")
	}
	if service.HasActiveSubscription(ctx, 1003) {
		t.Fatalf("unknown principal must not have access")
	}
}

func TestGrantAdminRejectsDuplicates(t *testing.T) {
	db := openTestDB(t)
	service, err := NewService(ServiceConfig{Database: db, AllowList: []int64{42}})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	if err := service.GrantAdmin(ctx, 77, "helper", "Helper", 42); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	err = service.GrantAdmin(ctx, 77, "helper", "Helper", 42)
	if !errors.Is(err, ErrAlreadyAdmin) {
		t.Fatalf("expected ErrAlreadyAdmin, got %v", err)
	}
	// Allow-listed principals are already admins and cannot be granted twice.
	err = service.GrantAdmin(ctx, 42, "owner", "Owner", 42)
	if !errors.Is(err, ErrAlreadyAdmin) {
		t.Fatalf("expected ErrAlreadyAdmin for allow-listed principal, got %v", err)
	}

	admins, err := service.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(admins) != 1 || admins[0].PrincipalID != 77 {
		t.Fatalf("unexpected administrators: %+v", admins)
	}
}
