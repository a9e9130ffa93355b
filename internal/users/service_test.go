package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate account schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return newTestServiceOn(t, openTestDatabase(t))
}

func newTestServiceOn(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestLinkAccountStoresCredentials(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	account, err := service.LinkAccount(ctx, studies.UserID("user-1"), " magnus ", "token-1")
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if account.RemoteUsername != "magnus" {
		t.Fatalf("expected trimmed username, got %q", account.RemoteUsername)
	}

	credential, err := service.RemoteCredentials(ctx, studies.UserID("user-1"))
	if err != nil {
		t.Fatalf("credentials failed: %v", err)
	}
	if credential.Username != "magnus" || credential.Token != "token-1" {
		t.Fatalf("unexpected credential %+v", credential)
	}
}

func TestLinkAccountReplacesUsernameAndKeepsToken(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	if _, err := service.LinkAccount(ctx, studies.UserID("user-1"), "magnus", "token-1"); err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	if _, err := service.Account(ctx, studies.UserID("user-1")); err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}

	account, err := service.LinkAccount(ctx, studies.UserID("user-1"), "hikaru", "")
	if err != nil {
		t.Fatalf("relink failed: %v", err)
	}
	if account.RemoteUsername != "hikaru" {
		t.Fatalf("expected replaced username, got %q", account.RemoteUsername)
	}
	if account.RemoteToken != "token-1" {
		t.Fatalf("expected token to be kept, got %q", account.RemoteToken)
	}

	userIDs, err := service.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(userIDs) != 1 || userIDs[0] != "user-1" {
		t.Fatalf("expected a single linked user, got %v", userIDs)
	}
}

func TestRemoteCredentialsSeeRelinkFromAnotherInstance(t *testing.T) {
	db := openTestDatabase(t)
	reader := newTestServiceOn(t, db)
	writer := newTestServiceOn(t, db)
	ctx := context.Background()
	if _, err := writer.LinkAccount(ctx, studies.UserID("user-1"), "magnus", "token-1"); err != nil {
		t.Fatalf("first link failed: %v", err)
	}
	if _, err := reader.RemoteCredentials(ctx, studies.UserID("user-1")); err != nil {
		t.Fatalf("credentials failed: %v", err)
	}

	if _, err := writer.LinkAccount(ctx, studies.UserID("user-1"), "hikaru", "token-2"); err != nil {
		t.Fatalf("relink failed: %v", err)
	}

	credential, err := reader.RemoteCredentials(ctx, studies.UserID("user-1"))
	if err != nil {
		t.Fatalf("credentials failed: %v", err)
	}
	if credential.Username != "hikaru" || credential.Token != "token-2" {
		t.Fatalf("expected relinked credential, got %+v", credential)
	}
}

func TestLinkAccountRejectsInvalidUsername(t *testing.T) {
	service := newTestService(t)

	_, err := service.LinkAccount(context.Background(), studies.UserID("user-1"), "not a name!", "")
	if !errors.Is(err, ErrInvalidAccount) {
		t.Fatalf("expected ErrInvalidAccount, got %v", err)
	}
}

func TestRemoteCredentialsWithoutAccount(t *testing.T) {
	service := newTestService(t)

	_, err := service.RemoteCredentials(context.Background(), studies.UserID("user-9"))
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
