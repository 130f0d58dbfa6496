package users

import (
	"fmt"
	"testing"
	"time"

	"github.com/evenlight/tandem/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestUsersService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &PartnerLink{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
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

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service := newTestUsersService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	userID, err := service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
}

func TestResolveCanonicalUserIDSyncsPartnerLink(t *testing.T) {
	service := newTestUsersService(t)

	claims := auth.SessionClaims{
		UserID:    "user-1",
		PartnerID: "user-2",
	}
	if _, err := service.ResolveCanonicalUserID(claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	partner, err := service.PartnerOf("user-1")
	if err != nil {
		t.Fatalf("partner lookup failed: %v", err)
	}
	if partner != "user-2" {
		t.Fatalf("expected partner user-2, got %q", partner)
	}

	// the relation is mirrored for the partner side.
	reverse, err := service.PartnerOf("user-2")
	if err != nil {
		t.Fatalf("reverse partner lookup failed: %v", err)
	}
	if reverse != "user-1" {
		t.Fatalf("expected mirrored partner user-1, got %q", reverse)
	}
}

func TestPartnerOfWithoutLinkReturnsEmpty(t *testing.T) {
	service := newTestUsersService(t)

	if _, err := service.ResolveCanonicalUserID(auth.SessionClaims{UserID: "loner"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	partner, err := service.PartnerOf("loner")
	if err != nil {
		t.Fatalf("partner lookup failed: %v", err)
	}
	if partner != "" {
		t.Fatalf("expected no partner, got %q", partner)
	}
}
