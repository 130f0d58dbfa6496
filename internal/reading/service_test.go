package reading

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"
)

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &sequenceIDGenerator{prefix: "row"}}); err == nil {
		t.Fatal("expected an error without a database handle")
	}
	if _, err := NewService(ServiceConfig{Database: &gorm.DB{}}); err == nil {
		t.Fatal("expected an error without an id provider")
	}
}

func TestCreateSessionPhaseByMode(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	solo, err := service.CreateSession(ctx, mustUserID(t, "alice"), ModeSolo)
	if err != nil {
		t.Fatalf("solo create failed: %v", err)
	}
	if solo.Snapshot.CurrentPhase != PhaseReading {
		t.Fatalf("solo sessions skip the lobby, got %s", solo.Snapshot.CurrentPhase)
	}

	together, err := service.CreateSession(ctx, mustUserID(t, "alice"), ModeTogether)
	if err != nil {
		t.Fatalf("together create failed: %v", err)
	}
	if together.Snapshot.CurrentPhase != PhaseLobby {
		t.Fatalf("together sessions open in the lobby, got %s", together.Snapshot.CurrentPhase)
	}
	if together.Snapshot.User2ID != nil {
		t.Fatal("the partner slot starts empty")
	}
	if together.Snapshot.Status != StatusInProgress {
		t.Fatalf("expected in_progress status, got %s", together.Snapshot.Status)
	}
}

func TestGetSnapshotClaimsOpenPartnerSlot(t *testing.T) {
	partners := stubPartners{"alice": "bob", "bob": "alice"}
	service, _, _ := newTestService(t, partners)
	ctx := context.Background()

	sessionID := createTestSession(t, service, "alice", ModeTogether)

	outcome, err := service.GetSnapshot(ctx, mustUserID(t, "bob"), sessionID)
	if err != nil {
		t.Fatalf("partner snapshot failed: %v", err)
	}
	if outcome.Snapshot.User2ID == nil || *outcome.Snapshot.User2ID != "bob" {
		t.Fatalf("expected bob in the partner slot, got %+v", outcome.Snapshot.User2ID)
	}
	if !containsEvent(outcome.Events, EventPartnerJoined) {
		t.Fatalf("expected partner_joined event, got %v", outcome.Events)
	}

	// A second read is an ordinary member access.
	outcome, err = service.GetSnapshot(ctx, mustUserID(t, "bob"), sessionID)
	if err != nil {
		t.Fatalf("member snapshot failed: %v", err)
	}
	if len(outcome.Events) != 0 {
		t.Fatalf("repeat access must not re-announce the join, got %v", outcome.Events)
	}
}

func TestGetSnapshotRejectsStrangers(t *testing.T) {
	partners := stubPartners{"alice": "bob", "bob": "alice"}
	service, _, _ := newTestService(t, partners)
	ctx := context.Background()

	sessionID := createTestSession(t, service, "alice", ModeTogether)

	// Only the linked partner may claim the open slot.
	if _, err := service.GetSnapshot(ctx, mustUserID(t, "mallory"), sessionID); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember for a stranger, got %v", err)
	}

	if _, err := service.GetSnapshot(ctx, mustUserID(t, "alice"), mustSessionID(t, "no-such-session")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReadPathsDoNotClaimPartnerSlot(t *testing.T) {
	partners := stubPartners{"alice": "bob", "bob": "alice"}
	service, _, _ := newTestService(t, partners)
	ctx := context.Background()

	sessionID := createTestSession(t, service, "alice", ModeTogether)

	// Listing annotations is gated on existing membership only.
	if _, err := service.ListReflections(ctx, mustUserID(t, "bob"), sessionID); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember before joining, got %v", err)
	}

	outcome, err := service.GetSnapshot(ctx, mustUserID(t, "alice"), sessionID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if outcome.Snapshot.User2ID != nil {
		t.Fatal("the partner slot must remain open until the partner acts")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	service, _, clock := newTestService(t, nil)
	ctx := context.Background()

	older := createTestSession(t, service, "alice", ModeSolo)
	clock.Advance(time.Hour)
	newer := createTestSession(t, service, "alice", ModeSolo)
	createTestSession(t, service, "carol", ModeSolo)

	sessions, err := service.ListSessions(ctx, mustUserID(t, "alice"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected alice's 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != newer.String() || sessions[1].SessionID != older.String() {
		t.Fatalf("expected newest first, got %s then %s", sessions[0].SessionID, sessions[1].SessionID)
	}
}
