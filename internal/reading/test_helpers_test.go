package reading

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type stubPartners map[string]string

func (p stubPartners) PartnerOf(userID string) (string, error) {
	return p[userID], nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, partners stubPartners) (*Service, *gorm.DB, *fakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:reading_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Reflection{}, &Bookmark{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{prefix: "row"},
		Partners:   partners,
		Countdown:  3 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct reading service: %v", err)
	}

	return service, db, clock
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustSessionID(t *testing.T, value string) SessionID {
	t.Helper()
	id, err := NewSessionID(value)
	if err != nil {
		t.Fatalf("unexpected session id error: %v", err)
	}
	return id
}

func mustRating(t *testing.T, value int) Rating {
	t.Helper()
	rating, err := NewRating(value)
	if err != nil {
		t.Fatalf("unexpected rating error: %v", err)
	}
	return rating
}

func createTestSession(t *testing.T, service *Service, caller string, mode Mode) SessionID {
	t.Helper()
	outcome, err := service.CreateSession(context.Background(), mustUserID(t, caller), mode)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return mustSessionID(t, outcome.Snapshot.SessionID)
}

// joinPartner claims the open slot through the snapshot path.
func joinPartner(t *testing.T, service *Service, partner string, sessionID SessionID) {
	t.Helper()
	outcome, err := service.GetSnapshot(context.Background(), mustUserID(t, partner), sessionID)
	if err != nil {
		t.Fatalf("partner failed to join session: %v", err)
	}
	if outcome.Snapshot.User2ID == nil || *outcome.Snapshot.User2ID != partner {
		t.Fatalf("expected partner %s to occupy slot 2, got %+v", partner, outcome.Snapshot.User2ID)
	}
}

// driveToReading moves a together session through lobby and countdown.
func driveToReading(t *testing.T, service *Service, clock *fakeClock, sessionID SessionID, user1, user2 string) {
	t.Helper()
	ctx := context.Background()
	if _, err := service.ToggleReady(ctx, mustUserID(t, user1), sessionID, true); err != nil {
		t.Fatalf("user1 ready failed: %v", err)
	}
	if _, err := service.ToggleReady(ctx, mustUserID(t, user2), sessionID, true); err != nil {
		t.Fatalf("user2 ready failed: %v", err)
	}
	clock.Advance(4 * time.Second)
	outcome, err := service.GetSnapshot(ctx, mustUserID(t, user1), sessionID)
	if err != nil {
		t.Fatalf("snapshot after countdown failed: %v", err)
	}
	if outcome.Snapshot.CurrentPhase != PhaseReading {
		t.Fatalf("expected reading phase after countdown, got %s", outcome.Snapshot.CurrentPhase)
	}
}

// submitStep records a reflection for the session's current step and advances.
func submitStepAndAdvance(t *testing.T, service *Service, caller string, sessionID SessionID, stepIndex int) {
	t.Helper()
	ctx := context.Background()
	_, _, err := service.SubmitReflection(ctx, mustUserID(t, caller), sessionID, ReflectionInput{
		StepIndex: stepIndex,
		Rating:    mustRating(t, 4),
		Notes:     fmt.Sprintf("step %d", stepIndex),
	})
	if err != nil {
		t.Fatalf("reflection for step %d failed: %v", stepIndex, err)
	}
	if _, err := service.AdvanceStep(ctx, mustUserID(t, caller), sessionID, stepIndex); err != nil {
		t.Fatalf("advance from step %d failed: %v", stepIndex, err)
	}
}
