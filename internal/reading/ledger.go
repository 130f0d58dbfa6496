package reading

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReflectionInput is the caller-supplied payload for a reflection upsert.
type ReflectionInput struct {
	StepIndex int
	Rating    Rating
	Notes     string
	IsShared  bool
}

// SubmitReflection upserts the caller's reflection for a step. The
// (session, step, user) triple is unique: a resubmission updates in place and
// the identifier assigned on first insert is stable across updates. A step
// reflection is only accepted for the session's current step; the
// session-level reflection (SummaryStepIndex) is only accepted during the
// reflection summary and moves the session into the report phase.
func (s *Service) SubmitReflection(ctx context.Context, caller UserID, sessionID SessionID, input ReflectionInput) (Reflection, Outcome, error) {
	if input.StepIndex < 0 || input.StepIndex > SummaryStepIndex {
		return Reflection{}, Outcome{}, fmt.Errorf("%w: %d", ErrInvalidStepIndex, input.StepIndex)
	}
	if len(input.Notes) > maxNotesLength {
		return Reflection{}, Outcome{}, fmt.Errorf("%w: notes exceed %d characters", ErrInvalidNotes, maxNotesLength)
	}
	if input.StepIndex == SummaryStepIndex {
		if _, err := DecodeSummaryNotes(input.Notes); err != nil {
			return Reflection{}, Outcome{}, err
		}
	}

	var (
		stored  Reflection
		outcome Outcome
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if s.maybeFinishCountdown(session) {
			events = append(events, EventPhaseChanged)
		}

		switch {
		case input.StepIndex == SummaryStepIndex:
			if session.CurrentPhase != PhaseReflectionSummary {
				return ErrInvalidPhase
			}
		case session.CurrentPhase != PhaseReading || session.CurrentStepIndex != input.StepIndex:
			// Stale-step writes are rejected; the client must re-fetch.
			return ErrInvalidPhase
		}

		stored, err = s.upsertReflection(tx, session, caller, input)
		if err != nil {
			return err
		}

		if input.StepIndex == SummaryStepIndex {
			session.CurrentPhase = PhaseReport
			events = append(events, EventPhaseChanged)
		} else {
			events = append(events, EventSessionUpdated)
		}

		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opSubmitReflect, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opSubmitReflect, txErr, caller, sessionID)
		return Reflection{}, Outcome{}, txErr
	}
	return stored, outcome, nil
}

func (s *Service) upsertReflection(tx *gorm.DB, session *Session, caller UserID, input ReflectionInput) (Reflection, error) {
	now := s.clock().UTC().Unix()

	var existing Reflection
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ? AND step_index = ? AND user_id = ?",
			session.SessionID, input.StepIndex, caller.String()).
		Take(&existing).Error
	if err == nil {
		existing.Rating = input.Rating.Int()
		existing.Notes = input.Notes
		existing.IsShared = input.IsShared
		existing.UpdatedAtSeconds = now
		if err := tx.Save(&existing).Error; err != nil {
			return Reflection{}, newServiceError(opSubmitReflect, "reflection_save_failed", err)
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Reflection{}, newServiceError(opSubmitReflect, "reflection_select_failed", err)
	}

	reflectionID, err := s.idProvider.NewID()
	if err != nil {
		return Reflection{}, newServiceError(opSubmitReflect, "id_generation_failed", err)
	}
	created := Reflection{
		ReflectionID:     reflectionID,
		SessionID:        session.SessionID,
		StepIndex:        input.StepIndex,
		UserID:           caller.String(),
		Rating:           input.Rating.Int(),
		Notes:            input.Notes,
		IsShared:         input.IsShared,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := tx.Create(&created).Error; err != nil {
		return Reflection{}, newServiceError(opSubmitReflect, "reflection_insert_failed", err)
	}
	return created, nil
}

// ListReflections returns the session's reflections visible to the caller:
// their own plus the partner's shared ones. Private partner rows are absent
// from the result entirely, not redacted.
func (s *Service) ListReflections(ctx context.Context, caller UserID, sessionID SessionID) ([]Reflection, error) {
	if err := s.requireMember(ctx, opListReflections, caller, sessionID); err != nil {
		s.logCommandError(opListReflections, err, caller, sessionID)
		return nil, err
	}

	var reflections []Reflection
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND (user_id = ? OR is_shared = ?)", sessionID.String(), caller.String(), true).
		Order("step_index ASC").
		Find(&reflections).Error
	if err != nil {
		s.logError(opListReflections, "query_failed", err, sessionFields(caller, sessionID)...)
		return nil, newServiceError(opListReflections, "query_failed", err)
	}
	return reflections, nil
}

// BookmarkToggle reports the authoritative result of a toggle. Retried
// toggles are not naturally idempotent, so callers reconcile against Added
// and the returned row rather than assuming the toggle flipped exactly once.
type BookmarkToggle struct {
	Added    bool
	Bookmark *Bookmark
}

// ToggleBookmark inserts the caller's bookmark for a step, or deletes it when
// one already exists. Row existence is the only signal.
func (s *Service) ToggleBookmark(ctx context.Context, caller UserID, sessionID SessionID, stepIndex int, shareWithPartner bool) (BookmarkToggle, Outcome, error) {
	if stepIndex < 0 || stepIndex >= StepCount {
		return BookmarkToggle{}, Outcome{}, fmt.Errorf("%w: %d", ErrInvalidStepIndex, stepIndex)
	}

	var (
		toggle  BookmarkToggle
		outcome Outcome
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}

		var existing Bookmark
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND step_index = ? AND user_id = ?",
				session.SessionID, stepIndex, caller.String()).
			Take(&existing).Error
		switch {
		case err == nil:
			if err := tx.Delete(&existing).Error; err != nil {
				return newServiceError(opToggleBookmark, "bookmark_delete_failed", err)
			}
			toggle = BookmarkToggle{Added: false}
		case errors.Is(err, gorm.ErrRecordNotFound):
			bookmarkID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opToggleBookmark, "id_generation_failed", err)
			}
			created := Bookmark{
				BookmarkID:       bookmarkID,
				SessionID:        session.SessionID,
				StepIndex:        stepIndex,
				UserID:           caller.String(),
				ShareWithPartner: shareWithPartner,
				CreatedAtSeconds: s.clock().UTC().Unix(),
			}
			if err := tx.Create(&created).Error; err != nil {
				return newServiceError(opToggleBookmark, "bookmark_insert_failed", err)
			}
			toggle = BookmarkToggle{Added: true, Bookmark: &created}
		default:
			return newServiceError(opToggleBookmark, "bookmark_select_failed", err)
		}

		events = append(events, EventSessionUpdated)
		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opToggleBookmark, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opToggleBookmark, txErr, caller, sessionID)
		return BookmarkToggle{}, Outcome{}, txErr
	}
	return toggle, outcome, nil
}

// ListBookmarks returns the caller's bookmarks plus the partner's shared ones.
func (s *Service) ListBookmarks(ctx context.Context, caller UserID, sessionID SessionID) ([]Bookmark, error) {
	if err := s.requireMember(ctx, opListBookmarks, caller, sessionID); err != nil {
		s.logCommandError(opListBookmarks, err, caller, sessionID)
		return nil, err
	}

	var bookmarks []Bookmark
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND (user_id = ? OR share_with_partner = ?)", sessionID.String(), caller.String(), true).
		Order("step_index ASC").
		Find(&bookmarks).Error
	if err != nil {
		s.logError(opListBookmarks, "query_failed", err, sessionFields(caller, sessionID)...)
		return nil, newServiceError(opListBookmarks, "query_failed", err)
	}
	return bookmarks, nil
}

// UpdateBookmarkSharing flips the sharing flag on all of the caller's
// bookmarks in the session.
func (s *Service) UpdateBookmarkSharing(ctx context.Context, caller UserID, sessionID SessionID, shareWithPartner bool) error {
	if err := s.requireMember(ctx, opBookmarkSharing, caller, sessionID); err != nil {
		s.logCommandError(opBookmarkSharing, err, caller, sessionID)
		return err
	}

	err := s.db.WithContext(ctx).Model(&Bookmark{}).
		Where("session_id = ? AND user_id = ?", sessionID.String(), caller.String()).
		Update("share_with_partner", shareWithPartner).Error
	if err != nil {
		s.logError(opBookmarkSharing, "update_failed", err, sessionFields(caller, sessionID)...)
		return newServiceError(opBookmarkSharing, "update_failed", err)
	}
	return nil
}

// requireMember is the read-path membership gate: it verifies the caller
// occupies a slot without claiming the open partner slot (claiming happens on
// the snapshot path).
func (s *Service) requireMember(ctx context.Context, operation string, caller UserID, sessionID SessionID) error {
	var session Session
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return newServiceError(operation, "session_select_failed", err)
	}
	if memberSlot(&session, caller) == slotNone {
		return ErrNotAMember
	}
	return nil
}
