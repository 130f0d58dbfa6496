package reading

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRoleTaken indicates the requested role is already held by the partner.
var ErrRoleTaken = errors.New("reading: role already held by partner")

// SelectRole sets the caller's own role slot. Each participant only ever
// writes their own slot, so re-selecting simply overwrites it; picking the
// role the partner currently holds is rejected.
func (s *Service) SelectRole(ctx context.Context, caller UserID, sessionID SessionID, role Role) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if session.CurrentPhase != PhaseLobby {
			return ErrInvalidPhase
		}

		slot := memberSlot(session, caller)
		own, partner := &session.User1Role, &session.User2Role
		if slot == slotUser2 {
			own, partner = &session.User2Role, &session.User1Role
		}
		if *partner != nil && **partner == role && (*own == nil || **own != role) {
			return ErrRoleTaken
		}
		selected := role
		*own = &selected

		events = append(events, EventSessionUpdated)
		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opSelectRole, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opSelectRole, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}

// ToggleReady sets the caller's readiness flag. The write, the re-read of
// both flags, and the countdown trigger happen in one transaction: when both
// flags are true after the write and countdown_started_at is still unset, the
// timestamp and the phase transition are written under that same lock. The
// null-check on the timestamp is the compare-and-set guard that makes the
// transition exactly-once under concurrent toggles and retries.
func (s *Service) ToggleReady(ctx context.Context, caller UserID, sessionID SessionID, isReady bool) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}

		slot := memberSlot(session, caller)
		ownReady := &session.User1Ready
		if slot == slotUser2 {
			ownReady = &session.User2Ready
		}

		if session.CurrentPhase != PhaseLobby {
			// A retried toggle that already took effect resolves to the
			// current snapshot instead of an error.
			if session.CurrentPhase == PhaseCountdown && *ownReady == isReady {
				outcome = Outcome{Snapshot: s.snapshotOf(session)}
				return nil
			}
			return ErrInvalidPhase
		}

		*ownReady = isReady
		events = append(events, EventReadyStateChanged)

		if session.User1Ready && session.User2Ready {
			if session.CountdownStartedAtMs == nil {
				startedAt := s.clock().UTC().UnixMilli()
				session.CountdownStartedAtMs = &startedAt
				session.CurrentPhase = PhaseCountdown
				events = append(events, EventCountdownStarted)
			} else {
				// Structurally impossible: a countdown timestamp on a session
				// still in the lobby means the compare-and-set guard was
				// bypassed. Do not transition; leave the session for manual
				// inspection.
				s.logError(opToggleReady, "countdown_timestamp_in_lobby", nil,
					zap.String("session_id", session.SessionID))
			}
		}

		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opToggleReady, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opToggleReady, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}

// ContinueSolo is the lobby escape hatch for a partner that never joins: the
// session converts to solo mode and moves straight to reading. The caller
// keeps the session; the partner slot is cleared entirely.
func (s *Service) ContinueSolo(ctx context.Context, caller UserID, sessionID SessionID) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if session.CurrentPhase != PhaseLobby {
			return ErrInvalidPhase
		}

		if memberSlot(session, caller) == slotUser2 {
			session.User1ID = caller.String()
			session.User1Role = session.User2Role
		}
		session.User2ID = nil
		session.User2Role = nil
		session.User2Ready = false
		session.User1Ready = false
		session.Mode = ModeSolo
		session.CurrentPhase = PhaseReading

		events = append(events, EventPhaseChanged)
		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opContinueSolo, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opContinueSolo, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}
