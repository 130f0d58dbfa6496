package reading

import (
	"context"

	"gorm.io/gorm"
)

// AdvanceStep moves the step cursor forward by one. The command carries the
// index the client observed so that a network retry is idempotent: when the
// stored cursor has already moved past fromStepIndex the call is a no-op that
// returns the current snapshot instead of double-advancing. Advancing from
// the final step transitions the session to the reflection summary instead of
// producing an out-of-range cursor.
func (s *Service) AdvanceStep(ctx context.Context, caller UserID, sessionID SessionID, fromStepIndex int) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if s.maybeFinishCountdown(session) {
			events = append(events, EventPhaseChanged)
		}
		if session.CurrentPhase != PhaseReading {
			return ErrInvalidPhase
		}

		if session.CurrentStepIndex != fromStepIndex {
			// Already advanced; resolve the conflict as a no-op. Persist only
			// a countdown transition observed above.
			if len(events) > 0 {
				if err := tx.Save(session).Error; err != nil {
					return newServiceError(opAdvanceStep, "session_save_failed", err)
				}
			}
			outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
			return nil
		}

		if session.CurrentStepIndex == StepCount-1 {
			session.CurrentPhase = PhaseReflectionSummary
			events = append(events, EventPhaseChanged)
		} else {
			session.CurrentStepIndex++
			events = append(events, EventSessionUpdated)
		}

		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opAdvanceStep, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opAdvanceStep, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}
