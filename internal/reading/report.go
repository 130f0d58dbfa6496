package reading

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SendMessage stores the caller's free-text note for the partner. It is
// write-once per (session, user): a resubmission updates the stored body and
// keeps the original identifier, mirroring the reflection upsert contract.
// Messages are only written once the session has reached the report phase.
func (s *Service) SendMessage(ctx context.Context, caller UserID, sessionID SessionID, body string) (Message, Outcome, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return Message{}, Outcome{}, fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if len(trimmed) > maxMessageLength {
		return Message{}, Outcome{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidMessage, maxMessageLength)
	}

	var (
		stored  Message
		outcome Outcome
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if session.CurrentPhase != PhaseReport && session.CurrentPhase != PhaseComplete {
			return ErrInvalidPhase
		}

		now := s.clock().UTC().Unix()
		var existing Message
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ? AND user_id = ?", session.SessionID, caller.String()).
			Take(&existing).Error
		switch {
		case err == nil:
			existing.Body = trimmed
			existing.UpdatedAtSeconds = now
			if err := tx.Save(&existing).Error; err != nil {
				return newServiceError(opSendMessage, "message_save_failed", err)
			}
			stored = existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			messageID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opSendMessage, "id_generation_failed", err)
			}
			stored = Message{
				MessageID:        messageID,
				SessionID:        session.SessionID,
				UserID:           caller.String(),
				Body:             trimmed,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&stored).Error; err != nil {
				return newServiceError(opSendMessage, "message_insert_failed", err)
			}
		default:
			return newServiceError(opSendMessage, "message_select_failed", err)
		}

		events = append(events, EventSessionUpdated)
		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opSendMessage, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opSendMessage, txErr, caller, sessionID)
		return Message{}, Outcome{}, txErr
	}
	return stored, outcome, nil
}

// ListMessages returns the session's messages visible to the caller. The
// caller always sees their own; the partner's appears only once the session
// has reached the report phase.
func (s *Service) ListMessages(ctx context.Context, caller UserID, sessionID SessionID) ([]Message, error) {
	var messages []Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, _, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}

		query := tx.Where("session_id = ? AND user_id = ?", session.SessionID, caller.String())
		if session.CurrentPhase == PhaseReport || session.CurrentPhase == PhaseComplete {
			query = tx.Where("session_id = ?", session.SessionID)
		}
		if err := query.Order("created_at_s ASC").Find(&messages).Error; err != nil {
			return newServiceError(opReport, "message_query_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opReport, txErr, caller, sessionID)
		return nil, txErr
	}
	return messages, nil
}

// ParticipantStatus summarizes one participant's completion state for the report.
type ParticipantStatus struct {
	UserID           string `json:"user_id"`
	SummarySubmitted bool   `json:"summary_submitted"`
	MessageSent      bool   `json:"message_sent"`
}

// SessionReport is the post-completion summary: both participants' status,
// the partner's message if sent, and the caller-visible annotations.
type SessionReport struct {
	Session           SessionSnapshot    `json:"session"`
	Caller            ParticipantStatus  `json:"caller"`
	Partner           *ParticipantStatus `json:"partner"`
	PartnerMessage    *Message           `json:"partner_message"`
	SharedReflections []Reflection       `json:"shared_reflections"`
	SharedBookmarks   []Bookmark         `json:"shared_bookmarks"`
}

// Report assembles the session report. Available once the session has
// reached the report phase; partner fields are populated only in together
// mode with a joined partner.
func (s *Service) Report(ctx context.Context, caller UserID, sessionID SessionID) (SessionReport, error) {
	var report SessionReport
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, _, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if session.CurrentPhase != PhaseReport && session.CurrentPhase != PhaseComplete {
			return ErrInvalidPhase
		}

		report.Session = s.snapshotOf(session)
		report.Caller, err = s.participantStatus(tx, session, caller.String())
		if err != nil {
			return err
		}

		partnerID := partnerOfSlot(session, caller)
		if session.Mode == ModeTogether && partnerID != "" {
			status, err := s.participantStatus(tx, session, partnerID)
			if err != nil {
				return err
			}
			report.Partner = &status

			var partnerMessage Message
			err = tx.Where("session_id = ? AND user_id = ?", session.SessionID, partnerID).
				Take(&partnerMessage).Error
			if err == nil {
				report.PartnerMessage = &partnerMessage
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opReport, "message_select_failed", err)
			}
		}

		if err := tx.Where("session_id = ? AND (user_id = ? OR is_shared = ?)",
			session.SessionID, caller.String(), true).
			Order("step_index ASC").
			Find(&report.SharedReflections).Error; err != nil {
			return newServiceError(opReport, "reflection_query_failed", err)
		}
		if err := tx.Where("session_id = ? AND (user_id = ? OR share_with_partner = ?)",
			session.SessionID, caller.String(), true).
			Order("step_index ASC").
			Find(&report.SharedBookmarks).Error; err != nil {
			return newServiceError(opReport, "bookmark_query_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opReport, txErr, caller, sessionID)
		return SessionReport{}, txErr
	}
	return report, nil
}

func (s *Service) participantStatus(tx *gorm.DB, session *Session, userID string) (ParticipantStatus, error) {
	status := ParticipantStatus{UserID: userID}

	var summaryCount int64
	if err := tx.Model(&Reflection{}).
		Where("session_id = ? AND step_index = ? AND user_id = ?",
			session.SessionID, SummaryStepIndex, userID).
		Count(&summaryCount).Error; err != nil {
		return ParticipantStatus{}, newServiceError(opReport, "summary_count_failed", err)
	}
	status.SummarySubmitted = summaryCount > 0

	var messageCount int64
	if err := tx.Model(&Message{}).
		Where("session_id = ? AND user_id = ?", session.SessionID, userID).
		Count(&messageCount).Error; err != nil {
		return ParticipantStatus{}, newServiceError(opReport, "message_count_failed", err)
	}
	status.MessageSent = messageCount > 0

	return status, nil
}

func partnerOfSlot(session *Session, caller UserID) string {
	switch memberSlot(session, caller) {
	case slotUser1:
		if session.User2ID != nil {
			return *session.User2ID
		}
	case slotUser2:
		return session.User1ID
	}
	return ""
}

// CompleteSession closes out a session from the report phase, recording the
// completion time used by the couple-aggregate stats.
func (s *Service) CompleteSession(ctx context.Context, caller UserID, sessionID SessionID) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if session.CurrentPhase == PhaseComplete {
			// Retried completion resolves to the current snapshot.
			outcome = Outcome{Snapshot: s.snapshotOf(session)}
			return nil
		}
		if session.CurrentPhase != PhaseReport {
			return ErrInvalidPhase
		}

		completedAt := s.clock().UTC().Unix()
		session.CurrentPhase = PhaseComplete
		session.Status = StatusComplete
		session.CompletedAtSeconds = &completedAt

		events = append(events, EventPhaseChanged)
		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opCompleteSession, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opCompleteSession, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}

// AbandonSession marks the session abandoned. The durable state already
// reflects every prior write, so this is the only bookkeeping exit requires.
func (s *Service) AbandonSession(ctx context.Context, caller UserID, sessionID SessionID) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if session.Status == StatusComplete {
			return ErrInvalidPhase
		}

		session.Status = StatusAbandoned
		events = append(events, EventSessionUpdated)
		if err := tx.Save(session).Error; err != nil {
			return newServiceError(opAbandonSession, "session_save_failed", err)
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opAbandonSession, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}
