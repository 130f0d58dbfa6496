package reading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrSessionNotFound indicates the session id resolves to no stored row.
	ErrSessionNotFound = errors.New("reading: session not found")
	// ErrNotAMember indicates the caller is not one of the session's participants.
	ErrNotAMember = errors.New("reading: caller is not a session participant")
	// ErrInvalidPhase indicates the command is not permitted in the session's
	// current phase.
	ErrInvalidPhase = errors.New("reading: command not valid in current phase")
)

// ServiceError wraps a failure with a dotted operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "reading.service.new"
	opCreateSession   = "reading.create_session"
	opListSessions    = "reading.list_sessions"
	opGetSnapshot     = "reading.get_snapshot"
	opSelectRole      = "reading.select_role"
	opToggleReady     = "reading.toggle_ready"
	opContinueSolo    = "reading.continue_solo"
	opAdvanceStep     = "reading.advance_step"
	opSubmitReflect   = "reading.submit_reflection"
	opListReflections = "reading.list_reflections"
	opToggleBookmark  = "reading.toggle_bookmark"
	opListBookmarks   = "reading.list_bookmarks"
	opBookmarkSharing = "reading.update_bookmark_sharing"
	opSendMessage     = "reading.send_message"
	opReport          = "reading.report"
	opCompleteSession = "reading.complete_session"
	opAbandonSession  = "reading.abandon_session"
	opStats           = "reading.stats"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// PartnerDirectory resolves the identity provider's partner-link relation.
type PartnerDirectory interface {
	PartnerOf(userID string) (string, error)
}

const defaultCountdown = 3 * time.Second

// ServiceConfig describes the dependencies of the session coordination core.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Partners   PartnerDirectory
	Countdown  time.Duration
	Logger     *zap.Logger
}

// Service is the server-authoritative session coordination core. Every
// command executes as a single atomic transaction against the session row;
// the countdown trigger is the one compare-and-set hotspot.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	partners   PartnerDirectory
	countdown  time.Duration
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	countdown := cfg.Countdown
	if countdown <= 0 {
		countdown = defaultCountdown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		partners:   cfg.Partners,
		countdown:  countdown,
		logger:     logger,
	}, nil
}

// CreateSession starts a new session owned by the caller. Together mode opens
// in the lobby; solo mode skips the lobby entirely and opens in reading.
func (s *Service) CreateSession(ctx context.Context, caller UserID, mode Mode) (Outcome, error) {
	phase := PhaseLobby
	if mode == ModeSolo {
		phase = PhaseReading
	}

	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateSession, "id_generation_failed", err, zap.String("user_id", caller.String()))
		return Outcome{}, newServiceError(opCreateSession, "id_generation_failed", err)
	}

	session := Session{
		SessionID:        sessionID,
		Mode:             mode,
		User1ID:          caller.String(),
		CurrentPhase:     phase,
		CurrentStepIndex: 0,
		Status:           StatusInProgress,
		StartedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logError(opCreateSession, "session_insert_failed", err, zap.String("user_id", caller.String()))
		return Outcome{}, newServiceError(opCreateSession, "session_insert_failed", err)
	}

	return Outcome{Snapshot: s.snapshotOf(&session)}, nil
}

// ListSessions returns the caller's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, caller UserID) ([]SessionSnapshot, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("user1_id = ? OR user2_id = ?", caller.String(), caller.String()).
		Order("started_at_s DESC").
		Find(&sessions).Error
	if err != nil {
		s.logError(opListSessions, "query_failed", err, zap.String("user_id", caller.String()))
		return nil, newServiceError(opListSessions, "query_failed", err)
	}

	snapshots := make([]SessionSnapshot, 0, len(sessions))
	for i := range sessions {
		snapshots = append(snapshots, s.snapshotOf(&sessions[i]))
	}
	return snapshots, nil
}

// GetSnapshot returns the authoritative session snapshot for a participant.
// It is also the partner-join detection path: the first access by user1's
// linked partner claims the open slot, and an elapsed countdown is persisted
// as the transition to reading.
func (s *Service) GetSnapshot(ctx context.Context, caller UserID, sessionID SessionID) (Outcome, error) {
	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, events, err := s.memberSession(tx, caller, sessionID)
		if err != nil {
			return err
		}
		if s.maybeFinishCountdown(session) {
			events = append(events, EventPhaseChanged)
		}
		if len(events) > 0 {
			if err := tx.Save(session).Error; err != nil {
				return newServiceError(opGetSnapshot, "session_save_failed", err)
			}
		}
		outcome = Outcome{Snapshot: s.snapshotOf(session), Events: events}
		return nil
	})
	if txErr != nil {
		s.logCommandError(opGetSnapshot, txErr, caller, sessionID)
		return Outcome{}, txErr
	}
	return outcome, nil
}

type participantSlot int

const (
	slotNone  participantSlot = 0
	slotUser1 participantSlot = 1
	slotUser2 participantSlot = 2
)

// memberSession loads the session row under a write lock and resolves the
// caller's slot. A non-member who is user1's linked partner claims the open
// partner slot of a together-mode session in the same transaction.
func (s *Service) memberSession(tx *gorm.DB, caller UserID, sessionID SessionID) (*Session, []EventType, error) {
	var session Session
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("session_id = ?", sessionID.String()).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	slot := memberSlot(&session, caller)
	if slot != slotNone {
		return &session, nil, nil
	}

	if session.Mode == ModeTogether && session.User2ID == nil && s.partners != nil {
		partner, err := s.partners.PartnerOf(session.User1ID)
		if err != nil {
			return nil, nil, err
		}
		if partner != "" && partner == caller.String() {
			claimed := caller.String()
			session.User2ID = &claimed
			return &session, []EventType{EventPartnerJoined}, nil
		}
	}

	return nil, nil, ErrNotAMember
}

func memberSlot(session *Session, caller UserID) participantSlot {
	if session.User1ID == caller.String() {
		return slotUser1
	}
	if session.User2ID != nil && *session.User2ID == caller.String() {
		return slotUser2
	}
	return slotNone
}

// maybeFinishCountdown flips an elapsed countdown into the reading phase.
// The transition is anchored on the stored server timestamp, so every caller
// converges on the same wall-clock boundary.
func (s *Service) maybeFinishCountdown(session *Session) bool {
	if session.CurrentPhase != PhaseCountdown || session.CountdownStartedAtMs == nil {
		return false
	}
	startedAt := time.UnixMilli(*session.CountdownStartedAtMs)
	if s.clock().Before(startedAt.Add(s.countdown)) {
		return false
	}
	session.CurrentPhase = PhaseReading
	return true
}

func (s *Service) logCommandError(operation string, err error, caller UserID, sessionID SessionID) {
	// Caller-fixable denials are expected traffic; only store-level failures
	// are errors worth operator attention.
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNotAMember),
		errors.Is(err, ErrInvalidPhase):
		s.logger.Debug("reading command rejected",
			zap.String("operation", operation),
			zap.String("user_id", caller.String()),
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	default:
		s.logError(operation, "transaction_failed", err,
			zap.String("user_id", caller.String()),
			zap.String("session_id", sessionID.String()))
	}
}

func sessionFields(caller UserID, sessionID SessionID) []zap.Field {
	return []zap.Field{
		zap.String("user_id", caller.String()),
		zap.String("session_id", sessionID.String()),
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("reading service error", attrs...)
}
