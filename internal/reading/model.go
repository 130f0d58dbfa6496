package reading

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Mode distinguishes a shared session from a single-participant one.
type Mode string

const (
	// ModeSolo is a single-participant session; the partner slot stays empty.
	ModeSolo Mode = "solo"
	// ModeTogether is a shared session progressed jointly by two linked users.
	ModeTogether Mode = "together"
)

// Phase enumerates the session lifecycle states.
type Phase string

const (
	PhaseLobby             Phase = "lobby"
	PhaseCountdown         Phase = "countdown"
	PhaseReading           Phase = "reading"
	PhaseReflectionSummary Phase = "reflection_summary"
	PhaseReport            Phase = "report"
	PhaseComplete          Phase = "complete"
)

// Role is the part a participant plays during a together-mode session.
type Role string

const (
	RoleReader    Role = "reader"
	RoleResponder Role = "responder"
)

// Status tracks whether a session is still being worked through.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusAbandoned  Status = "abandoned"
)

const (
	// StepCount is the fixed number of ordered content steps, indexed 0..16.
	StepCount = 17
	// SummaryStepIndex is the sentinel index for the session-level reflection
	// submitted after the last step.
	SummaryStepIndex = 17

	maxIdentifierLength = 190
	maxNotesLength      = 8192
	maxMessageLength    = 4096
)

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("reading: invalid session id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("reading: invalid user id")
	// ErrInvalidMode indicates an unknown session mode.
	ErrInvalidMode = errors.New("reading: invalid mode")
	// ErrInvalidRole indicates an unknown participant role.
	ErrInvalidRole = errors.New("reading: invalid role")
	// ErrInvalidRating indicates a rating outside the 1..5 range.
	ErrInvalidRating = errors.New("reading: rating must be between 1 and 5")
	// ErrInvalidStepIndex indicates a step index outside the session's sequence.
	ErrInvalidStepIndex = errors.New("reading: invalid step index")
	// ErrInvalidNotes indicates a notes payload that is too long or malformed.
	ErrInvalidNotes = errors.New("reading: invalid notes")
	// ErrInvalidMessage indicates an empty or oversized partner message.
	ErrInvalidMessage = errors.New("reading: invalid message")
)

// SessionID represents a validated session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseMode validates raw input against the known session modes.
func ParseMode(rawInput string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ModeSolo:
		return ModeSolo, nil
	case ModeTogether:
		return ModeTogether, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, rawInput)
	}
}

// ParseRole validates raw input against the known participant roles.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleReader:
		return RoleReader, nil
	case RoleResponder:
		return RoleResponder, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// Rating represents a validated 1..5 step rating.
type Rating int

// NewRating validates the value and returns a Rating.
func NewRating(value int) (Rating, error) {
	if value < 1 || value > 5 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRating, value)
	}
	return Rating(value), nil
}

// Int exposes the raw rating value.
func (r Rating) Int() int {
	return int(r)
}

// Session models one shared reading activity instance.
type Session struct {
	SessionID            string  `gorm:"column:session_id;primaryKey;size:190;not null"`
	Mode                 Mode    `gorm:"column:mode;size:16;not null"`
	User1ID              string  `gorm:"column:user1_id;size:190;not null;index:idx_sessions_user1"`
	User2ID              *string `gorm:"column:user2_id;size:190;index:idx_sessions_user2"`
	CurrentPhase         Phase   `gorm:"column:current_phase;size:32;not null"`
	CurrentStepIndex     int     `gorm:"column:current_step_index;not null;default:0"`
	User1Role            *Role   `gorm:"column:user1_role;size:16"`
	User2Role            *Role   `gorm:"column:user2_role;size:16"`
	User1Ready           bool    `gorm:"column:user1_ready;not null;default:false"`
	User2Ready           bool    `gorm:"column:user2_ready;not null;default:false"`
	CountdownStartedAtMs *int64  `gorm:"column:countdown_started_at_ms"`
	Status               Status  `gorm:"column:status;size:16;not null"`
	StartedAtSeconds     int64   `gorm:"column:started_at_s;not null;index:idx_sessions_user1,priority:2"`
	CompletedAtSeconds   *int64  `gorm:"column:completed_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "reading_sessions"
}

// Reflection is one rating+note per (session, step, user). The triple is
// unique; a resubmission updates in place and keeps the original identifier.
type Reflection struct {
	ReflectionID     string `gorm:"column:reflection_id;primaryKey;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_reflections_triple,priority:1"`
	StepIndex        int    `gorm:"column:step_index;not null;uniqueIndex:idx_reflections_triple,priority:2"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_reflections_triple,priority:3"`
	Rating           int    `gorm:"column:rating;not null"`
	Notes            string `gorm:"column:notes;type:text;not null;default:''"`
	IsShared         bool   `gorm:"column:is_shared;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Reflection) TableName() string {
	return "reading_reflections"
}

// Bookmark is an ephemeral per-user, per-step marker. Row existence is the
// signal; toggling off hard-deletes the row.
type Bookmark struct {
	BookmarkID       string `gorm:"column:bookmark_id;primaryKey;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_bookmarks_triple,priority:1"`
	StepIndex        int    `gorm:"column:step_index;not null;uniqueIndex:idx_bookmarks_triple,priority:2"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_bookmarks_triple,priority:3"`
	ShareWithPartner bool   `gorm:"column:share_with_partner;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Bookmark) TableName() string {
	return "reading_bookmarks"
}

// Message is one free-text note per (session, user), exchanged during the
// report phase. A resubmission updates rather than duplicates.
type Message struct {
	MessageID        string `gorm:"column:message_id;primaryKey;size:190;not null"`
	SessionID        string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_messages_pair,priority:1"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_messages_pair,priority:2"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "reading_messages"
}

// SummaryNotes is the structured payload carried by the session-level
// reflection at SummaryStepIndex: the standout step indices plus a free-text
// note.
type SummaryNotes struct {
	StandoutSteps []int  `json:"standout_steps"`
	Note          string `json:"note"`
}

// EncodeSummaryNotes validates and serializes the session-level notes payload.
func EncodeSummaryNotes(payload SummaryNotes) (string, error) {
	for _, step := range payload.StandoutSteps {
		if step < 0 || step >= StepCount {
			return "", fmt.Errorf("%w: standout step %d", ErrInvalidStepIndex, step)
		}
	}
	if len(payload.Note) > maxNotesLength {
		return "", fmt.Errorf("%w: note exceeds %d characters", ErrInvalidNotes, maxNotesLength)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNotes, err)
	}
	return string(encoded), nil
}

// DecodeSummaryNotes parses a session-level notes payload, validating the
// standout step indices.
func DecodeSummaryNotes(raw string) (SummaryNotes, error) {
	var payload SummaryNotes
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return SummaryNotes{}, fmt.Errorf("%w: %v", ErrInvalidNotes, err)
	}
	for _, step := range payload.StandoutSteps {
		if step < 0 || step >= StepCount {
			return SummaryNotes{}, fmt.Errorf("%w: standout step %d", ErrInvalidStepIndex, step)
		}
	}
	return payload, nil
}
