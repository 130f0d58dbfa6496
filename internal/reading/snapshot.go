package reading

// EventType classifies a session-mutation event published to the realtime
// channel. Every event carries the full post-mutation snapshot, so delivery
// may be at-least-once and unordered.
type EventType string

const (
	// EventPartnerJoined fires when the empty partner slot becomes occupied.
	EventPartnerJoined EventType = "partner_joined"
	// EventReadyStateChanged fires when a participant's readiness flag changes.
	EventReadyStateChanged EventType = "ready_state_changed"
	// EventCountdownStarted fires exactly once, when both participants are ready.
	EventCountdownStarted EventType = "countdown_started"
	// EventPhaseChanged fires on every phase transition.
	EventPhaseChanged EventType = "phase_changed"
	// EventSessionUpdated fires on mutations that change the snapshot without
	// crossing a phase boundary (step advance, role selection, annotations).
	EventSessionUpdated EventType = "session_updated"
)

// SessionSnapshot is the authoritative wire representation of a session.
// Clients fully replace their local state with the latest snapshot rather
// than merging fields.
type SessionSnapshot struct {
	SessionID            string  `json:"session_id"`
	Mode                 Mode    `json:"mode"`
	CurrentPhase         Phase   `json:"current_phase"`
	CurrentStepIndex     int     `json:"current_step_index"`
	User1ID              string  `json:"user1_id"`
	User2ID              *string `json:"user2_id"`
	User1Role            *Role   `json:"user1_role"`
	User2Role            *Role   `json:"user2_role"`
	User1Ready           bool    `json:"user1_ready"`
	User2Ready           bool    `json:"user2_ready"`
	CountdownStartedAtMs *int64  `json:"countdown_started_at_ms"`
	CountdownSeconds     int     `json:"countdown_seconds"`
	Status               Status  `json:"status"`
	StartedAtSeconds     int64   `json:"started_at_s"`
	CompletedAtSeconds   *int64  `json:"completed_at_s"`
}

// Outcome is the result of a successful write command: the post-mutation
// snapshot plus the event classes the mutation produced, in occurrence order.
type Outcome struct {
	Snapshot SessionSnapshot
	Events   []EventType
}

func (s *Service) snapshotOf(session *Session) SessionSnapshot {
	return SessionSnapshot{
		SessionID:            session.SessionID,
		Mode:                 session.Mode,
		CurrentPhase:         session.CurrentPhase,
		CurrentStepIndex:     session.CurrentStepIndex,
		User1ID:              session.User1ID,
		User2ID:              session.User2ID,
		User1Role:            session.User1Role,
		User2Role:            session.User2Role,
		User1Ready:           session.User1Ready,
		User2Ready:           session.User2Ready,
		CountdownStartedAtMs: session.CountdownStartedAtMs,
		CountdownSeconds:     int(s.countdown.Seconds()),
		Status:               session.Status,
		StartedAtSeconds:     session.StartedAtSeconds,
		CompletedAtSeconds:   session.CompletedAtSeconds,
	}
}
