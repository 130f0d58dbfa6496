package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/evenlight/tandem/backend/internal/reading"
	"github.com/gorilla/websocket"
)

func TestSessionStreamDeliversMutationEvents(t *testing.T) {
	fixture := newRouterFixture(t, map[string]string{"user-123": "user-456", "user-456": "user-123"})
	ownerToken := fixture.token(t, "user-123")
	partnerToken := fixture.token(t, "user-456")

	_, body := fixture.do(t, http.MethodPost, "/sessions", ownerToken, map[string]string{"mode": "together"})
	created := decodeSessionResponse(t, body)

	streamURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") +
		"/sessions/" + created.SessionID + "/stream?access_token=" + ownerToken
	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		t.Fatalf("failed to dial stream: %v", err)
	}
	defer conn.Close()

	frame := readStreamFrame(t, conn)
	if frame.Event != streamEventSnapshot {
		t.Fatalf("expected the initial snapshot frame, got %q", frame.Event)
	}
	if frame.Session.SessionID != created.SessionID {
		t.Fatalf("unexpected session in snapshot: %s", frame.Session.SessionID)
	}

	// The partner joining and readying up must surface on the stream.
	response, _ := fixture.do(t, http.MethodPost, "/sessions/"+created.SessionID+"/ready", partnerToken, map[string]bool{"is_ready": true})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("partner ready failed with status %d", response.StatusCode)
	}

	sawJoin := false
	sawReady := false
	for i := 0; i < 3 && !(sawJoin && sawReady); i++ {
		frame := readStreamFrame(t, conn)
		switch reading.EventType(frame.Event) {
		case reading.EventPartnerJoined:
			sawJoin = true
			if frame.Session.User2ID == nil || *frame.Session.User2ID != "user-456" {
				t.Fatalf("join frame missing the partner: %+v", frame.Session)
			}
		case reading.EventReadyStateChanged:
			sawReady = true
			if !frame.Session.User2Ready {
				t.Fatalf("ready frame missing the flag: %+v", frame.Session)
			}
		}
	}
	if !sawJoin || !sawReady {
		t.Fatalf("expected join and ready frames, got join=%t ready=%t", sawJoin, sawReady)
	}
}

func TestSessionStreamRejectsMissingToken(t *testing.T) {
	fixture := newRouterFixture(t, nil)
	token := fixture.token(t, "user-123")

	_, body := fixture.do(t, http.MethodPost, "/sessions", token, map[string]string{"mode": "solo"})
	created := decodeSessionResponse(t, body)

	response, _ := fixture.do(t, http.MethodGet, "/sessions/"+created.SessionID+"/stream", "", nil)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a stream token, got %d", response.StatusCode)
	}
}

func readStreamFrame(t *testing.T, conn *websocket.Conn) streamEnvelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read stream frame: %v", err)
	}
	var frame streamEnvelope
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("failed to decode stream frame: %v", err)
	}
	return frame
}
