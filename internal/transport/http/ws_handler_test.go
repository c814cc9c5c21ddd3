package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"online-test-service/internal/app"
	"online-test-service/internal/auth"
	"online-test-service/internal/domain"
	"online-test-service/internal/infra/memory"
)

func wsTest() map[string]*domain.TestDefinition {
	return map[string]*domain.TestDefinition{
		"test-1": {
			ID:      "test-1",
			Title:   "Capitals",
			OwnerID: "owner-1",
			Sections: []domain.Section{
				{
					ID: "s1",
					Tasks: []domain.Task{
						{
							ID: "t1",
							Questions: []domain.Question{
								{ID: "q1", QuestionText: "Capital of France?", Answers: []string{"Paris"}},
								{ID: "q2", QuestionText: "Capital of Italy?", Answers: []string{"Rome"}},
							},
						},
					},
				},
			},
		},
	}
}

func newWSServer(t *testing.T, limit int) (*httptest.Server, *auth.Verifier) {
	t.Helper()
	tests := memory.NewTestRepository(memory.NewStaticTestLoader(wsTest()), time.Minute)
	verifier := auth.NewVerifier("test-secret")
	hub := NewHub()
	service := app.NewSessionService(app.Deps{
		Store:       memory.NewSessionStore(tests),
		Codes:       memory.NewCodeRegistry(time.Hour),
		Tests:       tests,
		Verifier:    verifier,
		Coins:       memory.NewCoinGate(nil),
		Activity:    memory.NewActivityLogger(),
		Broadcaster: hub,
	})
	wsHandler := NewWSHandler(service, hub, memory.NewRateLimiter(limit, time.Second))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, verifier
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil drains frames until one of the wanted type arrives; rooms fan
// out state changes, so unrelated frames may interleave.
func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		var msg struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read while waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg.Payload
		}
	}
	t.Fatalf("never received %s", want)
	return nil
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func TestWebSocketSessionFlow(t *testing.T) {
	server, verifier := newWSServer(t, 100)
	ownerToken, err := verifier.Sign("owner-1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	owner := dial(t, server)
	send(t, owner, "session.create", map[string]any{"token": ownerToken, "testId": "test-1"})
	created := readUntil(t, owner, app.EventSessionCreated)
	sessionID, _ := created["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("missing session id in created payload")
	}
	joinCode, ok := created["joinCode"].(map[string]any)
	if !ok {
		t.Fatalf("missing join code in created payload: %v", created)
	}
	code := int(joinCode["code"].(float64))

	participant := dial(t, server)
	send(t, participant, "session.join", map[string]any{"code": code})
	accepted := readUntil(t, participant, app.EventJoinAccepted)
	test, ok := accepted["test"].(map[string]any)
	if !ok {
		t.Fatal("join must carry the test content")
	}
	sections := test["sections"].([]any)
	tasks := sections[0].(map[string]any)["tasks"].([]any)
	questions := tasks[0].(map[string]any)["questions"].([]any)
	if _, leaked := questions[0].(map[string]any)["answers"]; leaked {
		t.Fatal("answer key leaked over the wire to a participant")
	}

	send(t, participant, "participant.metadata", map[string]any{
		"code":      code,
		"firstName": "Ada",
		"lastName":  "Lovelace",
	})
	readUntil(t, participant, app.EventRosterUpdated)

	send(t, owner, "session.start", map[string]any{
		"token":           ownerToken,
		"code":            code,
		"durationMinutes": 30,
	})
	readUntil(t, participant, app.EventSessionStarted)

	send(t, participant, "answer.submit", map[string]any{
		"testId":     "test-1",
		"sectionId":  "s1",
		"taskId":     "t1",
		"questionId": "q1",
		"answer":     "paris",
	})
	scored := readUntil(t, participant, app.EventAnswerScored)
	if scored["isCorrect"] != true {
		t.Fatalf("expected correct answer, got %v", scored)
	}
	if scored["percentage"].(float64) != 100 {
		t.Fatalf("expected 100%%, got %v", scored["percentage"])
	}

	send(t, participant, "participant.finish", map[string]any{"sessionId": sessionID})
	finished := readUntil(t, participant, app.EventParticipantFinished)
	score := finished["score"].(map[string]any)
	if score["totalScore"].(float64) != 1 {
		t.Fatalf("unexpected score: %v", score)
	}

	send(t, owner, "session.finish", map[string]any{"token": ownerToken, "sessionId": sessionID})
	final := readUntil(t, owner, app.EventSessionFinished)
	if final["sessionId"] != sessionID {
		t.Fatalf("unexpected finished payload: %v", final)
	}
}

func TestWebSocketUnauthorizedDisconnects(t *testing.T) {
	server, _ := newWSServer(t, 100)

	conn := dial(t, server)
	send(t, conn, "session.create", map[string]any{"token": "garbage", "testId": "test-1"})

	payload := readUntil(t, conn, app.EventError)
	if payload["code"] != domain.CodeUnauthorized {
		t.Fatalf("expected unauthorized error, got %v", payload)
	}

	// The server drops the connection after a failed credential.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var discard map[string]any
	if err := conn.ReadJSON(&discard); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	server, _ := newWSServer(t, 1)

	conn := dial(t, server)
	send(t, conn, "session.join", map[string]any{"code": 111111})
	readUntil(t, conn, app.EventError) // invalid code, but allowed through

	send(t, conn, "session.join", map[string]any{"code": 111111})
	payload := readUntil(t, conn, app.EventError)
	if payload["code"] != domain.CodeRateLimited {
		t.Fatalf("expected rate limited, got %v", payload)
	}
}

func TestWebSocketUnsupportedType(t *testing.T) {
	server, _ := newWSServer(t, 100)

	conn := dial(t, server)
	send(t, conn, "bogus.type", map[string]any{})
	payload := readUntil(t, conn, app.EventError)
	if payload["code"] != domain.CodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", payload)
	}
}
