package app

import (
	"context"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"online-test-service/internal/domain"
)

// SessionStore is the durable record of online-test sessions. Roster and
// ledger writes must be field-scoped so concurrent updates to different
// columns cannot clobber each other.
type SessionStore interface {
	Create(ctx context.Context, testID, joinCodeID string) (*domain.Session, error)
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	GetByJoinCodeID(ctx context.Context, joinCodeID string) (*domain.Session, error)
	// GetByTestID attaches the test content; when includeAnswerKey is false
	// every scoring-sensitive field is stripped before the session is returned.
	GetByTestID(ctx context.Context, testID string, includeAnswerKey bool) (*domain.Session, error)
	Start(ctx context.Context, id string) (*domain.Session, error)
	Finish(ctx context.Context, id string) (*domain.Session, error)
	UpdateParticipants(ctx context.Context, id string, roster []domain.Participant) (*domain.Session, error)
	UpdateResults(ctx context.Context, id string, ledger *domain.ResultsLedger) (*domain.Session, error)
	AddParticipant(ctx context.Context, id string, p domain.Participant) (*domain.Session, error)
	UpdateParticipantMetadata(ctx context.Context, id string, p domain.Participant) (*domain.Session, error)
	RemoveParticipant(ctx context.Context, id, clientID string) (*domain.Session, error)
}

// JoinCodeRegistry issues and resolves short-lived numeric join codes.
type JoinCodeRegistry interface {
	Issue(ctx context.Context, testID string) (domain.JoinCode, error)
	Resolve(ctx context.Context, code int) (domain.JoinCode, error)
}

// TestRepository loads test content (from cache/backing store).
type TestRepository interface {
	GetTest(ctx context.Context, testID string) (*domain.TestDefinition, error)
}

// TokenVerifier checks an access token and returns the user it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*domain.User, error)
}

// CoinGate debits the session cost before a session may be created.
type CoinGate interface {
	CheckAndDebit(ctx context.Context, userID string, amount int) (bool, error)
}

// ActivityLogger records audit events. Implementations must not block the
// caller and their failures are tolerated.
type ActivityLogger interface {
	LogActivity(userID, action, details string)
}

// Broadcaster is the room layer: it tracks which connection belongs to which
// session and fans events out to room members.
type Broadcaster interface {
	Subscribe(roomID, clientID string, owner bool)
	Unsubscribe(roomID, clientID string)
	EvictNonOwners(roomID string)
	Broadcast(roomID, event string, payload any)
	BroadcastExcept(roomID, exceptClientID, event string, payload any)
}

// Deps wires the session service's collaborators.
type Deps struct {
	Store       SessionStore
	Codes       JoinCodeRegistry
	Tests       TestRepository
	Verifier    TokenVerifier
	Coins       CoinGate
	Activity    ActivityLogger
	Broadcaster Broadcaster
	SessionCost int
	Now         func() time.Time
}

// SessionService is the lifecycle controller: the state machine governing
// create, join, start, answer scoring, and the two finish paths.
type SessionService struct {
	store       SessionStore
	codes       JoinCodeRegistry
	tests       TestRepository
	verifier    TokenVerifier
	coins       CoinGate
	activity    ActivityLogger
	broadcaster Broadcaster
	sessionCost int
	now         func() time.Time

	locks *keyedMutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

func NewSessionService(deps Deps) *SessionService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &SessionService{
		store:       deps.Store,
		codes:       deps.Codes,
		tests:       deps.Tests,
		verifier:    deps.Verifier,
		coins:       deps.Coins,
		activity:    deps.Activity,
		broadcaster: deps.Broadcaster,
		sessionCost: deps.SessionCost,
		now:         now,
		locks:       newKeyedMutex(),
		timers:      make(map[string]*time.Timer),
	}
}

var emailRx = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Create mints (or reuses) a join code, creates the session row, and
// subscribes the owner to the session's room. Only the test owner may
// create, and the coin gate is consulted before any side effects.
func (s *SessionService) Create(ctx context.Context, clientID, token, testID string) (*SessionCreated, error) {
	user, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return nil, domain.ErrUnauthorized
	}
	test, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.OwnerID != user.ID {
		return nil, domain.ErrForbidden
	}

	unlock := s.locks.Lock(testID)
	defer unlock()

	existing, err := s.store.GetByTestID(ctx, testID, true)
	if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return nil, err
	}
	if existing != nil && existing.FinishedAt == nil {
		return nil, domain.ErrSessionExists
	}

	ok, err := s.coins.CheckAndDebit(ctx, user.ID, s.sessionCost)
	if err != nil {
		return nil, domain.TransientError("coin gate", err)
	}
	if !ok {
		return nil, domain.ErrInsufficientCoins
	}

	code, err := s.codes.Issue(ctx, testID)
	if err != nil {
		return nil, err
	}
	session, err := s.store.Create(ctx, testID, code.ID)
	if err != nil {
		return nil, err
	}

	s.broadcaster.Subscribe(testID, clientID, true)
	s.activity.LogActivity(user.ID, "online_test_created", session.ID)
	return &SessionCreated{SessionID: session.ID, Test: test, JoinCode: code}, nil
}

// Join resolves a join code and registers the connection in the session's
// room. Non-owners are added to the roster as pending participants; the
// whole room sees the updated roster.
func (s *SessionService) Join(ctx context.Context, clientID, token string, code int) (*JoinAccepted, error) {
	joinCode, err := s.codes.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(joinCode.TestID)
	defer unlock()

	session, err := s.store.GetByTestID(ctx, joinCode.TestID, false)
	if err != nil {
		return nil, err
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	if session.StartedAt != nil {
		return nil, domain.ErrAlreadyStarted
	}

	isOwner := false
	if token != "" {
		user, err := s.verifier.Verify(ctx, token)
		if err != nil {
			return nil, domain.ErrUnauthorized
		}
		isOwner = session.Test != nil && session.Test.OwnerID == user.ID
	}

	s.broadcaster.Subscribe(joinCode.TestID, clientID, isOwner)

	updated := session
	if !isOwner {
		updated, err = s.store.AddParticipant(ctx, session.ID, domain.Participant{
			ClientID: clientID,
			Status:   domain.StatusPending,
		})
		if err != nil {
			return nil, err
		}
	}

	s.broadcaster.Broadcast(joinCode.TestID, EventRosterUpdated, RosterUpdate{
		TestID:       joinCode.TestID,
		Participants: updated.Participants,
	})
	return &JoinAccepted{
		SessionID:    session.ID,
		TestID:       joinCode.TestID,
		Test:         session.Test,
		Participants: updated.Participants,
	}, nil
}

// SubmitMetadata fills in a participant's identity and promotes them to
// active. Both names are required; the email, if present, must look like an
// address.
func (s *SessionService) SubmitMetadata(ctx context.Context, clientID string, code int, firstName, lastName, email string) (*RosterUpdate, error) {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return nil, domain.ErrInvalidName
	}
	if email != "" && !emailRx.MatchString(email) {
		return nil, domain.ErrInvalidEmail
	}

	joinCode, err := s.codes.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(joinCode.TestID)
	defer unlock()

	session, err := s.store.GetByTestID(ctx, joinCode.TestID, false)
	if err != nil {
		return nil, err
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	participant, ok := session.Participant(clientID)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	participant.FirstName = firstName
	participant.LastName = lastName
	participant.Email = email
	if participant.Status.Before(domain.StatusActive) {
		participant.Status = domain.StatusActive
	}

	updated, err := s.store.UpdateParticipantMetadata(ctx, session.ID, *participant)
	if err != nil {
		return nil, err
	}

	update := RosterUpdate{TestID: joinCode.TestID, Participants: updated.Participants}
	s.broadcaster.Broadcast(joinCode.TestID, EventRosterUpdated, update)
	return &update, nil
}

// Start begins the timed run. Only the test owner may start; the store
// prunes participants without full names and refuses an empty roster. A
// duration timer is armed that finishes the session as the owner unless it
// was finished manually first.
func (s *SessionService) Start(ctx context.Context, clientID, token string, code int, durationMinutes int) error {
	user, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if durationMinutes < 1 || durationMinutes > 180 {
		return domain.ErrInvalidDuration
	}

	joinCode, err := s.codes.Resolve(ctx, code)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(joinCode.TestID)
	defer unlock()

	session, err := s.store.GetByTestID(ctx, joinCode.TestID, true)
	if err != nil {
		return err
	}
	if session.Test == nil || session.Test.OwnerID != user.ID {
		return domain.ErrForbidden
	}
	if session.FinishedAt != nil {
		return domain.ErrAlreadyFinished
	}
	if session.StartedAt != nil {
		return domain.ErrAlreadyStarted
	}

	started, err := s.store.Start(ctx, session.ID)
	if err != nil {
		return err
	}

	s.broadcaster.Broadcast(joinCode.TestID, EventSessionStarted, SessionStarted{
		SessionID:       session.ID,
		Test:            session.Test.Sanitized(),
		DurationMinutes: durationMinutes,
	})
	s.broadcaster.Broadcast(joinCode.TestID, EventRosterUpdated, RosterUpdate{
		TestID:       joinCode.TestID,
		Participants: started.Participants,
	})

	s.armTimer(session.ID, user.ID, time.Duration(durationMinutes)*time.Minute)
	s.activity.LogActivity(user.ID, "online_test_started", session.ID)
	return nil
}

// SubmitAnswer scores one submission and persists the updated ledger. The
// session must be active and the caller must be on the roster.
func (s *SessionService) SubmitAnswer(ctx context.Context, clientID, testID, sectionID, taskID, questionID, answer string) (*ScoredAnswer, error) {
	if testID == "" || sectionID == "" || taskID == "" || questionID == "" {
		return nil, domain.ErrInvalidAnswer
	}

	unlock := s.locks.Lock(testID)
	defer unlock()

	session, err := s.store.GetByTestID(ctx, testID, true)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, domain.ErrSessionNotActive
	}
	if _, ok := session.Participant(clientID); !ok {
		return nil, domain.ErrParticipantNotFound
	}

	ledger := session.Results
	if ledger == nil {
		ledger = domain.NewResultsLedger()
	}
	result, ok := ledger.Results[clientID]
	if !ok {
		result = domain.NewParticipantResult(*session.StartedAt)
		ledger.Results[clientID] = result
	}

	now := s.now()
	if err := ProcessAnswer(session.Test, result, sectionID, taskID, questionID, answer, now); err != nil {
		return nil, err
	}
	ledger.LastUpdated = now

	if _, err := s.store.UpdateResults(ctx, session.ID, ledger); err != nil {
		return nil, err
	}

	scored := &ScoredAnswer{
		ClientID:            clientID,
		SectionID:           sectionID,
		TaskID:              taskID,
		QuestionID:          questionID,
		IsCorrect:           result.Metrics.PerformanceTrend.Correctness[len(result.Metrics.PerformanceTrend.Correctness)-1],
		CorrectAnswersCount: result.CorrectAnswersCount,
		TotalQuestions:      result.TotalQuestions,
		Percentage:          Round2(Percentage(result.CorrectAnswersCount, result.TotalQuestions)),
		Metrics:             result.Metrics,
	}
	s.broadcaster.Broadcast(testID, EventAnswerScored, scored)
	return scored, nil
}

// FinishAsParticipant records one participant's "I'm done" signal: it
// snapshots their score, moves them to waiting_results, and tells the rest
// of the room.
func (s *SessionService) FinishAsParticipant(ctx context.Context, clientID, sessionID string) (*ParticipantFinished, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(session.TestID)
	defer unlock()

	session, err = s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	participant, ok := session.Participant(clientID)
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}

	var result *domain.ParticipantResult
	if session.Results != nil {
		result = session.Results.Results[clientID]
	}
	score := ScoreSnapshot(result)
	participant.Score = &score
	if participant.Status.Before(domain.StatusWaitingResults) {
		participant.Status = domain.StatusWaitingResults
	}

	if _, err := s.store.UpdateParticipants(ctx, sessionID, session.Participants); err != nil {
		return nil, err
	}

	finished := &ParticipantFinished{ClientID: clientID, Score: score}
	s.broadcaster.BroadcastExcept(session.TestID, clientID, EventParticipantFinished, finished)
	return finished, nil
}

// Finish terminates the session. Only the owner may finish manually; the
// duration timer finishes as the owner. Finishing an already finished
// session is a no-op.
func (s *SessionService) Finish(ctx context.Context, token, sessionID string) error {
	user, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return domain.ErrUnauthorized
	}
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	test, err := s.tests.GetTest(ctx, session.TestID)
	if err != nil {
		return err
	}
	if test.OwnerID != user.ID {
		return domain.ErrForbidden
	}
	return s.finish(ctx, sessionID, user.ID)
}

// ForceFinish is the admin maintenance path: same idempotent finish, no
// owner check.
func (s *SessionService) ForceFinish(ctx context.Context, sessionID string) error {
	return s.finish(ctx, sessionID, "admin")
}

func (s *SessionService) finish(ctx context.Context, sessionID, actorID string) error {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(session.TestID)
	defer unlock()

	// Re-read under the lock: the timer and a manual finish can race.
	session, err = s.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.FinishedAt != nil {
		return nil
	}

	finished, err := s.store.Finish(ctx, sessionID)
	if err != nil {
		return err
	}

	roster := finished.Participants
	for i := range roster {
		if roster[i].Score == nil {
			var result *domain.ParticipantResult
			if finished.Results != nil {
				result = finished.Results.Results[roster[i].ClientID]
			}
			score := ScoreSnapshot(result)
			roster[i].Score = &score
		}
		if roster[i].Status.Before(domain.StatusCompleted) {
			roster[i].Status = domain.StatusCompleted
		}
	}
	finished, err = s.store.UpdateParticipants(ctx, sessionID, roster)
	if err != nil {
		return err
	}

	s.broadcaster.Broadcast(session.TestID, EventSessionFinished, SessionFinished{
		SessionID:    sessionID,
		TestID:       session.TestID,
		Participants: finished.Participants,
		Results:      finished.Results,
	})
	s.broadcaster.EvictNonOwners(session.TestID)
	s.clearTimer(sessionID)
	s.activity.LogActivity(actorID, "online_test_finished", sessionID)
	return nil
}

// Leave removes the participant from the roster and the room. An abrupt
// disconnect never reaches here; only an explicit leave message does.
func (s *SessionService) Leave(ctx context.Context, clientID string, code int) (*RosterUpdate, error) {
	joinCode, err := s.codes.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(joinCode.TestID)
	defer unlock()

	session, err := s.store.GetByTestID(ctx, joinCode.TestID, false)
	if err != nil {
		return nil, err
	}

	s.broadcaster.Unsubscribe(joinCode.TestID, clientID)

	if session.FinishedAt != nil {
		return &RosterUpdate{TestID: joinCode.TestID, Participants: session.Participants}, nil
	}

	updated, err := s.store.RemoveParticipant(ctx, session.ID, clientID)
	if err != nil {
		return nil, err
	}

	update := RosterUpdate{TestID: joinCode.TestID, Participants: updated.Participants}
	s.broadcaster.Broadcast(joinCode.TestID, EventParticipantLeft, update)
	return &update, nil
}

func (s *SessionService) armTimer(sessionID, ownerID string, d time.Duration) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(d, func() {
		s.autoFinish(sessionID, ownerID)
	})
}

func (s *SessionService) clearTimer(sessionID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
		delete(s.timers, sessionID)
	}
}

// autoFinish runs when the duration timer fires. It goes through the same
// finish path, which re-reads session state, so a session finished manually
// in the meantime is left alone. A failed automatic finish is logged and
// must be recovered by a manual finish; retrying with stale state is unsafe.
func (s *SessionService) autoFinish(sessionID, ownerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.finish(ctx, sessionID, ownerID); err != nil {
		log.Printf("automatic finish of session %s failed: %v", sessionID, err)
	}
}
