package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"online-test-service/internal/app"
	"online-test-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore. Every
// read hands out a deep copy so callers mutate snapshots, not store state,
// mirroring row semantics of the durable store.
type SessionStore struct {
	tests app.TestRepository
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func NewSessionStore(tests app.TestRepository) *SessionStore {
	return &SessionStore{
		tests:    tests,
		now:      time.Now,
		sessions: make(map[string]*domain.Session),
	}
}

// NewSessionStoreWithClock is test-only for deterministic timestamps.
func NewSessionStoreWithClock(tests app.TestRepository, now func() time.Time) *SessionStore {
	store := NewSessionStore(tests)
	store.now = now
	return store
}

func (s *SessionStore) Create(_ context.Context, testID, joinCodeID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.TestID == testID && session.FinishedAt == nil {
			return nil, domain.ErrSessionExists
		}
	}
	session := &domain.Session{
		ID:           uuid.NewString(),
		TestID:       testID,
		JoinCodeID:   joinCodeID,
		Participants: []domain.Participant{},
		Results:      domain.NewResultsLedger(),
		CreatedAt:    s.now(),
	}
	s.sessions[session.ID] = session
	return cloneSession(session), nil
}

func (s *SessionStore) GetByID(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *SessionStore) GetByJoinCodeID(_ context.Context, joinCodeID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.JoinCodeID == joinCodeID {
			return cloneSession(session), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (s *SessionStore) GetByTestID(ctx context.Context, testID string, includeAnswerKey bool) (*domain.Session, error) {
	s.mu.Lock()
	var found *domain.Session
	for _, session := range s.sessions {
		if session.TestID != testID {
			continue
		}
		if found == nil || session.CreatedAt.After(found.CreatedAt) {
			found = session
		}
	}
	if found == nil {
		s.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}
	clone := cloneSession(found)
	s.mu.Unlock()

	test, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if includeAnswerKey {
		clone.Test = test
	} else {
		clone.Test = test.Sanitized()
	}
	return clone, nil
}

func (s *SessionStore) Start(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	if session.StartedAt != nil {
		return nil, domain.ErrAlreadyStarted
	}

	valid := make([]domain.Participant, 0, len(session.Participants))
	for _, p := range session.Participants {
		if p.HasFullName() {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return nil, domain.ErrNoValidParticipants
	}

	now := s.now()
	session.Participants = valid
	session.StartedAt = &now
	return cloneSession(session), nil
}

func (s *SessionStore) Finish(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if session.FinishedAt == nil {
		now := s.now()
		session.FinishedAt = &now
	}
	return cloneSession(session), nil
}

func (s *SessionStore) UpdateParticipants(_ context.Context, id string, roster []domain.Participant) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	session.Participants = cloneRoster(roster)
	return cloneSession(session), nil
}

func (s *SessionStore) UpdateResults(_ context.Context, id string, ledger *domain.ResultsLedger) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	session.Results = cloneLedger(ledger)
	return cloneSession(session), nil
}

func (s *SessionStore) AddParticipant(_ context.Context, id string, p domain.Participant) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	for _, existing := range session.Participants {
		if existing.ClientID == p.ClientID {
			return cloneSession(session), nil
		}
	}
	session.Participants = append(session.Participants, p)
	return cloneSession(session), nil
}

func (s *SessionStore) UpdateParticipantMetadata(_ context.Context, id string, p domain.Participant) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	for i := range session.Participants {
		if session.Participants[i].ClientID != p.ClientID {
			continue
		}
		session.Participants[i].FirstName = p.FirstName
		session.Participants[i].LastName = p.LastName
		session.Participants[i].Email = p.Email
		if session.Participants[i].Status.Before(p.Status) {
			session.Participants[i].Status = p.Status
		}
		if p.Score != nil {
			score := *p.Score
			session.Participants[i].Score = &score
		}
		return cloneSession(session), nil
	}
	return nil, domain.ErrParticipantNotFound
}

func (s *SessionStore) RemoveParticipant(_ context.Context, id, clientID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	kept := make([]domain.Participant, 0, len(session.Participants))
	for _, p := range session.Participants {
		if p.ClientID != clientID {
			kept = append(kept, p)
		}
	}
	session.Participants = kept
	return cloneSession(session), nil
}

func cloneSession(s *domain.Session) *domain.Session {
	clone := *s
	clone.Participants = cloneRoster(s.Participants)
	clone.Results = cloneLedger(s.Results)
	if s.StartedAt != nil {
		t := *s.StartedAt
		clone.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		clone.FinishedAt = &t
	}
	return &clone
}

func cloneRoster(roster []domain.Participant) []domain.Participant {
	clone := make([]domain.Participant, len(roster))
	for i, p := range roster {
		clone[i] = p
		if p.Score != nil {
			score := *p.Score
			clone[i].Score = &score
		}
	}
	return clone
}

func cloneLedger(ledger *domain.ResultsLedger) *domain.ResultsLedger {
	if ledger == nil {
		return nil
	}
	clone := &domain.ResultsLedger{
		Results:     make(map[string]*domain.ParticipantResult, len(ledger.Results)),
		LastUpdated: ledger.LastUpdated,
	}
	for clientID, result := range ledger.Results {
		copied := *result
		copied.Sections = make(map[string]domain.SectionResults, len(result.Sections))
		for sectionID, tasks := range result.Sections {
			copiedTasks := make(domain.SectionResults, len(tasks))
			for taskID, questions := range tasks {
				copiedQuestions := make(domain.TaskResults, len(questions))
				for questionID, qr := range questions {
					copiedQuestions[questionID] = qr
				}
				copiedTasks[taskID] = copiedQuestions
			}
			copied.Sections[sectionID] = copiedTasks
		}
		copied.Metrics.PerformanceTrend.QuestionIDs = append([]string(nil), result.Metrics.PerformanceTrend.QuestionIDs...)
		copied.Metrics.PerformanceTrend.Correctness = append([]bool(nil), result.Metrics.PerformanceTrend.Correctness...)
		clone.Results[clientID] = &copied
	}
	return clone
}
