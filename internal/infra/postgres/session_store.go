package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"online-test-service/internal/app"
	"online-test-service/internal/domain"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:online_tests,alias:ot"`

	ID           string                `bun:"id,pk"`
	TestID       string                `bun:"test_id,notnull"`
	JoinCodeID   string                `bun:"join_code_id"`
	StartedAt    *time.Time            `bun:"started_at"`
	FinishedAt   *time.Time            `bun:"finished_at"`
	Participants []domain.Participant  `bun:"participants,type:jsonb"`
	Results      *domain.ResultsLedger `bun:"results,type:jsonb"`
	CreatedAt    time.Time             `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func (r *sessionRow) toDomain() *domain.Session {
	participants := r.Participants
	if participants == nil {
		participants = []domain.Participant{}
	}
	return &domain.Session{
		ID:           r.ID,
		TestID:       r.TestID,
		JoinCodeID:   r.JoinCodeID,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Participants: participants,
		Results:      r.Results,
		CreatedAt:    r.CreatedAt,
	}
}

// SessionStore persists sessions in the online_tests table. The roster and
// the results ledger live in separate jsonb columns and every write is
// column-scoped, so a roster update can never clobber a concurrent ledger
// write or vice versa.
type SessionStore struct {
	db    *bun.DB
	tests app.TestRepository
	now   func() time.Time
}

func NewSessionStore(db *bun.DB, tests app.TestRepository) *SessionStore {
	return &SessionStore{db: db, tests: tests, now: time.Now}
}

func (s *SessionStore) Create(ctx context.Context, testID, joinCodeID string) (*domain.Session, error) {
	exists, err := s.db.NewSelect().Model((*sessionRow)(nil)).
		Where("test_id = ? AND finished_at IS NULL", testID).
		Exists(ctx)
	if err != nil {
		return nil, domain.TransientError("create session", err)
	}
	if exists {
		return nil, domain.ErrSessionExists
	}

	row := &sessionRow{
		ID:           uuid.NewString(),
		TestID:       testID,
		JoinCodeID:   joinCodeID,
		Participants: []domain.Participant{},
		Results:      domain.NewResultsLedger(),
		CreatedAt:    s.now(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		// The partial unique index on (test_id) WHERE finished_at IS NULL
		// backs up the pre-check under concurrent creates.
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.Field('C') == "23505" {
			return nil, domain.ErrSessionExists
		}
		return nil, domain.TransientError("create session", err)
	}
	return row.toDomain(), nil
}

func (s *SessionStore) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, domain.TransientError("get session", err)
	}
	return row.toDomain(), nil
}

func (s *SessionStore) GetByJoinCodeID(ctx context.Context, joinCodeID string) (*domain.Session, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().Model(row).Where("join_code_id = ?", joinCodeID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, domain.TransientError("get session", err)
	}
	return row.toDomain(), nil
}

func (s *SessionStore) GetByTestID(ctx context.Context, testID string, includeAnswerKey bool) (*domain.Session, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().Model(row).
		Where("test_id = ?", testID).
		OrderExpr("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, domain.TransientError("get session", err)
	}

	session := row.toDomain()
	test, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if includeAnswerKey {
		session.Test = test
	} else {
		session.Test = test.Sanitized()
	}
	return session, nil
}

func (s *SessionStore) Start(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
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
	row := &sessionRow{ID: id, Participants: valid, StartedAt: &now}
	res, err := s.db.NewUpdate().Model(row).
		Column("participants", "started_at").
		Where("id = ? AND started_at IS NULL AND finished_at IS NULL", id).
		Exec(ctx)
	if err != nil {
		return nil, domain.TransientError("start session", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, domain.ErrAlreadyStarted
	}
	return s.GetByID(ctx, id)
}

func (s *SessionStore) Finish(ctx context.Context, id string) (*domain.Session, error) {
	now := s.now()
	row := &sessionRow{ID: id, FinishedAt: &now}
	// Idempotent: the guard leaves an already-set finished_at untouched.
	if _, err := s.db.NewUpdate().Model(row).
		Column("finished_at").
		Where("id = ? AND finished_at IS NULL", id).
		Exec(ctx); err != nil {
		return nil, domain.TransientError("finish session", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SessionStore) UpdateParticipants(ctx context.Context, id string, roster []domain.Participant) (*domain.Session, error) {
	row := &sessionRow{ID: id, Participants: roster}
	if _, err := s.db.NewUpdate().Model(row).
		Column("participants").
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return nil, domain.TransientError("update participants", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SessionStore) UpdateResults(ctx context.Context, id string, ledger *domain.ResultsLedger) (*domain.Session, error) {
	row := &sessionRow{ID: id, Results: ledger}
	if _, err := s.db.NewUpdate().Model(row).
		Column("results").
		Where("id = ?", id).
		Exec(ctx); err != nil {
		return nil, domain.TransientError("update results", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SessionStore) AddParticipant(ctx context.Context, id string, p domain.Participant) (*domain.Session, error) {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	for _, existing := range session.Participants {
		if existing.ClientID == p.ClientID {
			return session, nil
		}
	}
	return s.writeRoster(ctx, id, append(session.Participants, p))
}

func (s *SessionStore) UpdateParticipantMetadata(ctx context.Context, id string, p domain.Participant) (*domain.Session, error) {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.FinishedAt != nil {
		return nil, domain.ErrAlreadyFinished
	}
	found := false
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
		found = true
		break
	}
	if !found {
		return nil, domain.ErrParticipantNotFound
	}
	return s.writeRoster(ctx, id, session.Participants)
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, id, clientID string) (*domain.Session, error) {
	session, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
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
	return s.writeRoster(ctx, id, kept)
}

// writeRoster is the single column-scoped write path for roster mutations.
// The finished_at guard enforces the terminal-state invariant at the row
// level as well.
func (s *SessionStore) writeRoster(ctx context.Context, id string, roster []domain.Participant) (*domain.Session, error) {
	row := &sessionRow{ID: id, Participants: roster}
	res, err := s.db.NewUpdate().Model(row).
		Column("participants").
		Where("id = ? AND finished_at IS NULL", id).
		Exec(ctx)
	if err != nil {
		return nil, domain.TransientError("update roster", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return nil, domain.ErrAlreadyFinished
	}
	return s.GetByID(ctx, id)
}
