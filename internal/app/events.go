package app

import "online-test-service/internal/domain"

// Outbound event names. These form the wire-level contract with clients;
// transports frame them however they like.
const (
	EventSessionCreated      = "session.created"
	EventJoinAccepted        = "session.join-accepted"
	EventRosterUpdated       = "roster.updated"
	EventSessionStarted      = "session.started"
	EventAnswerScored        = "answer.scored"
	EventParticipantFinished = "participant.finished"
	EventParticipantLeft     = "participant.left"
	EventSessionFinished     = "session.finished"
	EventError               = "error"
)

// SessionCreated is delivered to the owner after a successful create. The
// embedded test keeps its answer key: only the owner ever sees this payload.
type SessionCreated struct {
	SessionID string                 `json:"sessionId"`
	Test      *domain.TestDefinition `json:"test"`
	JoinCode  domain.JoinCode        `json:"joinCode"`
}

// JoinAccepted is delivered to a joining connection.
type JoinAccepted struct {
	SessionID    string                 `json:"sessionId"`
	TestID       string                 `json:"testId"`
	Test         *domain.TestDefinition `json:"test"`
	Participants []domain.Participant   `json:"participants"`
}

// RosterUpdate fans out to the whole room whenever the roster changes.
type RosterUpdate struct {
	TestID       string               `json:"testId"`
	Participants []domain.Participant `json:"participants"`
}

// SessionStarted fans out when the owner starts the clock. The test content
// is sanitized before it gets here.
type SessionStarted struct {
	SessionID       string                 `json:"sessionId"`
	Test            *domain.TestDefinition `json:"test"`
	DurationMinutes int                    `json:"durationMinutes"`
}

// ScoredAnswer fans out after each scored submission. It carries the
// participant's running totals, never the answer key.
type ScoredAnswer struct {
	ClientID            string                    `json:"clientId"`
	SectionID           string                    `json:"sectionId"`
	TaskID              string                    `json:"taskId"`
	QuestionID          string                    `json:"questionId"`
	IsCorrect           bool                      `json:"isCorrect"`
	CorrectAnswersCount int                       `json:"correctAnswersCount"`
	TotalQuestions      int                       `json:"totalQuestions"`
	Percentage          float64                   `json:"percentage"`
	Metrics             domain.ParticipantMetrics `json:"metrics"`
}

// ParticipantFinished notifies the rest of the room that one participant is
// done.
type ParticipantFinished struct {
	ClientID string                  `json:"clientId"`
	Score    domain.ParticipantScore `json:"score"`
}

// SessionFinished is the authoritative terminal broadcast.
type SessionFinished struct {
	SessionID    string                `json:"sessionId"`
	TestID       string                `json:"testId"`
	Participants []domain.Participant  `json:"participants"`
	Results      *domain.ResultsLedger `json:"results"`
}

// ErrorEvent is the structured error payload; Code comes from the domain
// error taxonomy.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
