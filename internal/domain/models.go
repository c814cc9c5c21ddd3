package domain

import "time"

// ParticipantStatus tracks a test-taker through the session lifecycle.
// The order is monotonic: a participant never moves backwards.
type ParticipantStatus string

const (
	StatusPending        ParticipantStatus = "pending"
	StatusActive         ParticipantStatus = "active"
	StatusWaitingResults ParticipantStatus = "waiting_results"
	StatusCompleted      ParticipantStatus = "completed"
)

var statusRank = map[ParticipantStatus]int{
	StatusPending:        0,
	StatusActive:         1,
	StatusWaitingResults: 2,
	StatusCompleted:      3,
}

// Before reports whether s precedes other in the lifecycle order.
func (s ParticipantStatus) Before(other ParticipantStatus) bool {
	return statusRank[s] < statusRank[other]
}

// ParticipantScore is the final per-participant score snapshot.
type ParticipantScore struct {
	TotalScore     int     `json:"totalScore"`
	TotalQuestions int     `json:"totalQuestions"`
	Percentage     float64 `json:"percentage"`
}

// Participant is one connected test-taker within a session. ClientID is
// connection-scoped: a reconnect yields a new participant entry.
type Participant struct {
	ClientID  string            `json:"clientId"`
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Email     string            `json:"email,omitempty"`
	Status    ParticipantStatus `json:"status"`
	Score     *ParticipantScore `json:"score,omitempty"`
}

// HasFullName reports whether the participant submitted both names. Only
// fully named participants survive the roster prune at session start.
func (p Participant) HasFullName() bool {
	return p.FirstName != "" && p.LastName != ""
}

// QuestionResult is the latest scored answer for one question.
type QuestionResult struct {
	Answer    string    `json:"answer"`
	IsCorrect bool      `json:"isCorrect"`
	Timestamp time.Time `json:"timestamp"`
	TimeSpent int64     `json:"timeSpent"` // milliseconds
}

// PerformanceTrend holds parallel lists of question ids and correctness in
// submission order.
type PerformanceTrend struct {
	QuestionIDs []string `json:"questionIds"`
	Correctness []bool   `json:"correctness"`
}

// ParticipantMetrics are running derived metrics for one participant.
type ParticipantMetrics struct {
	Accuracy               float64          `json:"accuracy"`
	AverageTimePerQuestion float64          `json:"averageTimePerQuestion"`
	PerformanceTrend       PerformanceTrend `json:"performanceTrend"`
	TotalTimeSpent         int64            `json:"totalTimeSpent"`
	IncorrectAnswersCount  int              `json:"incorrectAnswersCount"`
}

// TaskResults maps questionId to the latest result for that question.
type TaskResults map[string]QuestionResult

// SectionResults maps taskId to its question results.
type SectionResults map[string]TaskResults

// ParticipantResult is the accumulated answer trace and metrics for one
// participant. Counters only ever increase; a re-submitted question
// overwrites its ledger entry but does not re-increment the counters.
type ParticipantResult struct {
	Sections            map[string]SectionResults `json:"sections"`
	CorrectAnswersCount int                       `json:"correctAnswersCount"`
	TotalQuestions      int                       `json:"totalQuestions"`
	StartedAt           time.Time                 `json:"startedAt"`
	LastInteractionAt   time.Time                 `json:"lastInteractionAt"`
	Metrics             ParticipantMetrics        `json:"metrics"`
}

// NewParticipantResult seeds an empty result trace starting at now.
func NewParticipantResult(now time.Time) *ParticipantResult {
	return &ParticipantResult{
		Sections:  make(map[string]SectionResults),
		StartedAt: now,
	}
}

// Lookup returns the stored result for a question, if any.
func (r *ParticipantResult) Lookup(sectionID, taskID, questionID string) (QuestionResult, bool) {
	tasks, ok := r.Sections[sectionID]
	if !ok {
		return QuestionResult{}, false
	}
	questions, ok := tasks[taskID]
	if !ok {
		return QuestionResult{}, false
	}
	result, ok := questions[questionID]
	return result, ok
}

// ResultsLedger is the per-session answer ledger keyed by clientId.
type ResultsLedger struct {
	Results     map[string]*ParticipantResult `json:"results"`
	LastUpdated time.Time                     `json:"lastUpdated"`
}

// NewResultsLedger returns an empty ledger.
func NewResultsLedger() *ResultsLedger {
	return &ResultsLedger{Results: make(map[string]*ParticipantResult)}
}

// Session is one live administration of a test.
type Session struct {
	ID           string
	TestID       string
	JoinCodeID   string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Participants []Participant
	Results      *ResultsLedger
	CreatedAt    time.Time

	// Test is the embedded test content, attached (and sanitized when the
	// caller is not the owner) by the store on read. Never persisted with
	// the session row.
	Test *TestDefinition
}

// Participant finds a roster entry by clientId.
func (s *Session) Participant(clientID string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].ClientID == clientID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// Active reports whether the session accepts answer submissions.
func (s *Session) Active() bool {
	return s.StartedAt != nil && s.FinishedAt == nil
}

// JoinCode is a short-lived numeric code resolving to a test.
type JoinCode struct {
	ID        string    `json:"id"`
	Code      int       `json:"code"`
	TestID    string    `json:"testId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the code is past its expiry at now.
func (c JoinCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Question is a single test question including its answer key.
type Question struct {
	ID                string   `json:"id"`
	QuestionText      string   `json:"questionText"`
	Options           []string `json:"options,omitempty"`
	Answers           []string `json:"answers,omitempty"`
	AcceptableAnswers []string `json:"acceptableAnswers,omitempty"`
	AnswerKeywords    []string `json:"answerKeywords,omitempty"`
	Explanation       string   `json:"explanation,omitempty"`
	Score             int      `json:"score,omitempty"`
}

// Task groups questions within a section.
type Task struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Type      string     `json:"type,omitempty"`
	Questions []Question `json:"questions"`
}

// Section groups tasks within a test.
type Section struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Instruction string `json:"instruction,omitempty"`
	Tasks       []Task `json:"tasks"`
}

// TestDefinition is immutable test content, owned by a single user.
type TestDefinition struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Subject  string    `json:"subject,omitempty"`
	OwnerID  string    `json:"ownerId"`
	Sections []Section `json:"sections"`
}

// Question resolves a question by section, task, and question id.
func (t *TestDefinition) Question(sectionID, taskID, questionID string) (*Question, bool) {
	for si := range t.Sections {
		if t.Sections[si].ID != sectionID {
			continue
		}
		for ti := range t.Sections[si].Tasks {
			if t.Sections[si].Tasks[ti].ID != taskID {
				continue
			}
			for qi := range t.Sections[si].Tasks[ti].Questions {
				if t.Sections[si].Tasks[ti].Questions[qi].ID == questionID {
					return &t.Sections[si].Tasks[ti].Questions[qi], true
				}
			}
		}
	}
	return nil, false
}

// Sanitized returns a deep copy with every scoring-sensitive field stripped.
// Required whenever test content reaches a non-owner participant.
func (t *TestDefinition) Sanitized() *TestDefinition {
	clean := *t
	clean.Sections = make([]Section, len(t.Sections))
	for si, section := range t.Sections {
		clean.Sections[si] = section
		clean.Sections[si].Tasks = make([]Task, len(section.Tasks))
		for ti, task := range section.Tasks {
			clean.Sections[si].Tasks[ti] = task
			clean.Sections[si].Tasks[ti].Questions = make([]Question, len(task.Questions))
			for qi, question := range task.Questions {
				question.Answers = nil
				question.AcceptableAnswers = nil
				question.AnswerKeywords = nil
				question.Explanation = ""
				clean.Sections[si].Tasks[ti].Questions[qi] = question
			}
		}
	}
	return &clean
}

// User is the minimal identity the coordinator needs: who owns tests and
// whether they can afford to run a session.
type User struct {
	ID    string
	Email string
	Coins int
}
