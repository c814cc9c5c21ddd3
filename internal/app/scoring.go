package app

import (
	"math"
	"strings"
	"time"

	"online-test-service/internal/domain"
)

// ProcessAnswer scores one raw submission against the test definition and
// folds it into the participant's result trace. The latest answer for a
// question wins, but the running counters only move on the first answer to
// each distinct question, so totals stay monotonic under re-submission.
func ProcessAnswer(test *domain.TestDefinition, result *domain.ParticipantResult, sectionID, taskID, questionID, answer string, now time.Time) error {
	question, ok := test.Question(sectionID, taskID, questionID)
	if !ok {
		return domain.ErrQuestionNotFound
	}

	last := result.LastInteractionAt
	if last.IsZero() {
		last = result.StartedAt
	}
	timeSpent := now.Sub(last).Milliseconds()
	if timeSpent < 0 {
		timeSpent = 0
	}

	isCorrect := answerMatches(question, answer)
	_, resubmission := result.Lookup(sectionID, taskID, questionID)

	if result.Sections[sectionID] == nil {
		result.Sections[sectionID] = make(domain.SectionResults)
	}
	if result.Sections[sectionID][taskID] == nil {
		result.Sections[sectionID][taskID] = make(domain.TaskResults)
	}
	result.Sections[sectionID][taskID][questionID] = domain.QuestionResult{
		Answer:    answer,
		IsCorrect: isCorrect,
		Timestamp: now,
		TimeSpent: timeSpent,
	}

	if !resubmission {
		result.TotalQuestions++
		if isCorrect {
			result.CorrectAnswersCount++
		} else {
			result.Metrics.IncorrectAnswersCount++
		}
	}

	result.Metrics.PerformanceTrend.QuestionIDs = append(result.Metrics.PerformanceTrend.QuestionIDs, questionID)
	result.Metrics.PerformanceTrend.Correctness = append(result.Metrics.PerformanceTrend.Correctness, isCorrect)

	result.Metrics.TotalTimeSpent += timeSpent
	if result.TotalQuestions > 0 {
		result.Metrics.AverageTimePerQuestion = float64(result.Metrics.TotalTimeSpent) / float64(result.TotalQuestions)
		result.Metrics.Accuracy = float64(result.CorrectAnswersCount) / float64(result.TotalQuestions) * 100
	}
	result.LastInteractionAt = now
	return nil
}

// answerMatches checks the submission against the answer key. The answers
// list takes precedence; acceptableAnswers is only consulted when answers is
// empty, not as a union.
func answerMatches(question *domain.Question, answer string) bool {
	submitted := normalize(answer)
	if len(question.Answers) > 0 {
		return containsNormalized(question.Answers, submitted)
	}
	if len(question.AcceptableAnswers) > 0 {
		return containsNormalized(question.AcceptableAnswers, submitted)
	}
	return false
}

func containsNormalized(candidates []string, submitted string) bool {
	for _, candidate := range candidates {
		if normalize(candidate) == submitted {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Percentage returns correct/total as a percentage, 0 when total is zero.
func Percentage(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total) * 100
}

// Round2 rounds to two decimals for display payloads; stored values keep
// full precision.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ScoreSnapshot derives the final score for one participant from the ledger.
func ScoreSnapshot(result *domain.ParticipantResult) domain.ParticipantScore {
	if result == nil {
		return domain.ParticipantScore{}
	}
	return domain.ParticipantScore{
		TotalScore:     result.CorrectAnswersCount,
		TotalQuestions: result.TotalQuestions,
		Percentage:     Round2(Percentage(result.CorrectAnswersCount, result.TotalQuestions)),
	}
}
