package memory

import (
	"log"
	"sync"
)

// ActivityRecord is one audit entry.
type ActivityRecord struct {
	UserID  string
	Action  string
	Details string
}

// ActivityLogger keeps audit records in memory and mirrors them to the log.
type ActivityLogger struct {
	mu      sync.Mutex
	records []ActivityRecord
}

func NewActivityLogger() *ActivityLogger {
	return &ActivityLogger{}
}

func (l *ActivityLogger) LogActivity(userID, action, details string) {
	l.mu.Lock()
	l.records = append(l.records, ActivityRecord{UserID: userID, Action: action, Details: details})
	l.mu.Unlock()
	log.Printf("activity: user=%s action=%s details=%s", userID, action, details)
}

// Records returns a snapshot of the recorded entries, for tests.
func (l *ActivityLogger) Records() []ActivityRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ActivityRecord(nil), l.records...)
}
