package status

import (
	"sync"
	"time"
)

// JobMonitor tracks the health of one scheduled job.
type JobMonitor struct {
	mu                sync.RWMutex
	runs              uint64
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// RecordSuccess records a successful run.
func (m *JobMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	m.lastSuccess = time.Now()
	m.lastAttempt = time.Now()
	m.consecutiveErrors = 0
	m.lastError = ""
}

// Runs returns the number of successful runs.
func (m *JobMonitor) Runs() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs
}

// RecordFailure records a failed run.
func (m *JobMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// JobStatus is the serializable health of one job.
type JobStatus struct {
	LastSuccess       string `json:"last_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current job health.
func (m *JobMonitor) Status() JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := JobStatus{}
	if !m.lastSuccess.IsZero() {
		s.LastSuccess = m.lastSuccess.Format(time.RFC3339)
	}
	if !m.lastAttempt.IsZero() {
		s.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		s.ConsecutiveErrors = m.consecutiveErrors
		s.LastError = m.lastError
	}
	return s
}
