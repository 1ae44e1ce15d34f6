package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/brightsure/mail-triage/internal/pkg/logger"
)

// msgLog accumulates the structured per-message trace that is flushed to
// the system_logs table when the message's pipeline terminates. It is
// written from the engine and the autoresponse task concurrently.
type msgLog struct {
	mu       sync.Mutex
	emailID  string
	started  time.Time
	entries  []logEntry
	counters map[string]int
	auto     map[string]string
}

type logEntry struct {
	At      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

func newMsgLog(emailID string) *msgLog {
	return &msgLog{
		emailID:  emailID,
		started:  time.Now().UTC(),
		counters: map[string]int{},
	}
}

func (m *msgLog) add(level, msg string, fields ...interface{}) {
	m.mu.Lock()
	m.entries = append(m.entries, logEntry{At: time.Now().UTC(), Level: level, Message: msg})
	m.mu.Unlock()

	switch level {
	case "ERROR":
		logger.Error(msg, fields...)
	case "WARNING":
		logger.Warn(msg, fields...)
	case "CRITICAL":
		logger.Critical(msg, fields...)
	default:
		logger.Info(msg, fields...)
	}
}

func (m *msgLog) info(msg string, fields ...interface{})     { m.add("INFO", msg, fields...) }
func (m *msgLog) warn(msg string, fields ...interface{})     { m.add("WARNING", msg, fields...) }
func (m *msgLog) error(msg string, fields ...interface{})    { m.add("ERROR", msg, fields...) }
func (m *msgLog) critical(msg string, fields ...interface{}) { m.add("CRITICAL", msg, fields...) }

func (m *msgLog) count(category string) {
	m.mu.Lock()
	m.counters[category]++
	m.mu.Unlock()
}

func (m *msgLog) setAutoresponse(status, reason, subject, folder string) {
	m.mu.Lock()
	m.auto = map[string]string{
		"status": status,
		"reason": reason,
	}
	if subject != "" {
		m.auto["subject"] = subject
	}
	if folder != "" {
		m.auto["template_folder"] = folder
	}
	m.mu.Unlock()
}

// document serialises the capture. Marshal failure cannot happen for
// these types, but the error is still surfaced for the caller to log.
func (m *msgLog) document() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := struct {
		EmailID      string            `json:"email_id"`
		StartedAt    time.Time         `json:"started_at"`
		FinishedAt   time.Time         `json:"finished_at"`
		Entries      []logEntry        `json:"entries"`
		Counters     map[string]int    `json:"counters"`
		Autoresponse map[string]string `json:"autoresponse_details,omitempty"`
	}{
		EmailID:      m.emailID,
		StartedAt:    m.started,
		FinishedAt:   time.Now().UTC(),
		Entries:      m.entries,
		Counters:     m.counters,
		Autoresponse: m.auto,
	}
	return json.Marshal(doc)
}
