package receipt

import (
	"sync"
	"time"
)

// Level is the severity of a notification
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

const maxNotifications = 100

// Notification is a one-shot message for the user
type Notification struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier receives one-shot messages for the user
type Notifier interface {
	Info(message string)
	Error(message string)
}

// NotificationLog buffers notifications until a client drains them.
// Only the most recent notifications are kept.
type NotificationLog struct {
	mu         sync.Mutex
	items      []Notification
	timeSource TimeSource
}

// NewNotificationLog creates an empty NotificationLog
func NewNotificationLog() *NotificationLog {
	return &NotificationLog{timeSource: &defaultTimeSource{}}
}

// Info records an informational message
func (l *NotificationLog) Info(message string) {
	l.add(LevelInfo, message)
}

// Error records a failure message
func (l *NotificationLog) Error(message string) {
	l.add(LevelError, message)
}

// Drain returns the buffered notifications, oldest first, and clears the buffer
func (l *NotificationLog) Drain() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := l.items
	l.items = nil
	if items == nil {
		items = []Notification{}
	}
	return items
}

func (l *NotificationLog) add(level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, Notification{Level: level, Message: message, Time: l.timeSource.Now()})
	if len(l.items) > maxNotifications {
		l.items = l.items[len(l.items)-maxNotifications:]
	}
}
