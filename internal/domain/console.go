package domain

import (
	"fmt"
	"strings"
	"time"
)

// LogLevel represents the severity of a console line
type LogLevel string

const (
	LogLevelLog       LogLevel = "log"
	LogLevelInfo      LogLevel = "info"
	LogLevelWarn      LogLevel = "warn"
	LogLevelError     LogLevel = "error"
	LogLevelException LogLevel = "exception"
)

// ParseLogLevel converts a string to a LogLevel, defaulting to log
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error", "err":
		return LogLevelError
	case "exception", "fault":
		return LogLevelException
	default:
		return LogLevelLog
	}
}

// Priority returns a numeric priority for level comparisons (higher = more severe)
func (l LogLevel) Priority() int {
	switch l {
	case LogLevelInfo:
		return 1
	case LogLevelWarn:
		return 2
	case LogLevelError:
		return 3
	case LogLevelException:
		return 4
	default:
		return 0
	}
}

// ConsoleLine is one captured console message from a tab.
type ConsoleLine struct {
	Timestamp time.Time `json:"timestamp"`
	TabID     int       `json:"tab_id"`
	Level     LogLevel  `json:"level"`
	Text      string    `json:"text"`
}

// Format renders the line in the buffered wire shape: "[level] text".
func (c ConsoleLine) Format() string {
	return fmt.Sprintf("[%s] %s", c.Level, c.Text)
}

// ParseConsoleLine recovers level and text from a formatted "[level] text"
// string. Lines without a level prefix come back as LogLevelLog.
func ParseConsoleLine(tabID int, s string) ConsoleLine {
	line := ConsoleLine{Timestamp: time.Now(), TabID: tabID, Level: LogLevelLog, Text: s}
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "] "); end > 1 {
			line.Level = ParseLogLevel(s[1:end])
			line.Text = s[end+2:]
		}
	}
	return line
}
