package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelInfo, ParseLogLevel("info"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, LogLevelError, ParseLogLevel(" err "))
	assert.Equal(t, LogLevelException, ParseLogLevel("fault"))
	assert.Equal(t, LogLevelLog, ParseLogLevel("debugish"))
}

func TestLevelPriorityOrdering(t *testing.T) {
	assert.Less(t, LogLevelLog.Priority(), LogLevelInfo.Priority())
	assert.Less(t, LogLevelInfo.Priority(), LogLevelWarn.Priority())
	assert.Less(t, LogLevelWarn.Priority(), LogLevelError.Priority())
	assert.Less(t, LogLevelError.Priority(), LogLevelException.Priority())
}

func TestParseConsoleLineRoundTrip(t *testing.T) {
	line := ParseConsoleLine(3, "[error] boom at line 12")
	assert.Equal(t, 3, line.TabID)
	assert.Equal(t, LogLevelError, line.Level)
	assert.Equal(t, "boom at line 12", line.Text)
	assert.Equal(t, "[error] boom at line 12", line.Format())
}

func TestParseConsoleLineWithoutPrefix(t *testing.T) {
	line := ParseConsoleLine(1, "plain message")
	assert.Equal(t, LogLevelLog, line.Level)
	assert.Equal(t, "plain message", line.Text)
}
