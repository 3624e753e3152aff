package browser

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OliverMidbrink/cwb/internal/domain"
)

func TestHookRelayedTypeCoversWrappedLevels(t *testing.T) {
	assert.True(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeLog))
	assert.True(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeInfo))
	assert.True(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeWarning))
	assert.True(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeError))

	// Everything the hook does not wrap still flows through the CDP event.
	assert.False(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeDebug))
	assert.False(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeTrace))
	assert.False(t, hookRelayedType(proto.RuntimeConsoleAPICalledTypeDir))
}

func TestDecodeHookPayload(t *testing.T) {
	line, ok := decodeHookPayload(3, `{"level":"warn","text":"low disk"}`)
	require.True(t, ok)
	assert.Equal(t, 3, line.TabID)
	assert.Equal(t, domain.LogLevelWarn, line.Level)
	assert.Equal(t, "low disk", line.Text)

	_, ok = decodeHookPayload(3, "not json")
	assert.False(t, ok)
}

func TestExceptionTextFromThrownEvent(t *testing.T) {
	e := &proto.RuntimeExceptionThrown{
		ExceptionDetails: &proto.RuntimeExceptionDetails{Text: "Uncaught"},
	}
	assert.Equal(t, "Uncaught", exceptionText(e.ExceptionDetails))

	e.ExceptionDetails.Exception = &proto.RuntimeRemoteObject{
		Description: "ReferenceError: x is not defined",
	}
	assert.Equal(t, "ReferenceError: x is not defined", exceptionText(e.ExceptionDetails))
}

func TestConsoleLevelMapping(t *testing.T) {
	assert.Equal(t, domain.LogLevelInfo, consoleLevel(proto.RuntimeConsoleAPICalledTypeInfo))
	assert.Equal(t, domain.LogLevelWarn, consoleLevel(proto.RuntimeConsoleAPICalledTypeWarning))
	assert.Equal(t, domain.LogLevelError, consoleLevel(proto.RuntimeConsoleAPICalledTypeError))
	assert.Equal(t, domain.LogLevelLog, consoleLevel(proto.RuntimeConsoleAPICalledTypeTrace))
}
