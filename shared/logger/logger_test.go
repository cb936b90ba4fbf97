package logger_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/common-tools-interface/cti-sub004/shared/logger"
)

func TestWithMergesFields(t *testing.T) {
	base := logger.New(logger.Ctx{"component": "test"})
	child := base.With(logger.Ctx{"app": "1"})

	// Neither call should panic, and both loggers remain independently usable.
	require.NotNil(t, child)
	child.Info("hello", logger.Ctx{"extra": true})
	base.Debug("should not print at info level")
}

func TestSetDebugDoesNotPanic(t *testing.T) {
	l := logger.New(nil)
	l.SetDebug(true)
	l.Debug("now visible")
	l.SetDebug(false)
}
