package cli

import "go.uber.org/zap"

// newZapLogger builds the structured logger for long-running commands
// (serve, agent). Logs go to stderr so stdout stays parseable NDJSON.
func newZapLogger(globals *Globals) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	switch {
	case globals != nil && globals.Verbose:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case globals != nil && globals.Quiet:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
