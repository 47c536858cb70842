package obs

import (
	"context"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every log entry with the component it came from.
const SubsystemKey = pslog.TrustedString("sys")

// NewLogger builds the process logger from STAGEDOOR_LOG_* environment
// variables, defaulting to structured JSON on stderr at info level.
func NewLogger(ctx context.Context) pslog.Logger {
	return pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("STAGEDOOR_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "stagedoor")
}

// WithSubsystem attaches a subsystem tag to every entry logged through the
// returned logger. A nil logger yields a noop logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
