package observability

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. When
// LOG_FILE is set, records are also appended to that file. The returned
// cleanup closes the file and is never nil.
func SetupLogger(cfg config.Config) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	stdout := slog.NewJSONHandler(os.Stdout, opts)
	if cfg.LogFile == "" {
		return withServiceFields(slog.New(stdout), cfg), func() error { return nil }
	}

	// #nosec G304 -- operator supplied log path
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lg := withServiceFields(slog.New(stdout), cfg)
		lg.Error("failed to open log file, using stdout only", slog.String("file", cfg.LogFile), slog.Any("error", err))
		return lg, func() error { return nil }
	}
	return newFanoutLogger(cfg, stdout, f, opts), f.Close
}

func newFanoutLogger(cfg config.Config, primary slog.Handler, file io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, opts)
	return withServiceFields(slog.New(slogmulti.Fanout(primary, fileHandler)), cfg)
}

func withServiceFields(lg *slog.Logger, cfg config.Config) *slog.Logger {
	return lg.With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
