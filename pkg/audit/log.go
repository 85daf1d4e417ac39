package audit

import (
	"context"
	"log/slog"
)

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink on logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// WriteDecision implements Sink.
func (s *LogSink) WriteDecision(ctx context.Context, rec DecisionRecord) error {
	attrs := []slog.Attr{
		slog.String("audit_id", rec.ID),
		slog.String("role", rec.Role),
		slog.String("mode", rec.Mode),
		slog.Bool("success", rec.Success),
		slog.String("model", rec.Model),
		slog.Bool("fallback_used", rec.FallbackUsed),
		slog.String("reason", rec.Reason),
		slog.Any("tried", rec.Tried),
	}
	if rec.Tier != "" {
		attrs = append(attrs, slog.String("tier", rec.Tier))
	}
	if rec.OverrideRejection != "" {
		attrs = append(attrs, slog.String("override_rejection", rec.OverrideRejection))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit routing decision", attrs...)
	return nil
}

// WriteTransition implements Sink.
func (s *LogSink) WriteTransition(ctx context.Context, rec TransitionRecord) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit role transition",
		slog.String("audit_id", rec.ID),
		slog.String("from_role", rec.From),
		slog.String("to_role", rec.To),
		slog.String("reason", rec.Reason),
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
