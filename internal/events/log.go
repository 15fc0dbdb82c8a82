package events

import (
	"context"
	"log/slog"

	"github.com/ent0n29/humantasks/internal/policy"
	"github.com/ent0n29/humantasks/internal/tasks"
)

// LogSink writes one structured line per event. Free text is redacted before
// it reaches the log.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Publish(ev tasks.Event) {
	attrs := []slog.Attr{
		slog.String("type", string(ev.Type)),
		slog.String("instance_id", ev.InstanceID),
		slog.String("definition", ev.Definition.String()),
		slog.String("state", string(ev.State)),
		slog.String("actor", ev.Actor),
		slog.Int64("sequence", ev.Sequence),
	}
	if ev.Owner != "" {
		attrs = append(attrs, slog.String("owner", ev.Owner))
	}
	if len(ev.Targets) > 0 {
		attrs = append(attrs, slog.Any("targets", ev.Targets))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", policy.RedactText(ev.Detail)))
	}
	s.logger.LogAttrs(context.Background(), s.level, "task event", attrs...)
}
