package notify

import (
	"context"
	"log/slog"
)

// LogHandlers returns handlers that log every event: INFO carries the
// fingerprint and dimensions, DEBUG adds byte size and source format.
func LogHandlers() Handlers {
	return Handlers{
		Image: func(ev ImageEvent) error {
			slog.Info("image detected",
				"seq", ev.Seq,
				"fingerprint", ev.Fingerprint.Short(),
				"width", ev.Image.Width,
				"height", ev.Image.Height,
			)
			if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
				slog.Debug("image payload",
					"source_format", ev.Image.SourceFormat,
					"size_bytes", len(ev.Image.PNG),
				)
			}
			return nil
		},
		State: func(ev StateEvent) error {
			slog.Info("monitoring changed", "monitoring", ev.Monitoring)
			return nil
		},
	}
}
