package tilemap

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/tilemap/geo"
)

// Logger wraps slog.Logger with tilemap-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithTile adds a tile address field to the logger.
func (l *Logger) WithTile(addr geo.OverscaledTileID) *Logger {
	return &Logger{
		Logger: l.Logger.With("tile", addr.String()),
	}
}

// WithLayer adds a style layer field to the logger.
func (l *Logger) WithLayer(layerID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("layer", layerID),
	}
}

// LogUpdate logs one camera-driven coverage reconciliation.
func (l *Logger) LogUpdate(ctx context.Context, ideal, live, inFlight int) {
	l.DebugContext(ctx, "coverage updated",
		"ideal", ideal,
		"live", live,
		"in_flight", inFlight,
	)
}

// LogPlacementPass logs a finished placement pass.
func (l *Logger) LogPlacementPass(ctx context.Context, symbols, placed, collisions int) {
	l.DebugContext(ctx, "placement pass finished",
		"symbols", symbols,
		"placed", placed,
		"collisions", collisions,
	)
}

// LogFeatureState logs a feature state change.
func (l *Logger) LogFeatureState(ctx context.Context, sourceLayer, featureID string, cleared bool) {
	l.DebugContext(ctx, "feature state changed",
		"source_layer", sourceLayer,
		"feature", featureID,
		"cleared", cleared,
	)
}
