package environment

import (
	"context"
	"log/slog"
)

// LoggerExtractor returns a logger context extractor for the build environment.
func LoggerExtractor() func(ctx context.Context) (slog.Attr, bool) {
	return func(ctx context.Context) (slog.Attr, bool) {
		if env, ok := ctx.Value(contextKey{}).(Environment); ok && env != "" {
			return slog.String("build", string(env)), true
		}
		return slog.Attr{}, false
	}
}
