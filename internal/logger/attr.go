package logger

import (
	"log/slog"
	"time"
)

// Helpers return an empty Attr for empty input so call sites need no nil
// checks; slog drops empty attrs.

func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func Rank(rank int) slog.Attr {
	return slog.Int("rank", rank)
}

func Role(role string) slog.Attr {
	return slog.String("role", role)
}

func Backend(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("backend", name)
}

func Scenario(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("scenario", name)
}

func Phase(name string) slog.Attr {
	return slog.String("phase", name)
}

func Path(path string) slog.Attr {
	if path == "" {
		return slog.Attr{}
	}
	return slog.String("path", path)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}
