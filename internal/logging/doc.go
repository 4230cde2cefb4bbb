// Package logging assembles the structured slog loggers used across adlib.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes attr helpers so daemon and launcher code tag log lines with
// study IDs and worker IDs in a consistent shape. A no-op logger is provided
// for tests and wiring code that cannot fail.
package logging
