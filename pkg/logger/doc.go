// Package logger builds the dev server's log/slog logger: text output while
// developing, JSON in prod or when asked for, with the configured level and
// the environment attached to every record.
package logger
