// Package logging wraps log/slog with the handlers, standardized field keys,
// and context plumbing used across the daemon and CLI.
package logging
