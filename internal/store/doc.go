// Package store persists jobs, candidates, and provider runs in SQLite and
// exposes the row-scoped claim, patch, and selection operations the rest of
// the engine coordinates through. No other channel exists between workers;
// every hand-off is a committed row transition.
package store
