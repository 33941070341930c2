// Package logging provides structured, subsystem-tagged logging built on
// log/slog.
//
// Call Init once at process startup, then log with Debug/Info/Warn/Error,
// each tagged with the subsystem that produced the entry (e.g. "manager",
// "router", "spawner"). Error additionally carries the triggering error as
// a structured attribute.
package logging
