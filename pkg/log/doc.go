// Package log provides structured logging built on zerolog, with a global
// logger and per-component child loggers. Background loops log their
// lifecycle and per-cycle failures here; user-visible notices are warn and
// error events.
package log
