// Package logging defines the structured-logging facade the server and the
// operator CLI share. Components take the Logger interface, not a concrete
// backend, so tests can pass a discard logger and handlers can derive
// request-scoped children with With.
package logging

import "context"

// Logger is a context-aware, structured logger. The variadic args are
// key-value pairs, e.g.:
//
//	log.Info(ctx, "organization created", "organization_id", id)
type Logger interface {
	// Debug logs fine-grained diagnostics, off by default in production.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value
	// pairs, used to tag request and organization scopes.
	With(args ...any) Logger
}
