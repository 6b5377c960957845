package logger

// Logger is the structured logging contract used across the module.
// keyvals alternate key, value.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation id for each decision. It must be safe
// for concurrent calls.
type TraceIDFunc func() string
